package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	MinOperationTimeout = 10 * time.Second
	MaxOperationTimeout = 30 * time.Second
)

// RedirectionConfig tunes forwarding, restoration and session housekeeping.
type RedirectionConfig struct {
	// RestoreGracePeriod is waited after reconnecting sessions on startup
	// before listeners are installed.
	RestoreGracePeriod time.Duration `env:"RESTORE_GRACE_PERIOD" yaml:"restore_grace_period" default:"3s"`
	// OperationTimeout bounds each network call; see Timeout.
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT" yaml:"operation_timeout" default:"20s"`
	SessionMaxIdle   time.Duration `env:"SESSION_MAX_IDLE" yaml:"session_max_idle" default:"168h"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" yaml:"cleanup_interval" default:"1h"`
	// QueueSize is the per-listener event buffer.
	QueueSize int `env:"LISTENER_QUEUE_SIZE" yaml:"queue_size" default:"256"`
}

// Timeout returns OperationTimeout clamped to [MinOperationTimeout, MaxOperationTimeout].
func (r RedirectionConfig) Timeout() time.Duration {
	switch {
	case r.OperationTimeout < MinOperationTimeout:
		return MinOperationTimeout
	case r.OperationTimeout > MaxOperationTimeout:
		return MaxOperationTimeout
	default:
		return r.OperationTimeout
	}
}

func (r RedirectionConfig) Validate() error {
	var result error
	if r.RestoreGracePeriod < 0 {
		result = multierror.Append(result, fmt.Errorf("restore_grace_period cannot be negative"))
	}
	if r.SessionMaxIdle <= 0 {
		result = multierror.Append(result, fmt.Errorf("session_max_idle must be greater than 0"))
	}
	if r.CleanupInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("cleanup_interval must be greater than 0"))
	}
	if r.QueueSize < 1 {
		result = multierror.Append(result, fmt.Errorf("queue_size must be positive, got %d", r.QueueSize))
	}
	return result
}
