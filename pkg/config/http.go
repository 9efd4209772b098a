package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// HTTPServerConfig configures the admin API listener.
type HTTPServerConfig struct {
	Enabled bool `env:"API_ENABLED" yaml:"enabled" default:"false"`
	Port    int  `env:"API_PORT" yaml:"port" default:"8080"`

	ReadTimeout  time.Duration `env:"API_READ_TIMEOUT" yaml:"read_timeout" default:"15s"`
	WriteTimeout time.Duration `env:"API_WRITE_TIMEOUT" yaml:"write_timeout" default:"15s"`
	IdleTimeout  time.Duration `env:"API_IDLE_TIMEOUT" yaml:"idle_timeout" default:"60s"`
}

func (h HTTPServerConfig) Validate() error {
	var result error
	if h.Enabled && (h.Port < 1 || h.Port > 65535) {
		result = multierror.Append(result, fmt.Errorf("api port must be between 1-65535, got %d", h.Port))
	}
	return result
}

// HealthConfig configures the liveness and readiness listener.
type HealthConfig struct {
	Enabled bool `env:"HEALTH_ENABLED" yaml:"enabled" default:"true"`
	Port    int  `env:"HEALTH_PORT" yaml:"port" default:"8081"`
	// FailureThreshold is the number of consecutive failures before a check reports unhealthy.
	FailureThreshold int `env:"HEALTH_FAILURE_THRESHOLD" yaml:"failure_threshold" default:"3"`
}

func (h HealthConfig) Validate() error {
	var result error
	if h.Enabled && (h.Port < 1 || h.Port > 65535) {
		result = multierror.Append(result, fmt.Errorf("health port must be between 1-65535, got %d", h.Port))
	}
	if h.FailureThreshold < 1 {
		result = multierror.Append(result, fmt.Errorf("health failure threshold must be positive, got %d", h.FailureThreshold))
	}
	return result
}
