package config

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// MetricsConfig holds metrics collection and exposure settings
type MetricsConfig struct {
	// Enabled starts the Prometheus /metrics listener.
	Enabled bool `env:"METRICS_ENABLED" yaml:"enabled" default:"false"`
	Port    int  `env:"METRICS_PORT" yaml:"port" default:"9090"`
	// HTTP adds request counters for the admin API.
	HTTP bool `env:"METRICS_HTTP" yaml:"http" default:"false"`
}

func (m MetricsConfig) Validate() error {
	var result error
	if m.Enabled && (m.Port < 1 || m.Port > 65535) {
		result = multierror.Append(result, fmt.Errorf("metrics port must be between 1-65535, got %d", m.Port))
	}
	return result
}
