package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `env:"LOG_LEVEL" yaml:"level" default:"info"`
	// Format is json or text.
	Format string `env:"LOG_FORMAT" yaml:"format" default:"json"`
}

func (c LoggingConfig) Validate() error {
	var result error
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("log level must be one of [debug, info, warn, error], got %q", c.Level))
	}
	switch c.Format {
	case "json", "text":
	default:
		result = multierror.Append(result, fmt.Errorf("log format must be json or text, got %q", c.Format))
	}
	return result
}
