package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	pkgconfig "github.com/lewisedginton/telefeed/pkg/config"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// AppConfig holds all application configuration
type AppConfig struct {
	ServiceName string `env:"SERVICE_NAME" yaml:"service_name" default:"telefeed"`
	Environment string `env:"ENVIRONMENT" yaml:"environment" default:"development"`

	Logging     pkgconfig.LoggingConfig    `yaml:"logging"`
	Storage     StorageConfig              `yaml:"storage"`
	Database    pkgconfig.DatabaseConfig   `yaml:"database"`
	Telegram    TelegramConfig             `yaml:"telegram"`
	Redirection RedirectionConfig          `yaml:"redirection"`
	Health      pkgconfig.HealthConfig     `yaml:"health"`
	Metrics     pkgconfig.MetricsConfig    `yaml:"metrics"`
	API         pkgconfig.HTTPServerConfig `yaml:"api"`
}

// Load reads path (optional) and the environment into a validated AppConfig.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := pkgconfig.GetConfig(cfg, path, false); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration and returns an error if invalid
func (c AppConfig) Validate() error {
	var result error

	sections := []pkgconfig.Validator{c.Logging, c.Storage, c.Telegram, c.Redirection, c.Health, c.Metrics, c.API}
	if c.Storage.Backend == BackendPostgres {
		sections = append(sections, c.Database)
	}
	for _, section := range sections {
		if err := section.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	listeners := []struct {
		name    string
		enabled bool
		port    int
	}{
		{"api", c.API.Enabled, c.API.Port},
		{"health", c.Health.Enabled, c.Health.Port},
		{"metrics", c.Metrics.Enabled, c.Metrics.Port},
	}
	ports := map[int]string{}
	for _, l := range listeners {
		if !l.enabled {
			continue
		}
		if other, ok := ports[l.port]; ok {
			result = multierror.Append(result, fmt.Errorf("%s and %s listeners share port %d", other, l.name, l.port))
			continue
		}
		ports[l.port] = l.name
	}

	return result
}

// GetLogLevel returns the parsed logger level
func (c *AppConfig) GetLogLevel() logger.Level {
	return logger.ParseLevel(c.Logging.Level)
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

// LogConfig logs the current configuration (without sensitive data)
func (c *AppConfig) LogConfig(log logger.Logger) {
	log.Info("Application configuration loaded",
		logger.StringField("service_name", c.ServiceName),
		logger.StringField("environment", c.Environment),
		logger.StringField("log_level", c.Logging.Level),
		logger.StringField("storage_backend", c.Storage.Backend),
		logger.StringField("file_backend", c.Storage.FileBackend),
		logger.StringField("chat_backend", c.Telegram.Backend),
		logger.BoolField("bot_enabled", c.Telegram.Enabled()),
		logger.IntField("admin_count", len(c.Telegram.AdminIDs)),
		logger.DurationField("restore_grace_period", c.Redirection.RestoreGracePeriod),
		logger.DurationField("operation_timeout", c.Redirection.Timeout()),
		logger.DurationField("session_max_idle", c.Redirection.SessionMaxIdle),
		logger.BoolField("api_enabled", c.API.Enabled),
		logger.BoolField("health_enabled", c.Health.Enabled),
		logger.BoolField("metrics_enabled", c.Metrics.Enabled),
	)
}
