package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	appconfig "github.com/lewisedginton/telefeed/internal/config"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// loadConfig reads the configuration named by --config, with the environment
// layered on top.
func loadConfig(ctx *cli.Context) (*appconfig.AppConfig, error) {
	cfg, err := appconfig.Load(ctx.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if raw := ctx.String("log-level"); raw != "" {
		cfg.Logging.Level = raw
	}
	return cfg, nil
}

// getLogger builds the process logger from cfg. Before a configuration is
// available, pass nil to get an info-level JSON logger.
func getLogger(ctx *cli.Context, cfg *appconfig.AppConfig) logger.Logger {
	level := logger.ParseLevel(ctx.String("log-level"))
	format := "json"
	if cfg != nil {
		level = cfg.GetLogLevel()
		format = cfg.Logging.Format
	}
	return logger.NewLogger(logger.Config{
		Level:   level,
		Format:  format,
		Service: serviceName,
		Output:  ctx.App.ErrWriter,
	})
}

func appVersion(ctx *cli.Context) string {
	if v, ok := ctx.App.Metadata["version"].(string); ok && v != "" {
		return v
	}
	return "dev"
}
