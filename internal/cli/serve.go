package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/lewisedginton/telefeed/internal/server"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// ServeCommand runs the service until it is interrupted.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the redirection service",
		Action: serveAction,
	}
}

func serveAction(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		getLogger(ctx, nil).Error("Failed to load config", logger.ErrorField(err))
		return err
	}

	log := getLogger(ctx, cfg)
	cfg.LogConfig(log)

	s, err := server.New(ctx.Context, cfg, log, server.Options{Version: appVersion(ctx)})
	if err != nil {
		log.Error("Failed to create server", logger.ErrorField(err))
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := s.Run(ctx.Context); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("Server exited gracefully")
	return nil
}
