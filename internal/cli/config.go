package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/lewisedginton/telefeed/pkg/logger"
)

// ConfigCommand returns a command for configuration operations
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration operations",
		Subcommands: []*cli.Command{
			{
				Name:   "validate",
				Usage:  "Load and validate the configuration, then exit",
				Action: configValidateAction,
			},
		},
	}
}

func configValidateAction(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		getLogger(ctx, nil).Error("Configuration validation failed", logger.ErrorField(err))
		return err
	}

	cfg.LogConfig(getLogger(ctx, cfg))
	_, err = fmt.Fprintln(ctx.App.Writer, "Configuration is valid")
	return err
}
