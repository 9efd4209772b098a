// Package cli builds the telefeed command-line application.
package cli

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/lewisedginton/telefeed/pkg/logger"
)

const serviceName = "telefeed"

// NewApp returns the telefeed application. version is reported by the
// version command and the health endpoint.
func NewApp(version string) *cli.App {
	return &cli.App{
		Name:    serviceName,
		Usage:   "Redirect messages between Telegram chats on behalf of connected accounts",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file before reading configuration",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Override the configured log level (debug, info, warn, error)",
				EnvVars: []string{"TELEFEED_LOG_LEVEL"},
			},
		},
		Before: func(ctx *cli.Context) error {
			if path := ctx.String("env-file"); path != "" {
				if err := godotenv.Load(path); err != nil {
					return fmt.Errorf("failed to load env file %s: %w", path, err)
				}
			}
			if raw := ctx.String("log-level"); raw != "" {
				if _, err := logger.ParseLevelStrict(raw); err != nil {
					return err
				}
			}

			ctx.App.Metadata = map[string]interface{}{
				"version": version,
			}
			return nil
		},
		Commands: []*cli.Command{
			ServeCommand(),
			ConfigCommand(),
			MigrateCommand(),
			VersionCommand(),
		},
	}
}

// VersionCommand prints the build version.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(ctx *cli.Context) error {
			_, err := fmt.Fprintf(ctx.App.Writer, "%s %s\n", serviceName, ctx.App.Version)
			return err
		},
	}
}
