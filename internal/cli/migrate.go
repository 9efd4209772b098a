package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	appconfig "github.com/lewisedginton/telefeed/internal/config"
	"github.com/lewisedginton/telefeed/internal/persistence"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// MigrateCommand applies or rolls back the SQL schema of the configured
// backend.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Schema migrations for the sqlite and postgres backends",
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply every pending migration",
				Action: func(ctx *cli.Context) error {
					return migrateAction(ctx, "up", (*persistence.MigrationManager).Up)
				},
			},
			{
				Name:  "down",
				Usage: "Roll back every migration",
				Action: func(ctx *cli.Context) error {
					return migrateAction(ctx, "down", (*persistence.MigrationManager).Down)
				},
			},
		},
	}
}

func migrateAction(ctx *cli.Context, direction string, run func(*persistence.MigrationManager) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log := getLogger(ctx, cfg)

	dialect, target, err := migrationTarget(cfg)
	if err != nil {
		return err
	}

	migrations, closeDB, err := persistence.OpenMigrationManager(ctx.Context, dialect, target, log)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dialect, err)
	}
	defer closeDB()

	if err := run(migrations); err != nil {
		log.Error("Migration failed", logger.StringField("direction", direction), logger.ErrorField(err))
		return fmt.Errorf("migrate %s: %w", direction, err)
	}

	version, dirty, err := migrations.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	_, err = fmt.Fprintf(ctx.App.Writer, "Schema version %d (dirty: %t)\n", version, dirty)
	return err
}

func migrationTarget(cfg *appconfig.AppConfig) (persistence.Dialect, string, error) {
	switch cfg.Storage.Backend {
	case appconfig.BackendSQLite:
		return persistence.DialectSQLite, cfg.Storage.SQLitePath, nil
	case appconfig.BackendPostgres:
		return persistence.DialectPostgres, cfg.Database.GetConnectionString(), nil
	default:
		return "", "", fmt.Errorf("storage backend %q has no schema to migrate", cfg.Storage.Backend)
	}
}
