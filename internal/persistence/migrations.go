// Package persistence implements store.Store on SQL databases: PostgreSQL
// through pgx and SQLite through modernc.org/sqlite. Schemas are embedded and
// applied with golang-migrate.
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/lewisedginton/telefeed/pkg/logger"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// Dialect selects the schema and migrate driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// MigrationManager applies the embedded schema for one dialect.
type MigrationManager struct {
	pool    *pgxpool.Pool
	db      *sql.DB
	dialect Dialect
	logger  logger.Logger
}

// NewPostgresMigrationManager creates a migration manager from a pgx pool.
func NewPostgresMigrationManager(pool *pgxpool.Pool, log logger.Logger) *MigrationManager {
	return &MigrationManager{
		pool:    pool,
		dialect: DialectPostgres,
		logger:  log,
	}
}

// NewSQLiteMigrationManager creates a migration manager on an open SQLite handle.
// The handle stays owned by the caller.
func NewSQLiteMigrationManager(db *sql.DB, log logger.Logger) *MigrationManager {
	return &MigrationManager{
		db:      db,
		dialect: DialectSQLite,
		logger:  log,
	}
}

// OpenMigrationManager connects to target without applying anything. target
// is a connection URL for Postgres and a file path for SQLite. The returned
// close func releases the connection.
func OpenMigrationManager(ctx context.Context, dialect Dialect, target string, log logger.Logger) (*MigrationManager, func(), error) {
	switch dialect {
	case DialectPostgres:
		pool, err := pgxpool.New(ctx, target)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return NewPostgresMigrationManager(pool, log), pool.Close, nil

	case DialectSQLite:
		db, err := sql.Open("sqlite", sqliteDSN(target))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping sqlite: %w", err)
		}
		return NewSQLiteMigrationManager(db, log), func() { _ = db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// Up applies every pending migration.
func (m *MigrationManager) Up() error {
	return m.run("up", func(mg *migrate.Migrate) error { return mg.Up() })
}

// Down rolls back every applied migration.
func (m *MigrationManager) Down() error {
	return m.run("down", func(mg *migrate.Migrate) error { return mg.Down() })
}

// Version returns the current schema version.
func (m *MigrationManager) Version() (uint, bool, error) {
	migrator, err := m.createMigrator()
	if err != nil {
		return 0, false, err
	}
	defer m.release(migrator)

	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (m *MigrationManager) run(direction string, fn func(*migrate.Migrate) error) error {
	migrator, err := m.createMigrator()
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.release(migrator)

	m.logger.Info("Starting database migrations",
		logger.StringField("dialect", string(m.dialect)),
		logger.StringField("direction", direction))

	if err := fn(migrator); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("No migrations to apply")
			return nil
		}
		m.logger.Error("Failed to run migrations", logger.ErrorField(err))
		return fmt.Errorf("run migrations %s: %w", direction, err)
	}

	m.logger.Info("Successfully applied migrations", logger.StringField("direction", direction))
	return nil
}

// createMigrator builds a migrate instance. Postgres gets a throwaway
// *sql.DB over the pool per run; SQLite reuses the caller's handle.
func (m *MigrationManager) createMigrator() (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationFS, "migrations/"+string(m.dialect))
	if err != nil {
		return nil, fmt.Errorf("create embedded migration source: %w", err)
	}

	var driver database.Driver
	switch m.dialect {
	case DialectPostgres:
		driver, err = postgres.WithInstance(stdlib.OpenDBFromPool(m.pool), &postgres.Config{})
	case DialectSQLite:
		driver, err = sqlite.WithInstance(m.db, &sqlite.Config{})
	default:
		return nil, fmt.Errorf("unsupported dialect %q", m.dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s driver: %w", m.dialect, err)
	}

	return migrate.NewWithInstance("iofs", sourceDriver, string(m.dialect), driver)
}

// release closes a Postgres migrator together with its throwaway handle.
// Closing a SQLite migrator would close the caller's handle, so it is left
// for the garbage collector.
func (m *MigrationManager) release(migrator *migrate.Migrate) {
	if m.dialect == DialectPostgres {
		_, _ = migrator.Close()
	}
}
