package persistence_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/persistence"
	"github.com/lewisedginton/telefeed/internal/store"
	"github.com/lewisedginton/telefeed/internal/store/storetest"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

func testLogger() logger.Logger {
	return logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Format: "text"})
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := persistence.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "telefeed.db"), testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "telefeed.db")

	s, err := persistence.OpenSQLite(ctx, path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.SavePending(ctx, pendingFixture()))
	require.NoError(t, s.Close())

	// Migrations on an up-to-date schema are a no-op.
	s, err = persistence.OpenSQLite(ctx, path, testLogger())
	require.NoError(t, err)
	defer s.Close()

	p, err := s.GetPending(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "R7", p.Name)
	require.NoError(t, s.Ping(ctx))
}

func TestSQLiteStore_EmptyPath(t *testing.T) {
	_, err := persistence.OpenSQLite(context.Background(), " ", testLogger())
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TELEFEED_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TELEFEED_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	storetest.Run(t, func(t *testing.T) store.Store {
		pool, err := pgxpool.New(ctx, url)
		require.NoError(t, err)

		migrations := persistence.NewPostgresMigrationManager(pool, testLogger())
		require.NoError(t, migrations.Down())
		require.NoError(t, migrations.Up())

		s := persistence.NewPostgresStore(pool, testLogger())
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func pendingFixture() domain.PendingRule {
	return domain.PendingRule{Owner: 7, Name: "R7", Phone: "229900112233", CreatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
}
