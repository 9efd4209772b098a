package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/storage_manager"
	"github.com/lewisedginton/telefeed/internal/store"
	"github.com/lewisedginton/telefeed/internal/store/storetest"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logger.Logger {
	return logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Format: "text"})
}

func setupFileStore(t *testing.T, dir string) *store.FileStore {
	t.Helper()

	s, err := store.NewFileStore(context.Background(), store.FileConfig{
		File:         "telefeed.json",
		FileProvider: storage_manager.NewLocalFileProvider(dir),
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	return s
}

func TestFileStoreSuite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return setupFileStore(t, t.TempDir())
	})
}

func TestNewFileStoreValidation(t *testing.T) {
	provider := storage_manager.NewLocalFileProvider(t.TempDir())

	tests := []struct {
		name   string
		config store.FileConfig
	}{
		{name: "missing file", config: store.FileConfig{FileProvider: provider, Logger: testLogger()}},
		{name: "missing provider", config: store.FileConfig{File: "x.json", Logger: testLogger()}},
		{name: "missing logger", config: store.FileConfig{File: "x.json", FileProvider: provider}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.NewFileStore(context.Background(), tt.config)
			assert.Error(t, err)
		})
	}
}

func TestFileStoreSurvivesReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Now().UTC().Truncate(time.Second)

	s := setupFileStore(t, dir)
	require.NoError(t, s.UpsertSession(ctx, domain.Session{
		Owner: 7, Phone: "229900112233", Handle: "h", Active: true, LastUsed: now, CreatedAt: now,
	}))
	require.NoError(t, s.SavePending(ctx, domain.PendingRule{Owner: 7, Name: "R1", Phone: "229900112233", CreatedAt: now}))
	require.NoError(t, s.ApplyRuleChange(ctx, store.RuleChange{Owner: 8, Put: []domain.Rule{{
		ID: "rule-a", Owner: 8, Name: "A", Phone: "229900112244", SourceID: 1, DestinationID: 2, Active: true, CreatedAt: now,
	}}}))

	assert.FileExists(t, filepath.Join(dir, "telefeed.json"))

	reloaded := setupFileStore(t, dir)
	sessions, err := reloaded.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "h", sessions[0].Handle)

	p, err := reloaded.GetPending(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "R1", p.Name)

	rules, err := reloaded.ListRules(ctx, 8)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "A", rules[0].Name)
}

func TestFileStoreOverPrefixedProvider(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	manager, err := storage_manager.New(storage_manager.Config{
		Backend:     storage_manager.BackendLocal,
		LocalConfig: &storage_manager.LocalConfig{BaseDir: dir},
	})
	require.NoError(t, err)

	s, err := store.NewFileStore(ctx, store.FileConfig{
		File:         "telefeed.json",
		FileProvider: manager.GetProvider("state"),
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, s.SavePending(ctx, domain.PendingRule{Owner: 1, Name: "R", Phone: "229900112233"}))

	assert.FileExists(t, filepath.Join(dir, "state", "telefeed.json"))
	require.NoError(t, s.Ping(ctx))
}
