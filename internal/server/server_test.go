package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/chat/memory"
	"github.com/lewisedginton/telefeed/internal/chat/mtproto"
	appconfig "github.com/lewisedginton/telefeed/internal/config"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/storage_manager"
	"github.com/lewisedginton/telefeed/internal/store"
	pkgconfig "github.com/lewisedginton/telefeed/pkg/config"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

const (
	owner = int64(1001)
	phone = "229900112233"
)

func testConfig(dir string) *appconfig.AppConfig {
	return &appconfig.AppConfig{
		ServiceName: "telefeed",
		Environment: "test",
		Logging:     pkgconfig.LoggingConfig{Level: "error", Format: "text"},
		Storage: appconfig.StorageConfig{
			Backend:     appconfig.BackendFile,
			FileBackend: appconfig.FileBackendLocal,
			LocalDir:    dir,
			SQLitePath:  filepath.Join(dir, "telefeed.db"),
		},
		Telegram: appconfig.TelegramConfig{Backend: appconfig.ChatBackendMemory},
		Redirection: appconfig.RedirectionConfig{
			OperationTimeout: 10 * time.Second,
			SessionMaxIdle:   time.Hour,
			CleanupInterval:  time.Hour,
			QueueSize:        16,
		},
		Health: pkgconfig.HealthConfig{FailureThreshold: 1},
	}
}

// seed persists one session and one rule where the server's file store will
// find them.
func seed(t *testing.T, dir string, net *memory.Network) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewFileStore(ctx, store.FileConfig{
		File:         storeFile,
		FileProvider: storage_manager.NewLocalFileProvider(filepath.Join(dir, "state")),
		Logger:       logger.NewNop(),
	})
	require.NoError(t, err)
	defer st.Close()

	now := time.Now()
	require.NoError(t, st.UpsertSession(ctx, domain.Session{
		Owner:     owner,
		Phone:     phone,
		Handle:    net.IssueHandle(phone),
		Active:    true,
		LastUsed:  now,
		CreatedAt: now,
	}))
	require.NoError(t, st.ApplyRuleChange(ctx, store.RuleChange{
		Owner: owner,
		Put: []domain.Rule{{
			ID:            "rule-seed",
			Owner:         owner,
			Name:          "R1",
			Phone:         phone,
			SourceID:      100,
			DestinationID: 200,
			Active:        true,
			CreatedAt:     now,
		}},
	}))
}

func TestNew_UnsupportedBackend(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Storage.Backend = "mongo"

	_, err := New(context.Background(), cfg, logger.NewNop(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage backend")
}

func TestNewDialer(t *testing.T) {
	d, err := newDialer(appconfig.TelegramConfig{Backend: appconfig.ChatBackendMemory}, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &memory.Network{}, d)

	d, err = newDialer(appconfig.TelegramConfig{
		Backend: appconfig.ChatBackendMTProto,
		APIID:   12345,
		APIHash: "0123456789abcdef",
	}, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &mtproto.Dialer{}, d)

	_, err = newDialer(appconfig.TelegramConfig{Backend: appconfig.ChatBackendMTProto}, logger.NewNop())
	assert.Error(t, err)
}

func TestNew_SQLiteBackend(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Storage.Backend = appconfig.BackendSQLite

	s, err := New(context.Background(), cfg, logger.NewNop(), Options{})
	require.NoError(t, err)
	s.close()
}

func TestRun_RestoresAndForwards(t *testing.T) {
	dir := t.TempDir()
	net := memory.NewNetwork()
	seed(t, dir, net)

	s, err := New(context.Background(), testConfig(dir), logger.NewNop(), Options{Version: "test", Dialer: net})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return net.Subscribers(100) == 2
	}, 5*time.Second, 10*time.Millisecond, "listener restored")

	net.Post(ctx, 100, chat.Message{Text: "hello"})
	require.NoError(t, s.engine.WaitIdle(ctx))
	require.Len(t, net.Messages(200), 1)
	assert.Equal(t, "hello", net.Messages(200)[0].Text)

	assert.Equal(t, map[string]int{"sessions_live": 1, "listeners": 1, "links": 1}, s.stats())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, 0, net.Subscribers(100), "listeners stopped on shutdown")
	assert.Equal(t, 1, net.Disconnects(), "restored client released")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	s, err := New(context.Background(), testConfig(t.TempDir()), logger.NewNop(), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
}

func TestAuthorizer(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s := &Server{cfg: cfg}
	ctx := context.Background()

	assert.True(t, s.authorizer().Authorized(ctx, 42), "no allow-list admits everyone")

	cfg.Telegram.AdminIDs = []int64{7}
	cfg.Telegram.AllowedOwners = []int64{owner}
	auth := s.authorizer()
	assert.True(t, auth.Authorized(ctx, owner))
	assert.True(t, auth.Authorized(ctx, 7))
	assert.False(t, auth.Authorized(ctx, 42))
}
