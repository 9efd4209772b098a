package session_manager

import (
	"context"
	"testing"
	"time"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/chat/memory"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/storage_manager"
	"github.com/lewisedginton/telefeed/internal/store"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	phoneA = "229900112233"
	phoneB = "229900445566"
	phoneC = "229900778899"
)

func testLogger() logger.Logger {
	return logger.NewLogger(logger.Config{Level: logger.ErrorLevel, Format: "text"})
}

type testEnv struct {
	net   *memory.Network
	store *store.FileStore
	mgr   *Manager
	now   time.Time
}

func setupTestManager(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewFileStore(context.Background(), store.FileConfig{
		File:         "sessions.json",
		FileProvider: storage_manager.NewLocalFileProvider(t.TempDir()),
		Logger:       testLogger(),
	})
	require.NoError(t, err)

	env := &testEnv{
		net:   memory.NewNetwork(),
		store: st,
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.mgr, err = New(Config{
		Store:  st,
		Dialer: env.net,
		Logger: testLogger(),
		Now:    func() time.Time { return env.now },
	})
	require.NoError(t, err)
	t.Cleanup(env.mgr.Close)
	return env
}

// open returns an authorized client and its handle for phone.
func (e *testEnv) open(t *testing.T, phone string) (chat.Client, string) {
	t.Helper()
	handle := e.net.IssueHandle(phone)
	client, err := e.net.Open(context.Background(), handle)
	require.NoError(t, err)
	return client, handle
}

func TestNew(t *testing.T) {
	net := memory.NewNetwork()
	st := store.SessionStore(nil)

	tests := []struct {
		name   string
		config Config
	}{
		{"missing store", Config{Dialer: net, Logger: testLogger()}},
		{"missing dialer", Config{Store: st, Logger: testLogger()}},
		{"missing logger", Config{Dialer: net}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestPutSession_SupersedesAndReleases(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	first, h1 := env.open(t, phoneA)
	second, h2 := env.open(t, phoneA)

	require.NoError(t, env.mgr.PutSession(ctx, 1, "+"+phoneA, h1, first))
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneA, h2, second))

	assert.Equal(t, 1, env.mgr.Registry().Len())
	assert.Equal(t, 1, env.net.Disconnects())
	assert.False(t, first.IsConnected())

	live, err := env.mgr.Client(1, phoneA)
	require.NoError(t, err)
	assert.Same(t, second, live)

	stored, err := env.store.GetSession(ctx, 1, phoneA)
	require.NoError(t, err)
	assert.Equal(t, h2, stored.Handle)
	assert.True(t, stored.Active)
}

func TestPutSession_SameClientNotReleased(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	client, handle := env.open(t, phoneA)
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneA, handle, client))
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneA, handle, client))

	assert.Equal(t, 0, env.net.Disconnects())
	assert.True(t, client.IsConnected())
}

func TestPutSession_InvalidPhone(t *testing.T) {
	env := setupTestManager(t)
	client, handle := env.open(t, phoneA)

	err := env.mgr.PutSession(context.Background(), 1, "12ab", handle, client)
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))
	assert.Equal(t, 0, env.mgr.Registry().Len())
}

func TestListSessions(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	ca, ha := env.open(t, phoneA)
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneA, ha, ca))
	env.now = env.now.Add(time.Minute)
	cb, hb := env.open(t, phoneB)
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneB, hb, cb))
	require.NoError(t, env.mgr.Deactivate(ctx, 1, phoneA))

	sessions, err := env.mgr.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, phoneB, sessions[0].Phone)
	assert.True(t, sessions[0].Live)
	assert.Equal(t, phoneA, sessions[1].Phone)
	assert.False(t, sessions[1].Active)
	assert.False(t, sessions[1].Live)
}

func TestRestoreAll_CountsFailures(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	valid1 := env.net.IssueHandle(phoneA)
	valid2 := env.net.IssueHandle(phoneB)
	for _, s := range []domain.Session{
		{Owner: 1, Phone: phoneA, Handle: valid1, Active: true, LastUsed: env.now},
		{Owner: 2, Phone: phoneB, Handle: valid2, Active: true, LastUsed: env.now},
		{Owner: 3, Phone: phoneC, Handle: "mem-corrupt", Active: true, LastUsed: env.now},
	} {
		require.NoError(t, env.store.UpsertSession(ctx, s))
	}

	result := env.mgr.RestoreAll(ctx)
	assert.Equal(t, 2, result.Restored)
	assert.Equal(t, 1, result.Failed)
	assert.Error(t, result.Err)

	assert.Equal(t, 2, env.mgr.Registry().Len())
	_, ok := env.mgr.Registry().Get(3, phoneC)
	assert.False(t, ok)

	failed, err := env.store.GetSession(ctx, 3, phoneC)
	require.NoError(t, err)
	assert.False(t, failed.Active)

	for _, live := range env.mgr.Registry().ForOwner(1) {
		assert.True(t, live.Restored)
	}
}

func TestRestoreAll_RevokedHandle(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	handle := env.net.IssueHandle(phoneA)
	env.net.Revoke(handle)
	require.NoError(t, env.store.UpsertSession(ctx, domain.Session{Owner: 1, Phone: phoneA, Handle: handle, Active: true}))

	result := env.mgr.RestoreAll(ctx)
	assert.Equal(t, 0, result.Restored)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, env.mgr.Registry().Len())
}

func TestReconnect(t *testing.T) {
	t.Run("own handle", func(t *testing.T) {
		env := setupTestManager(t)
		ctx := context.Background()
		handle := env.net.IssueHandle(phoneA)
		require.NoError(t, env.store.UpsertSession(ctx, domain.Session{Owner: 1, Phone: phoneA, Handle: handle, Active: true}))

		client, err := env.mgr.Reconnect(ctx, 1, phoneA)
		require.NoError(t, err)
		assert.True(t, client.IsConnected())
		assert.Equal(t, 1, env.mgr.Registry().Len())
	})

	t.Run("falls back to the phone under another owner", func(t *testing.T) {
		env := setupTestManager(t)
		ctx := context.Background()
		handle := env.net.IssueHandle(phoneA)
		require.NoError(t, env.store.UpsertSession(ctx, domain.Session{Owner: 2, Phone: phoneA, Handle: handle, Active: true}))

		_, err := env.mgr.Reconnect(ctx, 1, phoneA)
		require.NoError(t, err)

		adopted, err := env.store.GetSession(ctx, 1, phoneA)
		require.NoError(t, err)
		assert.Equal(t, handle, adopted.Handle)
		assert.True(t, adopted.Active)
	})

	t.Run("own handle revoked then fallback", func(t *testing.T) {
		env := setupTestManager(t)
		ctx := context.Background()
		dead := env.net.IssueHandle(phoneA)
		env.net.Revoke(dead)
		good := env.net.IssueHandle(phoneA)
		require.NoError(t, env.store.UpsertSession(ctx, domain.Session{Owner: 1, Phone: phoneA, Handle: dead, Active: true}))
		require.NoError(t, env.store.UpsertSession(ctx, domain.Session{Owner: 2, Phone: phoneA, Handle: good, Active: true}))

		_, err := env.mgr.Reconnect(ctx, 1, phoneA)
		require.NoError(t, err)

		stored, err := env.store.GetSession(ctx, 1, phoneA)
		require.NoError(t, err)
		assert.Equal(t, good, stored.Handle)
	})

	t.Run("nothing stored", func(t *testing.T) {
		env := setupTestManager(t)
		_, err := env.mgr.Reconnect(context.Background(), 1, phoneA)
		assert.True(t, domain.IsKind(err, domain.KindSessionUnavailable))
	})
}

func TestDeactivate(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	client, handle := env.open(t, phoneA)
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneA, handle, client))

	require.NoError(t, env.mgr.Deactivate(ctx, 1, phoneA))
	assert.False(t, client.IsConnected())
	assert.Equal(t, 0, env.mgr.Registry().Len())

	_, err := env.mgr.Client(1, phoneA)
	assert.True(t, domain.IsKind(err, domain.KindSessionUnavailable))

	err = env.mgr.Deactivate(ctx, 9, phoneB)
	assert.True(t, domain.IsKind(err, domain.KindSessionUnavailable))
}

func TestCleanupExpired(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	stale, hs := env.open(t, phoneA)
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneA, hs, stale))

	env.now = env.now.Add(6 * 24 * time.Hour)
	fresh, hf := env.open(t, phoneB)
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneB, hf, fresh))

	env.now = env.now.Add(2 * 24 * time.Hour)
	n, err := env.mgr.CleanupExpired(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.False(t, stale.IsConnected())
	assert.True(t, fresh.IsConnected())
	assert.Equal(t, 1, env.mgr.Registry().Len())

	n, err = env.mgr.CleanupExpired(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestListDialogs(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	env.net.SetDialogs(phoneA,
		chat.Dialog{ID: 10, Kind: chat.DialogUser, Name: "alice"},
		chat.Dialog{ID: 11, Kind: chat.DialogChannel, Name: "news"},
		chat.Dialog{ID: 12, Kind: chat.DialogGroup, Name: "team"},
	)
	client, handle := env.open(t, phoneA)
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneA, handle, client))

	all, err := env.mgr.ListDialogs(ctx, 1, phoneA, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	channels, err := env.mgr.ListDialogs(ctx, 1, phoneA, "channel")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, int64(11), channels[0].ID)

	_, err = env.mgr.ListDialogs(ctx, 1, phoneA, "robots")
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))

	_, err = env.mgr.ListDialogs(ctx, 1, phoneB, "")
	assert.True(t, domain.IsKind(err, domain.KindSessionUnavailable))

	_, err = env.mgr.ListDialogs(ctx, 2, phoneA, "")
	assert.True(t, domain.IsKind(err, domain.KindSessionUnavailable))
}

func TestListDialogs_PermanentFailureDeactivates(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	client, handle := env.open(t, phoneA)
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneA, handle, client))
	env.net.FailNext(memory.OpListDialogs, chat.ErrSessionRevoked)

	_, err := env.mgr.ListDialogs(ctx, 1, phoneA, "")
	assert.True(t, domain.IsKind(err, domain.KindProtocolPermanent))

	assert.Equal(t, 0, env.mgr.Registry().Len())
	stored, err := env.store.GetSession(ctx, 1, phoneA)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}

func TestReportFailure_TransientKeepsSession(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	client, handle := env.open(t, phoneA)
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneA, handle, client))

	env.mgr.ReportFailure(ctx, 1, phoneA, chat.Wrap("send", chat.ErrFloodWait))
	assert.Equal(t, 1, env.mgr.Registry().Len())
}

func TestOnEvict(t *testing.T) {
	env := setupTestManager(t)
	ctx := context.Background()

	var evicted []string
	env.mgr.OnEvict(func(owner int64, phone string) {
		evicted = append(evicted, phone)
	})

	a, ha := env.open(t, phoneA)
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneA, ha, a))
	b, hb := env.open(t, phoneB)
	require.NoError(t, env.mgr.PutSession(ctx, 1, phoneB, hb, b))

	require.NoError(t, env.mgr.Deactivate(ctx, 1, phoneA))
	assert.Equal(t, []string{phoneA}, evicted)

	env.now = env.now.Add(30 * 24 * time.Hour)
	n, err := env.mgr.CleanupExpired(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{phoneA, phoneB}, evicted)
}
