package connection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/chat/memory"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner = int64(1001)
	phone = "229900112233"
)

type storedSession struct {
	owner  int64
	phone  string
	handle string
	client chat.Client
}

type stubSessions struct {
	mu    sync.Mutex
	saved []storedSession
	err   error
}

func (s *stubSessions) PutSession(_ context.Context, owner int64, phone, handle string, client chat.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, storedSession{owner: owner, phone: phone, handle: handle, client: client})
	return nil
}

type stubListeners struct {
	calls []int64
	n     int
	err   error
}

func (s *stubListeners) InstallListeners(_ context.Context, owner int64) (int, error) {
	s.calls = append(s.calls, owner)
	return s.n, s.err
}

func setupFlow(t *testing.T) (*Flow, *memory.Network, *stubSessions, *stubListeners) {
	t.Helper()
	net := memory.NewNetwork()
	sessions := &stubSessions{}
	listeners := &stubListeners{n: 2}
	f, err := New(Config{
		Dialer:    net,
		Sessions:  sessions,
		Listeners: listeners,
		Logger:    logger.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f, net, sessions, listeners
}

func TestNew(t *testing.T) {
	_, err := New(Config{Sessions: &stubSessions{}, Logger: logger.NewNop()})
	assert.Error(t, err)
	_, err = New(Config{Dialer: memory.NewNetwork(), Logger: logger.NewNop()})
	assert.Error(t, err)
	_, err = New(Config{Dialer: memory.NewNetwork(), Sessions: &stubSessions{}})
	assert.Error(t, err)
}

func TestIsCodeInput(t *testing.T) {
	tests := []struct {
		text string
		code string
		ok   bool
	}{
		{"aa12345", "12345", true},
		{"  aa007 ", "007", true},
		{"12345", "", false},
		{"aa", "", false},
		{"aa12a45", "", false},
		{"AA12345", "", false},
		{"hello", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			code, ok := IsCodeInput(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestSignIn(t *testing.T) {
	f, net, sessions, listeners := setupFlow(t)
	ctx := context.Background()

	state, _ := f.State(owner)
	assert.Equal(t, StateIdle, state)

	normalized, err := f.RequestCode(ctx, owner, "+"+phone)
	require.NoError(t, err)
	assert.Equal(t, phone, normalized)

	state, got := f.State(owner)
	assert.Equal(t, StateCodeRequested, state)
	assert.Equal(t, phone, got)

	res, handled, err := f.HandleCodeInput(ctx, owner, "aa"+memory.DefaultCode)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, Result{Phone: phone, Listeners: 2}, res)

	state, _ = f.State(owner)
	assert.Equal(t, StateAuthenticated, state)

	require.Len(t, sessions.saved, 1)
	assert.Equal(t, owner, sessions.saved[0].owner)
	assert.Equal(t, phone, sessions.saved[0].phone)
	assert.NotEmpty(t, sessions.saved[0].handle)
	assert.True(t, sessions.saved[0].client.IsConnected())
	assert.Equal(t, []int64{owner}, listeners.calls)

	assert.Equal(t, 1, net.Count(memory.OpRequestCode))
	assert.Equal(t, 1, net.Count(memory.OpSignIn))

	// Once authenticated, further code-like text is not for the flow.
	_, handled, err = f.HandleCodeInput(ctx, owner, "aa"+memory.DefaultCode)
	assert.NoError(t, err)
	assert.False(t, handled)
}

func TestRequestCode_InvalidPhone(t *testing.T) {
	f, net, _, _ := setupFlow(t)

	for _, p := range []string{"12345", "+22990011223x", ""} {
		_, err := f.RequestCode(context.Background(), owner, p)
		assert.True(t, domain.IsKind(err, domain.KindInvalidInput), "phone %q", p)
	}
	assert.Equal(t, 0, net.Count(memory.OpRequestCode))
	state, _ := f.State(owner)
	assert.Equal(t, StateIdle, state)
}

func TestRequestCode_NetworkFailure(t *testing.T) {
	f, net, _, _ := setupFlow(t)
	net.FailNext(memory.OpRequestCode, chat.ErrFloodWait)

	_, err := f.RequestCode(context.Background(), owner, phone)
	assert.True(t, domain.IsKind(err, domain.KindProtocolTransient))

	state, _ := f.State(owner)
	assert.Equal(t, StateFailed, state)
	assert.ErrorIs(t, f.LastError(owner), chat.ErrFloodWait)
	assert.Equal(t, 1, net.Disconnects())
}

func TestHandleCodeInput_NotForFlow(t *testing.T) {
	f, _, sessions, _ := setupFlow(t)
	ctx := context.Background()

	_, handled, err := f.HandleCodeInput(ctx, owner, "aa12345")
	assert.NoError(t, err)
	assert.False(t, handled, "no attempt in progress")

	_, err = f.RequestCode(ctx, owner, phone)
	require.NoError(t, err)

	_, handled, err = f.HandleCodeInput(ctx, owner, "12345")
	assert.NoError(t, err)
	assert.False(t, handled, "code without prefix")

	state, _ := f.State(owner)
	assert.Equal(t, StateCodeRequested, state)
	assert.Empty(t, sessions.saved)
}

func TestHandleCodeInput_Malformed(t *testing.T) {
	f, net, _, _ := setupFlow(t)
	ctx := context.Background()
	_, err := f.RequestCode(ctx, owner, phone)
	require.NoError(t, err)

	_, handled, err := f.HandleCodeInput(ctx, owner, "aa12x45")
	assert.True(t, handled)
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))

	state, _ := f.State(owner)
	assert.Equal(t, StateCodeRequested, state, "attempt kept for a retry")
	assert.Equal(t, 0, net.Count(memory.OpSignIn))
}

func TestHandleCodeInput_WrongCode(t *testing.T) {
	f, net, sessions, listeners := setupFlow(t)
	ctx := context.Background()
	_, err := f.RequestCode(ctx, owner, phone)
	require.NoError(t, err)

	_, handled, err := f.HandleCodeInput(ctx, owner, "aa99999")
	assert.True(t, handled)
	assert.ErrorIs(t, err, chat.ErrCodeInvalid)

	state, _ := f.State(owner)
	assert.Equal(t, StateFailed, state)
	assert.Empty(t, sessions.saved)
	assert.Empty(t, listeners.calls)
	assert.Equal(t, 1, net.Disconnects())

	// A new request starts over.
	_, err = f.RequestCode(ctx, owner, phone)
	require.NoError(t, err)
	_, _, err = f.HandleCodeInput(ctx, owner, "aa"+memory.DefaultCode)
	require.NoError(t, err)
	state, _ = f.State(owner)
	assert.Equal(t, StateAuthenticated, state)
}

func TestRequestCode_LastWriteWins(t *testing.T) {
	f, net, sessions, _ := setupFlow(t)
	ctx := context.Background()

	_, err := f.RequestCode(ctx, owner, phone)
	require.NoError(t, err)
	_, err = f.RequestCode(ctx, owner, "229900445566")
	require.NoError(t, err)
	assert.Equal(t, 1, net.Disconnects(), "superseded attempt released")

	_, _, err = f.HandleCodeInput(ctx, owner, "aa"+memory.DefaultCode)
	require.NoError(t, err)
	require.Len(t, sessions.saved, 1)
	assert.Equal(t, "229900445566", sessions.saved[0].phone)
}

func TestHandleCodeInput_StoreFailure(t *testing.T) {
	f, _, sessions, listeners := setupFlow(t)
	ctx := context.Background()
	sessions.err = domain.E(domain.KindInternal, "put session", errors.New("disk full"))

	_, err := f.RequestCode(ctx, owner, phone)
	require.NoError(t, err)
	_, handled, err := f.HandleCodeInput(ctx, owner, "aa"+memory.DefaultCode)
	assert.True(t, handled)
	assert.True(t, domain.IsKind(err, domain.KindInternal))

	state, _ := f.State(owner)
	assert.Equal(t, StateFailed, state)
	assert.Empty(t, listeners.calls)
}

func TestHandleCodeInput_ListenerErrorStillAuthenticates(t *testing.T) {
	f, _, _, listeners := setupFlow(t)
	ctx := context.Background()
	listeners.n = 0
	listeners.err = domain.E(domain.KindSessionUnavailable, "install", nil)

	_, err := f.RequestCode(ctx, owner, phone)
	require.NoError(t, err)
	res, _, err := f.HandleCodeInput(ctx, owner, "aa"+memory.DefaultCode)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Listeners)

	state, _ := f.State(owner)
	assert.Equal(t, StateAuthenticated, state)
}

func TestOwnersAreIndependent(t *testing.T) {
	f, _, sessions, _ := setupFlow(t)
	ctx := context.Background()
	other := int64(2002)

	_, err := f.RequestCode(ctx, owner, phone)
	require.NoError(t, err)
	_, err = f.RequestCode(ctx, other, "229900445566")
	require.NoError(t, err)

	_, _, err = f.HandleCodeInput(ctx, other, "aa"+memory.DefaultCode)
	require.NoError(t, err)

	state, _ := f.State(owner)
	assert.Equal(t, StateCodeRequested, state)
	require.Len(t, sessions.saved, 1)
	assert.Equal(t, other, sessions.saved[0].owner)
}
