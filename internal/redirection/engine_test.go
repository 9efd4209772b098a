package redirection

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/chat/memory"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/lewisedginton/telefeed/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner = int64(1001)
	phone = "229900112233"
	src   = int64(100)
	dst   = int64(200)
)

type stubSessions struct {
	mu       sync.Mutex
	clients  map[string]chat.Client
	failures []error
}

func (s *stubSessions) put(owner int64, phone string, c chat.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[fmt.Sprintf("%d/%s", owner, phone)] = c
}

func (s *stubSessions) Client(owner int64, phone string) (chat.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[fmt.Sprintf("%d/%s", owner, phone)]
	if !ok {
		return nil, domain.E(domain.KindSessionUnavailable, "session", nil)
	}
	return c, nil
}

func (s *stubSessions) ReportFailure(_ context.Context, _ int64, _ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

func (s *stubSessions) reported() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.failures...)
}

type stubRules struct {
	mu    sync.Mutex
	rules []domain.Rule
}

func (r *stubRules) add(rule domain.Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

func (r *stubRules) ListRules(_ context.Context, owner int64) ([]domain.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Rule
	for _, rule := range r.rules {
		if rule.Owner == owner {
			out = append(out, rule)
		}
	}
	return out, nil
}

type testEnv struct {
	net      *memory.Network
	client   chat.Client
	sessions *stubSessions
	rules    *stubRules
	metrics  *metrics.Forwarding
	engine   *Engine
}

func setupTestEngine(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		net:      memory.NewNetwork(),
		sessions: &stubSessions{clients: map[string]chat.Client{}},
		rules:    &stubRules{},
		metrics:  metrics.NewForwarding(),
	}

	client, err := env.net.Open(context.Background(), env.net.IssueHandle(phone))
	require.NoError(t, err)
	env.client = client
	env.sessions.put(owner, phone, client)

	env.engine, err = New(Config{
		Sessions:         env.sessions,
		Rules:            env.rules,
		Logger:           logger.NewNop(),
		Metrics:          env.metrics,
		OperationTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(env.engine.Close)
	return env
}

func testRule(name string, source, destination int64) domain.Rule {
	return domain.Rule{
		ID:            "rule-" + name,
		Owner:         owner,
		Name:          name,
		Phone:         phone,
		SourceID:      source,
		DestinationID: destination,
		Active:        true,
		CreatedAt:     time.Now(),
	}
}

// install registers rule and installs the owner's listeners.
func (e *testEnv) install(t *testing.T, rule domain.Rule) {
	t.Helper()
	e.rules.add(rule)
	_, err := e.engine.InstallListeners(context.Background(), rule.Owner)
	require.NoError(t, err)
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.engine.WaitIdle(ctx))
}

// fill stores n messages in chatID so the next one gets id n+1.
func (e *testEnv) fill(chatID int64, n int) {
	for i := 0; i < n; i++ {
		e.net.Post(context.Background(), chatID, chat.Message{Text: fmt.Sprintf("filler %d", i)})
	}
}

func TestNew(t *testing.T) {
	_, err := New(Config{Rules: &stubRules{}, Logger: logger.NewNop()})
	assert.Error(t, err)
	_, err = New(Config{Sessions: &stubSessions{}, Logger: logger.NewNop()})
	assert.Error(t, err)
	_, err = New(Config{Sessions: &stubSessions{}, Rules: &stubRules{}})
	assert.Error(t, err)
}

func TestInstallListeners_Idempotent(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.rules.add(testRule("R1", src, dst))

	for i := 0; i < 3; i++ {
		n, err := env.engine.InstallListeners(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	assert.Equal(t, 2, env.net.Subscribers(src), "one new and one edit subscription")
	assert.Equal(t, 1, env.engine.Stats().Listeners)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.ListenersInstalled))

	env.net.Post(ctx, src, chat.Message{Text: "once"})
	env.waitIdle(t)
	assert.Equal(t, 1, env.net.Count(memory.OpSendText))
}

func TestInstallListeners_Concurrent(t *testing.T) {
	env := setupTestEngine(t)
	env.rules.add(testRule("R1", src, dst))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.engine.InstallListeners(context.Background(), owner)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, env.net.Subscribers(src))
}

func TestInstallListeners_SkipsInactiveAndPrunes(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	r1 := testRule("R1", src, dst)
	env.install(t, r1)
	require.Equal(t, 2, env.net.Subscribers(src))

	env.rules.mu.Lock()
	env.rules.rules[0].Active = false
	env.rules.mu.Unlock()

	n, err := env.engine.InstallListeners(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, env.net.Subscribers(src))
}

func TestInstallListeners_NoSession(t *testing.T) {
	env := setupTestEngine(t)
	rule := testRule("R1", src, dst)
	rule.Phone = "229900999999"
	env.rules.add(rule)
	env.rules.add(testRule("R2", 300, 400))

	n, err := env.engine.InstallListeners(context.Background(), owner)
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindSessionUnavailable))
}

func TestInstallListeners_ReinstallsOnNewClient(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	replacement, err := env.net.Open(ctx, env.net.IssueHandle(phone))
	require.NoError(t, err)
	require.NoError(t, env.client.Disconnect())
	env.sessions.put(owner, phone, replacement)

	_, err = env.engine.InstallListeners(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, env.net.Subscribers(src))

	env.net.Post(ctx, src, chat.Message{Text: "after reconnect"})
	env.waitIdle(t)
	assert.Equal(t, 1, env.net.Count(memory.OpSendText))
}

func TestNewMessage_Text(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	posted := env.net.Post(ctx, src, chat.Message{Text: "hello"})
	env.waitIdle(t)

	ops := env.net.Operations()
	var sends []memory.Operation
	for _, op := range ops {
		if op.Op == memory.OpSendText {
			sends = append(sends, op)
		}
	}
	require.Len(t, sends, 1)
	assert.Equal(t, dst, sends[0].ChatID)
	assert.Equal(t, "hello", sends[0].Text)

	destID, ok := env.engine.Link(domain.LinkKey{SourceChat: src, SourceMessage: posted.ID, DestChat: dst})
	require.True(t, ok)
	assert.Equal(t, sends[0].MessageID, destID)
	assert.Equal(t, 1, env.engine.Stats().Links)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Events.WithLabelValues(metrics.EventNew, metrics.OutcomeSent)))
}

func TestNewMessage_Media(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	posted := env.net.Post(ctx, src, chat.Message{Media: &chat.MediaRef{ID: "photo-1", Kind: "photo"}})
	env.waitIdle(t)

	assert.Equal(t, 1, env.net.Count(memory.OpForward))
	assert.Equal(t, 0, env.net.Count(memory.OpSendText))
	_, ok := env.engine.Link(domain.LinkKey{SourceChat: src, SourceMessage: posted.ID, DestChat: dst})
	assert.True(t, ok)

	stored := env.net.Messages(dst)
	require.Len(t, stored, 1)
	assert.Equal(t, "photo-1", stored[0].Media.ID)
}

func TestNewMessage_TextWinsOverMedia(t *testing.T) {
	env := setupTestEngine(t)
	env.install(t, testRule("R1", src, dst))

	env.net.Post(context.Background(), src, chat.Message{Text: "caption", Media: &chat.MediaRef{ID: "m"}})
	env.waitIdle(t)

	assert.Equal(t, 1, env.net.Count(memory.OpSendText))
	assert.Equal(t, 0, env.net.Count(memory.OpForward))
}

func TestNewMessage_ServiceMessageSkipped(t *testing.T) {
	env := setupTestEngine(t)
	env.install(t, testRule("R1", src, dst))

	env.net.Post(context.Background(), src, chat.Message{Text: "   "})
	env.waitIdle(t)

	assert.Empty(t, env.net.Messages(dst))
	assert.Equal(t, 0, env.engine.Stats().Links)
}

func TestNewMessage_DuplicateDeliverySendsTwice(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	posted := env.net.Post(ctx, src, chat.Message{Text: "dup"})
	env.waitIdle(t)
	env.net.Redeliver(ctx, posted)
	env.waitIdle(t)

	assert.Equal(t, 2, env.net.Count(memory.OpSendText))
	assert.Len(t, env.net.Messages(dst), 2)

	destID, ok := env.engine.Link(domain.LinkKey{SourceChat: src, SourceMessage: posted.ID, DestChat: dst})
	require.True(t, ok)
	assert.Equal(t, int64(2), destID, "link points at the latest copy")
}

func TestEdit_UnchangedTextIsNoop(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	posted := env.net.Post(ctx, src, chat.Message{Text: "same"})
	env.waitIdle(t)
	key := domain.LinkKey{SourceChat: src, SourceMessage: posted.ID, DestChat: dst}
	before, ok := env.engine.Link(key)
	require.True(t, ok)

	env.net.Edit(ctx, src, posted.ID, "same", nil)
	env.waitIdle(t)

	assert.Len(t, env.net.Messages(dst), 1)
	assert.Equal(t, 1, env.net.Count(memory.OpSendText))
	assert.Equal(t, 0, env.net.Count(memory.OpEditText))
	assert.Equal(t, 0, env.net.Count(memory.OpDelete))
	after, ok := env.engine.Link(key)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestEdit_NotModifiedErrorIsNoop(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	posted := env.net.Post(ctx, src, chat.Message{Text: "v1"})
	env.waitIdle(t)
	env.net.FailNext(memory.OpEditText, chat.ErrNotModified)
	env.net.Edit(ctx, src, posted.ID, "v2", nil)
	env.waitIdle(t)

	assert.Len(t, env.net.Messages(dst), 1)
	assert.Equal(t, 0, env.net.Count(memory.OpDelete))
	assert.Empty(t, env.sessions.reported())
}

func TestEdit_AppliedInPlace(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	posted := env.net.Post(ctx, src, chat.Message{Text: "v1"})
	env.waitIdle(t)
	env.net.Edit(ctx, src, posted.ID, "v2", nil)
	env.waitIdle(t)

	stored := env.net.Messages(dst)
	require.Len(t, stored, 1)
	assert.Equal(t, "v2", stored[0].Text)
	assert.Equal(t, 1, env.net.Count(memory.OpEditText))
}

func TestEdit_FailureFallsBackToReplacement(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	posted := env.net.Post(ctx, src, chat.Message{Text: "v1"})
	env.waitIdle(t)
	key := domain.LinkKey{SourceChat: src, SourceMessage: posted.ID, DestChat: dst}
	oldID, _ := env.engine.Link(key)

	env.net.FailNext(memory.OpEditText, chat.ErrFloodWait)
	env.net.Edit(ctx, src, posted.ID, "v2", nil)
	env.waitIdle(t)

	_, oldStillThere := env.net.Message(dst, oldID)
	assert.False(t, oldStillThere)
	newID, ok := env.engine.Link(key)
	require.True(t, ok)
	assert.NotEqual(t, oldID, newID)

	replacement, ok := env.net.Message(dst, newID)
	require.True(t, ok)
	assert.Equal(t, "v2", replacement.Text)
}

func TestEdit_MediaOnlyReplaces(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	posted := env.net.Post(ctx, src, chat.Message{Text: "text first"})
	env.waitIdle(t)
	key := domain.LinkKey{SourceChat: src, SourceMessage: posted.ID, DestChat: dst}
	oldID, _ := env.engine.Link(key)

	env.net.Edit(ctx, src, posted.ID, "", &chat.MediaRef{ID: "doc-9", Kind: "document"})
	env.waitIdle(t)

	assert.Equal(t, 1, env.net.Count(memory.OpDelete))
	assert.Equal(t, 1, env.net.Count(memory.OpForward))
	newID, ok := env.engine.Link(key)
	require.True(t, ok)
	assert.NotEqual(t, oldID, newID)
	stored := env.net.Messages(dst)
	require.Len(t, stored, 1)
	assert.Equal(t, "doc-9", stored[0].Media.ID)
}

func TestEdit_DeleteCascade(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	env.fill(src, 4)
	env.fill(dst, 76)
	env.install(t, testRule("R1", src, dst))

	posted := env.net.Post(ctx, src, chat.Message{Text: "to be deleted"})
	require.Equal(t, int64(5), posted.ID)
	env.waitIdle(t)

	key := domain.LinkKey{SourceChat: 100, SourceMessage: 5, DestChat: 200}
	destID, ok := env.engine.Link(key)
	require.True(t, ok)
	require.Equal(t, int64(77), destID)

	env.net.Edit(ctx, src, 5, "", nil)
	env.waitIdle(t)

	_, exists := env.net.Message(dst, 77)
	assert.False(t, exists, "destination copy deleted")
	_, ok = env.engine.Link(key)
	assert.False(t, ok, "link removed")

	sendsBefore := env.net.Count(memory.OpSendText)
	env.net.Edit(ctx, src, 5, "resurrected", nil)
	env.waitIdle(t)

	assert.Equal(t, sendsBefore, env.net.Count(memory.OpSendText))
	assert.Equal(t, 0, env.net.Count(memory.OpEditText))
	_, ok = env.engine.Link(key)
	assert.False(t, ok)
}

func TestEdit_UnlinkedIgnored(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()

	old := env.net.Post(ctx, src, chat.Message{Text: "before install"})
	env.install(t, testRule("R1", src, dst))

	env.net.Edit(ctx, src, old.ID, "edited later", nil)
	env.waitIdle(t)

	assert.Empty(t, env.net.Messages(dst))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Events.WithLabelValues(metrics.EventEdit, metrics.OutcomeSkipped)))
}

func TestRemoveRule(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	env.engine.RemoveRule(owner, "R1")
	assert.Equal(t, 0, env.net.Subscribers(src))
	assert.Equal(t, 0, env.engine.Stats().Listeners)

	env.net.Post(ctx, src, chat.Message{Text: "after removal"})
	env.waitIdle(t)
	assert.Empty(t, env.net.Messages(dst))

	env.engine.RemoveRule(owner, "R1")
}

func TestApplyRule_RefreshesFilters(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	rule := testRule("R1", src, dst)
	env.install(t, rule)

	rule.Filters = domain.Filters{
		Blacklist:  []string{`(?i)spam`},
		Transforms: []domain.Transform{{Kind: domain.TransformFormat, Replacement: "[fwd] {text}"}},
	}
	require.NoError(t, env.engine.ApplyRule(ctx, rule))
	assert.Equal(t, 2, env.net.Subscribers(src), "refresh keeps the same subscriptions")

	env.net.Post(ctx, src, chat.Message{Text: "buy SPAM now"})
	env.net.Post(ctx, src, chat.Message{Text: "news"})
	env.waitIdle(t)

	stored := env.net.Messages(dst)
	require.Len(t, stored, 1)
	assert.Equal(t, "[fwd] news", stored[0].Text)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Events.WithLabelValues(metrics.EventNew, metrics.OutcomeFiltered)))

	rule.Active = false
	require.NoError(t, env.engine.ApplyRule(ctx, rule))
	assert.Equal(t, 0, env.net.Subscribers(src))
}

func TestNewMessage_BlankAfterTransformNotSent(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	rule := testRule("R1", src, dst)
	rule.Filters = domain.Filters{Transforms: []domain.Transform{{Kind: domain.TransformRemoveLines, Pattern: `ad`}}}
	env.install(t, rule)

	env.net.Post(ctx, src, chat.Message{Text: "ad line\n "})
	env.waitIdle(t)

	assert.Empty(t, env.net.Messages(dst))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.Events.WithLabelValues(metrics.EventNew, metrics.OutcomeFiltered)))
	assert.Equal(t, float64(0), testutil.ToFloat64(env.metrics.Events.WithLabelValues(metrics.EventNew, metrics.OutcomeFailed)))
}

func TestEdit_FilteredEditDeletesCopy(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	rule := testRule("R1", src, dst)
	rule.Filters = domain.Filters{Blacklist: []string{"secret"}}
	env.install(t, rule)

	posted := env.net.Post(ctx, src, chat.Message{Text: "public"})
	env.waitIdle(t)
	env.net.Edit(ctx, src, posted.ID, "now secret", nil)
	env.waitIdle(t)

	assert.Empty(t, env.net.Messages(dst))
	_, ok := env.engine.Link(domain.LinkKey{SourceChat: src, SourceMessage: posted.ID, DestChat: dst})
	assert.False(t, ok)
}

func TestFailure_TransientKeepsListener(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	env.net.FailNext(memory.OpSendText, chat.ErrTimeout)
	env.net.Post(ctx, src, chat.Message{Text: "lost"})
	env.net.Post(ctx, src, chat.Message{Text: "delivered"})
	env.waitIdle(t)

	stored := env.net.Messages(dst)
	require.Len(t, stored, 1)
	assert.Equal(t, "delivered", stored[0].Text)

	reported := env.sessions.reported()
	require.Len(t, reported, 1)
	assert.True(t, domain.IsKind(reported[0], domain.KindProtocolTransient))
	assert.Equal(t, 1, env.engine.Stats().Listeners)
}

func TestFailure_PermanentStopsSessionListeners(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))
	env.install(t, testRule("R2", 300, 400))

	env.net.FailNext(memory.OpSendText, chat.ErrSessionRevoked)
	env.net.Post(ctx, src, chat.Message{Text: "boom"})
	env.waitIdle(t)

	assert.Eventually(t, func() bool { return env.engine.Stats().Listeners == 0 }, time.Second, 5*time.Millisecond)
	reported := env.sessions.reported()
	require.Len(t, reported, 1)
	assert.True(t, domain.IsKind(reported[0], domain.KindProtocolPermanent))
}

func TestRulesAreIndependent(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("A", src, dst))
	env.install(t, testRule("B", src, 201))

	env.net.Post(ctx, src, chat.Message{Text: "fan out"})
	env.waitIdle(t)

	assert.Len(t, env.net.Messages(dst), 1)
	assert.Len(t, env.net.Messages(201), 1)
	assert.Equal(t, 2, env.engine.Stats().Links)

	infos := env.engine.Listeners(owner)
	require.Len(t, infos, 2)
	assert.Equal(t, "A", infos[0].Rule)
	assert.Equal(t, "B", infos[1].Rule)
}

func TestOrderingWithinListener(t *testing.T) {
	env := setupTestEngine(t)
	ctx := context.Background()
	env.install(t, testRule("R1", src, dst))

	for i := 0; i < 20; i++ {
		env.net.Post(ctx, src, chat.Message{Text: fmt.Sprintf("m%02d", i)})
	}
	env.waitIdle(t)

	stored := env.net.Messages(dst)
	require.Len(t, stored, 20)
	for i, m := range stored {
		assert.Equal(t, fmt.Sprintf("m%02d", i), m.Text)
	}
}

func TestClose(t *testing.T) {
	env := setupTestEngine(t)
	env.install(t, testRule("R1", src, dst))

	env.engine.Close()
	env.engine.Close()

	assert.Equal(t, 0, env.net.Subscribers(src))
	err := env.engine.ApplyRule(context.Background(), testRule("R2", 300, 400))
	assert.Error(t, err)
}
