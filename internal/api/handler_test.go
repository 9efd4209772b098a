package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/middleware"
	"github.com/lewisedginton/telefeed/internal/redirection"
	"github.com/lewisedginton/telefeed/internal/session_manager"
	"github.com/lewisedginton/telefeed/pkg/httpmiddleware"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

type stubSessions struct {
	sessions map[int64][]session_manager.SessionInfo
	live     int
	err      error
}

func (s *stubSessions) ListSessions(_ context.Context, owner int64) ([]session_manager.SessionInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.sessions[owner], nil
}

func (s *stubSessions) LiveCount() int { return s.live }

type stubRules struct {
	rules     []domain.Rule
	gotPhone  string
	err       error
	panicking bool
}

func (s *stubRules) ListRules(_ context.Context, owner int64, phone string) ([]domain.Rule, error) {
	if s.panicking {
		panic("rule store exploded")
	}
	s.gotPhone = phone
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.Rule
	for _, r := range s.rules {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

type stubEngine struct {
	stats     redirection.Stats
	listeners []redirection.ListenerInfo
}

func (s *stubEngine) Stats() redirection.Stats { return s.stats }

func (s *stubEngine) Listeners(owner int64) []redirection.ListenerInfo {
	var out []redirection.ListenerInfo
	for _, l := range s.listeners {
		if l.Owner == owner {
			out = append(out, l)
		}
	}
	return out
}

type testEnv struct {
	sessions *stubSessions
	rules    *stubRules
	engine   *stubEngine
	router   chi.Router
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()

	used := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{
		sessions: &stubSessions{
			sessions: map[int64][]session_manager.SessionInfo{
				1001: {{Phone: "229900112233", LastUsed: used, Active: true, Live: true}},
			},
			live: 1,
		},
		rules: &stubRules{rules: []domain.Rule{
			{ID: "rule-1", Owner: 1001, Name: "R1", Phone: "229900112233", SourceID: 100, DestinationID: 200, Active: true, CreatedAt: used},
			{ID: "rule-2", Owner: 1001, Name: "R2", Phone: "229900112233", SourceID: 300, DestinationID: 400, Active: true, CreatedAt: used},
		}},
		engine: &stubEngine{
			stats:     redirection.Stats{Listeners: 1, Links: 7},
			listeners: []redirection.ListenerInfo{{Owner: 1001, Rule: "R1", RuleID: "rule-1"}},
		},
	}

	mw := httpmiddleware.DefaultConfig()
	mw.Recovery = middleware.Recovery(middleware.DefaultRecoveryConfig(logger.NewNop()))
	env.router = NewHandler(HandlerConfig{
		Sessions:   env.sessions,
		Rules:      env.rules,
		Engine:     env.engine,
		Logger:     logger.NewNop(),
		Middleware: mw,
	}).Router()
	return env
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestListSessions(t *testing.T) {
	env := setupTestAPI(t)

	rec := env.get(t, "/v1/owners/1001/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body []SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "********2233", body[0].Phone)
	assert.Equal(t, "2026-03-01T12:00:00Z", body[0].LastUsed)
	assert.True(t, body[0].Live)

	rec = env.get(t, "/v1/owners/2002/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListRules(t *testing.T) {
	env := setupTestAPI(t)

	rec := env.get(t, "/v1/owners/1001/rules?phone=%2B229900112233")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "+229900112233", env.rules.gotPhone)

	var body []RuleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, "R1", body[0].Name)
	assert.True(t, body[0].Forwarding)
	assert.Equal(t, "R2", body[1].Name)
	assert.False(t, body[1].Forwarding, "no listener installed")
}

func TestGetStats(t *testing.T) {
	env := setupTestAPI(t)

	rec := env.get(t, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions_live":1,"listeners":1,"links":7}`, rec.Body.String())
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		setup    func(env *testEnv)
		wantCode int
		wantKind string
	}{
		{
			name:     "owner not a number",
			path:     "/v1/owners/abc/rules",
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_input",
		},
		{
			name:     "negative owner",
			path:     "/v1/owners/-5/sessions",
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_input",
		},
		{
			name: "invalid phone filter",
			path: "/v1/owners/1001/rules?phone=12",
			setup: func(env *testEnv) {
				env.rules.err = domain.Errorf(domain.KindInvalidInput, "list rules", "invalid phone number")
			},
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_input",
		},
		{
			name: "store failure is hidden",
			path: "/v1/owners/1001/sessions",
			setup: func(env *testEnv) {
				env.sessions.err = domain.E(domain.KindInternal, "list sessions", errors.New("disk on fire"))
			},
			wantCode: http.StatusInternalServerError,
			wantKind: "internal",
		},
		{
			name: "panic is recovered",
			path: "/v1/owners/1001/rules",
			setup: func(env *testEnv) {
				env.rules.panicking = true
			},
			wantCode: http.StatusInternalServerError,
			wantKind: "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestAPI(t)
			if tt.setup != nil {
				tt.setup(env)
			}

			rec := env.get(t, tt.path)
			assert.Equal(t, tt.wantCode, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantKind, body.Kind)
			assert.NotContains(t, body.Error, "disk on fire")
		})
	}
}

func TestHeartbeat(t *testing.T) {
	env := setupTestAPI(t)
	rec := env.get(t, "/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
}
