// Package api serves the read-only admin HTTP API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/redirection"
	"github.com/lewisedginton/telefeed/internal/session_manager"
	"github.com/lewisedginton/telefeed/pkg/httpmiddleware"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// Sessions lists an owner's persisted sessions and counts the live ones.
type Sessions interface {
	ListSessions(ctx context.Context, owner int64) ([]session_manager.SessionInfo, error)
	LiveCount() int
}

// Rules lists an owner's active rules.
type Rules interface {
	ListRules(ctx context.Context, owner int64, phone string) ([]domain.Rule, error)
}

// Engine reports what is being forwarded right now.
type Engine interface {
	Stats() redirection.Stats
	Listeners(owner int64) []redirection.ListenerInfo
}

// HandlerConfig holds the collaborators of the API handlers.
type HandlerConfig struct {
	Sessions Sessions
	Rules    Rules
	Engine   Engine
	Logger   logger.Logger

	// Middleware is the stack applied to every route. The zero value applies
	// nothing.
	Middleware httpmiddleware.Config
}

// Handler serves the admin endpoints.
type Handler struct {
	config HandlerConfig
}

// SessionResponse is one entry of GET /v1/owners/{owner}/sessions.
type SessionResponse struct {
	Phone    string `json:"phone"`
	LastUsed string `json:"last_used"`
	Active   bool   `json:"active"`
	Live     bool   `json:"live"`
}

// RuleResponse is one entry of GET /v1/owners/{owner}/rules.
type RuleResponse struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Phone         string         `json:"phone"`
	SourceID      int64          `json:"source_id"`
	DestinationID int64          `json:"destination_id"`
	Filters       domain.Filters `json:"filters"`
	CreatedAt     string         `json:"created_at"`
	Forwarding    bool           `json:"forwarding"` // A listener is installed for this rule
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	SessionsLive int `json:"sessions_live"`
	Listeners    int `json:"listeners"`
	Links        int `json:"links"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// NewHandler creates the admin handler.
func NewHandler(config HandlerConfig) *Handler {
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	return &Handler{config: config}
}

// Router returns a chi router with the configured middleware and every
// admin route mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	httpmiddleware.ApplyToRouter(r, h.config.Middleware)
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the admin routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", h.GetStats)
		r.Route("/owners/{owner}", func(r chi.Router) {
			r.Get("/sessions", h.ListSessions)
			r.Get("/rules", h.ListRules)
		})
	})
}

// ListSessions returns the owner's sessions, most recently used first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	sessions, err := h.config.Sessions.ListSessions(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionResponse{
			Phone:    logger.MaskPhone(s.Phone),
			LastUsed: s.LastUsed.UTC().Format(time.RFC3339),
			Active:   s.Active,
			Live:     s.Live,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListRules returns the owner's active rules, newest first.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	rules, err := h.config.Rules.ListRules(r.Context(), owner, r.URL.Query().Get("phone"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	installed := make(map[string]bool)
	for _, l := range h.config.Engine.Listeners(owner) {
		installed[l.RuleID] = true
	}

	out := make([]RuleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, RuleResponse{
			ID:            rule.ID,
			Name:          rule.Name,
			Phone:         logger.MaskPhone(rule.Phone),
			SourceID:      rule.SourceID,
			DestinationID: rule.DestinationID,
			Filters:       rule.Filters,
			CreatedAt:     rule.CreatedAt.UTC().Format(time.RFC3339),
			Forwarding:    installed[rule.ID],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetStats returns live session, listener and link counts.
func (h *Handler) GetStats(w http.ResponseWriter, _ *http.Request) {
	stats := h.config.Engine.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		SessionsLive: h.config.Sessions.LiveCount(),
		Listeners:    stats.Listeners,
		Links:        stats.Links,
	})
}

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (int64, bool) {
	owner, err := strconv.ParseInt(chi.URLParam(r, "owner"), 10, 64)
	if err != nil || owner <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "owner must be a positive integer",
			Kind:  domain.KindInvalidInput.String(),
		})
		return 0, false
	}
	return owner, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)

	log := logger.GetLoggerFromContext(r.Context(), h.config.Logger)
	if status >= http.StatusInternalServerError {
		log.Error("Admin request failed", logger.StringField("path", r.URL.Path), logger.ErrorField(err))
	} else {
		log.Debug("Admin request rejected", logger.StringField("path", r.URL.Path), logger.ErrorField(err))
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind.String()})
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindNotAuthorized:
		return http.StatusForbidden
	case domain.KindRuleNotFound, domain.KindNoPendingRule:
		return http.StatusNotFound
	case domain.KindSessionUnavailable, domain.KindProtocolTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
