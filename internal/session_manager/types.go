package session_manager //nolint:revive // var-naming: using underscores for domain clarity

import (
	"time"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/store"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/lewisedginton/telefeed/pkg/metrics"
)

// SessionInfo is the owner-facing view of a persisted session.
type SessionInfo struct {
	Phone    string    `json:"phone"`
	LastUsed time.Time `json:"last_used"`
	Active   bool      `json:"active"`
	Live     bool      `json:"live"` // Connected in the registry right now
}

// RestoreResult summarizes RestoreAll. Err aggregates the per-session failures.
type RestoreResult struct {
	Restored int
	Failed   int
	Err      error
}

// Config holds configuration for the session manager
type Config struct {
	Store  store.SessionStore
	Dialer chat.Dialer
	Logger logger.Logger

	// Metrics is optional.
	Metrics *metrics.Forwarding
	// OperationTimeout bounds each network call. Zero means 20s.
	OperationTimeout time.Duration
	// Now is optional and defaults to time.Now.
	Now func() time.Time
}

const defaultOperationTimeout = 20 * time.Second
