// Package store defines the persistence contract for sessions and rules and
// provides a document-backed implementation over a storage_manager.FileProvider.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lewisedginton/telefeed/internal/domain"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionStore persists (owner, phone) -> credential handle records.
type SessionStore interface {
	// UpsertSession inserts or replaces the record keyed by owner and phone.
	UpsertSession(ctx context.Context, s domain.Session) error
	ListSessions(ctx context.Context, owner int64) ([]domain.Session, error)
	ListActiveSessions(ctx context.Context) ([]domain.Session, error)
	// FindActiveSessionsByPhone returns active sessions for phone across all
	// owners, most recently used first.
	FindActiveSessionsByPhone(ctx context.Context, phone string) ([]domain.Session, error)
	GetSession(ctx context.Context, owner int64, phone string) (domain.Session, error)
	DeactivateSession(ctx context.Context, owner int64, phone string) error
	TouchSession(ctx context.Context, owner int64, phone string, at time.Time) error
	// DeactivateIdleSessions marks inactive every active session last used
	// before cutoff and returns the records it changed.
	DeactivateIdleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error)
}

// RuleChange is applied atomically by RuleStore.ApplyRuleChange.
type RuleChange struct {
	Owner int64
	// Retire lists rule ids to mark inactive.
	Retire []string
	// Put lists rules to insert or replace by id.
	Put []domain.Rule
	// ClearPending empties the owner's pending slot.
	ClearPending bool
}

// RuleStore persists rules and the per-owner pending slot.
type RuleStore interface {
	SavePending(ctx context.Context, p domain.PendingRule) error
	GetPending(ctx context.Context, owner int64) (domain.PendingRule, error)
	// ListRules returns every rule of owner, active or not, oldest first.
	ListRules(ctx context.Context, owner int64) ([]domain.Rule, error)
	// ListActiveRules returns the active rules of every owner, oldest first.
	ListActiveRules(ctx context.Context) ([]domain.Rule, error)
	ApplyRuleChange(ctx context.Context, change RuleChange) error
}

// Store is the full persistence contract.
type Store interface {
	SessionStore
	RuleStore
	Ping(ctx context.Context) error
	Close() error
}
