package rule_manager //nolint:revive // var-naming: using underscores for domain clarity

import (
	"context"
	"time"

	"github.com/lewisedginton/telefeed/internal/access"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/store"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// Listeners is the part of the redirection engine the rule manager drives
// after a rule change is stored.
type Listeners interface {
	// ApplyRule installs the rule's listener or refreshes an installed one.
	ApplyRule(ctx context.Context, rule domain.Rule) error
	// RemoveRule stops forwarding for owner's rule name. Best effort.
	RemoveRule(owner int64, name string)
}

// Config holds configuration for the rule manager
type Config struct {
	Store      store.RuleStore
	Authorizer access.Authorizer
	Logger     logger.Logger

	// Listeners is optional; without it rule changes are only persisted.
	Listeners Listeners
	// Now is optional and defaults to time.Now.
	Now func() time.Time
}
