// Package restorer brings a cold process back to forwarding every active
// rule: restore persisted sessions, reconnect what is missing, install
// listeners.
package restorer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/session_manager"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/lewisedginton/telefeed/pkg/metrics"
)

const defaultGracePeriod = 3 * time.Second

// Sessions restores and reconnects persisted sessions.
type Sessions interface {
	RestoreAll(ctx context.Context) session_manager.RestoreResult
	Reconnect(ctx context.Context, owner int64, phone string) (chat.Client, error)
	Client(owner int64, phone string) (chat.Client, error)
}

// Rules lists the active rules of every owner.
type Rules interface {
	ListActiveRules(ctx context.Context) ([]domain.Rule, error)
}

// Listeners installs forwarding for an owner.
type Listeners interface {
	InstallListeners(ctx context.Context, owner int64) (int, error)
}

// Config holds configuration for the restorer
type Config struct {
	Sessions  Sessions
	Rules     Rules
	Listeners Listeners
	Logger    logger.Logger

	// Metrics is optional.
	Metrics *metrics.Forwarding
	// GracePeriod separates session restore from listener install. Negative
	// disables the wait; zero means 3s.
	GracePeriod time.Duration
}

// Result counts restoration outcomes. Err aggregates every failure; it is
// informational and never stops the run.
//
// SessionsRestored and SessionsFailed cover the persisted sessions replayed
// by RestoreAll. Reconnected and ReconnectsFailed cover rule phones that had
// no live session afterwards, whether or not a session was ever persisted
// for them.
type Result struct {
	SessionsRestored int
	SessionsFailed   int
	Reconnected      int
	ReconnectsFailed int
	RulesRestored    int
	RulesFailed      int
	Owners           int
	Err              error
}

type Restorer struct {
	config Config
}

func New(config Config) (*Restorer, error) {
	if config.Sessions == nil {
		return nil, fmt.Errorf("sessions are required")
	}
	if config.Rules == nil {
		return nil, fmt.Errorf("rules are required")
	}
	if config.Listeners == nil {
		return nil, fmt.Errorf("listeners are required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = defaultGracePeriod
	}
	return &Restorer{config: config}, nil
}

// Run performs one restoration pass. It only returns early when ctx ends.
func (r *Restorer) Run(ctx context.Context) Result {
	log := r.config.Logger
	start := time.Now()

	sessions := r.config.Sessions.RestoreAll(ctx)
	result := Result{
		SessionsRestored: sessions.Restored,
		SessionsFailed:   sessions.Failed,
		Err:              sessions.Err,
	}

	if r.config.GracePeriod > 0 {
		timer := time.NewTimer(r.config.GracePeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Err = multierror.Append(result.Err, ctx.Err())
			return result
		case <-timer.C:
		}
	}

	rules, err := r.config.Rules.ListActiveRules(ctx)
	if err != nil {
		result.Err = multierror.Append(result.Err, domain.E(domain.KindInternal, "list active rules", err))
		log.Error("Restoration could not list active rules", logger.ErrorField(err))
		return result
	}

	byOwner := groupByOwner(rules)
	owners := make([]int64, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	result.Owners = len(owners)

	for _, owner := range owners {
		if ctx.Err() != nil {
			result.Err = multierror.Append(result.Err, ctx.Err())
			break
		}
		r.restoreOwner(ctx, owner, byOwner[owner], &result)
	}

	r.config.Metrics.ObserveRestore(metrics.LevelRule, metrics.OutcomeRestored, result.RulesRestored)
	r.config.Metrics.ObserveRestore(metrics.LevelRule, metrics.OutcomeFailed, result.RulesFailed)

	log.Info("Restoration finished",
		logger.IntField("owners", result.Owners),
		logger.IntField("sessions_restored", result.SessionsRestored),
		logger.IntField("sessions_failed", result.SessionsFailed),
		logger.IntField("reconnected", result.Reconnected),
		logger.IntField("reconnects_failed", result.ReconnectsFailed),
		logger.IntField("rules_restored", result.RulesRestored),
		logger.IntField("rules_failed", result.RulesFailed),
		logger.DurationField("took", time.Since(start)))
	if result.Err != nil {
		log.Warn("Restoration had failures", logger.ErrorField(result.Err))
	}
	return result
}

func (r *Restorer) restoreOwner(ctx context.Context, owner int64, rules []domain.Rule, result *Result) {
	log := r.config.Logger.WithFields(logger.OwnerField(owner))

	live := 0
	for _, phone := range phones(rules) {
		if c, err := r.config.Sessions.Client(owner, phone); err == nil && c.IsConnected() {
			live++
			continue
		}
		if _, err := r.config.Sessions.Reconnect(ctx, owner, phone); err != nil {
			result.ReconnectsFailed++
			r.config.Metrics.ObserveRestore(metrics.LevelReconnect, metrics.OutcomeFailed, 1)
			result.Err = multierror.Append(result.Err,
				fmt.Errorf("owner %d phone %s: %w", owner, domain.MaskPhone(phone), err))
			log.Warn("No session for rule phone", logger.PhoneField(phone), logger.ErrorField(err))
			continue
		}
		live++
		result.Reconnected++
		r.config.Metrics.ObserveRestore(metrics.LevelReconnect, metrics.OutcomeRestored, 1)
	}

	if live == 0 {
		result.RulesFailed += len(rules)
		log.Warn("Owner has no live session, rules not restored", logger.IntField("rules", len(rules)))
		return
	}

	installed, err := r.config.Listeners.InstallListeners(ctx, owner)
	result.RulesRestored += installed
	if missing := len(rules) - installed; missing > 0 {
		result.RulesFailed += missing
	}
	if err != nil {
		result.Err = multierror.Append(result.Err, fmt.Errorf("owner %d: %w", owner, err))
	}
	log.Info("Owner restored",
		logger.IntField("rules", len(rules)),
		logger.IntField("listeners", installed))
}

// groupByOwner keeps one rule per (owner, name), the newest.
func groupByOwner(rules []domain.Rule) map[int64][]domain.Rule {
	newest := make(map[int64]map[string]domain.Rule)
	for _, rule := range rules {
		names, ok := newest[rule.Owner]
		if !ok {
			names = make(map[string]domain.Rule)
			newest[rule.Owner] = names
		}
		if cur, ok := names[rule.Name]; !ok || rule.CreatedAt.After(cur.CreatedAt) {
			names[rule.Name] = rule
		}
	}

	out := make(map[int64][]domain.Rule, len(newest))
	for owner, names := range newest {
		for _, rule := range names {
			out[owner] = append(out[owner], rule)
		}
	}
	return out
}

func phones(rules []domain.Rule) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rule := range rules {
		if !seen[rule.Phone] {
			seen[rule.Phone] = true
			out = append(out, rule.Phone)
		}
	}
	sort.Strings(out)
	return out
}
