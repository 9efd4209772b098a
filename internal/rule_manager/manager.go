package rule_manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/store"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/lewisedginton/telefeed/pkg/prefixed_uuid"
)

const maxNameLength = 64

// Manager implements the two-step rule lifecycle on top of a RuleStore.
type Manager struct {
	config Config
}

// New creates a new rule manager instance
func New(config Config) (*Manager, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if config.Authorizer == nil {
		return nil, fmt.Errorf("authorizer is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Manager{config: config}, nil
}

// BeginRule opens the owner's pending slot with name and phone, replacing
// whatever was pending before.
func (m *Manager) BeginRule(ctx context.Context, owner int64, name, phone string) error {
	const op = "begin rule"

	if err := m.authorize(ctx, op, owner); err != nil {
		return err
	}
	name, err := normalizeName(op, name)
	if err != nil {
		return err
	}
	phone, err = domain.NormalizePhone(phone)
	if err != nil {
		return err
	}
	return m.savePending(ctx, op, domain.PendingRule{
		Owner:     owner,
		Name:      name,
		Phone:     phone,
		CreatedAt: m.config.Now().UTC(),
	})
}

// BeginChange opens the pending slot for the owner's active rule name so the
// next CompleteRule supplies a new source and destination for it.
func (m *Manager) BeginChange(ctx context.Context, owner int64, name string) (domain.Rule, error) {
	const op = "begin change"

	if err := m.authorize(ctx, op, owner); err != nil {
		return domain.Rule{}, err
	}
	rule, err := m.findActive(ctx, op, owner, name)
	if err != nil {
		return domain.Rule{}, err
	}
	err = m.savePending(ctx, op, domain.PendingRule{
		Owner:     owner,
		Name:      rule.Name,
		Phone:     rule.Phone,
		CreatedAt: m.config.Now().UTC(),
	})
	return rule, err
}

// Pending returns the owner's pending rule or NoPendingRule.
func (m *Manager) Pending(ctx context.Context, owner int64) (domain.PendingRule, error) {
	p, err := m.config.Store.GetPending(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return domain.PendingRule{}, domain.E(domain.KindNoPendingRule, "pending rule", nil)
	}
	if err != nil {
		return domain.PendingRule{}, domain.E(domain.KindInternal, "pending rule", err)
	}
	return p, nil
}

// CompleteRule turns the owner's pending rule into an active rule from
// sourceID to destinationID. Active rules of the owner with the same phone
// or the same name are retired in the same change, the new rule records the
// name it superseded, and the pending slot is cleared.
func (m *Manager) CompleteRule(ctx context.Context, owner, sourceID, destinationID int64) (domain.Rule, error) {
	const op = "complete rule"

	if err := m.authorize(ctx, op, owner); err != nil {
		return domain.Rule{}, err
	}
	pending, err := m.config.Store.GetPending(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Rule{}, domain.E(domain.KindNoPendingRule, op, nil)
	}
	if err != nil {
		return domain.Rule{}, domain.E(domain.KindInternal, op, err)
	}
	if sourceID == 0 || destinationID == 0 {
		return domain.Rule{}, domain.Errorf(domain.KindInvalidInput, op, "source and destination chat ids are required")
	}
	if sourceID == destinationID {
		return domain.Rule{}, domain.Errorf(domain.KindInvalidInput, op, "source and destination must differ")
	}

	existing, err := m.config.Store.ListRules(ctx, owner)
	if err != nil {
		return domain.Rule{}, domain.E(domain.KindInternal, op, err)
	}

	rule := domain.Rule{
		ID:            prefixed_uuid.New(prefixed_uuid.PrefixRule).String(),
		Owner:         owner,
		Name:          pending.Name,
		Phone:         pending.Phone,
		SourceID:      sourceID,
		DestinationID: destinationID,
		Active:        true,
		CreatedAt:     m.config.Now().UTC(),
	}

	var retired []domain.Rule
	for _, r := range existing {
		if !r.Active || (r.Phone != rule.Phone && r.Name != rule.Name) {
			continue
		}
		retired = append(retired, r)
		if r.Name == rule.Name {
			rule.Filters = r.Filters
		}
		if r.Phone == rule.Phone || rule.SupersededFrom == "" {
			rule.SupersededFrom = r.Name
		}
	}

	change := store.RuleChange{Owner: owner, Put: []domain.Rule{rule}, ClearPending: true}
	for _, r := range retired {
		change.Retire = append(change.Retire, r.ID)
	}
	if err := m.config.Store.ApplyRuleChange(ctx, change); err != nil {
		return domain.Rule{}, domain.E(domain.KindInternal, op, err)
	}

	m.config.Logger.Info("Rule completed",
		logger.OwnerField(owner),
		logger.RuleField(rule.Name),
		logger.PhoneField(rule.Phone),
		logger.ChatIDField("source_id", sourceID),
		logger.ChatIDField("destination_id", destinationID),
		logger.IntField("retired", len(retired)))

	if m.config.Listeners != nil {
		for _, r := range retired {
			if r.Name != rule.Name {
				m.config.Listeners.RemoveRule(owner, r.Name)
			}
		}
		if err := m.config.Listeners.ApplyRule(ctx, rule); err != nil {
			// The rule is stored; restoration or the next sign-in installs it.
			m.config.Logger.Warn("Rule stored but listener not installed",
				logger.OwnerField(owner),
				logger.RuleField(rule.Name),
				logger.ErrorField(err))
		}
	}
	return rule, nil
}

// RemoveRule deactivates the owner's active rule name and stops its listener.
func (m *Manager) RemoveRule(ctx context.Context, owner int64, name string) error {
	const op = "remove rule"

	if err := m.authorize(ctx, op, owner); err != nil {
		return err
	}
	rule, err := m.findActive(ctx, op, owner, name)
	if err != nil {
		return err
	}
	if err := m.config.Store.ApplyRuleChange(ctx, store.RuleChange{Owner: owner, Retire: []string{rule.ID}}); err != nil {
		return domain.E(domain.KindInternal, op, err)
	}
	if m.config.Listeners != nil {
		m.config.Listeners.RemoveRule(owner, rule.Name)
	}

	m.config.Logger.Info("Rule removed", logger.OwnerField(owner), logger.RuleField(rule.Name))
	return nil
}

// ListRules returns the owner's active rules, most recently completed first.
// A non-empty phone restricts the result to rules using that phone.
func (m *Manager) ListRules(ctx context.Context, owner int64, phone string) ([]domain.Rule, error) {
	const op = "list rules"

	if phone != "" {
		p, err := domain.NormalizePhone(phone)
		if err != nil {
			return nil, err
		}
		phone = p
	}
	rules, err := m.config.Store.ListRules(ctx, owner)
	if err != nil {
		return nil, domain.E(domain.KindInternal, op, err)
	}

	active := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Active && (phone == "" || r.Phone == phone) {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active, nil
}

// SetFilters replaces the filters of the owner's active rule name.
func (m *Manager) SetFilters(ctx context.Context, owner int64, name string, filters domain.Filters) (domain.Rule, error) {
	const op = "set filters"

	if err := m.authorize(ctx, op, owner); err != nil {
		return domain.Rule{}, err
	}
	if err := filters.Validate(); err != nil {
		return domain.Rule{}, err
	}
	rule, err := m.findActive(ctx, op, owner, name)
	if err != nil {
		return domain.Rule{}, err
	}

	rule.Filters = filters
	if err := m.config.Store.ApplyRuleChange(ctx, store.RuleChange{Owner: owner, Put: []domain.Rule{rule}}); err != nil {
		return domain.Rule{}, domain.E(domain.KindInternal, op, err)
	}
	if m.config.Listeners != nil {
		if err := m.config.Listeners.ApplyRule(ctx, rule); err != nil {
			m.config.Logger.Warn("Filters stored but listener not refreshed",
				logger.OwnerField(owner),
				logger.RuleField(rule.Name),
				logger.ErrorField(err))
		}
	}

	m.config.Logger.Info("Rule filters updated",
		logger.OwnerField(owner),
		logger.RuleField(rule.Name),
		logger.StringField("filters", rule.Filters.String()))
	return rule, nil
}

func (m *Manager) authorize(ctx context.Context, op string, owner int64) error {
	if !m.config.Authorizer.Authorized(ctx, owner) {
		return domain.E(domain.KindNotAuthorized, op, nil)
	}
	return nil
}

func (m *Manager) savePending(ctx context.Context, op string, p domain.PendingRule) error {
	if err := m.config.Store.SavePending(ctx, p); err != nil {
		return domain.E(domain.KindInternal, op, err)
	}
	m.config.Logger.Debug("Pending rule stored",
		logger.OwnerField(p.Owner),
		logger.RuleField(p.Name),
		logger.PhoneField(p.Phone))
	return nil
}

// findActive returns the newest active rule named name.
func (m *Manager) findActive(ctx context.Context, op string, owner int64, name string) (domain.Rule, error) {
	name = strings.TrimSpace(name)
	rules, err := m.config.Store.ListRules(ctx, owner)
	if err != nil {
		return domain.Rule{}, domain.E(domain.KindInternal, op, err)
	}

	var found *domain.Rule
	for i := range rules {
		r := rules[i]
		if r.Active && r.Name == name && (found == nil || r.CreatedAt.After(found.CreatedAt)) {
			found = &rules[i]
		}
	}
	if found == nil {
		return domain.Rule{}, domain.Errorf(domain.KindRuleNotFound, op, "no active rule %q", name)
	}
	return *found, nil
}

func normalizeName(op, name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", domain.Errorf(domain.KindInvalidInput, op, "rule name is required")
	case len(name) > maxNameLength:
		return "", domain.Errorf(domain.KindInvalidInput, op, "rule name longer than %d characters", maxNameLength)
	case strings.ContainsAny(name, " \t\n"):
		return "", domain.Errorf(domain.KindInvalidInput, op, "rule name %q must be a single word", name)
	}
	return name, nil
}
