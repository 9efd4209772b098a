package session_manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/store"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/lewisedginton/telefeed/pkg/metrics"
)

// Manager persists sessions and keeps the registry of connected ones.
type Manager struct {
	config   Config
	registry *Registry
	onEvict  func(owner int64, phone string)
}

// New creates a new session manager instance
func New(config Config) (*Manager, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if config.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = defaultOperationTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Manager{
		config:   config,
		registry: NewRegistry(),
	}, nil
}

// Registry exposes the live session table.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// PutSession persists (owner, phone) -> handle as active and registers client,
// superseding and disconnecting any client previously registered for the pair.
func (m *Manager) PutSession(ctx context.Context, owner int64, phone, handle string, client chat.Client) error {
	const op = "put session"

	phone, err := domain.NormalizePhone(phone)
	if err != nil {
		return err
	}

	now := m.config.Now().UTC()
	sess := domain.Session{
		Owner:     owner,
		Phone:     phone,
		Handle:    handle,
		Active:    true,
		LastUsed:  now,
		CreatedAt: now,
	}
	if existing, err := m.config.Store.GetSession(ctx, owner, phone); err == nil {
		sess.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.E(domain.KindInternal, op, err)
	}

	if err := m.config.Store.UpsertSession(ctx, sess); err != nil {
		return domain.E(domain.KindInternal, op, err)
	}

	superseded := m.registry.Put(owner, phone, client, false)
	m.syncGauge()

	m.config.Logger.Info("Session stored",
		logger.OwnerField(owner),
		logger.PhoneField(phone),
		logger.BoolField("superseded", superseded))
	return nil
}

// ListSessions returns the owner's persisted sessions, most recently used first.
func (m *Manager) ListSessions(ctx context.Context, owner int64) ([]SessionInfo, error) {
	sessions, err := m.config.Store.ListSessions(ctx, owner)
	if err != nil {
		return nil, domain.E(domain.KindInternal, "list sessions", err)
	}

	result := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		_, live := m.registry.Get(owner, s.Phone)
		result = append(result, SessionInfo{
			Phone:    s.Phone,
			LastUsed: s.LastUsed,
			Active:   s.Active,
			Live:     live,
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].LastUsed.After(result[j].LastUsed)
	})
	return result, nil
}

// LiveCount returns the number of connected sessions.
func (m *Manager) LiveCount() int {
	return m.registry.Len()
}

// RestoreAll reconnects every persisted active session. A session whose
// handle can no longer be opened is marked inactive and counted as failed;
// the loop always continues.
func (m *Manager) RestoreAll(ctx context.Context) RestoreResult {
	var result RestoreResult

	sessions, err := m.config.Store.ListActiveSessions(ctx)
	if err != nil {
		result.Err = domain.E(domain.KindInternal, "restore sessions", err)
		return result
	}

	for _, s := range sessions {
		if _, ok := m.registry.Get(s.Owner, s.Phone); ok {
			result.Restored++
			continue
		}

		client, err := m.open(ctx, s.Handle)
		if err != nil {
			result.Failed++
			result.Err = multierror.Append(result.Err,
				fmt.Errorf("owner %d phone %s: %w", s.Owner, domain.MaskPhone(s.Phone), err))
			m.config.Logger.Warn("Failed to restore session",
				logger.OwnerField(s.Owner),
				logger.PhoneField(s.Phone),
				logger.ErrorField(err))

			if derr := m.config.Store.DeactivateSession(ctx, s.Owner, s.Phone); derr != nil {
				m.config.Logger.Error("Failed to deactivate unrestorable session",
					logger.OwnerField(s.Owner),
					logger.PhoneField(s.Phone),
					logger.ErrorField(derr))
			}
			continue
		}

		m.registry.Put(s.Owner, s.Phone, client, true)
		result.Restored++
	}
	m.syncGauge()

	m.config.Metrics.ObserveRestore(metrics.LevelSession, metrics.OutcomeRestored, result.Restored)
	m.config.Metrics.ObserveRestore(metrics.LevelSession, metrics.OutcomeFailed, result.Failed)

	m.config.Logger.Info("Sessions restored",
		logger.IntField("restored", result.Restored),
		logger.IntField("failed", result.Failed))
	return result
}

// Reconnect returns a live client for (owner, phone). When none is
// registered it tries the owner's own persisted handle, then any active
// handle stored for the same phone under another owner, most recent first.
// A working fallback handle is persisted for owner.
func (m *Manager) Reconnect(ctx context.Context, owner int64, phone string) (chat.Client, error) {
	const op = "reconnect"

	phone, err := domain.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if client, ok := m.registry.Get(owner, phone); ok && client.IsConnected() {
		return client, nil
	}

	var candidates []domain.Session
	if s, err := m.config.Store.GetSession(ctx, owner, phone); err == nil && s.Active {
		candidates = append(candidates, s)
	}
	byPhone, err := m.config.Store.FindActiveSessionsByPhone(ctx, phone)
	if err != nil {
		return nil, domain.E(domain.KindInternal, op, err)
	}
	for _, s := range byPhone {
		if s.Owner != owner {
			candidates = append(candidates, s)
		}
	}

	var attempts error
	for _, s := range candidates {
		client, err := m.open(ctx, s.Handle)
		if err != nil {
			attempts = multierror.Append(attempts, err)
			if chat.Classify(err) == domain.KindProtocolPermanent {
				_ = m.config.Store.DeactivateSession(ctx, s.Owner, s.Phone)
			}
			continue
		}

		if s.Owner != owner {
			if err := m.PutSession(ctx, owner, phone, s.Handle, client); err != nil {
				_ = client.Disconnect()
				return nil, err
			}
		} else {
			m.registry.Put(owner, phone, client, true)
			m.syncGauge()
		}

		m.config.Logger.Info("Session reconnected",
			logger.OwnerField(owner),
			logger.PhoneField(phone),
			logger.Int64Field("handle_owner", s.Owner))
		return client, nil
	}

	if attempts == nil {
		return nil, domain.Errorf(domain.KindSessionUnavailable, op, "no stored session for %s", domain.MaskPhone(phone))
	}
	return nil, domain.E(domain.KindSessionUnavailable, op, attempts)
}

// Deactivate marks the persisted session inactive and evicts the live one.
func (m *Manager) Deactivate(ctx context.Context, owner int64, phone string) error {
	const op = "deactivate session"

	phone, err := domain.NormalizePhone(phone)
	if err != nil {
		return err
	}

	evicted := m.registry.Remove(owner, phone)
	m.syncGauge()
	if evicted {
		m.notifyEvicted(owner, phone)
	}

	err = m.config.Store.DeactivateSession(ctx, owner, phone)
	switch {
	case errors.Is(err, store.ErrNotFound) && !evicted:
		return domain.Errorf(domain.KindSessionUnavailable, op, "no session for %s", domain.MaskPhone(phone))
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return domain.E(domain.KindInternal, op, err)
	}

	m.config.Logger.Info("Session deactivated",
		logger.OwnerField(owner),
		logger.PhoneField(phone),
		logger.BoolField("was_live", evicted))
	return nil
}

// CleanupExpired deactivates every session idle for longer than maxIdle and
// evicts the matching live entries. It returns how many sessions expired.
func (m *Manager) CleanupExpired(ctx context.Context, maxIdle time.Duration) (int, error) {
	cutoff := m.config.Now().Add(-maxIdle)

	expired, err := m.config.Store.DeactivateIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, domain.E(domain.KindInternal, "cleanup sessions", err)
	}
	for _, s := range expired {
		if m.registry.Remove(s.Owner, s.Phone) {
			m.notifyEvicted(s.Owner, s.Phone)
		}
		m.config.Logger.Info("Session expired",
			logger.OwnerField(s.Owner),
			logger.PhoneField(s.Phone),
			logger.TimeField("last_used", s.LastUsed))
	}
	m.syncGauge()
	return len(expired), nil
}

// Touch refreshes last_used for an owner-initiated use of the session.
func (m *Manager) Touch(ctx context.Context, owner int64, phone string) error {
	err := m.config.Store.TouchSession(ctx, owner, phone, m.config.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return domain.Errorf(domain.KindSessionUnavailable, "touch session", "no session for %s", domain.MaskPhone(phone))
	}
	if err != nil {
		return domain.E(domain.KindInternal, "touch session", err)
	}
	return nil
}

// Client returns the live client for (owner, phone) or SessionUnavailable.
func (m *Manager) Client(owner int64, phone string) (chat.Client, error) {
	client, ok := m.registry.Get(owner, phone)
	if !ok || !client.IsConnected() {
		return nil, domain.Errorf(domain.KindSessionUnavailable, "session", "no live session for %s", domain.MaskPhone(phone))
	}
	return client, nil
}

// ListDialogs lists the dialogs visible to the owner's live session for
// phone. filter is empty for all dialogs or one of user, bot, group, channel.
func (m *Manager) ListDialogs(ctx context.Context, owner int64, phone, filter string) ([]chat.Dialog, error) {
	const op = "list dialogs"

	var kind chat.DialogKind
	if filter != "" {
		k, ok := chat.ParseDialogKind(filter)
		if !ok {
			return nil, domain.Errorf(domain.KindInvalidInput, op, "unknown dialog filter %q", filter)
		}
		kind = k
	}
	phone, err := domain.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	client, err := m.Client(owner, phone)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
	defer cancel()
	dialogs, err := client.ListDialogs(callCtx)
	if err != nil {
		err = chat.Wrap(op, err)
		m.ReportFailure(ctx, owner, phone, err)
		return nil, err
	}

	if err := m.Touch(ctx, owner, phone); err != nil {
		m.config.Logger.Warn("Failed to touch session", logger.OwnerField(owner), logger.ErrorField(err))
	}

	if kind == "" {
		return dialogs, nil
	}
	filtered := make([]chat.Dialog, 0, len(dialogs))
	for _, d := range dialogs {
		if d.Kind == kind {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

// ReportFailure deactivates the session when err is a permanent protocol
// failure so later calls fail fast with SessionUnavailable.
func (m *Manager) ReportFailure(ctx context.Context, owner int64, phone string, err error) {
	if chat.Classify(err) != domain.KindProtocolPermanent && !domain.IsKind(err, domain.KindProtocolPermanent) {
		return
	}
	m.config.Logger.Warn("Session failed permanently, deactivating",
		logger.OwnerField(owner),
		logger.PhoneField(phone),
		logger.ErrorField(err))
	if derr := m.Deactivate(ctx, owner, phone); derr != nil {
		m.config.Logger.Error("Failed to deactivate session", logger.OwnerField(owner), logger.ErrorField(derr))
	}
}

// Close disconnects every live session.
func (m *Manager) Close() {
	m.registry.DisconnectAll()
	m.syncGauge()
}

func (m *Manager) open(ctx context.Context, handle string) (chat.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
	defer cancel()

	client, err := m.config.Dialer.Open(ctx, handle)
	if err != nil {
		return nil, err
	}
	ok, err := client.IsAuthorized(ctx)
	if err == nil && !ok {
		err = chat.ErrUnauthorized
	}
	if err != nil {
		_ = client.Disconnect()
		return nil, err
	}
	return client, nil
}

// OnEvict registers fn to run after a live session is evicted by
// deactivation or expiry. It must be called before the manager is shared.
func (m *Manager) OnEvict(fn func(owner int64, phone string)) {
	m.onEvict = fn
}

func (m *Manager) notifyEvicted(owner int64, phone string) {
	if m.onEvict != nil {
		m.onEvict(owner, phone)
	}
}

func (m *Manager) syncGauge() {
	m.config.Metrics.SetSessionsLive(m.registry.Len())
}
