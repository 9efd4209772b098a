// Package redirection installs per-rule listeners on live sessions and
// applies the forward, edit and delete policy to the events they receive.
package redirection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/lewisedginton/telefeed/pkg/metrics"
)

const (
	defaultOperationTimeout = 20 * time.Second
	defaultQueueSize        = 256
	idlePollInterval        = 5 * time.Millisecond
)

// Sessions resolves the live client a rule forwards through.
type Sessions interface {
	Client(owner int64, phone string) (chat.Client, error)
	// ReportFailure lets the session layer react to a failed network call.
	ReportFailure(ctx context.Context, owner int64, phone string, err error)
}

// RuleSource lists an owner's rules, active or not.
type RuleSource interface {
	ListRules(ctx context.Context, owner int64) ([]domain.Rule, error)
}

// Config holds configuration for the engine
type Config struct {
	Sessions Sessions
	Rules    RuleSource
	Logger   logger.Logger

	// Metrics is optional.
	Metrics *metrics.Forwarding
	// OperationTimeout bounds each send, edit or delete. Zero means 20s.
	OperationTimeout time.Duration
	// QueueSize is the per-listener event buffer. Zero means 256.
	QueueSize int
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Listeners int `json:"listeners"`
	Links     int `json:"links"`
}

// ListenerInfo describes one installed listener.
type ListenerInfo struct {
	Owner         int64  `json:"owner"`
	Rule          string `json:"rule"`
	RuleID        string `json:"rule_id"`
	Phone         string `json:"phone"`
	SourceID      int64  `json:"source_id"`
	DestinationID int64  `json:"destination_id"`
}

// Engine owns the listener-handle table and the link table.
type Engine struct {
	config Config
	links  *linkTable

	mu        sync.Mutex
	listeners map[listenerKey]*listener
	closed    bool

	ownerLocks sync.Map // owner -> *sync.Mutex

	inflight atomic.Int64
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates an engine with no listeners installed.
func New(config Config) (*Engine, error) {
	if config.Sessions == nil {
		return nil, fmt.Errorf("sessions are required")
	}
	if config.Rules == nil {
		return nil, fmt.Errorf("rule source is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = defaultOperationTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:    config,
		links:     newLinkTable(),
		listeners: make(map[listenerKey]*listener),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// InstallListeners installs a listener for every active rule of owner whose
// session is live, and stops listeners of owner whose rule is no longer
// active. Re-running it never subscribes a rule twice. It returns the number
// of rules being forwarded afterwards; per-rule failures are aggregated.
func (e *Engine) InstallListeners(ctx context.Context, owner int64) (int, error) {
	lock := e.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	rules, err := e.config.Rules.ListRules(ctx, owner)
	if err != nil {
		return 0, domain.E(domain.KindInternal, "install listeners", err)
	}

	active := make(map[string]bool)
	installed := 0
	var result error
	for _, rule := range newestFirst(rules) {
		if !rule.Active || active[rule.Name] {
			continue
		}
		active[rule.Name] = true
		if err := e.install(rule); err != nil {
			result = multierror.Append(result, fmt.Errorf("rule %s: %w", rule.Name, err))
			continue
		}
		installed++
	}

	for _, l := range e.ownerListeners(owner) {
		if !active[l.key.name] {
			e.uninstall(l.key)
		}
	}

	e.config.Logger.Info("Listeners installed",
		logger.OwnerField(owner),
		logger.IntField("installed", installed),
		logger.IntField("rules", len(active)))
	return installed, result
}

// ApplyRule installs or refreshes the listener of one rule. An inactive rule
// is uninstalled.
func (e *Engine) ApplyRule(ctx context.Context, rule domain.Rule) error {
	lock := e.ownerLock(rule.Owner)
	lock.Lock()
	defer lock.Unlock()

	if !rule.Active {
		e.uninstall(listenerKey{owner: rule.Owner, name: rule.Name})
		return nil
	}
	return e.install(rule)
}

// RemoveRule stops forwarding for owner's rule name. Events already queued
// for it are dropped; one being processed completes.
func (e *Engine) RemoveRule(owner int64, name string) {
	lock := e.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	e.uninstall(listenerKey{owner: owner, name: name})
}

// RemoveSession stops every listener of owner bound to phone.
func (e *Engine) RemoveSession(owner int64, phone string) {
	lock := e.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	for _, l := range e.ownerListeners(owner) {
		if l.rule.Phone == phone {
			e.uninstall(l.key)
		}
	}
}

// WaitIdle blocks until no event is queued or being processed.
func (e *Engine) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for e.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stats returns listener and link counts.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	n := len(e.listeners)
	e.mu.Unlock()
	return Stats{Listeners: n, Links: e.links.len()}
}

// Listeners describes the installed listeners of owner, by rule name.
func (e *Engine) Listeners(owner int64) []ListenerInfo {
	var out []ListenerInfo
	for _, l := range e.ownerListeners(owner) {
		out = append(out, ListenerInfo{
			Owner:         l.rule.Owner,
			Rule:          l.rule.Name,
			RuleID:        l.rule.ID,
			Phone:         l.rule.Phone,
			SourceID:      l.rule.SourceID,
			DestinationID: l.rule.DestinationID,
		})
	}
	return out
}

// Link returns the destination message recorded for key.
func (e *Engine) Link(key domain.LinkKey) (int64, bool) {
	return e.links.get(key)
}

// Close unsubscribes every listener and waits for the workers to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	all := make([]*listener, 0, len(e.listeners))
	for k, l := range e.listeners {
		all = append(all, l)
		delete(e.listeners, k)
	}
	e.mu.Unlock()

	for _, l := range all {
		l.stop()
	}
	e.cancel()
	e.wg.Wait()
	e.config.Metrics.SetListeners(0)
}

// install must be called with the owner lock held.
func (e *Engine) install(rule domain.Rule) error {
	const op = "install listener"

	client, err := e.config.Sessions.Client(rule.Owner, rule.Phone)
	if err != nil {
		return err
	}
	pipeline, err := rule.Filters.Compile()
	if err != nil {
		return err
	}

	key := listenerKey{owner: rule.Owner, name: rule.Name}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.Errorf(domain.KindInternal, op, "engine closed")
	}
	existing := e.listeners[key]
	e.mu.Unlock()

	if existing != nil && existing.rule.ID == rule.ID && existing.client == client &&
		client.IsConnected() && !existing.isStopped() {
		existing.pipeline.Store(pipeline)
		return nil
	}
	if existing != nil {
		// Stop the stale listener first so no event is handled by both.
		e.uninstall(key)
	}

	l := newListener(rule, client, pipeline, e.config.QueueSize)
	if err := l.subscribe(e); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		l.stop()
		return domain.Errorf(domain.KindInternal, op, "engine closed")
	}
	e.listeners[key] = l
	count := len(e.listeners)
	e.wg.Add(1)
	e.mu.Unlock()

	go l.run(e.ctx, e)
	e.config.Metrics.SetListeners(count)

	e.config.Logger.Info("Listener installed",
		logger.OwnerField(rule.Owner),
		logger.RuleField(rule.Name),
		logger.PhoneField(rule.Phone),
		logger.ChatIDField("source_id", rule.SourceID),
		logger.ChatIDField("destination_id", rule.DestinationID),
		logger.BoolField("replaced", existing != nil))
	return nil
}

// uninstall must be called with the owner lock held.
func (e *Engine) uninstall(key listenerKey) {
	e.mu.Lock()
	l, ok := e.listeners[key]
	if ok {
		delete(e.listeners, key)
	}
	count := len(e.listeners)
	e.mu.Unlock()

	if !ok {
		return
	}
	l.stop()
	e.config.Metrics.SetListeners(count)
	e.config.Logger.Info("Listener removed", logger.OwnerField(key.owner), logger.RuleField(key.name))
}

func (e *Engine) ownerListeners(owner int64) []*listener {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*listener
	for k, l := range e.listeners {
		if k.owner == owner {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.name < out[j].key.name })
	return out
}

func (e *Engine) ownerLock(owner int64) *sync.Mutex {
	lock, _ := e.ownerLocks.LoadOrStore(owner, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// enqueue is called from the chat client's dispatch path and never blocks.
func (e *Engine) enqueue(l *listener, kind string, msg chat.Message) {
	ev := event{id: newEventID(), kind: kind, msg: msg}

	e.inflight.Add(1)
	if l.offer(ev) {
		return
	}
	e.finish()

	if l.isStopped() {
		return
	}
	e.config.Metrics.ObserveEvent(kind, metrics.OutcomeFailed, 0)
	e.config.Logger.Warn("Listener queue full, dropping event",
		logger.EventIDField(ev.id),
		logger.OwnerField(l.rule.Owner),
		logger.RuleField(l.rule.Name),
		logger.MessageIDField(msg.ID))
}

func (e *Engine) finish() {
	e.inflight.Add(-1)
}

// newestFirst orders rules by creation time, newest first, so that the most
// recently completed rule wins a name clash.
func newestFirst(rules []domain.Rule) []domain.Rule {
	out := make([]domain.Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
