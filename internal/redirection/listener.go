package redirection

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/pkg/logger"
	"github.com/lewisedginton/telefeed/pkg/metrics"
	"github.com/lewisedginton/telefeed/pkg/prefixed_uuid"
)

type listenerKey struct {
	owner int64
	name  string
}

type event struct {
	id   string
	kind string // metrics.EventNew or metrics.EventEdit
	msg  chat.Message
}

// listener is one installed rule: two subscriptions on the rule's source
// chat feeding a queue drained in arrival order by a single worker.
type listener struct {
	key      listenerKey
	rule     domain.Rule
	client   chat.Client
	pipeline atomic.Pointer[domain.Pipeline]

	subs   []chat.Subscription
	events chan event
	done   chan struct{}

	mu      sync.RWMutex
	stopped bool
}

func newListener(rule domain.Rule, client chat.Client, pipeline *domain.Pipeline, queueSize int) *listener {
	l := &listener{
		key:    listenerKey{owner: rule.Owner, name: rule.Name},
		rule:   rule,
		client: client,
		events: make(chan event, queueSize),
		done:   make(chan struct{}),
	}
	l.pipeline.Store(pipeline)
	return l
}

// subscribe attaches the listener to its client. On failure nothing stays
// subscribed.
func (l *listener) subscribe(e *Engine) error {
	onNew := func(_ context.Context, msg chat.Message) { e.enqueue(l, metrics.EventNew, msg) }
	onEdit := func(_ context.Context, msg chat.Message) { e.enqueue(l, metrics.EventEdit, msg) }

	newSub, err := l.client.SubscribeNewMessage(l.rule.SourceID, onNew)
	if err != nil {
		return chat.Wrap("subscribe new messages", err)
	}
	editSub, err := l.client.SubscribeEditedMessage(l.rule.SourceID, onEdit)
	if err != nil {
		newSub.Unsubscribe()
		return chat.Wrap("subscribe edited messages", err)
	}
	l.subs = []chat.Subscription{newSub, editSub}
	return nil
}

// offer queues ev without blocking. It reports false when the listener is
// stopped or its queue is full.
func (l *listener) offer(ev event) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return false
	}
	select {
	case l.events <- ev:
		return true
	default:
		return false
	}
}

// stop unsubscribes and tells the worker to exit. Safe to call twice.
func (l *listener) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	for _, s := range l.subs {
		s.Unsubscribe()
	}
	close(l.done)
}

func (l *listener) isStopped() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stopped
}

// run processes queued events until stop. Events still queued at stop are
// dropped.
func (l *listener) run(ctx context.Context, e *Engine) {
	defer e.wg.Done()
	for {
		select {
		case ev := <-l.events:
			e.process(ctx, l, ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.events:
					e.config.Logger.Debug("Dropping queued event of stopped listener",
						logger.EventIDField(ev.id),
						logger.RuleField(l.rule.Name))
					e.finish()
				default:
					return
				}
			}
		}
	}
}

func newEventID() string {
	return prefixed_uuid.New(prefixed_uuid.PrefixEvent).String()
}
