// Package memory implements chat.Client and chat.Dialer over an in-process
// chat network. The service uses it as its loopback backend and the tests use
// it to observe every outbound operation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lewisedginton/telefeed/internal/chat"
)

// Op names an outbound client operation.
type Op string

const (
	OpRequestCode Op = "request_code"
	OpSignIn      Op = "sign_in"
	OpOpen        Op = "open"
	OpSendText    Op = "send_text"
	OpForward     Op = "forward"
	OpEditText    Op = "edit_text"
	OpDelete      Op = "delete"
	OpListDialogs Op = "list_dialogs"
)

// Operation is one recorded outbound call that reached the network.
type Operation struct {
	Op        Op
	ChatID    int64
	MessageID int64
	Text      string
}

type eventKind int

const (
	eventNew eventKind = iota
	eventEdited
)

type subKey struct {
	chatID int64
	kind   eventKind
}

type subscription struct {
	id      int64
	key     subKey
	handler chat.Handler
	net     *Network
	client  *Client
}

func (s *subscription) Unsubscribe() {
	s.net.removeSubscription(s)
}

type pendingCode struct {
	phone string
	code  string
}

// DefaultCode is the verification code delivered unless SetCode changes it.
const DefaultCode = "12345"

// Network is a shared in-memory chat network.
type Network struct {
	mu sync.Mutex

	nextMessageID map[int64]int64
	messages      map[int64]map[int64]chat.Message
	subs          map[subKey]map[int64]*subscription
	nextSubID     int64

	code         string
	codeSeq      int
	pendingCodes map[string]pendingCode
	handleSeq    int
	handles      map[string]string // handle -> phone
	revoked      map[string]bool
	dialogs      map[string][]chat.Dialog

	failures    map[Op][]error
	ops         []Operation
	disconnects int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		nextMessageID: make(map[int64]int64),
		messages:      make(map[int64]map[int64]chat.Message),
		subs:          make(map[subKey]map[int64]*subscription),
		code:          DefaultCode,
		pendingCodes:  make(map[string]pendingCode),
		handles:       make(map[string]string),
		revoked:       make(map[string]bool),
		dialogs:       make(map[string][]chat.Dialog),
		failures:      make(map[Op][]error),
	}
}

// New implements chat.Dialer.
func (n *Network) New(ctx context.Context, owner int64, phone string) (chat.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Client{net: n, phone: trimPhone(phone), connected: true}, nil
}

// Open implements chat.Dialer.
func (n *Network) Open(ctx context.Context, handle string) (chat.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.takeFailureLocked(OpOpen); err != nil {
		return nil, err
	}
	if n.revoked[handle] {
		return nil, fmt.Errorf("open %s: %w", handle, chat.ErrSessionRevoked)
	}
	phone, ok := n.handles[handle]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", handle, chat.ErrUnknownCredentials)
	}
	n.ops = append(n.ops, Operation{Op: OpOpen, Text: handle})

	return &Client{net: n, phone: phone, handle: handle, connected: true, authorized: true}, nil
}

// SetCode changes the verification code delivered by RequestCode.
func (n *Network) SetCode(code string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.code = code
}

// SetDialogs sets the dialog list returned for phone.
func (n *Network) SetDialogs(phone string, dialogs ...chat.Dialog) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialogs[trimPhone(phone)] = dialogs
}

// IssueHandle registers a valid credential handle for phone without going
// through the code flow.
func (n *Network) IssueHandle(phone string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.issueHandleLocked(trimPhone(phone))
}

// Revoke invalidates a credential handle.
func (n *Network) Revoke(handle string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revoked[handle] = true
}

// FailNext makes the next call of op fail with err. Calls queue up.
func (n *Network) FailNext(op Op, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[op] = append(n.failures[op], err)
}

// Post delivers a new message into chatID and notifies subscribers.
func (n *Network) Post(ctx context.Context, chatID int64, msg chat.Message) chat.Message {
	n.mu.Lock()
	msg.ChatID = chatID
	msg.ID = n.storeLocked(chatID, msg)
	handlers := n.handlersLocked(subKey{chatID: chatID, kind: eventNew})
	n.mu.Unlock()

	for _, h := range handlers {
		h(ctx, msg)
	}
	return msg
}

// Redeliver notifies new-message subscribers of an already stored message
// again, the way a protocol may replay an update.
func (n *Network) Redeliver(ctx context.Context, msg chat.Message) {
	n.mu.Lock()
	handlers := n.handlersLocked(subKey{chatID: msg.ChatID, kind: eventNew})
	n.mu.Unlock()

	for _, h := range handlers {
		h(ctx, msg)
	}
}

// Edit replaces the content of a stored message and notifies edit subscribers.
// An empty text with nil media models a cleared message.
func (n *Network) Edit(ctx context.Context, chatID, messageID int64, text string, media *chat.MediaRef) chat.Message {
	msg := chat.Message{ChatID: chatID, ID: messageID, Text: text, Media: media}

	n.mu.Lock()
	if n.messages[chatID] == nil {
		n.messages[chatID] = make(map[int64]chat.Message)
	}
	n.messages[chatID][messageID] = msg
	handlers := n.handlersLocked(subKey{chatID: chatID, kind: eventEdited})
	n.mu.Unlock()

	for _, h := range handlers {
		h(ctx, msg)
	}
	return msg
}

// Messages returns the messages stored in chatID ordered by id.
func (n *Network) Messages(chatID int64) []chat.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]chat.Message, 0, len(n.messages[chatID]))
	for _, m := range n.messages[chatID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Message returns one stored message.
func (n *Network) Message(chatID, messageID int64) (chat.Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.messages[chatID][messageID]
	return m, ok
}

// Operations returns every recorded outbound operation.
func (n *Network) Operations() []Operation {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Operation, len(n.ops))
	copy(out, n.ops)
	return out
}

// Count returns how many times op reached the network.
func (n *Network) Count(op Op) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, o := range n.ops {
		if o.Op == op {
			count++
		}
	}
	return count
}

// Subscribers returns the number of live subscriptions on chatID, new and
// edited events together.
func (n *Network) Subscribers(chatID int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[subKey{chatID: chatID, kind: eventNew}]) + len(n.subs[subKey{chatID: chatID, kind: eventEdited}])
}

// Disconnects returns how many clients have been released.
func (n *Network) Disconnects() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disconnects
}

func (n *Network) storeLocked(chatID int64, msg chat.Message) int64 {
	n.nextMessageID[chatID]++
	id := n.nextMessageID[chatID]
	msg.ChatID = chatID
	msg.ID = id
	if n.messages[chatID] == nil {
		n.messages[chatID] = make(map[int64]chat.Message)
	}
	n.messages[chatID][id] = msg
	return id
}

func (n *Network) handlersLocked(key subKey) []chat.Handler {
	subs := n.subs[key]
	ids := make([]int64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	handlers := make([]chat.Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, subs[id].handler)
	}
	return handlers
}

func (n *Network) addSubscription(c *Client, key subKey, h chat.Handler) *subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextSubID++
	s := &subscription{id: n.nextSubID, key: key, handler: h, net: n, client: c}
	if n.subs[key] == nil {
		n.subs[key] = make(map[int64]*subscription)
	}
	n.subs[key][s.id] = s
	return s
}

func (n *Network) removeSubscription(s *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs[s.key], s.id)
}

func (n *Network) dropClientSubscriptionsLocked(c *Client) {
	for _, subs := range n.subs {
		for id, s := range subs {
			if s.client == c {
				delete(subs, id)
			}
		}
	}
}

func (n *Network) issueHandleLocked(phone string) string {
	n.handleSeq++
	handle := fmt.Sprintf("mem-%s-%d", phone, n.handleSeq)
	n.handles[handle] = phone
	return handle
}

func (n *Network) takeFailureLocked(op Op) error {
	queue := n.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	n.failures[op] = queue[1:]
	return err
}

func trimPhone(phone string) string {
	return strings.TrimPrefix(strings.TrimSpace(phone), "+")
}
