// Package chat defines the contract the redirection core needs from a
// chat-protocol client. Implementations live in sub-packages.
package chat

import (
	"context"
	"strings"
)

// MediaRef points at an attachment already held by the chat network.
type MediaRef struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Caption string `json:"caption,omitempty"`
}

// Message is an inbound or stored chat message.
type Message struct {
	ChatID int64
	ID     int64
	Text   string
	Media  *MediaRef
}

// HasText reports whether the message carries non-blank text.
func (m Message) HasText() bool {
	return strings.TrimSpace(m.Text) != ""
}

// HasMedia reports whether the message carries an attachment.
func (m Message) HasMedia() bool {
	return m.Media != nil
}

// DialogKind is the coarse type of a dialog.
type DialogKind string

const (
	DialogUser    DialogKind = "user"
	DialogBot     DialogKind = "bot"
	DialogGroup   DialogKind = "group"
	DialogChannel DialogKind = "channel"
)

// ParseDialogKind accepts the four known kinds.
func ParseDialogKind(s string) (DialogKind, bool) {
	switch k := DialogKind(strings.ToLower(strings.TrimSpace(s))); k {
	case DialogUser, DialogBot, DialogGroup, DialogChannel:
		return k, true
	default:
		return "", false
	}
}

// Dialog is one entry of the account's dialog list.
type Dialog struct {
	ID       int64      `json:"id"`
	Kind     DialogKind `json:"kind"`
	Name     string     `json:"name"`
	Username string     `json:"username,omitempty"`
}

// EditResult is the outcome of a successful EditText call.
type EditResult int

const (
	EditApplied EditResult = iota
	EditUnchanged
)

// Handler receives subscribed events. It must return quickly.
type Handler func(ctx context.Context, msg Message)

// Subscription is a live event subscription.
type Subscription interface {
	Unsubscribe()
}

// Client is one connection to the chat network, bound to one account.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	IsAuthorized(ctx context.Context) (bool, error)

	// RequestCode sends a verification code to phone and returns the code hash
	// needed by SignIn.
	RequestCode(ctx context.Context, phone string) (string, error)
	// SignIn completes authentication and returns an opaque credential handle
	// that Dialer.Open can restore later.
	SignIn(ctx context.Context, phone, code, codeHash string) (string, error)

	SendText(ctx context.Context, chatID int64, text string) (int64, error)
	// Forward re-posts msg into chatID without re-uploading its attachment.
	Forward(ctx context.Context, chatID int64, msg Message) (int64, error)
	EditText(ctx context.Context, chatID, messageID int64, text string) (EditResult, error)
	Delete(ctx context.Context, chatID, messageID int64) error

	SubscribeNewMessage(chatID int64, h Handler) (Subscription, error)
	SubscribeEditedMessage(chatID int64, h Handler) (Subscription, error)

	ListDialogs(ctx context.Context) ([]Dialog, error)
}

// Dialer creates clients.
type Dialer interface {
	// New returns a connected, not yet authorized client for a sign-in attempt.
	New(ctx context.Context, owner int64, phone string) (Client, error)
	// Open restores an authorized client from a credential handle.
	Open(ctx context.Context, handle string) (Client, error)
}
