package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/lewisedginton/telefeed/internal/chat"
)

// Client is a chat.Client bound to one phone on a Network.
type Client struct {
	net *Network

	mu         sync.Mutex
	phone      string
	handle     string
	connected  bool
	authorized bool
}

var _ chat.Client = (*Client)(nil)

// Handle returns the credential handle the client was signed in or opened with.
func (c *Client) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if !wasConnected {
		return nil
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.disconnects++
	c.net.dropClientSubscriptionsLocked(c)
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	handle, authorized := c.handle, c.authorized
	c.mu.Unlock()

	if !authorized {
		return false, nil
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return !c.net.revoked[handle], nil
}

func (c *Client) RequestCode(ctx context.Context, phone string) (string, error) {
	if err := c.ready(ctx, false); err != nil {
		return "", err
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if err := c.net.takeFailureLocked(OpRequestCode); err != nil {
		return "", err
	}
	c.net.codeSeq++
	hash := fmt.Sprintf("hash-%d", c.net.codeSeq)
	c.net.pendingCodes[hash] = pendingCode{phone: trimPhone(phone), code: c.net.code}
	c.net.ops = append(c.net.ops, Operation{Op: OpRequestCode, Text: trimPhone(phone)})
	return hash, nil
}

func (c *Client) SignIn(ctx context.Context, phone, code, codeHash string) (string, error) {
	if err := c.ready(ctx, false); err != nil {
		return "", err
	}

	c.net.mu.Lock()
	if err := c.net.takeFailureLocked(OpSignIn); err != nil {
		c.net.mu.Unlock()
		return "", err
	}
	pending, ok := c.net.pendingCodes[codeHash]
	if !ok || pending.phone != trimPhone(phone) {
		c.net.mu.Unlock()
		return "", chat.ErrCodeExpired
	}
	if pending.code != code {
		c.net.mu.Unlock()
		return "", chat.ErrCodeInvalid
	}
	delete(c.net.pendingCodes, codeHash)
	handle := c.net.issueHandleLocked(pending.phone)
	c.net.ops = append(c.net.ops, Operation{Op: OpSignIn, Text: pending.phone})
	c.net.mu.Unlock()

	c.mu.Lock()
	c.handle = handle
	c.authorized = true
	c.mu.Unlock()
	return handle, nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) (int64, error) {
	if err := c.ready(ctx, true); err != nil {
		return 0, err
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if err := c.net.takeFailureLocked(OpSendText); err != nil {
		return 0, err
	}
	id := c.net.storeLocked(chatID, chat.Message{Text: text})
	c.net.ops = append(c.net.ops, Operation{Op: OpSendText, ChatID: chatID, MessageID: id, Text: text})
	return id, nil
}

func (c *Client) Forward(ctx context.Context, chatID int64, msg chat.Message) (int64, error) {
	if err := c.ready(ctx, true); err != nil {
		return 0, err
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if err := c.net.takeFailureLocked(OpForward); err != nil {
		return 0, err
	}
	id := c.net.storeLocked(chatID, chat.Message{Text: msg.Text, Media: msg.Media})
	c.net.ops = append(c.net.ops, Operation{Op: OpForward, ChatID: chatID, MessageID: id, Text: msg.Text})
	return id, nil
}

func (c *Client) EditText(ctx context.Context, chatID, messageID int64, text string) (chat.EditResult, error) {
	if err := c.ready(ctx, true); err != nil {
		return 0, err
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if err := c.net.takeFailureLocked(OpEditText); err != nil {
		return 0, err
	}
	existing, ok := c.net.messages[chatID][messageID]
	if !ok {
		return 0, chat.ErrMessageNotFound
	}
	if existing.Text == text {
		return chat.EditUnchanged, nil
	}
	existing.Text = text
	c.net.messages[chatID][messageID] = existing
	c.net.ops = append(c.net.ops, Operation{Op: OpEditText, ChatID: chatID, MessageID: messageID, Text: text})
	return chat.EditApplied, nil
}

func (c *Client) Delete(ctx context.Context, chatID, messageID int64) error {
	if err := c.ready(ctx, true); err != nil {
		return err
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if err := c.net.takeFailureLocked(OpDelete); err != nil {
		return err
	}
	if _, ok := c.net.messages[chatID][messageID]; !ok {
		return chat.ErrMessageNotFound
	}
	delete(c.net.messages[chatID], messageID)
	c.net.ops = append(c.net.ops, Operation{Op: OpDelete, ChatID: chatID, MessageID: messageID})
	return nil
}

func (c *Client) SubscribeNewMessage(chatID int64, h chat.Handler) (chat.Subscription, error) {
	return c.subscribe(subKey{chatID: chatID, kind: eventNew}, h)
}

func (c *Client) SubscribeEditedMessage(chatID int64, h chat.Handler) (chat.Subscription, error) {
	return c.subscribe(subKey{chatID: chatID, kind: eventEdited}, h)
}

func (c *Client) ListDialogs(ctx context.Context) ([]chat.Dialog, error) {
	if err := c.ready(ctx, true); err != nil {
		return nil, err
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	if err := c.net.takeFailureLocked(OpListDialogs); err != nil {
		return nil, err
	}
	c.net.ops = append(c.net.ops, Operation{Op: OpListDialogs, Text: c.phone})
	dialogs := c.net.dialogs[c.phone]
	out := make([]chat.Dialog, len(dialogs))
	copy(out, dialogs)
	return out, nil
}

func (c *Client) subscribe(key subKey, h chat.Handler) (chat.Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe: nil handler")
	}
	if !c.IsConnected() {
		return nil, chat.ErrDisconnected
	}
	return c.net.addSubscription(c, key, h), nil
}

func (c *Client) ready(ctx context.Context, needAuth bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	connected, authorized, handle := c.connected, c.authorized, c.handle
	c.mu.Unlock()

	if !connected {
		return chat.ErrDisconnected
	}
	if !needAuth {
		return nil
	}
	if !authorized {
		return chat.ErrUnauthorized
	}

	c.net.mu.Lock()
	revoked := c.net.revoked[handle]
	c.net.mu.Unlock()
	if revoked {
		return chat.ErrSessionRevoked
	}
	return nil
}
