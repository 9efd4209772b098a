package mtproto

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"github.com/lewisedginton/telefeed/internal/chat"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// dialogPageSize is the largest page messages.getDialogs serves.
const dialogPageSize = 100

// Client is a chat.Client bound to one Telegram account.
type Client struct {
	config  Config
	storage *session.StorageMemory
	peers   *peerCache

	mu      sync.Mutex
	conn    *connection
	subs    map[subKey]map[uint64]chat.Handler
	nextSub uint64
}

var _ chat.Client = (*Client)(nil)

// connection is one run of a telegram.Client, which cannot be restarted
// once it returns.
type connection struct {
	client  *telegram.Client
	cancel  context.CancelFunc
	ready   chan struct{}
	stopped chan struct{}
	err     error
}

func (c *connection) up() bool {
	select {
	case <-c.stopped:
		return false
	default:
	}
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func newClient(cfg Config, storage *session.StorageMemory) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Client{
		config:  cfg,
		storage: storage,
		peers:   newPeerCache(),
		subs:    make(map[subKey]map[uint64]chat.Handler),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil && c.conn.up() {
		c.mu.Unlock()
		return nil
	}
	conn := c.startLocked()
	c.mu.Unlock()

	select {
	case <-conn.ready:
		return nil
	case <-conn.stopped:
		c.drop(conn)
		return mapError("connect", conn.err)
	case <-ctx.Done():
		conn.cancel()
		<-conn.stopped
		c.drop(conn)
		return mapError("connect", ctx.Err())
	}
}

func (c *Client) startLocked() *connection {
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.dispatch(ctx, e, u.Message, false)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.dispatch(ctx, e, u.Message, false)
		return nil
	})
	dispatcher.OnEditMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		c.dispatch(ctx, e, u.Message, true)
		return nil
	})
	dispatcher.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		c.dispatch(ctx, e, u.Message, true)
		return nil
	})

	client := telegram.NewClient(c.config.AppID, c.config.AppHash, telegram.Options{
		SessionStorage: c.storage,
		UpdateHandler:  dispatcher,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		client:  client,
		cancel:  cancel,
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go func() {
		conn.err = client.Run(runCtx, func(ctx context.Context) error {
			close(conn.ready)
			<-ctx.Done()
			return nil
		})
		close(conn.stopped)
		if conn.err != nil && !errors.Is(conn.err, context.Canceled) {
			c.config.Logger.Warn("Telegram connection closed", logger.ErrorField(conn.err))
		}
	}()

	c.conn = conn
	return conn
}

func (c *Client) drop(conn *connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

// Disconnect closes the connection and drops every subscription.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subs = make(map[subKey]map[uint64]chat.Handler)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.cancel()
	<-conn.stopped
	if conn.err != nil && !errors.Is(conn.err, context.Canceled) {
		return mapError("disconnect", conn.err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.up()
}

// live returns the current connection or chat.ErrDisconnected.
func (c *Client) live() (*telegram.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.up() {
		return nil, chat.ErrDisconnected
	}
	return c.conn.client, nil
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	client, err := c.live()
	if err != nil {
		return false, err
	}
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return false, mapError("auth status", err)
	}
	return status.Authorized, nil
}

func (c *Client) RequestCode(ctx context.Context, phone string) (string, error) {
	client, err := c.live()
	if err != nil {
		return "", err
	}
	sent, err := client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return "", mapError("request code", err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", fmt.Errorf("request code: unexpected %T", sent)
	}
	return code.PhoneCodeHash, nil
}

// SignIn returns a handle holding the serialized session.
func (c *Client) SignIn(ctx context.Context, phone, code, codeHash string) (string, error) {
	client, err := c.live()
	if err != nil {
		return "", err
	}
	if _, err := client.Auth().SignIn(ctx, phone, code, codeHash); err != nil {
		return "", mapError("sign in", err)
	}
	if err := c.startUpdates(ctx); err != nil {
		return "", err
	}
	data, err := c.storage.LoadSession(ctx)
	if err != nil {
		return "", fmt.Errorf("sign in: load session: %w", err)
	}
	return encodeHandle(data), nil
}

// startUpdates tells the server to push updates to this connection.
func (c *Client) startUpdates(ctx context.Context) error {
	client, err := c.live()
	if err != nil {
		return err
	}
	if _, err := client.API().UpdatesGetState(ctx); err != nil {
		return mapError("get updates state", err)
	}
	return nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string) (int64, error) {
	client, err := c.live()
	if err != nil {
		return 0, err
	}
	to, err := c.resolve(ctx, client.API(), chatID)
	if err != nil {
		return 0, err
	}

	randomID := rand.Int64()
	updates, err := client.API().MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     to,
		Message:  text,
		RandomID: randomID,
	})
	if err != nil {
		return 0, mapError("send message", err)
	}
	return c.sentMessageID(updates, randomID)
}

func (c *Client) Forward(ctx context.Context, chatID int64, msg chat.Message) (int64, error) {
	client, err := c.live()
	if err != nil {
		return 0, err
	}
	from, err := c.resolve(ctx, client.API(), msg.ChatID)
	if err != nil {
		return 0, err
	}
	to, err := c.resolve(ctx, client.API(), chatID)
	if err != nil {
		return 0, err
	}

	randomID := rand.Int64()
	updates, err := client.API().MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: from,
		ID:       []int{int(msg.ID)},
		RandomID: []int64{randomID},
		ToPeer:   to,
	})
	if err != nil {
		return 0, mapError("forward message", err)
	}
	return c.sentMessageID(updates, randomID)
}

func (c *Client) EditText(ctx context.Context, chatID, messageID int64, text string) (chat.EditResult, error) {
	client, err := c.live()
	if err != nil {
		return chat.EditUnchanged, err
	}
	to, err := c.resolve(ctx, client.API(), chatID)
	if err != nil {
		return chat.EditUnchanged, err
	}

	_, err = client.API().MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    to,
		ID:      int(messageID),
		Message: text,
	})
	if err != nil {
		err = mapError("edit message", err)
		if errors.Is(err, chat.ErrNotModified) {
			return chat.EditUnchanged, nil
		}
		return chat.EditUnchanged, err
	}
	return chat.EditApplied, nil
}

func (c *Client) Delete(ctx context.Context, chatID, messageID int64) error {
	client, err := c.live()
	if err != nil {
		return err
	}
	to, err := c.resolve(ctx, client.API(), chatID)
	if err != nil {
		return err
	}

	var affected *tg.MessagesAffectedMessages
	if ch, ok := to.(*tg.InputPeerChannel); ok {
		affected, err = client.API().ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
			ID:      []int{int(messageID)},
		})
	} else {
		affected, err = client.API().MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
			Revoke: true,
			ID:     []int{int(messageID)},
		})
	}
	if err != nil {
		return mapError("delete message", err)
	}
	if affected.PtsCount == 0 {
		return fmt.Errorf("delete message %d: %w", messageID, chat.ErrMessageNotFound)
	}
	return nil
}

// ListDialogs returns the most recent page of the account's dialogs.
func (c *Client) ListDialogs(ctx context.Context) ([]chat.Dialog, error) {
	client, err := c.live()
	if err != nil {
		return nil, err
	}
	return c.loadDialogs(ctx, client.API())
}

func (c *Client) loadDialogs(ctx context.Context, api *tg.Client) ([]chat.Dialog, error) {
	res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      dialogPageSize,
	})
	if err != nil {
		return nil, mapError("list dialogs", err)
	}

	switch res := res.(type) {
	case *tg.MessagesDialogs:
		c.peers.addClasses(res.Chats, res.Users)
		return dialogsFrom(res.Dialogs, res.Chats, res.Users), nil
	case *tg.MessagesDialogsSlice:
		c.peers.addClasses(res.Chats, res.Users)
		return dialogsFrom(res.Dialogs, res.Chats, res.Users), nil
	default:
		return nil, fmt.Errorf("list dialogs: unexpected %T", res)
	}
}

// resolve finds the input peer of chatID, reloading dialogs once on a miss.
func (c *Client) resolve(ctx context.Context, api *tg.Client, chatID int64) (tg.InputPeerClass, error) {
	if p, ok := c.peers.get(chatID); ok {
		return p, nil
	}
	if _, err := c.loadDialogs(ctx, api); err != nil {
		return nil, err
	}
	if p, ok := c.peers.get(chatID); ok {
		return p, nil
	}
	return nil, fmt.Errorf("chat %d is not among the account's dialogs", chatID)
}

// sentMessageID extracts the id of the message created by a send or
// forward with randomID.
func (c *Client) sentMessageID(updates tg.UpdatesClass, randomID int64) (int64, error) {
	var list []tg.UpdateClass
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return int64(u.ID), nil
	case *tg.Updates:
		c.peers.addClasses(u.Chats, u.Users)
		list = u.Updates
	case *tg.UpdatesCombined:
		c.peers.addClasses(u.Chats, u.Users)
		list = u.Updates
	}

	for _, u := range list {
		if u, ok := u.(*tg.UpdateMessageID); ok && u.RandomID == randomID {
			return int64(u.ID), nil
		}
	}
	for _, u := range list {
		var m tg.MessageClass
		switch u := u.(type) {
		case *tg.UpdateNewMessage:
			m = u.Message
		case *tg.UpdateNewChannelMessage:
			m = u.Message
		}
		if m != nil {
			return int64(m.GetID()), nil
		}
	}
	return 0, fmt.Errorf("no message id in %T", updates)
}
