package mtproto

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"

	"github.com/lewisedginton/telefeed/internal/chat"
)

type subKey struct {
	chatID int64
	edited bool
}

type subscription struct {
	client *Client
	key    subKey
	id     uint64
}

func (s *subscription) Unsubscribe() {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if handlers := s.client.subs[s.key]; handlers != nil {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.client.subs, s.key)
		}
	}
}

func (c *Client) SubscribeNewMessage(chatID int64, h chat.Handler) (chat.Subscription, error) {
	return c.subscribe(subKey{chatID: chatID}, h)
}

func (c *Client) SubscribeEditedMessage(chatID int64, h chat.Handler) (chat.Subscription, error) {
	return c.subscribe(subKey{chatID: chatID, edited: true}, h)
}

func (c *Client) subscribe(key subKey, h chat.Handler) (chat.Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe: nil handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSub++
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint64]chat.Handler)
	}
	c.subs[key][c.nextSub] = h
	return &subscription{client: c, key: key, id: c.nextSub}, nil
}

// dispatch hands a pushed message to the handlers subscribed to its chat.
func (c *Client) dispatch(ctx context.Context, e tg.Entities, m tg.MessageClass, edited bool) {
	c.peers.addEntities(e)

	msg, ok := m.(*tg.Message)
	if !ok {
		return
	}
	chatID, ok := markedID(msg.PeerID)
	if !ok {
		return
	}

	c.mu.Lock()
	subs := c.subs[subKey{chatID: chatID, edited: edited}]
	handlers := make([]chat.Handler, 0, len(subs))
	for _, h := range subs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		return
	}
	out := toMessage(chatID, msg)
	for _, h := range handlers {
		h(ctx, out)
	}
}

func toMessage(chatID int64, m *tg.Message) chat.Message {
	out := chat.Message{ChatID: chatID, ID: int64(m.ID), Text: m.Message}

	var kind string
	switch m.Media.(type) {
	case nil, *tg.MessageMediaEmpty, *tg.MessageMediaWebPage:
		// A link preview is part of the text.
		return out
	case *tg.MessageMediaPhoto:
		kind = "photo"
	case *tg.MessageMediaDocument:
		kind = "document"
	default:
		kind = "media"
	}
	out.Media = &chat.MediaRef{
		ID:      fmt.Sprintf("%d/%d", chatID, m.ID),
		Kind:    kind,
		Caption: m.Message,
	}
	return out
}
