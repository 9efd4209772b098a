package mtproto

import (
	"strings"
	"sync"

	"github.com/gotd/td/tg"

	"github.com/lewisedginton/telefeed/internal/chat"
)

// Marked chat ids follow the usual client convention: users keep their id,
// basic groups are negated and channels are -(1e12 + id), so a channel
// 1234 is addressed as -1000000001234.
const channelIDOffset = 1_000_000_000_000

func markedID(p tg.PeerClass) (int64, bool) {
	switch p := p.(type) {
	case *tg.PeerUser:
		return p.UserID, true
	case *tg.PeerChat:
		return -p.ChatID, true
	case *tg.PeerChannel:
		return -(channelIDOffset + p.ChannelID), true
	default:
		return 0, false
	}
}

func channelMarkedID(id int64) int64 { return -(channelIDOffset + id) }

// peerCache remembers the access hashes needed to address chats by their
// marked id. It is filled from dialog lists and update entities.
type peerCache struct {
	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass
}

func newPeerCache() *peerCache {
	return &peerCache{peers: make(map[int64]tg.InputPeerClass)}
}

func (c *peerCache) get(id int64) (tg.InputPeerClass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[id]
	return p, ok
}

func (c *peerCache) addUser(u *tg.User) {
	// min constructors carry an access hash that cannot be used to address
	// the peer.
	if u == nil || u.Min {
		return
	}
	c.put(u.ID, &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash})
}

func (c *peerCache) addChat(ch *tg.Chat) {
	if ch == nil {
		return
	}
	c.put(-ch.ID, &tg.InputPeerChat{ChatID: ch.ID})
}

func (c *peerCache) addChannel(ch *tg.Channel) {
	if ch == nil || ch.Min {
		return
	}
	c.put(channelMarkedID(ch.ID), &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash})
}

func (c *peerCache) put(id int64, p tg.InputPeerClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[id] = p
}

func (c *peerCache) addEntities(e tg.Entities) {
	for _, u := range e.Users {
		c.addUser(u)
	}
	for _, ch := range e.Chats {
		c.addChat(ch)
	}
	for _, ch := range e.Channels {
		c.addChannel(ch)
	}
}

func (c *peerCache) addClasses(chats []tg.ChatClass, users []tg.UserClass) {
	for _, u := range users {
		if u, ok := u.(*tg.User); ok {
			c.addUser(u)
		}
	}
	for _, ch := range chats {
		switch ch := ch.(type) {
		case *tg.Chat:
			c.addChat(ch)
		case *tg.Channel:
			c.addChannel(ch)
		}
	}
}

// dialogsFrom turns a dialog page into chat.Dialogs, in server order.
// Dialogs whose entity is missing or forbidden are skipped.
func dialogsFrom(dialogs []tg.DialogClass, chats []tg.ChatClass, users []tg.UserClass) []chat.Dialog {
	entities := make(map[int64]chat.Dialog, len(chats)+len(users))
	for _, u := range users {
		if u, ok := u.(*tg.User); ok {
			d := chat.Dialog{ID: u.ID, Kind: chat.DialogUser, Name: userName(u), Username: u.Username}
			if u.Bot {
				d.Kind = chat.DialogBot
			}
			entities[d.ID] = d
		}
	}
	for _, ch := range chats {
		switch ch := ch.(type) {
		case *tg.Chat:
			entities[-ch.ID] = chat.Dialog{ID: -ch.ID, Kind: chat.DialogGroup, Name: ch.Title}
		case *tg.Channel:
			d := chat.Dialog{ID: channelMarkedID(ch.ID), Kind: chat.DialogGroup, Name: ch.Title, Username: ch.Username}
			if ch.Broadcast {
				d.Kind = chat.DialogChannel
			}
			entities[d.ID] = d
		}
	}

	out := make([]chat.Dialog, 0, len(dialogs))
	for _, d := range dialogs {
		dialog, ok := d.(*tg.Dialog)
		if !ok {
			continue
		}
		id, ok := markedID(dialog.Peer)
		if !ok {
			continue
		}
		if entity, ok := entities[id]; ok {
			out = append(out, entity)
		}
	}
	return out
}

func userName(u *tg.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" && u.Deleted {
		return "Deleted Account"
	}
	return name
}
