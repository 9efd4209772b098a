package session_manager

import (
	"sort"
	"sync"
	"time"

	"github.com/lewisedginton/telefeed/internal/chat"
)

// LiveSession is one registry entry.
type LiveSession struct {
	Owner    int64
	Phone    string
	Client   chat.Client
	Restored bool // Came from RestoreAll or Reconnect rather than a fresh sign-in
	Since    time.Time
}

type registryKey struct {
	owner int64
	phone string
}

// Registry is the in-memory table of connected sessions keyed by owner and
// phone. Each entry owns its client: replacing or removing an entry
// disconnects the client it held.
type Registry struct {
	mu      sync.RWMutex
	entries map[registryKey]LiveSession
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]LiveSession)}
}

// Put stores client for (owner, phone). A different client already stored
// under the same key is disconnected first. It reports whether an entry was
// superseded.
func (r *Registry) Put(owner int64, phone string, client chat.Client, restored bool) bool {
	key := registryKey{owner: owner, phone: phone}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.entries[key]
	if ok && old.Client != client {
		_ = old.Client.Disconnect()
	}
	r.entries[key] = LiveSession{
		Owner:    owner,
		Phone:    phone,
		Client:   client,
		Restored: restored,
		Since:    time.Now(),
	}
	return ok
}

// Get returns the client for (owner, phone) if one is registered.
func (r *Registry) Get(owner int64, phone string) (chat.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[registryKey{owner: owner, phone: phone}]
	if !ok {
		return nil, false
	}
	return e.Client, true
}

// Remove disconnects and evicts the entry. It reports whether one existed.
func (r *Registry) Remove(owner int64, phone string) bool {
	key := registryKey{owner: owner, phone: phone}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return false
	}
	_ = e.Client.Disconnect()
	delete(r.entries, key)
	return true
}

// ForOwner returns the owner's entries ordered by phone.
func (r *Registry) ForOwner(owner int64) []LiveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []LiveSession
	for k, e := range r.entries {
		if k.owner == owner {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out
}

// Owners returns every owner with at least one entry, ascending.
func (r *Registry) Owners() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int64]bool)
	var out []int64
	for k := range r.entries {
		if !seen[k.owner] {
			seen[k.owner] = true
			out = append(out, k.owner)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// DisconnectAll releases every client and empties the registry.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.entries {
		_ = e.Client.Disconnect()
		delete(r.entries, k)
	}
}
