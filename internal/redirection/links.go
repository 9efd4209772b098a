package redirection

import (
	"sync"

	"github.com/lewisedginton/telefeed/internal/domain"
)

// linkTable maps forwarded source messages to their destination copies.
// It lives in memory only; a restart forgets every link.
type linkTable struct {
	mu    sync.RWMutex
	links map[domain.LinkKey]int64
}

func newLinkTable() *linkTable {
	return &linkTable{links: make(map[domain.LinkKey]int64)}
}

func (t *linkTable) get(key domain.LinkKey) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.links[key]
	return id, ok
}

func (t *linkTable) put(key domain.LinkKey, destMessage int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[key] = destMessage
	return len(t.links)
}

func (t *linkTable) remove(key domain.LinkKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, key)
	return len(t.links)
}

func (t *linkTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.links)
}
