package playback

import (
	"container/list"
	"sync"

	"github.com/example/shared-note/internal/types"
)

type cacheKey struct {
	Document types.DocumentName
	LSN      int64
}

// cacheEntry stores the encoded full state of a document at a journal
// position.
type cacheEntry struct {
	LSN   int64
	State []byte
}

type cacheElement struct {
	key   cacheKey
	entry cacheEntry
}

type stateCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	return &stateCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// Get returns the newest entry of the document at or before targetLSN.
func (c *stateCache) Get(name types.DocumentName, targetLSN int64) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *list.Element
	for key, element := range c.items {
		if key.Document != name || key.LSN > targetLSN {
			continue
		}
		if best == nil || key.LSN > best.Value.(*cacheElement).key.LSN {
			best = element
		}
	}
	if best == nil {
		return cacheEntry{}, false
	}

	c.ll.MoveToFront(best)
	entry := best.Value.(*cacheElement).entry
	entry.State = append([]byte(nil), entry.State...)
	return entry, true
}

func (c *stateCache) Put(name types.DocumentName, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{Document: name, LSN: entry.LSN}
	if element, ok := c.items[key]; ok {
		element.Value.(*cacheElement).entry = entry
		c.ll.MoveToFront(element)
		return
	}

	c.items[key] = c.ll.PushFront(&cacheElement{key: key, entry: entry})
	if c.ll.Len() > c.capacity {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.items, last.Value.(*cacheElement).key)
	}
}

func (c *stateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
