package querycache

import (
	"container/list"
	"sync"
	"time"
)

// l1Cache is the bounded in-process level with strict LRU eviction.
// Values are immutable *Entry pointers; eviction drops the index entry
// and leaves in-flight readers untouched.
type l1Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // front = most recently used
	items    map[uint64]*list.Element
}

func newL1(capacity int) *l1Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &l1Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[uint64]*list.Element, capacity),
	}
}

func (c *l1Cache) get(fingerprint uint64, now time.Time) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fingerprint]
	if !ok {
		return nil
	}
	entry := elem.Value.(*Entry)
	if entry.Expired(now) {
		c.ll.Remove(elem)
		delete(c.items, fingerprint)
		return nil
	}
	c.ll.MoveToFront(elem)
	return entry
}

func (c *l1Cache) put(entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[entry.Fingerprint]; ok {
		elem.Value = entry
		c.ll.MoveToFront(elem)
		return
	}
	c.items[entry.Fingerprint] = c.ll.PushFront(entry)

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*Entry).Fingerprint)
	}
}

// removeIf drops every entry matching fn and returns how many were
// dropped.
func (c *l1Cache) removeIf(fn func(*Entry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, elem := range c.items {
		if fn(elem.Value.(*Entry)) {
			c.ll.Remove(elem)
			delete(c.items, fp)
			removed++
		}
	}
	return removed
}

func (c *l1Cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[uint64]*list.Element, c.capacity)
}

func (c *l1Cache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
