// Package replay implements the knock daemon's bounded replay-suppression
// cache: a set of (source IP, nonce, timestamp) triples seen within the
// freshness window, evicted both by window expiry and by a hard capacity
// limit so a flood of distinct knocks cannot grow the cache without bound.
package replay

import (
	"container/list"
	"fmt"
	"time"
)

// Key identifies a single knock attempt for replay purposes. SourceIP is the
// observed UDP source address (not the packet's declared client_ip field);
// it is part of the key because the same nonce+timestamp replayed from a
// different source is a distinct attempt.
type Key struct {
	SourceIP  [4]byte
	Nonce     [16]byte
	Timestamp int64
}

type entry struct {
	key    Key
	seenAt time.Time
}

// Cache is a bounded, insertion-ordered set of recently seen knock keys.
// It is not safe for concurrent use: the daemon's single-threaded receive
// loop is the only intended caller, so no internal locking is needed.
type Cache struct {
	window   time.Duration
	capacity int
	now      func() time.Time

	index map[Key]*list.Element
	order *list.List // front = oldest, back = newest
}

// New constructs a replay Cache with the given freshness window and hard
// capacity. now defaults to time.Now if nil, overridable in tests for
// deterministic window-expiry behavior.
func New(window time.Duration, capacity int, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		window:   window,
		capacity: capacity,
		now:      now,
		index:    make(map[Key]*list.Element),
		order:    list.New(),
	}
}

// SeenOrInsert reports whether key has already been recorded within the
// current freshness window. If not, it inserts key and returns false.
// Callers must call this before decapsulating or verifying the tag, and
// must not re-call it after a verification failure: inserting before
// verification stops a replayed, already-rejected knock from repeatedly
// consuming decapsulation and MAC work.
func (c *Cache) SeenOrInsert(key Key) bool {
	c.purgeExpired()

	if _, ok := c.index[key]; ok {
		return true
	}

	c.evictOverCapacity()

	el := c.order.PushBack(entry{key: key, seenAt: c.now()})
	c.index[key] = el
	return false
}

// Len returns the number of entries currently held.
func (c *Cache) Len() int {
	return c.order.Len()
}

func (c *Cache) purgeExpired() {
	cutoff := c.now().Add(-c.window)
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(entry)
		if e.seenAt.After(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.index, e.key)
	}
}

func (c *Cache) evictOverCapacity() {
	for c.order.Len() >= c.capacity {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(entry)
		c.order.Remove(front)
		delete(c.index, e.key)
	}
}

// String renders a Key for diagnostic logging.
func (k Key) String() string {
	return fmt.Sprintf("%d.%d.%d.%d/%x/%d", k.SourceIP[0], k.SourceIP[1], k.SourceIP[2], k.SourceIP[3], k.Nonce, k.Timestamp)
}
