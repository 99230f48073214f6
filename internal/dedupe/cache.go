// ABOUTME: Idempotency-key cache that remembers the outcome of recent mutations
// ABOUTME: A replayed key gets the first request's result instead of a second write

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State of a claimed key.
type State int

const (
	// StateNew means the caller now owns the key and must Complete or Release it.
	StateNew State = iota
	// StatePending means another request holding the key has not finished.
	StatePending
	// StateDone means the key finished; the stored Result applies.
	StateDone
)

// Result is what a finished request produced.
type Result struct {
	Status    int
	MessageID int64
	// Err is the failure the first request answered with, replayed verbatim.
	Err error
}

type entry struct {
	key     string
	at      time.Time
	done    bool
	result  Result
	element *list.Element
}

// Cache is a size-bounded TTL map of idempotency keys. Oldest keys are
// evicted first when full.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Claim reserves key. For StateDone the stored Result is returned.
// Expired keys are treated as new.
func (c *Cache) Claim(key string) (State, Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.at) < c.ttl {
			if e.done {
				return StateDone, e.result
			}
			return StatePending, Result{}
		}
		c.removeLocked(e)
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front.Value.(*entry))
		}
	}

	e := &entry{key: key, at: now}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
	return StateNew, Result{}
}

// Complete stores the result for a claimed key. The TTL restarts.
func (c *Cache) Complete(key string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.done = true
	e.result = r
	e.at = c.now()
	c.order.MoveToBack(e.element)
}

// Release forgets a claimed key so a retry can run again.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Must be called with mu held.
func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.done:
			return
		}
	}
}

// purgeExpired drops every key older than the TTL.
func (c *Cache) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if now.Sub(e.at) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
