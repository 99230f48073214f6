// ABOUTME: Shared bounded event ring written by publishers and read by subscriber cursors
// ABOUTME: Writers hold the tail lock for one slot write; an overwritten slot means the reader lagged

package events

import (
	"sync"
	"sync/atomic"
)

type slot struct {
	mu  sync.RWMutex
	seq uint64 // 0 until first written
	ev  Event
}

// ring keeps the last len(slots) events. Slot i holds the event whose
// sequence is congruent to i.
type ring struct {
	tail  sync.Mutex // serializes writers
	slots []slot
	size  uint64
	seq   atomic.Uint64 // last written sequence
}

func newRing(capacity int) *ring {
	return &ring{slots: make([]slot, capacity), size: uint64(capacity)}
}

// append numbers ev and stores it over the oldest slot.
func (r *ring) append(ev Event) Event {
	r.tail.Lock()
	defer r.tail.Unlock()

	ev.Seq = r.seq.Load() + 1
	sl := &r.slots[ev.Seq%r.size]
	sl.mu.Lock()
	sl.seq = ev.Seq
	sl.ev = ev
	sl.mu.Unlock()

	// Published only after the slot is readable.
	r.seq.Store(ev.Seq)
	return ev
}

type readResult int

const (
	readEvent readResult = iota
	readEmpty
	readLagged
)

// read looks up the event numbered cursor. On readLagged the returned cursor
// is the oldest sequence still held and missed counts what was overwritten.
func (r *ring) read(cursor uint64) (Event, readResult, uint64, uint64) {
	sl := &r.slots[cursor%r.size]
	sl.mu.RLock()
	seq, ev := sl.seq, sl.ev
	sl.mu.RUnlock()

	switch {
	case seq == cursor:
		return ev, readEvent, cursor + 1, 0
	case seq < cursor:
		return Event{}, readEmpty, cursor, 0
	}

	// The slot was reused, so the tail is at least cursor+size.
	oldest := r.seq.Load() - r.size + 1
	return Event{}, readLagged, oldest, oldest - cursor
}

// pending counts readable events from cursor, capped at the ring size.
func (r *ring) pending(cursor uint64) int {
	tail := r.seq.Load()
	if tail < cursor {
		return 0
	}
	return int(min(tail-cursor+1, r.size))
}
