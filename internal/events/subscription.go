// ABOUTME: Per-subscriber read cursor over the shared event ring with lag accounting
// ABOUTME: A subscriber learns how many events it missed before it sees the newest ones

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/2389/coven-board/internal/metrics"
)

// ErrEmpty is returned by TryRecv when no event is queued.
var ErrEmpty = errors.New("no event queued")

// ErrSubscriptionClosed is returned once a subscription has been unsubscribed
// or its bus closed.
var ErrSubscriptionClosed = errors.New("subscription closed")

// LaggedError reports that the ring wrapped past this subscriber and Missed
// events were discarded. It is returned once; the following receives yield the
// oldest events the ring still holds.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d events missed", e.Missed)
}

// Subscription is one registered consumer of the bus.
type Subscription struct {
	id       string
	startSeq uint64
	ring     *ring
	metrics  *metrics.Metrics

	mu     sync.Mutex
	next   uint64 // sequence of the next event to read
	closed bool

	notify    chan struct{} // capacity 1; signalled on publish
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(id string, r *ring, m *metrics.Metrics) *Subscription {
	return &Subscription{
		id:      id,
		ring:    r,
		metrics: m,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// start positions the cursor just after seq.
func (s *Subscription) start(seq uint64) {
	s.startSeq = seq
	s.next = seq + 1
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// StartSeq is the bus sequence at registration; every event with a greater
// sequence is offered to this subscription.
func (s *Subscription) StartSeq() uint64 { return s.startSeq }

// Ready is signalled whenever an event is published. A receive on Ready does
// not consume anything; call TryRecv afterwards.
func (s *Subscription) Ready() <-chan struct{} { return s.notify }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// wake signals Ready without blocking.
func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// TryRecv returns the next event without blocking.
// A lag is reported first as *LaggedError. ErrEmpty means nothing is
// queued; ErrSubscriptionClosed means nothing ever will be.
func (s *Subscription) TryRecv() (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Event{}, ErrSubscriptionClosed
	}

	ev, res, next, missed := s.ring.read(s.next)
	s.next = next
	switch res {
	case readEmpty:
		return Event{}, ErrEmpty
	case readLagged:
		s.metrics.EventsMissed(missed)
		return Event{}, &LaggedError{Missed: missed}
	}
	return ev, nil
}

// Recv blocks until an event, a lag report, closure, or ctx cancellation.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	for {
		ev, err := s.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return ev, err
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
			return Event{}, ErrSubscriptionClosed
		case <-s.notify:
		}
	}
}

// Pending returns the number of events still readable, at most the ring size.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return s.ring.pending(s.next)
}

// close ends the subscription and wakes any waiter. Unread events are
// discarded. Safe to call more than once.
func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}
