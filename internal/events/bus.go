// ABOUTME: In-memory fan-out event bus shared by mutation handlers and event streams
// ABOUTME: Assigns a global sequence in a shared ring that every subscriber reads at its own pace

package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-board/internal/metrics"
	"github.com/2389/coven-board/internal/store"
)

// DefaultCapacity is how many recent events the ring keeps.
const DefaultCapacity = 255

// ErrBusClosed is returned when publishing to or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Options configure a Bus. Zero values select defaults.
type Options struct {
	Capacity int
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Bus fans events out to every registered subscription.
//
// Events go into one shared ring of Capacity slots. Publishing takes the ring's
// tail lock for a single slot write and then wakes subscribers without any
// lock; each subscription reads the ring through its own cursor. The
// subscriber list is copy-on-write and its lock is taken only to register or
// remove a subscription.
type Bus struct {
	ring   *ring
	regMu  sync.Mutex
	subs   atomic.Pointer[[]*Subscription]
	closed atomic.Bool

	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger, opts Options) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &Bus{
		ring:    newRing(opts.Capacity),
		now:     opts.Now,
		metrics: opts.Metrics,
		logger:  logger.With("component", "bus"),
	}
	empty := []*Subscription{}
	b.subs.Store(&empty)
	return b
}

// Publish numbers the event, stores it in the ring and wakes every
// subscriber. With no subscribers it is delivered to no one and still consumes
// a sequence number. A subscriber more than Capacity events behind loses the
// oldest ones and is told so on its next receive.
func (b *Bus) Publish(kind Kind, messageID int64, snapshot store.Message) (Event, error) {
	if b.closed.Load() {
		return Event{}, ErrBusClosed
	}

	ev := b.ring.append(Event{
		Kind:      kind,
		MessageID: messageID,
		Message:   snapshot,
		At:        b.now(),
	})

	for _, s := range *b.subs.Load() {
		s.wake()
	}
	b.metrics.EventPublished(kind.String())

	return ev, nil
}

// Subscribe registers a new subscription. It is removed when ctx is cancelled
// or when Unsubscribe is called with its ID.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	sub := newSubscription(uuid.New().String(), b.ring, b.metrics)

	b.regMu.Lock()
	if b.closed.Load() {
		b.regMu.Unlock()
		return nil, ErrBusClosed
	}
	old := *b.subs.Load()
	next := make([]*Subscription, len(old), len(old)+1)
	copy(next, old)
	next = append(next, sub)
	b.subs.Store(&next)
	b.regMu.Unlock()

	// Registered before the cursor is read, so any later publish wakes it.
	sub.start(b.ring.seq.Load())

	b.metrics.SetSubscribers(len(next))
	b.logger.Debug("subscriber added", "sub_id", sub.id, "start_seq", sub.startSeq)

	// Auto-cleanup on context cancellation
	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(sub.id)
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Unsubscribe removes a subscription and ends it.
// Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.regMu.Lock()
	old := *b.subs.Load()
	var target *Subscription
	next := make([]*Subscription, 0, len(old))
	for _, s := range old {
		if s.id == id {
			target = s
			continue
		}
		next = append(next, s)
	}
	if target == nil {
		b.regMu.Unlock()
		return
	}
	b.subs.Store(&next)
	b.regMu.Unlock()

	target.close()
	b.metrics.SetSubscribers(len(next))
	b.logger.Debug("subscriber removed", "sub_id", id)
}

// Len returns the number of registered subscriptions.
func (b *Bus) Len() int {
	return len(*b.subs.Load())
}

// Seq returns the sequence number of the last published event.
func (b *Bus) Seq() uint64 {
	return b.ring.seq.Load()
}

// Close shuts down the bus and ends every subscription.
func (b *Bus) Close() {
	b.regMu.Lock()
	if b.closed.Swap(true) {
		b.regMu.Unlock()
		return
	}
	old := *b.subs.Load()
	empty := []*Subscription{}
	b.subs.Store(&empty)
	b.regMu.Unlock()

	for _, s := range old {
		s.close()
	}
	b.metrics.SetSubscribers(0)
	b.logger.Debug("bus closed", "subscribers", len(old))
}
