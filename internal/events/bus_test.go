// ABOUTME: Tests for the event bus fan-out, lag reporting, and subscription lifecycle
// ABOUTME: Covers ordering, unsubscribe races, context cancellation, and bus shutdown

package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-board/internal/metrics"
	"github.com/2389/coven-board/internal/store"
)

func makeMessage(id int64, title string) store.Message {
	return store.Message{ID: id, Title: title, Content: "content of " + title}
}

func recvWithin(t *testing.T, sub *Subscription) (Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	return sub.Recv(ctx)
}

func TestBus_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBus(nil, Options{})
	defer b.Close()

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)

	_, err = b.Publish(KindCreated, 7, makeMessage(7, "hello"))
	require.NoError(t, err)

	ev, err := recvWithin(t, sub)
	require.NoError(t, err)
	assert.Equal(t, KindCreated, ev.Kind)
	assert.Equal(t, int64(7), ev.MessageID)
	assert.Equal(t, "hello", ev.Message.Title)
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestBus_EverySubscriberGetsEveryEvent(t *testing.T) {
	b := NewBus(nil, Options{})
	defer b.Close()

	subs := make([]*Subscription, 3)
	for i := range subs {
		s, err := b.Subscribe(t.Context())
		require.NoError(t, err)
		subs[i] = s
	}

	for i := int64(1); i <= 5; i++ {
		_, err := b.Publish(KindUpdated, i, makeMessage(i, "m"))
		require.NoError(t, err)
	}

	for i, s := range subs {
		for want := uint64(1); want <= 5; want++ {
			ev, err := recvWithin(t, s)
			require.NoError(t, err, "subscriber %d", i)
			assert.Equal(t, want, ev.Seq, "subscriber %d out of order", i)
		}
	}
}

func TestBus_PublishWithoutSubscribersIsNoop(t *testing.T) {
	b := NewBus(nil, Options{})
	defer b.Close()

	ev, err := b.Publish(KindDeleted, 3, store.Message{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, 0, b.Len())
}

func TestBus_LateSubscriberSeesOnlyLaterEvents(t *testing.T) {
	b := NewBus(nil, Options{})
	defer b.Close()

	_, err := b.Publish(KindCreated, 1, makeMessage(1, "early"))
	require.NoError(t, err)

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sub.StartSeq())

	_, err = sub.TryRecv()
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = b.Publish(KindCreated, 2, makeMessage(2, "late"))
	require.NoError(t, err)

	ev, err := recvWithin(t, sub)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.MessageID)
}

func TestBus_OverflowDropsOldestAndReportsLag(t *testing.T) {
	b := NewBus(nil, Options{Capacity: 3})
	defer b.Close()

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		_, err := b.Publish(KindCreated, i, makeMessage(i, "m"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, sub.Pending())

	_, err = sub.TryRecv()
	var lagged *LaggedError
	require.True(t, errors.As(err, &lagged))
	assert.Equal(t, uint64(2), lagged.Missed)

	for want := int64(3); want <= 5; want++ {
		ev, err := sub.TryRecv()
		require.NoError(t, err)
		assert.Equal(t, want, ev.MessageID)
	}

	_, err = sub.TryRecv()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestBus_SlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := NewBus(nil, Options{Capacity: 2})
	defer b.Close()

	slow, err := b.Subscribe(t.Context())
	require.NoError(t, err)
	fast, err := b.Subscribe(t.Context())
	require.NoError(t, err)

	for i := int64(1); i <= 4; i++ {
		_, err := b.Publish(KindCreated, i, makeMessage(i, "m"))
		require.NoError(t, err)

		ev, err := fast.TryRecv()
		require.NoError(t, err)
		assert.Equal(t, i, ev.MessageID)
	}

	_, err = slow.TryRecv()
	var lagged *LaggedError
	assert.True(t, errors.As(err, &lagged))
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(nil, Options{})
	defer b.Close()

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, b.Len())

	b.Unsubscribe(sub.ID())
	assert.Equal(t, 0, b.Len())

	_, err = b.Publish(KindCreated, 1, makeMessage(1, "after"))
	require.NoError(t, err)

	_, err = sub.TryRecv()
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	// Second unsubscribe is harmless.
	b.Unsubscribe(sub.ID())
}

func TestBus_ContextCancellationUnsubscribes(t *testing.T) {
	b := NewBus(nil, Options{})
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
	assert.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBus_RecvHonoursContext(t *testing.T) {
	b := NewBus(nil, Options{})
	defer b.Close()

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err = sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBus_CloseEndsSubscriptionsAndRejectsPublish(t *testing.T) {
	b := NewBus(nil, Options{})

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)

	b.Close()
	b.Close()

	_, err = recvWithin(t, sub)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	_, err = b.Publish(KindCreated, 1, makeMessage(1, "x"))
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = b.Subscribe(t.Context())
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestBus_ConcurrentPublishUnsubscribe(t *testing.T) {
	b := NewBus(nil, Options{Capacity: 8})
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := b.Subscribe(t.Context())
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			b.Unsubscribe(sub.ID())
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			for j := int64(0); j < 50; j++ {
				_, _ = b.Publish(KindUpdated, n*100+j, store.Message{})
			}
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, uint64(200), b.Seq())
	assert.Equal(t, 0, b.Len())
}

func TestBus_RecordsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b := NewBus(nil, Options{Capacity: 1, Metrics: m})
	defer b.Close()

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Subscribers))

	_, _ = b.Publish(KindCreated, 1, makeMessage(1, "a"))
	_, _ = b.Publish(KindCreated, 2, makeMessage(2, "b"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("create")))

	_, err = sub.TryRecv()
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))
}

func TestEvent_Name(t *testing.T) {
	assert.Equal(t, "create", Event{Kind: KindCreated, MessageID: 4}.Name())
	assert.Equal(t, "update4", Event{Kind: KindUpdated, MessageID: 4}.Name())
	assert.Equal(t, "destroy42", Event{Kind: KindDeleted, MessageID: 42}.Name())
}

func publishWithin(t *testing.T, b *Bus, id int64) Event {
	t.Helper()
	done := make(chan Event, 1)
	go func() {
		ev, err := b.Publish(KindCreated, id, makeMessage(id, "m"))
		assert.NoError(t, err)
		done <- ev
	}()
	select {
	case ev := <-done:
		return ev
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
		return Event{}
	}
}

func TestBus_PublishDoesNotWaitOnSubscribers(t *testing.T) {
	b := NewBus(nil, Options{Capacity: 4})
	defer b.Close()

	sub, err := b.Subscribe(t.Context())
	require.NoError(t, err)

	// A reader in the middle of a receive holds its own lock.
	sub.mu.Lock()
	ev := publishWithin(t, b, 1)
	sub.mu.Unlock()
	assert.Equal(t, uint64(1), ev.Seq)

	got, err := sub.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.MessageID)
}

func TestBus_PublishDoesNotWaitOnRegistration(t *testing.T) {
	b := NewBus(nil, Options{})
	defer b.Close()

	b.regMu.Lock()
	ev := publishWithin(t, b, 1)
	b.regMu.Unlock()
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestBus_ConcurrentPublishersKeepSequenceOrder(t *testing.T) {
	const publishers, perPublisher = 4, 100
	b := NewBus(nil, Options{Capacity: 16})
	defer b.Close()

	subs := make([]*Subscription, 3)
	for i := range subs {
		s, err := b.Subscribe(t.Context())
		require.NoError(t, err)
		subs[i] = s
	}

	var wg sync.WaitGroup
	for p := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perPublisher {
				_, _ = b.Publish(KindUpdated, int64(p*perPublisher+j), store.Message{})
			}
		}()
	}

	type tally struct{ seen, missed uint64 }
	results := make([]tally, len(subs))
	var readers sync.WaitGroup
	for i, s := range subs {
		readers.Add(1)
		go func() {
			defer readers.Done()
			var last uint64
			for results[i].seen+results[i].missed < publishers*perPublisher {
				ev, err := recvWithin(t, s)
				var lagged *LaggedError
				if errors.As(err, &lagged) {
					results[i].missed += lagged.Missed
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				assert.Greater(t, ev.Seq, last, "subscriber %d", i)
				last = ev.Seq
				results[i].seen++
			}
		}()
	}

	wg.Wait()
	readers.Wait()
	for i, r := range results {
		assert.Equal(t, uint64(publishers*perPublisher), r.seen+r.missed, "subscriber %d", i)
	}
}
