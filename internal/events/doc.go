// Package events is the in-process publish/subscribe bus that carries
// "a message changed" notifications from mutation handlers to open streams.
//
// A Bus is constructed once and passed to the components that need it:
//
//	bus := events.NewBus(logger, events.Options{Capacity: 255})
//	sub, err := bus.Subscribe(ctx)
//	...
//	bus.Publish(events.KindCreated, msg.ID, *msg)
//
// Each Subscription owns a bounded queue. Publishing never waits on a slow
// subscriber: when a queue is full its oldest event is discarded and the
// subscriber's next receive reports a *LaggedError with the number missed.
// Delivery is best effort and in-memory; nothing survives a restart.
package events
