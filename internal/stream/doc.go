// Package stream serves the board's live-update feed as server-sent events.
//
// Each GET /events connection owns one events.Subscription. The handler
// writes a "connected" frame, then relays events as they arrive. Every
// event frame carries the bus sequence as its id so a reconnecting
// EventSource can report where it left off; a client that fell behind,
// either while connected or while away, receives a "resync" frame and is
// expected to reload the message list.
package stream
