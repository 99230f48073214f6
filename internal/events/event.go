// ABOUTME: Domain event type published after each committed board mutation
// ABOUTME: Carries the bus sequence number, kind, message ID and an immutable snapshot

package events

import (
	"strconv"
	"time"

	"github.com/2389/coven-board/internal/store"
)

// Kind identifies what happened to a message.
type Kind uint8

const (
	KindCreated Kind = iota + 1
	KindUpdated
	KindDeleted
)

// String returns the lowercase verb used on the wire and in metrics.
func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "create"
	case KindUpdated:
		return "update"
	case KindDeleted:
		return "destroy"
	default:
		return "unknown"
	}
}

// Event is a single "a message changed" notification.
// Message is the post-mutation snapshot; it is the zero value for KindDeleted.
type Event struct {
	Seq       uint64
	Kind      Kind
	MessageID int64
	Message   store.Message
	At        time.Time
}

// Name is the stream event name clients listen on. Creates share one name so
// the list can append; updates and deletes are addressed to one message
// element, e.g. "update42" or "destroy42".
func (e Event) Name() string {
	if e.Kind == KindCreated {
		return e.Kind.String()
	}
	return e.Kind.String() + strconv.FormatInt(e.MessageID, 10)
}
