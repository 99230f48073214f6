// ABOUTME: Tests for the mutation coordinator
// ABOUTME: Covers validation short-circuit, publish-after-commit, error mapping, and publish failures

package board

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-board/internal/auth"
	"github.com/2389/coven-board/internal/events"
	"github.com/2389/coven-board/internal/store"
)

// recordingPublisher captures published events and can be made to fail.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
	seq    uint64
}

func (p *recordingPublisher) Publish(kind events.Kind, id int64, snap store.Message) (events.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return events.Event{}, p.err
	}
	p.seq++
	ev := events.Event{Seq: p.seq, Kind: kind, MessageID: id, Message: snap, At: time.Now()}
	p.events = append(p.events, ev)
	return ev, nil
}

func (p *recordingPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func newTestService() (*Service, *store.MockStore, *recordingPublisher) {
	ms := store.NewMockStore()
	pub := &recordingPublisher{}
	return New(ms, pub, Options{}, nil), ms, pub
}

func withUser(name string) context.Context {
	return auth.WithRequest(context.Background(), &auth.RequestContext{
		Principal: &auth.Principal{UserID: "u-" + name, Name: name},
	})
}

func TestService_CreatePublishesOnce(t *testing.T) {
	svc, ms, pub := newTestService()

	ack, err := svc.Create(withUser("alice"), MessageInput{Title: "  hello ", Content: "world"})
	require.NoError(t, err)

	assert.True(t, ack.Published)
	assert.NotZero(t, ack.ID)
	assert.Equal(t, uint64(1), ack.Seq)
	assert.Equal(t, "hello", ack.Message.Title, "input is trimmed")
	assert.Equal(t, "alice", ack.Message.Author)

	evs := pub.published()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindCreated, evs[0].Kind)
	assert.Equal(t, ack.ID, evs[0].MessageID)
	assert.Equal(t, "hello", evs[0].Message.Title)
	assert.Equal(t, 1, ms.Calls("CreateMessage"))
}

func TestService_ValidationNeverTouchesStoreOrBus(t *testing.T) {
	svc, ms, pub := newTestService()

	tests := []struct {
		name  string
		in    MessageInput
		field string
	}{
		{"empty title", MessageInput{Title: "", Content: "c"}, "title"},
		{"whitespace title", MessageInput{Title: "   ", Content: "c"}, "title"},
		{"long title", MessageInput{Title: strings.Repeat("t", 101), Content: "c"}, "title"},
		{"empty content", MessageInput{Title: "t", Content: ""}, "content"},
		{"long content", MessageInput{Title: "t", Content: strings.Repeat("c", 2001)}, "content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, op := range []Op{OpCreate, OpUpdate} {
				_, err := svc.Apply(t.Context(), op, 1, tt.in)

				var verr *ValidationError
				require.True(t, errors.As(err, &verr), "op %s", op)
				assert.NotEmpty(t, verr.Fields[tt.field])
				assert.Equal(t, http.StatusBadRequest, StatusCode(err))
			}
		})
	}

	assert.Equal(t, 0, ms.Calls("CreateMessage"))
	assert.Equal(t, 0, ms.Calls("UpdateMessage"))
	assert.Empty(t, pub.published())
}

func TestService_UpdatePublishesFullSnapshot(t *testing.T) {
	svc, _, pub := newTestService()

	created, err := svc.Create(withUser("alice"), MessageInput{Title: "first", Content: "body"})
	require.NoError(t, err)

	ack, err := svc.Update(withUser("bob"), created.ID, MessageInput{Title: "renamed", Content: "new"})
	require.NoError(t, err)
	assert.True(t, ack.Published)
	assert.Equal(t, "alice", ack.Message.Author, "author comes from the stored row")

	evs := pub.published()
	require.Len(t, evs, 2)
	assert.Equal(t, events.KindUpdated, evs[1].Kind)
	assert.Equal(t, "renamed", evs[1].Message.Title)
	assert.Equal(t, "update"+strconv.FormatInt(created.ID, 10), evs[1].Name())
}

func TestService_DeletePublishesWithoutSnapshot(t *testing.T) {
	svc, _, pub := newTestService()

	created, err := svc.Create(t.Context(), MessageInput{Title: "t", Content: "c"})
	require.NoError(t, err)

	ack, err := svc.Delete(t.Context(), created.ID)
	require.NoError(t, err)
	assert.True(t, ack.Published)

	evs := pub.published()
	require.Len(t, evs, 2)
	assert.Equal(t, events.KindDeleted, evs[1].Kind)
	assert.Equal(t, created.ID, evs[1].MessageID)
	assert.Equal(t, store.Message{}, evs[1].Message)
}

func TestService_StoreErrorsMapAndDoNotPublish(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(ms *store.MockStore)
		op     Op
		id     int64
		status int
	}{
		{
			name:   "conflict on create",
			setup:  func(ms *store.MockStore) { ms.CreateErr = store.ErrTitleExists },
			op:     OpCreate,
			status: http.StatusConflict,
		},
		{
			name:   "transient on create",
			setup:  func(ms *store.MockStore) { ms.CreateErr = errors.New("disk full") },
			op:     OpCreate,
			status: http.StatusInternalServerError,
		},
		{
			name:   "missing on update",
			setup:  func(ms *store.MockStore) {},
			op:     OpUpdate,
			id:     42,
			status: http.StatusNotFound,
		},
		{
			name:   "missing on delete",
			setup:  func(ms *store.MockStore) {},
			op:     OpDelete,
			id:     42,
			status: http.StatusNotFound,
		},
		{
			name:   "transient on delete",
			setup:  func(ms *store.MockStore) { ms.DeleteErr = errors.New("locked") },
			op:     OpDelete,
			id:     1,
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ms, pub := newTestService()
			tt.setup(ms)

			_, err := svc.Apply(t.Context(), tt.op, tt.id, MessageInput{Title: "t", Content: "c"})
			require.Error(t, err)
			assert.Equal(t, tt.status, StatusCode(err))
			assert.Empty(t, pub.published())
		})
	}
}

func TestService_ConflictErrorType(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Create(t.Context(), MessageInput{Title: "dup", Content: "c"})
	require.NoError(t, err)
	_, err = svc.Create(t.Context(), MessageInput{Title: "dup", Content: "c"})

	var cerr *ConflictError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, OpCreate, cerr.Op)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestService_PublishFailureStillAcks(t *testing.T) {
	svc, ms, pub := newTestService()
	pub.err = events.ErrBusClosed

	ack, err := svc.Create(t.Context(), MessageInput{Title: "t", Content: "c"})
	require.NoError(t, err)
	assert.False(t, ack.Published)
	assert.Zero(t, ack.Seq)

	msgs, err := ms.ListMessages(t.Context(), 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "write is committed regardless of publish outcome")
}

func TestService_WithRealBus(t *testing.T) {
	bus := events.NewBus(nil, events.Options{})
	defer bus.Close()

	sub, err := bus.Subscribe(t.Context())
	require.NoError(t, err)

	svc := New(store.NewMockStore(), bus, Options{}, nil)
	ack, err := svc.Create(t.Context(), MessageInput{Title: "live", Content: "update"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	ev, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, ack.Seq, ev.Seq)
	assert.Equal(t, "live", ev.Message.Title)
}

func TestService_FindAndList(t *testing.T) {
	svc, _, _ := newTestService()

	a, err := svc.Create(t.Context(), MessageInput{Title: "a", Content: "1"})
	require.NoError(t, err)
	_, err = svc.Create(t.Context(), MessageInput{Title: "b", Content: "2"})
	require.NoError(t, err)

	msg, err := svc.Find(t.Context(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", msg.Title)

	_, err = svc.Find(t.Context(), 999)
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := svc.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusNoContent, StatusCode(nil))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(auth.ErrUnauthorized))
	assert.Equal(t, http.StatusForbidden, StatusCode(auth.ErrCSRFInvalid))
	assert.Equal(t, http.StatusForbidden, StatusCode(auth.ErrCSRFMissing))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(&TransientError{Op: OpCreate, Err: errors.New("x")}))
}
