// ABOUTME: Mutation coordinator: validate, write to the store, then publish one event
// ABOUTME: A publish failure never turns a committed write into an error for the caller

package board

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-board/internal/auth"
	"github.com/2389/coven-board/internal/events"
	"github.com/2389/coven-board/internal/metrics"
	"github.com/2389/coven-board/internal/store"
	"github.com/2389/coven-board/internal/validation"
)

// Op is a mutation kind.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// MessageInput is the user-supplied part of a message.
type MessageInput struct {
	Title   string `form:"title" validate:"required,max=100"`
	Content string `form:"content" validate:"required,max=2000"`
}

// Ack confirms a committed mutation.
type Ack struct {
	Op        Op
	ID        int64
	Message   store.Message // snapshot after the write; zero for deletes
	Seq       uint64        // bus sequence, 0 when the publish failed
	Published bool
}

// Publisher is what the service needs from the event bus.
type Publisher interface {
	Publish(kind events.Kind, messageID int64, snapshot store.Message) (events.Event, error)
}

// Service coordinates message mutations.
type Service struct {
	store     store.MessageStore
	publisher Publisher
	validate  *validation.Validator
	listLimit int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Options configure a Service.
type Options struct {
	ListLimit int // maximum messages returned by List, 0 for all
	Metrics   *metrics.Metrics
}

// New creates a mutation coordinator.
func New(s store.MessageStore, p Publisher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     s,
		publisher: p,
		validate:  validation.New(),
		listLimit: opts.ListLimit,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "board"),
	}
}

// Create validates and stores a new message.
func (s *Service) Create(ctx context.Context, in MessageInput) (Ack, error) {
	return s.Apply(ctx, OpCreate, 0, in)
}

// Update validates and replaces an existing message.
func (s *Service) Update(ctx context.Context, id int64, in MessageInput) (Ack, error) {
	return s.Apply(ctx, OpUpdate, id, in)
}

// Delete removes a message.
func (s *Service) Delete(ctx context.Context, id int64) (Ack, error) {
	return s.Apply(ctx, OpDelete, id, MessageInput{})
}

// Apply runs one mutation. Input is validated before the store is touched;
// an event is published only after the store reports success, and exactly
// once per success.
func (s *Service) Apply(ctx context.Context, op Op, id int64, in MessageInput) (Ack, error) {
	ack := Ack{Op: op, ID: id}

	if op != OpDelete {
		in.Title = strings.TrimSpace(in.Title)
		in.Content = strings.TrimSpace(in.Content)
		if err := s.validate.Struct(in); err != nil {
			s.metrics.Mutation(string(op), "invalid")
			return ack, err
		}
	}

	var kind events.Kind
	var err error
	switch op {
	case OpCreate:
		kind = events.KindCreated
		msg := &store.Message{Title: in.Title, Content: in.Content, Author: author(ctx)}
		err = s.store.CreateMessage(ctx, msg)
		if err == nil {
			ack.ID = msg.ID
			ack.Message = *msg
		}
	case OpUpdate:
		kind = events.KindUpdated
		msg := &store.Message{ID: id, Title: in.Title, Content: in.Content}
		err = s.store.UpdateMessage(ctx, msg)
		if err == nil {
			ack.Message = s.snapshot(ctx, msg)
		}
	case OpDelete:
		kind = events.KindDeleted
		err = s.store.DeleteMessage(ctx, id)
	default:
		return ack, &TransientError{Op: op, Err: errUnknownOp}
	}

	if err != nil {
		err = classify(op, err)
		s.metrics.Mutation(string(op), outcome(err))
		s.logger.Debug("mutation rejected", "op", op, "id", id, "error", err)
		return ack, err
	}

	ev, perr := s.publisher.Publish(kind, ack.ID, ack.Message)
	if perr != nil {
		s.metrics.PublishFailed()
		s.logger.Warn("mutation committed but publish failed",
			"op", op,
			"id", ack.ID,
			"error", perr)
	} else {
		ack.Seq = ev.Seq
		ack.Published = true
	}

	s.metrics.Mutation(string(op), "ok")
	s.logger.Info("mutation applied", "op", op, "id", ack.ID, "seq", ack.Seq)
	return ack, nil
}

// snapshot re-reads the stored row so the event carries every column,
// falling back to what was written.
func (s *Service) snapshot(ctx context.Context, written *store.Message) store.Message {
	msg, err := s.store.FindMessage(ctx, written.ID)
	if err != nil {
		s.logger.Debug("snapshot reread failed, using written values", "id", written.ID, "error", err)
		return *written
	}
	return *msg
}

// Find returns one message.
func (s *Service) Find(ctx context.Context, id int64) (*store.Message, error) {
	msg, err := s.store.FindMessage(ctx, id)
	if err != nil {
		return nil, classify("find", err)
	}
	return msg, nil
}

// List returns the board's messages, oldest first.
func (s *Service) List(ctx context.Context) ([]*store.Message, error) {
	msgs, err := s.store.ListMessages(ctx, s.listLimit)
	if err != nil {
		return nil, classify("list", err)
	}
	return msgs, nil
}

func author(ctx context.Context) string {
	if p := auth.PrincipalFromContext(ctx); p != nil {
		return p.Name
	}
	return ""
}

func outcome(err error) string {
	switch StatusCode(err) {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	default:
		return "error"
	}
}
