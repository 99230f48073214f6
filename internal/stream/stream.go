// ABOUTME: Server-sent events handler that relays bus events to one browser connection
// ABOUTME: Serves disconnects, lag resyncs, events and heartbeats in that priority order

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-board/internal/events"
	"github.com/2389/coven-board/internal/metrics"
	"github.com/2389/coven-board/internal/store"
)

const (
	// DefaultHeartbeat is the keep-alive interval.
	DefaultHeartbeat = 15 * time.Second

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second

	// ResyncEvent tells the client to reload the list.
	ResyncEvent = "resync"
)

// State is where a stream is in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateSubscribed
	StateStreaming
	StateLagged
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateLagged:
		return "lagged"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Bus is what a stream needs from the event bus.
type Bus interface {
	Subscribe(ctx context.Context) (*events.Subscription, error)
	Unsubscribe(id string)
}

// Renderer turns a message snapshot into the HTML fragment clients swap in.
type Renderer interface {
	RenderMessage(w io.Writer, msg *store.Message) error
}

// Config configures a Handler.
type Config struct {
	Heartbeat    time.Duration
	WriteTimeout time.Duration
	// OnState, when set, observes every lifecycle transition.
	OnState func(subID string, s State)
}

// Handler serves GET /events.
type Handler struct {
	bus     Bus
	render  Renderer
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandler creates a stream handler.
func NewHandler(bus Bus, render Renderer, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Handler{
		bus:     bus,
		render:  render,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "stream"),
	}
}

// conn is one open stream.
type conn struct {
	h   *Handler
	w   http.ResponseWriter
	rc  *http.ResponseController
	sub *events.Subscription
	buf bytes.Buffer
}

func (c *conn) setState(s State) {
	if c.h.cfg.OnState != nil {
		id := ""
		if c.sub != nil {
			id = c.sub.ID()
		}
		c.h.cfg.OnState(id, s)
	}
}

// ServeHTTP streams until the client goes away, the bus closes, or a write fails.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := &conn{h: h, w: w, rc: http.NewResponseController(w)}
	c.setState(StateConnecting)

	ctx := r.Context()
	sub, err := h.bus.Subscribe(ctx)
	if err != nil {
		c.setState(StateClosed)
		http.Error(w, "Event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	c.sub = sub
	defer func() {
		h.bus.Unsubscribe(sub.ID())
		c.setState(StateClosed)
	}()
	c.setState(StateSubscribed)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	if err := c.rc.Flush(); errors.Is(err, http.ErrNotSupported) {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	h.metrics.StreamOpened()
	logger := h.logger.With("sub_id", sub.ID())
	logger.Debug("stream opened", "start_seq", sub.StartSeq())

	hello, _ := json.Marshal(map[string]any{"subscriber": sub.ID(), "seq": sub.StartSeq()})
	if err := c.writeFrame(0, "connected", string(hello)); err != nil {
		logger.Debug("stream write failed", "error", err)
		return
	}

	// A reconnecting client that is not exactly caught up must reload. An ID
	// ahead of the bus means the sequence restarted underneath it.
	if last, ok := lastEventID(r); ok && last != sub.StartSeq() {
		missed := sub.StartSeq()
		if last < sub.StartSeq() {
			missed = sub.StartSeq() - last
		}
		if err := c.resync(missed); err != nil {
			logger.Debug("stream write failed", "error", err)
			return
		}
	}
	c.setState(StateStreaming)

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()

	if err := c.loop(ctx, heartbeat.C); err != nil {
		logger.Debug("stream ended", "reason", err)
		return
	}
	logger.Debug("stream closed")
}

// errBusGone ends a stream whose subscription was closed by the bus.
var errBusGone = errors.New("subscription closed")

// loop relays until ctx is done or an error. A nil return is a normal close.
func (c *conn) loop(ctx context.Context, heartbeat <-chan time.Time) error {
	for {
		// Disconnects win over anything still queued.
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-c.sub.Done():
			return errBusGone
		default:
		}

		ev, err := c.sub.TryRecv()
		var lagged *events.LaggedError
		switch {
		case err == nil:
			if err := c.event(ev); err != nil {
				return err
			}
			continue
		case errors.As(err, &lagged):
			if err := c.resync(lagged.Missed); err != nil {
				return err
			}
			continue
		case errors.Is(err, events.ErrSubscriptionClosed):
			return errBusGone
		}

		switch c.wait(ctx, heartbeat) {
		case stepDisconnect:
			return nil
		case stepGone:
			return errBusGone
		case stepHeartbeat:
			if err := c.heartbeat(); err != nil {
				return err
			}
		}
	}
}

type step int

const (
	stepDisconnect step = iota
	stepGone
	stepRecv
	stepHeartbeat
)

// wait blocks until there is something to do. A published event wins over a
// heartbeat that fell due at the same time.
func (c *conn) wait(ctx context.Context, heartbeat <-chan time.Time) step {
	select {
	case <-c.sub.Ready():
		return stepRecv
	default:
	}

	select {
	case <-ctx.Done():
		return stepDisconnect
	case <-c.sub.Done():
		return stepGone
	case <-c.sub.Ready():
		return stepRecv
	case <-heartbeat:
		if c.sub.Pending() > 0 {
			return stepRecv
		}
		return stepHeartbeat
	}
}

func (c *conn) event(ev events.Event) error {
	data := ""
	if ev.Kind != events.KindDeleted {
		c.buf.Reset()
		if err := c.h.render.RenderMessage(&c.buf, &ev.Message); err != nil {
			c.h.logger.Error("failed to render message", "id", ev.MessageID, "error", err)
			return c.resync(1)
		}
		data = c.buf.String()
	}
	return c.writeFrame(ev.Seq, ev.Name(), data)
}

func (c *conn) resync(missed uint64) error {
	c.setState(StateLagged)
	c.h.metrics.ResyncSent()
	if err := c.writeFrame(0, ResyncEvent, strconv.FormatUint(missed, 10)); err != nil {
		return err
	}
	c.setState(StateStreaming)
	return nil
}

func (c *conn) heartbeat() error {
	c.h.metrics.HeartbeatSent()
	return c.write(": keep-alive\n\n")
}

// writeFrame writes one SSE event. Multi-line data becomes several data lines.
func (c *conn) writeFrame(id uint64, name, data string) error {
	var b strings.Builder
	if id > 0 {
		fmt.Fprintf(&b, "id: %d\n", id)
	}
	fmt.Fprintf(&b, "event: %s\n", name)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", strings.TrimRight(line, "\r"))
	}
	b.WriteString("\n")
	return c.write(b.String())
}

// write sends s under the write deadline and flushes it.
func (c *conn) write(s string) error {
	if err := c.rc.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := io.WriteString(c.w, s); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	if err := c.rc.Flush(); err != nil {
		return fmt.Errorf("flushing frame: %w", err)
	}
	return nil
}

// lastEventID reads the reconnect position from the header EventSource sends,
// or from a query parameter for clients that cannot set headers.
func lastEventID(r *http.Request) (uint64, bool) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("lastEventId")
	}
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
