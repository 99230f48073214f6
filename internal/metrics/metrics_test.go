// ABOUTME: Tests for the metrics registry, nil safety, and HTTP middleware
// ABOUTME: Uses an isolated prometheus registry per test

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.EventPublished("create")
	m.EventsMissed(2)
	m.SetSubscribers(3)
	m.CSRFRejected("missing")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("create")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CSRFRejections.WithLabelValues("missing")))
}

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.EventPublished("update")
		m.EventsMissed(1)
		m.PublishFailed()
		m.SetSubscribers(1)
		m.StreamOpened()
		m.ResyncSent()
		m.HeartbeatSent()
		m.CSRFRejected("invalid")
		m.AuthFailed("bad_password")
		m.RateLimitHit()
		m.Mutation("create", "ok")
	})

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, m.Middleware("/x", h))
}

func TestMiddleware_RecordsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	h := m.Middleware("/messages", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/messages", "204")))
}

func TestMiddleware_PreservesFlusher(t *testing.T) {
	m := New(prometheus.NewRegistry())

	var flushed bool
	h := m.Middleware("/events", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := http.NewResponseController(w).Flush()
		flushed = err == nil
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.True(t, flushed)
}

func TestHandler_Exposes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.StreamOpened()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "coven_board_stream_connections_total 1"))
}
