// ABOUTME: End-to-end tests for the board UI over a real HTTP server
// ABOUTME: Exercises CSRF, sessions, message mutations, idempotency, throttling and the live feed

package webui

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/coven-board/internal/auth"
	"github.com/2389/coven-board/internal/board"
	"github.com/2389/coven-board/internal/dedupe"
	"github.com/2389/coven-board/internal/events"
	"github.com/2389/coven-board/internal/metrics"
	"github.com/2389/coven-board/internal/ratelimit"
	"github.com/2389/coven-board/internal/store"
	"github.com/2389/coven-board/internal/stream"
	"github.com/2389/coven-board/internal/validation"
)

type fixture struct {
	srv      *httptest.Server
	client   *http.Client
	token    string
	store    *store.MockStore
	bus      *events.Bus
	accounts *auth.Accounts
	ui       *UI
	metrics  *metrics.Metrics
}

type fixtureOptions struct {
	limiter *ratelimit.Limiter
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	ms := store.NewMockStore()
	bus := events.NewBus(nil, events.Options{})
	t.Cleanup(bus.Close)

	csrf, err := auth.NewCSRF(nil, time.Hour, nil)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	accounts := auth.NewAccounts(ms, bcrypt.MinCost, nil)
	cache := dedupe.New(5*time.Minute, 100)
	t.Cleanup(cache.Close)

	ui, err := New(Deps{
		Board:    board.New(ms, bus, board.Options{Metrics: m}, nil),
		Accounts: accounts,
		Sessions: auth.NewSessions(ms, ms, auth.SessionConfig{InactivityTimeout: time.Hour, LoginPath: LoginPath}, m, nil),
		Gate:     auth.NewGate(csrf, auth.GateConfig{}, m, nil),
		Bus:      bus,
		Stream:   stream.Config{Heartbeat: time.Hour},
		Dedupe:   cache,
		Limiter:  opts.limiter,
		Metrics:  m,
	}, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	ui.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := srv.Client()
	client.Jar = jar
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	f := &fixture{srv: srv, client: client, store: ms, bus: bus, accounts: accounts, ui: ui, metrics: m}

	// Pick up the anti-forgery cookie and a token.
	resp := f.do(t, http.MethodGet, LoginPath, nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, f.token)
	return f
}

// do sends a request with the current CSRF token. htmx marks it as an htmx request.
func (f *fixture) do(t *testing.T, method, path string, form url.Values, htmx bool, headers ...string) *http.Response {
	t.Helper()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, body)
	require.NoError(t, err)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if htmx {
		req.Header.Set("HX-Request", "true")
	}
	if f.token != "" {
		req.Header.Set(auth.CSRFHeader, f.token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if tok := resp.Header.Get(auth.CSRFHeader); tok != "" {
		f.token = tok
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// login registers name and signs in.
func (f *fixture) login(t *testing.T, name string) {
	t.Helper()
	_, err := f.accounts.Register(t.Context(), auth.Credentials{Name: name, Password: "correct-horse"})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/login", url.Values{"name": {name}, "password": {"correct-horse"}}, true)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, DashboardPath, resp.Header.Get("HX-Redirect"))
}

func (f *fixture) createMessage(t *testing.T, title, content string, headers ...string) int64 {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/messages", url.Values{"title": {title}, "content": {content}}, true, headers...)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	id, err := strconv.ParseInt(resp.Header.Get(MessageIDHeader), 10, 64)
	require.NoError(t, err)
	return id
}

func TestIndex_Redirects(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodGet, "/", nil, false)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, LoginPath, resp.Header.Get("Location"))

	f.login(t, "alice")
	resp = f.do(t, http.MethodGet, "/", nil, false)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, DashboardPath, resp.Header.Get("Location"))
}

func TestLoginPage_CarriesToken(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodGet, LoginPath, nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "Sign in")
	assert.Contains(t, body, `hx-headers=`)
	assert.Contains(t, body, `hx-post="/login"`)
	assert.Contains(t, body, f.token)

	f.login(t, "alice")
	resp = f.do(t, http.MethodGet, LoginPath, nil, false)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, DashboardPath, resp.Header.Get("Location"))
}

func TestUnsafeRequest_WithoutToken(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")
	lookups, sessions := f.store.Calls("GetUserByName"), f.store.Calls("CreateSession")
	f.token = ""

	resp := f.do(t, http.MethodPost, "/login", url.Values{"name": {"alice"}, "password": {"correct-horse"}}, true)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "missing CSRF token")

	resp = f.do(t, http.MethodPost, "/messages", url.Values{"title": {"t"}, "content": {"c"}}, true)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Equal(t, lookups, f.store.Calls("GetUserByName"))
	assert.Equal(t, sessions, f.store.Calls("CreateSession"))
	assert.Equal(t, 0, f.store.Calls("CreateMessage"))
	assert.Equal(t, uint64(0), f.bus.Seq())
}

func TestUnsafeRequest_ForgedToken(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.token = "not-a-token"

	resp := f.do(t, http.MethodPost, "/messages", url.Values{"title": {"t"}, "content": {"c"}}, true)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, f.store.Calls("CreateMessage"))
}

func TestProtectedRoutes_WithoutSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodGet, DashboardPath, nil, false)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, LoginPath, resp.Header.Get("Location"))

	resp = f.do(t, http.MethodPost, "/messages", url.Values{"title": {"t"}, "content": {"c"}}, true)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, LoginPath, resp.Header.Get("HX-Redirect"))
	assert.Equal(t, 0, f.store.Calls("CreateMessage"))
	assert.Equal(t, uint64(0), f.bus.Seq())

	resp = f.do(t, http.MethodGet, "/events", nil, false)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestLogin_BadCredentials(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, err := f.accounts.Register(t.Context(), auth.Credentials{Name: "alice", Password: "correct-horse"})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/login", url.Values{"name": {"alice"}, "password": {"wrong-horse"}}, true)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/login", url.Values{"name": {"nobody"}, "password": {"whatever1"}}, true)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.AuthFailures.WithLabelValues("bad_credentials")))
}

func TestLogin_NonHTMXRedirects(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, err := f.accounts.Register(t.Context(), auth.Credentials{Name: "alice", Password: "correct-horse"})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/login", url.Values{"name": {"alice"}, "password": {"correct-horse"}}, false)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, DashboardPath, resp.Header.Get("Location"))
}

func TestRegister(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodPost, "/register", url.Values{"name": {"alice"}, "password": {"correct-horse"}}, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, LoginPath, resp.Header.Get("HX-Redirect"))

	resp = f.do(t, http.MethodPost, "/register", url.Values{"name": {"alice"}, "password": {"another-pass"}}, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/register", url.Values{"name": {"1x"}, "password": {"short"}}, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body validation.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "validation_failed", body.Error)
	assert.NotEmpty(t, body.Fields["name"])
	assert.NotEmpty(t, body.Fields["password"])
}

func TestDashboard_ListsMessages(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")
	f.createMessage(t, "hello board", "first post")

	resp := f.do(t, http.MethodGet, DashboardPath, nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "alice")
	assert.Contains(t, body, "hello board")
	assert.Contains(t, body, `sse-connect="/events"`)
}

func TestMessageCreate(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")

	sub, err := f.bus.Subscribe(t.Context())
	require.NoError(t, err)

	id := f.createMessage(t, "hello", "world")

	msg, err := f.store.FindMessage(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.Author)

	ev, err := sub.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, events.KindCreated, ev.Kind)
	assert.Equal(t, id, ev.MessageID)
}

func TestMessageCreate_Invalid(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")

	resp := f.do(t, http.MethodPost, "/messages", url.Values{"title": {""}, "content": {strings.Repeat("x", 2001)}}, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body validation.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Fields["title"])
	assert.NotEmpty(t, body.Fields["content"])
	assert.Equal(t, 0, f.store.Calls("CreateMessage"))
}

func TestMessageCreate_DuplicateTitle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")
	f.createMessage(t, "same", "one")

	resp := f.do(t, http.MethodPost, "/messages", url.Values{"title": {"same"}, "content": {"two"}}, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMessageCreate_IdempotencyKey(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")

	first := f.createMessage(t, "once", "only", IdempotencyHeader, "abc-123")

	resp := f.do(t, http.MethodPost, "/messages", url.Values{"title": {"once"}, "content": {"only"}}, true, IdempotencyHeader, "abc-123")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, strconv.FormatInt(first, 10), resp.Header.Get(MessageIDHeader))

	assert.Equal(t, 1, f.store.Calls("CreateMessage"))
}

func TestMessageCreate_IdempotentReplayKeepsErrorBody(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")

	var bodies [2]validation.ErrorBody
	for i := range bodies {
		resp := f.do(t, http.MethodPost, "/messages", url.Values{"title": {""}, "content": {"c"}}, true, IdempotencyHeader, "bad-1")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&bodies[i]))
	}

	assert.Contains(t, bodies[1].Fields, "title")
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, 0, f.store.Calls("CreateMessage"))
}

func TestMessageIndex(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")
	f.createMessage(t, "md", "**bold** <script>alert(1)</script>")

	resp := f.do(t, http.MethodGet, "/messages", nil, false)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, DashboardPath, resp.Header.Get("Location"))

	resp = f.do(t, http.MethodGet, "/messages", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "<strong>bold</strong>")
	assert.NotContains(t, body, "<script>alert(1)</script>")
}

func TestMessageShowUpdateDelete(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")
	id := f.createMessage(t, "before", "body")
	path := "/messages/" + strconv.FormatInt(id, 10)

	resp := f.do(t, http.MethodGet, path, nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "before")

	resp = f.do(t, http.MethodGet, path+"/edit", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `hx-put="`+path+`"`)

	resp = f.do(t, http.MethodPut, path, url.Values{"title": {"after"}, "content": {"body"}}, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	msg, err := f.store.FindMessage(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "after", msg.Title)

	resp = f.do(t, http.MethodDelete, path, nil, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, path, nil, true)
	assert.Equal(t, http.StatusResetContent, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, path, nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPut, path, url.Values{"title": {"x"}, "content": {"y"}}, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessage_BadID(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")

	resp := f.do(t, http.MethodDelete, "/messages/abc", nil, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogin_RateLimited(t *testing.T) {
	f := newFixture(t, fixtureOptions{limiter: ratelimit.New(1, 1, time.Hour, nil)})

	resp := f.do(t, http.MethodPost, "/login", url.Values{"name": {"a"}, "password": {"b"}}, true)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/login", url.Values{"name": {"a"}, "password": {"b"}}, true)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	retry, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retry)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RateLimited))
}

func TestLogout(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")

	resp := f.do(t, http.MethodPost, "/logout", nil, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, LoginPath, resp.Header.Get("HX-Redirect"))

	resp = f.do(t, http.MethodGet, DashboardPath, nil, false)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, LoginPath, resp.Header.Get("Location"))
}

func TestEvents_StreamsMessageLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.login(t, "alice")

	resp := f.do(t, http.MethodGet, "/events", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	sc := bufio.NewScanner(resp.Body)

	readFrame := func() []string {
		var lines []string
		for sc.Scan() {
			if sc.Text() == "" {
				return lines
			}
			lines = append(lines, sc.Text())
		}
		t.Fatal("stream closed")
		return nil
	}

	assert.Contains(t, readFrame(), "event: connected")

	id := f.createMessage(t, "hello", "world")
	sid := strconv.FormatInt(id, 10)
	path := "/messages/" + sid

	frame := strings.Join(readFrame(), "\n")
	assert.Contains(t, frame, "id: 1")
	assert.Contains(t, frame, "event: create")
	assert.Contains(t, frame, `id="message-`+sid+`"`)
	assert.Contains(t, frame, "hello")
	assert.Contains(t, frame, "world")

	resp = f.do(t, http.MethodPut, path, url.Values{"title": {"hello"}, "content": {"there"}}, true)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	frame = strings.Join(readFrame(), "\n")
	assert.Contains(t, frame, "id: 2")
	assert.Contains(t, frame, "event: update"+sid)
	assert.Contains(t, frame, "there")

	resp = f.do(t, http.MethodDelete, path, nil, true)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"id: 3", "event: destroy" + sid, "data: "}, readFrame())
}

func TestRenderMessage(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	var buf bytes.Buffer
	err := f.ui.RenderMessage(&buf, &store.Message{ID: 4, Title: "<b>t</b>", Content: "_hi_", Author: "bob"})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `sse-swap="update4,destroy4"`)
	assert.Contains(t, out, "&lt;b&gt;t&lt;/b&gt;", "titles are escaped")
	assert.Contains(t, out, "<em>hi</em>")
	assert.Contains(t, out, "by bob")
}

func TestHTTPMetricsRecorded(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.do(t, http.MethodGet, LoginPath, nil, false)
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("GET", "/login", "200")), 2.0)
}
