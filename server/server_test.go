package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatroom/identity"
	"github.com/onnwee/chatroom/store"
	"github.com/onnwee/chatroom/telemetry"
	"github.com/onnwee/chatroom/testutil"
)

type testEnv struct {
	t        *testing.T
	provider *testutil.FakeProvider
	store    *testutil.FakeStore
	srv      *httptest.Server
	client   *http.Client
}

func newTestEnv(t *testing.T, checks ...Check) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(o *Options) { o.Checks = checks })
}

func newTestEnvWith(t *testing.T, configure func(*Options)) *testEnv {
	t.Helper()
	p := testutil.NewFakeProvider()
	s := testutil.NewFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{
		Provider:    p,
		Completer:   p,
		Backend:     s,
		IdleTimeout: time.Minute,
	}
	configure(&opts)
	srv := httptest.NewServer(NewMux(ctx, opts))
	// Cleanups run last-in first-out: streams end before the server closes.
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	return &testEnv{t: t, provider: p, store: s, srv: srv, client: newBrowser(t)}
}

// newBrowser returns a client with its own cookie jar that does not follow
// redirects.
func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// otherBrowser returns an env on the same server with a separate cookie jar.
func (e *testEnv) otherBrowser() *testEnv {
	o := *e
	o.client = newBrowser(e.t)
	return &o
}

func (e *testEnv) do(method, path, contentType, body string, header ...string) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		e.t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	return resp
}

func (e *testEnv) page() string {
	e.t.Helper()
	resp := e.do(http.MethodGet, "/", "", "")
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("GET / = %d: %s", resp.StatusCode, b)
	}
	return string(b)
}

// waitPage polls the page until it contains every want.
func (e *testEnv) waitPage(want ...string) string {
	e.t.Helper()
	var last string
	testutil.Eventually(e.t, func() bool {
		last = e.page()
		for _, w := range want {
			if !strings.Contains(last, w) {
				return false
			}
		}
		return true
	}, "page never showed "+strings.Join(want, ", "))
	return last
}

func (e *testEnv) clientID() identity.ClientID {
	e.t.Helper()
	u, _ := url.Parse(e.srv.URL)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == clientCookie {
			return identity.ClientID(c.Value)
		}
	}
	e.t.Fatal("no client cookie")
	return ""
}

// events opens the client's event stream until the test ends.
func (e *testEnv) events() <-chan sseEvent {
	e.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/events", nil)
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	e.t.Cleanup(func() { resp.Body.Close() })
	out := make(chan sseEvent, 32)
	go readEvents(resp.Body, out)
	return out
}

// signIn loads the page and signs the client in as uid.
func (e *testEnv) signIn(uid string) identity.ClientID {
	e.t.Helper()
	e.page()
	id := e.clientID()
	e.provider.SetUser(id, &identity.User{UID: uid, DisplayName: "User " + uid})
	e.waitPage("Sign Out")
	return id
}

func postJSON(e *testEnv, text string) (int, map[string]string) {
	e.t.Helper()
	b, _ := json.Marshal(messageRequest{Text: text})
	resp := e.do(http.MethodPost, "/messages", "application/json", string(b), "Accept", "application/json")
	defer resp.Body.Close()
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealthzOK(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(http.MethodGet, "/healthz", "", "")
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checks     []Check
		wantStatus int
		wantFailed string
	}{
		{"no checks", nil, http.StatusOK, ""},
		{"all pass", []Check{{"store", func(context.Context) error { return nil }}}, http.StatusOK, ""},
		{
			"sessions down",
			[]Check{
				{"store", func(context.Context) error { return nil }},
				{"sessions", func(context.Context) error { return errors.New("connection refused") }},
			},
			http.StatusServiceUnavailable, "sessions",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, tt.checks...)
			resp := e.do(http.MethodGet, "/readyz", "", "")
			defer resp.Body.Close()
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus || body["failed_check"] != tt.wantFailed {
				t.Fatalf("readyz = %d %v", resp.StatusCode, body)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	telemetry.Init()
	e := newTestEnv(t)
	e.page()
	resp := e.do(http.MethodGet, "/metrics", "", "")
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "chat_live_apps") {
		t.Fatalf("metrics = %d, missing chat_live_apps", resp.StatusCode)
	}
}

func TestUnknownPath(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(http.MethodGet, "/admin", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /admin = %d", resp.StatusCode)
	}
}

func TestIndexShowsSignIn(t *testing.T) {
	e := newTestEnv(t)
	page := e.page()
	if !strings.Contains(page, "Sign in with Google") {
		t.Fatalf("page missing sign-in button:\n%s", page)
	}
	if strings.Contains(page, "Sign Out") || strings.Contains(page, "Say something") {
		t.Fatal("sign-in screen should not show chat controls")
	}
	first := e.clientID()
	e.page()
	if e.clientID() != first {
		t.Fatal("client id changed between requests")
	}
}

func TestIndexLoadingAndFatal(t *testing.T) {
	e := newTestEnv(t)
	e.provider.HoldInitial = true
	if page := e.page(); !strings.Contains(page, "Loading...") {
		t.Fatalf("page should show loading before the first push:\n%s", page)
	}
	events := e.events()
	e.provider.Push(e.clientID(), identity.State{Err: errors.New("invalid api key")})
	waitEvent(t, events, "render", "Error: invalid api key")
}

func TestReloadRemounts(t *testing.T) {
	tests := []struct {
		name  string
		fail  func(e *testEnv, id identity.ClientID)
		shown string
		check func(t *testing.T, e *testEnv, id identity.ClientID, page string)
	}{
		{
			name: "fatal session",
			fail: func(e *testEnv, id identity.ClientID) {
				e.provider.Push(id, identity.State{Err: errors.New("backend unavailable")})
			},
			shown: "Error: backend unavailable",
			check: func(t *testing.T, e *testEnv, id identity.ClientID, page string) {
				if !strings.Contains(page, "Sign Out") || strings.Contains(page, "backend unavailable") {
					t.Fatalf("reload should observe the session again:\n%s", page)
				}
				if n := e.provider.Watchers(id); n != 1 {
					t.Fatalf("watchers after reload = %d, want 1", n)
				}
			},
		},
		{
			name: "failed feed",
			fail: func(e *testEnv, _ identity.ClientID) {
				e.store.FailAll(errors.New("missing index"))
			},
			shown: "Error loading messages: missing index",
			check: func(t *testing.T, e *testEnv, _ identity.ClientID, page string) {
				if !strings.Contains(page, "Loading messages...") || strings.Contains(page, "missing index") {
					t.Fatalf("reload should reopen the feed:\n%s", page)
				}
				if e.store.Opened() != 2 || e.store.Subscriptions() != 1 {
					t.Fatalf("opened = %d live = %d, want 2 and 1", e.store.Opened(), e.store.Subscriptions())
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			id := e.signIn("u1")
			testutil.Eventually(t, func() bool { return e.store.Subscriptions() == 1 }, "feed subscription not opened")
			events := e.events()
			tt.fail(e, id)
			waitEvent(t, events, "render", tt.shown)

			head := e.do(http.MethodHead, "/", "", "")
			head.Body.Close()
			if n := e.store.Opened(); n != 1 {
				t.Fatalf("HEAD remounted: feeds opened = %d", n)
			}

			tt.check(t, e, id, e.page())
		})
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestAppLogsCarryOneComponent(t *testing.T) {
	var out lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := newTestEnvWith(t, func(o *Options) { o.Logger = logger })
	e.signIn("u1")
	testutil.Eventually(t, func() bool { return e.store.Subscriptions() == 1 }, "feed subscription not opened")
	e.provider.Push(e.clientID(), identity.State{Err: errors.New("stream reset")})
	e.waitPage("Sign Out")

	var checked int
	for _, line := range out.lines() {
		if !strings.Contains(line, `"client":`) {
			continue
		}
		checked++
		if n := strings.Count(line, `"component":`); n != 1 {
			t.Errorf("log line has %d component keys: %s", n, line)
		}
	}
	if checked == 0 {
		t.Fatal("no client log lines captured")
	}
}

func TestSignInFlow(t *testing.T) {
	e := newTestEnv(t)
	e.page()
	id := e.clientID()

	resp := e.do(http.MethodPost, "/signin", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("POST /signin = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil || !strings.HasPrefix(loc.String(), testutil.FakeAuthURL) {
		t.Fatalf("redirect = %q", resp.Header.Get("Location"))
	}
	state := loc.Query().Get("state")
	if state != string(id) {
		t.Fatalf("state = %q, want client id %q", state, id)
	}
	e.waitPage("Signing in...")

	resp = e.do(http.MethodPost, "/signin", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second POST /signin = %d, want 409", resp.StatusCode)
	}
	if e.provider.SignInCalls() != 1 {
		t.Fatalf("provider SignIn called %d times", e.provider.SignInCalls())
	}

	resp = e.do(http.MethodGet, "/auth/google/callback?state="+url.QueryEscape(state)+"&code=u1", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/" {
		t.Fatalf("callback = %d to %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	e.waitPage("Sign Out", "Loading messages...")
	testutil.Eventually(t, func() bool { return e.store.Subscriptions() == 1 }, "feed subscription not opened")

	at := time.Now()
	e.store.Publish(
		testutil.Msg("m1", "u2", "hey there", at),
		testutil.Msg("m2", "u1", "hi back", at.Add(time.Second)),
	)
	page := e.waitPage("hey there", "hi back")
	if !strings.Contains(page, `class="message received"`) || !strings.Contains(page, `class="message sent"`) {
		t.Fatalf("messages not styled by author:\n%s", page)
	}
	if strings.Index(page, "hey there") > strings.Index(page, "hi back") {
		t.Fatal("messages not rendered in backend order")
	}
}

func TestCallbackErrors(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(http.MethodGet, "/auth/google/callback?state=unknown&code=x", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown state = %d, want 400", resp.StatusCode)
	}
	resp = e.do(http.MethodGet, "/auth/google/callback", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing state = %d, want 400", resp.StatusCode)
	}

	e.page()
	id := e.clientID()
	resp = e.do(http.MethodPost, "/signin", "", "")
	resp.Body.Close()
	e.provider.WaitPending(t, id)
	resp = e.do(http.MethodGet, "/auth/google/callback?state="+string(id)+"&error=access_denied", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("denied callback = %d", resp.StatusCode)
	}
	page := e.waitPage("sign-in cancelled by user", "Sign in with Google")
	if strings.Contains(page, "Signing in...") {
		t.Fatal("sign-in still pending after denial")
	}
}

func TestCallbackFromAnotherBrowserRejected(t *testing.T) {
	starter := newTestEnv(t)
	starter.page()
	starterID := starter.clientID()
	resp := starter.do(http.MethodPost, "/signin", "", "")
	resp.Body.Close()
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	starter.provider.WaitPending(t, starterID)

	other := starter.otherBrowser()
	other.page()
	resp = other.do(http.MethodGet, "/auth/google/callback?state="+url.QueryEscape(state)+"&code=victim", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("callback from other browser = %d, want 400", resp.StatusCode)
	}
	if !starter.provider.Pending(starterID) {
		t.Fatal("starter's sign-in was resolved by another browser")
	}
	if page := starter.page(); strings.Contains(page, "Sign Out") {
		t.Fatal("starter signed in with the other browser's account")
	}
	if page := other.page(); strings.Contains(page, "Sign Out") {
		t.Fatal("other browser signed in")
	}

	// The starter can still finish its own flow.
	resp = starter.do(http.MethodGet, "/auth/google/callback?state="+url.QueryEscape(state)+"&code=u1", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("starter callback = %d", resp.StatusCode)
	}
	starter.waitPage("Sign Out")
}

func TestSignInCancel(t *testing.T) {
	e := newTestEnv(t)
	e.page()
	id := e.clientID()
	resp := e.do(http.MethodPost, "/signin", "", "")
	resp.Body.Close()
	e.provider.WaitPending(t, id)

	resp = e.do(http.MethodPost, "/signin/cancel", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("cancel = %d", resp.StatusCode)
	}
	e.waitPage("sign-in cancelled by user", "Sign in with Google")

	// The button works again once the cancelled attempt has unwound.
	testutil.Eventually(t, func() bool {
		resp := e.do(http.MethodPost, "/signin", "", "")
		resp.Body.Close()
		return resp.StatusCode == http.StatusSeeOther
	}, "sign-in could not be retried after cancel")
	if e.provider.SignInCalls() != 2 {
		t.Fatalf("provider SignIn called %d times, want 2", e.provider.SignInCalls())
	}
}

func TestMessagesJSON(t *testing.T) {
	e := newTestEnv(t)
	if code, _ := postJSON(e, "hello"); code != http.StatusConflict {
		t.Fatalf("submit while signed out = %d, want 409", code)
	}

	e.signIn("u1")
	if code, _ := postJSON(e, "   "); code != http.StatusUnprocessableEntity {
		t.Fatalf("blank submit = %d, want 422", code)
	}
	if code, body := postJSON(e, "hello"); code != http.StatusAccepted {
		t.Fatalf("submit = %d %v", code, body)
	}
	added := e.store.Added()
	if len(added) != 1 {
		t.Fatalf("writes = %d, want 1", len(added))
	}
	if added[0].Text != "hello" || added[0].UID != "u1" || added[0].CreatedAt != store.ServerTimestamp {
		t.Fatalf("write = %+v", added[0])
	}
}

func TestConcurrentMessagesOneAccepted(t *testing.T) {
	e := newTestEnv(t)
	e.signIn("u1")
	e.store.AddGate = make(chan struct{})

	first := make(chan int, 1)
	go func() {
		code, _ := postJSON(e, "first")
		first <- code
	}()
	testutil.Eventually(t, func() bool { return len(e.store.Added()) == 1 }, "first write never started")

	if code, body := postJSON(e, "second"); code != http.StatusConflict {
		t.Fatalf("concurrent submit = %d %v, want 409", code, body)
	}
	close(e.store.AddGate)
	if code := <-first; code != http.StatusAccepted {
		t.Fatalf("first submit = %d, want 202", code)
	}
	added := e.store.Added()
	if len(added) != 1 || added[0].Text != "first" {
		t.Fatalf("writes = %+v, want one write of first", added)
	}
}

func TestMessagesFailureKeepsDraft(t *testing.T) {
	e := newTestEnv(t)
	e.signIn("u1")
	e.store.Publish()
	e.waitPage("Say something....")

	e.store.AddErr = errors.New("permission denied")
	code, body := postJSON(e, "keep me")
	if code != http.StatusBadGateway || !strings.Contains(body["error"], "Failed to send message") {
		t.Fatalf("failed submit = %d %v", code, body)
	}
	page := e.waitPage(`value="keep me"`, "Failed to send message. Please try again.")
	if !strings.Contains(page, "Sign Out") {
		t.Fatal("composer failure should not affect the session")
	}

	e.store.AddErr = nil
	resp := e.do(http.MethodPost, "/messages", "application/x-www-form-urlencoded", url.Values{"text": {"keep me"}}.Encode())
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("form submit = %d, want 303", resp.StatusCode)
	}
	if n := len(e.store.Added()); n != 2 {
		t.Fatalf("writes = %d, want 2", n)
	}
	page = e.page()
	if strings.Contains(page, "Failed to send message") || strings.Contains(page, `value="keep me"`) {
		t.Fatal("successful retry should clear the error and the draft")
	}
}

func TestFeedErrorDoesNotBlockSignOut(t *testing.T) {
	e := newTestEnv(t)
	e.signIn("u1")
	testutil.Eventually(t, func() bool { return e.store.Subscriptions() == 1 }, "feed subscription not opened")
	events := e.events()
	e.store.FailAll(errors.New("missing index"))
	waitEvent(t, events, "render", "Error loading messages: missing index")

	resp := e.do(http.MethodPost, "/signout", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("POST /signout = %d", resp.StatusCode)
	}
	e.waitPage("Sign in with Google")
	if e.provider.SignOutCalls() != 1 {
		t.Fatalf("SignOut calls = %d", e.provider.SignOutCalls())
	}
}

func TestSignOutFailureKeepsSession(t *testing.T) {
	e := newTestEnv(t)
	e.signIn("u1")
	e.provider.SignOutErr = errors.New("network down")
	resp := e.do(http.MethodPost, "/signout", "", "", "Accept", "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("failed sign-out = %d, want 502", resp.StatusCode)
	}
	e.waitPage("Sign Out")
}

type sseEvent struct {
	name string
	data string
}

func readEvents(body io.Reader, out chan<- sseEvent) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var ev sseEvent
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.name != "" {
				ev.data = strings.Join(data, "\n")
				out <- ev
			}
			ev, data = sseEvent{}, nil
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	close(out)
}

func waitEvent(t *testing.T, events <-chan sseEvent, name, contains string) sseEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("stream ended waiting for %s %q", name, contains)
			}
			if ev.name == name && strings.Contains(ev.data, contains) {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event containing %q", name, contains)
		}
	}
}

func TestEventsStream(t *testing.T) {
	e := newTestEnv(t)
	e.page()
	id := e.clientID()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/events", nil)
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	events := make(chan sseEvent, 32)
	go readEvents(resp.Body, events)

	waitEvent(t, events, "render", "Sign in with Google")

	e.provider.SetUser(id, &identity.User{UID: "u1"})
	waitEvent(t, events, "render", "Loading messages...")

	e.store.Publish(testutil.Msg("m1", "u1", "first", time.Now()))
	waitEvent(t, events, "render", "first")
	first := waitEvent(t, events, "scroll", "")

	if code, _ := postJSON(e, "second"); code != http.StatusAccepted {
		t.Fatalf("submit = %d", code)
	}
	next := waitEvent(t, events, "scroll", "")
	if next.data == first.data {
		t.Fatalf("scroll sequence did not advance: %s", next.data)
	}

	e.provider.SetUser(id, nil)
	waitEvent(t, events, "render", "Sign in with Google")
	testutil.Eventually(t, func() bool { return e.store.Subscriptions() == 0 }, "feed not torn down on sign-out")
}

func TestIdleClientsEvicted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := testutil.NewFakeProvider()
	h := NewHandlers(ctx, Options{Provider: p, Backend: testutil.NewFakeStore(), IdleTimeout: time.Minute})
	now := time.Now()
	h.now = func() time.Time { return now }

	rr := httptest.NewRecorder()
	app, _, err := h.app(rr, httptest.NewRequest(http.MethodGet, "/", nil), false)
	if err != nil {
		t.Fatal(err)
	}
	idle := app.Client()

	streamReq := httptest.NewRequest(http.MethodGet, "/events", nil)
	streamApp, release, err := h.app(httptest.NewRecorder(), streamReq, true)
	if err != nil {
		t.Fatal(err)
	}
	if h.Clients() != 2 {
		t.Fatalf("Clients = %d", h.Clients())
	}

	now = now.Add(2 * time.Minute)
	h.mu.Lock()
	h.evictIdle()
	h.mu.Unlock()
	if h.Clients() != 1 {
		t.Fatalf("Clients after eviction = %d, want the streaming one only", h.Clients())
	}
	testutil.Eventually(t, func() bool { return p.Watchers(idle) == 0 }, "evicted app still watching")
	if p.Watchers(streamApp.Client()) != 1 {
		t.Fatal("streaming app should stay")
	}

	release()
	now = now.Add(2 * time.Minute)
	h.mu.Lock()
	h.evictIdle()
	h.mu.Unlock()
	if h.Clients() != 0 {
		t.Fatalf("Clients = %d after the stream closed", h.Clients())
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run server in background on random port by using :0
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, Options{Provider: testutil.NewFakeProvider(), Backend: testutil.NewFakeStore()}, "127.0.0.1:0")
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
