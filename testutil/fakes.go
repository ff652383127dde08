package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatroom/identity"
	"github.com/onnwee/chatroom/store"
)

// FakeAuthURL is the page FakeProvider hands to the opener.
const FakeAuthURL = "https://accounts.google.test/o/oauth2/auth"

// FakeProvider is an in-memory identity.Provider. Sign-ins stay pending until
// the test calls Resolve or Complete. Pushes are delivered synchronously and
// serially to watchers.
type FakeProvider struct {
	// WatchErr makes Watch fail.
	WatchErr error
	// SignOutErr makes SignOut fail without touching the session.
	SignOutErr error
	// HoldInitial suppresses the initial push of Watch, leaving watchers in
	// their loading state until Push or SetUser.
	HoldInitial bool

	deliverMu sync.Mutex

	mu           sync.Mutex
	users        map[identity.ClientID]*identity.User
	watchers     map[int]fakeWatcher
	nextID       int
	pending      map[identity.ClientID]chan fakeResult
	signInCalls  int
	signOutCalls int
}

type fakeWatcher struct {
	client identity.ClientID
	fn     func(identity.State)
}

type fakeResult struct {
	user *identity.User
	err  error
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		users:    make(map[identity.ClientID]*identity.User),
		watchers: make(map[int]fakeWatcher),
		pending:  make(map[identity.ClientID]chan fakeResult),
	}
}

func (p *FakeProvider) Watch(_ context.Context, client identity.ClientID, fn func(identity.State)) (func(), error) {
	if p.WatchErr != nil {
		return nil, p.WatchErr
	}
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = fakeWatcher{client: client, fn: fn}
	u := p.users[client]
	p.mu.Unlock()
	if !p.HoldInitial {
		p.deliverMu.Lock()
		fn(identity.State{User: copyUser(u)})
		p.deliverMu.Unlock()
	}
	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}, nil
}

// Push delivers st to every watcher of client.
func (p *FakeProvider) Push(client identity.ClientID, st identity.State) {
	p.mu.Lock()
	var fns []func(identity.State)
	for _, w := range p.watchers {
		if w.client == client {
			fns = append(fns, w.fn)
		}
	}
	p.mu.Unlock()
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()
	for _, fn := range fns {
		s := st
		s.User = copyUser(st.User)
		fn(s)
	}
}

// SetUser replaces the session of client (nil signs out) and pushes it.
func (p *FakeProvider) SetUser(client identity.ClientID, u *identity.User) {
	p.mu.Lock()
	if u == nil {
		delete(p.users, client)
	} else {
		p.users[client] = copyUser(u)
	}
	p.mu.Unlock()
	p.Push(client, identity.State{User: u})
}

func (p *FakeProvider) SignIn(ctx context.Context, client identity.ClientID, open identity.Opener) (*identity.User, error) {
	ch := make(chan fakeResult, 1)
	p.mu.Lock()
	p.signInCalls++
	p.pending[client] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.pending[client] == ch {
			delete(p.pending, client)
		}
		p.mu.Unlock()
	}()

	authURL := FakeAuthURL + "?" + url.Values{"state": {string(client)}}.Encode()
	if err := open(ctx, authURL); err != nil {
		return nil, fmt.Errorf("open sign-in page: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		p.SetUser(client, res.user)
		return copyUser(res.user), nil
	}
}

// Resolve finishes the pending sign-in of client.
func (p *FakeProvider) Resolve(client identity.ClientID, u *identity.User, err error) bool {
	p.mu.Lock()
	ch, ok := p.pending[client]
	delete(p.pending, client)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- fakeResult{user: copyUser(u), err: err}
	return true
}

// Complete mirrors the Google callback: state is the client id that began
// the flow and the code becomes the signed-in uid. A callback from any other
// client is ErrFlowNotFound.
func (p *FakeProvider) Complete(_ context.Context, client identity.ClientID, state, code, errCode string) error {
	if client != identity.ClientID(state) {
		return identity.ErrFlowNotFound
	}
	var (
		u   *identity.User
		err error
	)
	switch {
	case errCode == "access_denied":
		err = identity.ErrSignInCancelled
	case errCode != "":
		err = fmt.Errorf("sign-in failed: %s", errCode)
	case code == "":
		err = errors.New("sign-in failed: missing code")
	default:
		u = &identity.User{UID: code, DisplayName: "User " + code}
	}
	if !p.Resolve(identity.ClientID(state), u, err) {
		return identity.ErrFlowNotFound
	}
	return err
}

// Pending reports whether client has a sign-in waiting for Resolve.
func (p *FakeProvider) Pending(client identity.ClientID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[client]
	return ok
}

// WaitPending blocks until client has a pending sign-in.
func (p *FakeProvider) WaitPending(t *testing.T, client identity.ClientID) {
	t.Helper()
	Eventually(t, func() bool { return p.Pending(client) }, "sign-in never became pending")
}

func (p *FakeProvider) SignOut(_ context.Context, client identity.ClientID) error {
	p.mu.Lock()
	p.signOutCalls++
	p.mu.Unlock()
	if p.SignOutErr != nil {
		return p.SignOutErr
	}
	p.SetUser(client, nil)
	return nil
}

func (p *FakeProvider) SignInCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signInCalls
}

func (p *FakeProvider) SignOutCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOutCalls
}

// Watchers counts open watches for client.
func (p *FakeProvider) Watchers(client identity.ClientID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.watchers {
		if w.client == client {
			n++
		}
	}
	return n
}

func copyUser(u *identity.User) *identity.User {
	if u == nil {
		return nil
	}
	c := *u
	if u.PhotoURL != nil {
		p := *u.PhotoURL
		c.PhotoURL = &p
	}
	return &c
}

// FakeStore is an in-memory store.Store whose live queries only receive
// what the test publishes.
type FakeStore struct {
	// AddErr makes Add fail.
	AddErr error
	// ListenErr makes Listen fail.
	ListenErr error
	// AddGate, when set, holds every Add until a value is received or
	// the channel is closed.
	AddGate chan struct{}

	mu      sync.Mutex
	added   []store.NewMessage
	streams []*store.Stream
	queries []store.Query
	seq     int
}

func NewFakeStore() *FakeStore { return &FakeStore{} }

func (s *FakeStore) Add(ctx context.Context, m store.NewMessage) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.added = append(s.added, m)
	s.seq++
	id := fmt.Sprintf("msg-%d", s.seq)
	gate, addErr := s.AddGate, s.AddErr
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if addErr != nil {
		return "", addErr
	}
	return id, nil
}

func (s *FakeStore) Listen(ctx context.Context, q store.Query) (store.Subscription, error) {
	if s.ListenErr != nil {
		return nil, s.ListenErr
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	st, _ := store.NewStream(ctx)
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	return st, nil
}

func (s *FakeStore) Close() error { return nil }

// Publish pushes msgs as one snapshot to every live subscription.
func (s *FakeStore) Publish(msgs ...store.Message) {
	snap := store.Snapshot{Messages: append([]store.Message(nil), msgs...), ReadAt: time.Now()}
	for _, st := range s.live() {
		st.Push(snap)
	}
}

// FailAll ends every live subscription with err.
func (s *FakeStore) FailAll(err error) {
	for _, st := range s.live() {
		st.Fail(err)
	}
}

func (s *FakeStore) live() []*store.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Stream
	for _, st := range s.streams {
		select {
		case <-st.Done():
		default:
			out = append(out, st)
		}
	}
	return out
}

// Subscriptions counts live subscriptions.
func (s *FakeStore) Subscriptions() int { return len(s.live()) }

// Opened counts every Listen call that succeeded.
func (s *FakeStore) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Queries returns the queries passed to Listen.
func (s *FakeStore) Queries() []store.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Query(nil), s.queries...)
}

// Added returns the write requests received so far.
func (s *FakeStore) Added() []store.NewMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.NewMessage(nil), s.added...)
}

// Eventually polls cond until it holds or two seconds pass.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// Msg builds a committed message for Publish.
func Msg(id, uid, text string, at time.Time) store.Message {
	return store.Message{ID: id, UID: uid, Text: text, CreatedAt: at}
}
