package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

const (
	// Maximum number of sign-in flows to keep in memory
	maxPendingFlows = 10000
	// FlowTTL bounds how long a sign-in page may stay open.
	FlowTTL = 10 * time.Minute
)

// ErrTooManyFlows is returned when the pending flow table is full.
var ErrTooManyFlows = errors.New("too many pending sign-in flows")

// FlowResult is what the callback hands back to the waiting SignIn.
type FlowResult struct {
	Code string
	Err  error
}

// Flow is one pending interactive sign-in, keyed by its OAuth state.
type Flow struct {
	State    string
	Client   ClientID
	Verifier string
	expiry   time.Time
	result   chan FlowResult
	finished chan struct{}
	once     sync.Once
}

// Result delivers the callback outcome.
func (f *Flow) Result() <-chan FlowResult { return f.result }

// Finish marks the waiting side done, whether it established a session,
// failed, or gave up.
func (f *Flow) Finish() { f.once.Do(func() { close(f.finished) }) }

// Finished is closed by Finish.
func (f *Flow) Finished() <-chan struct{} { return f.finished }

// Flows tracks pending sign-ins between redirect and callback.
type Flows struct {
	mu  sync.Mutex
	m   map[string]*Flow
	now func() time.Time
}

func NewFlows() *Flows {
	return &Flows{m: make(map[string]*Flow), now: time.Now}
}

// cleanExpired removes expired flows. Must be called with mu held.
func (f *Flows) cleanExpired() {
	now := f.now()
	for st, fl := range f.m {
		if now.After(fl.expiry) {
			delete(f.m, st)
		}
	}
}

// Begin registers a new flow with a random state.
func (f *Flows) Begin(client ClientID, verifier string) (*Flow, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	fl := &Flow{
		State:    hex.EncodeToString(b),
		Client:   client,
		Verifier: verifier,
		expiry:   f.now().Add(FlowTTL),
		result:   make(chan FlowResult, 1),
		finished: make(chan struct{}),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// Clean expired flows periodically to prevent unbounded growth
	if len(f.m)%100 == 0 {
		f.cleanExpired()
	}
	if len(f.m) >= maxPendingFlows {
		return nil, ErrTooManyFlows
	}
	f.m[fl.State] = fl
	return fl, nil
}

// Take removes and returns the live flow for state. Only the client that
// began the flow may take it; for any other client the flow is left pending
// and ErrFlowNotFound is returned.
func (f *Flows) Take(state string, client ClientID) (*Flow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.m[state]
	if !ok || fl.Client != client {
		return nil, ErrFlowNotFound
	}
	delete(f.m, state)
	if f.now().After(fl.expiry) {
		return nil, ErrFlowNotFound
	}
	return fl, nil
}

// Drop forgets a flow whose waiter gave up.
func (f *Flows) Drop(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, state)
}

// Resolve takes the flow for state on behalf of client and delivers res to
// its waiter. It returns the flow so the caller can wait for the exchange.
func (f *Flows) Resolve(state string, client ClientID, res FlowResult) (*Flow, error) {
	fl, err := f.Take(state, client)
	if err != nil {
		return nil, err
	}
	fl.result <- res
	return fl, nil
}

// Len reports the number of pending flows.
func (f *Flows) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}
