// Package session observes one browser client's identity-provider session
// and runs the interactive sign-in and sign-out actions for it.
//
// The provider's push stream is the only source of the signed-in user; the
// controller never sets or clears the user itself.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/onnwee/chatroom/identity"
	"github.com/onnwee/chatroom/telemetry"
)

var (
	// ErrSignInPending is returned by SignIn while another sign-in runs.
	ErrSignInPending = errors.New("sign-in already in progress")
	// ErrSignOutPending is returned by SignOut while another sign-out runs.
	ErrSignOutPending = errors.New("sign-out already in progress")
)

// Authenticated proves that a session with a user existed when it was
// issued. Only View.Session creates one; components that must never run
// without a session take it as a parameter.
type Authenticated struct {
	user *identity.User
}

// Valid reports whether a was issued by this package. The zero value is not.
func (a Authenticated) Valid() bool { return a.user != nil }

func (a Authenticated) UID() string { return a.user.UID }

func (a Authenticated) DisplayName() string { return a.user.DisplayName }

// PhotoURL is nil when the provider has no photo for the user.
func (a Authenticated) PhotoURL() *string {
	if a.user.PhotoURL == nil {
		return nil
	}
	p := *a.user.PhotoURL
	return &p
}

// User returns a copy of the proven user.
func (a Authenticated) User() identity.User {
	u := *a.user
	u.PhotoURL = a.PhotoURL()
	return u
}

// View is a snapshot of the controller state.
type View struct {
	// Loading is true until the first push of the session stream.
	Loading bool
	User    *identity.User
	// AuthError is the recoverable sign-in failure message, cleared by the
	// next sign-in attempt or an authenticated push.
	AuthError string
	// Fatal is set when the session stream failed; nothing else in the
	// view is meaningful once it is.
	Fatal      error
	SigningIn  bool
	SigningOut bool
}

// Session returns the proof of an authenticated session, or false when no
// user is signed in.
func (v View) Session() (Authenticated, bool) {
	if v.Fatal != nil || v.Loading || v.User == nil {
		return Authenticated{}, false
	}
	u := *v.User
	if v.User.PhotoURL != nil {
		p := *v.User.PhotoURL
		u.PhotoURL = &p
	}
	return Authenticated{user: &u}, true
}

// Controller is the session state for one client.
type Controller struct {
	provider identity.Provider
	client   identity.ClientID
	logger   *slog.Logger

	mu        sync.Mutex
	view      View
	stop      func()
	closed    bool
	listeners map[int]func()
	nextID    int
}

// New returns a controller in the loading state. Start begins observing.
func New(provider identity.Provider, client identity.ClientID, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		provider:  provider,
		client:    client,
		logger:    logger.With(slog.String("component", "session")),
		view:      View{Loading: true},
		listeners: make(map[int]func()),
	}
}

// Start subscribes to the provider's session stream. A subscription error is
// fatal for the view and is also returned.
func (c *Controller) Start(ctx context.Context) error {
	stop, err := c.provider.Watch(ctx, c.client, c.apply)
	if err != nil {
		c.apply(identity.State{Err: err})
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		return nil
	}
	c.stop = stop
	c.mu.Unlock()
	return nil
}

func (c *Controller) apply(st identity.State) {
	c.mu.Lock()
	if c.closed || c.view.Fatal != nil {
		c.mu.Unlock()
		return
	}
	c.view.Loading = false
	if st.Err != nil {
		c.view.Fatal = st.Err
		c.view.User = nil
		c.logger.Error("session stream failed", slog.Any("err", st.Err), slog.String("client", string(c.client)))
	} else {
		c.view.User = st.User
		if st.Authenticated() {
			c.view.AuthError = ""
		}
	}
	c.mu.Unlock()
	c.notify()
}

// View returns a copy of the current state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view
	if v.User != nil {
		u := *v.User
		if u.PhotoURL != nil {
			p := *u.PhotoURL
			u.PhotoURL = &p
		}
		v.User = &u
	}
	return v
}

// OnChange registers fn to run after every state change. fn reads the state
// through View; calls may arrive from several goroutines. The returned
// function unregisters fn.
func (c *Controller) OnChange(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SignIn runs the provider's interactive flow, presenting it through open.
// A failure becomes the view's AuthError; the session itself only changes
// through the provider stream.
func (c *Controller) SignIn(ctx context.Context, open identity.Opener) error {
	c.mu.Lock()
	if c.view.SigningIn {
		c.mu.Unlock()
		return ErrSignInPending
	}
	c.view.SigningIn = true
	c.view.AuthError = ""
	c.mu.Unlock()
	c.notify()

	ctx, span := telemetry.StartSpan(ctx, "session.sign_in")
	_, err := c.provider.SignIn(ctx, c.client, open)
	if err != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}
	telemetry.EndSpan(span, err)

	c.mu.Lock()
	c.view.SigningIn = false
	if err != nil {
		c.view.AuthError = err.Error()
	}
	c.mu.Unlock()

	switch {
	case err == nil:
		telemetry.ObserveSignIn("success")
	case errors.Is(err, identity.ErrSignInCancelled) || errors.Is(err, context.Canceled):
		telemetry.ObserveSignIn("cancelled")
		c.logger.Info("sign-in cancelled", slog.String("client", string(c.client)))
	default:
		telemetry.ObserveSignIn("error")
		c.logger.Warn("sign-in failed", slog.Any("err", err), slog.String("client", string(c.client)))
	}
	c.notify()
	return err
}

// SignOut asks the provider to end the session. Failures are logged only.
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	if c.view.SigningOut {
		c.mu.Unlock()
		return ErrSignOutPending
	}
	c.view.SigningOut = true
	c.mu.Unlock()
	c.notify()

	ctx, span := telemetry.StartSpan(ctx, "session.sign_out")
	err := c.provider.SignOut(ctx, c.client)
	telemetry.EndSpan(span, err)

	c.mu.Lock()
	c.view.SigningOut = false
	c.mu.Unlock()
	if err != nil {
		telemetry.ObserveSignOut("error")
		c.logger.Warn("sign-out failed", slog.Any("err", err), slog.String("client", string(c.client)))
	} else {
		telemetry.ObserveSignOut("success")
	}
	c.notify()
	return err
}

// Close stops observing. Later pushes are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stop := c.stop
	c.listeners = make(map[int]func())
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}
