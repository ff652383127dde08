package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/onnwee/chatroom/identity"
	"github.com/onnwee/chatroom/session"
)

// ErrNoSession is returned by room actions while no user is signed in.
var ErrNoSession = errors.New("not signed in")

// Screen is the top-level surface an app shows.
type Screen int

const (
	ScreenLoading Screen = iota
	ScreenFatal
	ScreenSignIn
	ScreenChat
)

func (s Screen) String() string {
	switch s {
	case ScreenLoading:
		return "loading"
	case ScreenFatal:
		return "fatal"
	case ScreenSignIn:
		return "signin"
	case ScreenChat:
		return "chat"
	}
	return "unknown"
}

// AppView is a consistent snapshot of an app: the session state the room
// was last reconciled against and the room, if mounted.
type AppView struct {
	Session session.View
	Room    *RoomView
}

func (v AppView) Screen() Screen {
	switch {
	case v.Session.Fatal != nil:
		return ScreenFatal
	case v.Session.Loading:
		return ScreenLoading
	case v.Room != nil:
		return ScreenChat
	}
	return ScreenSignIn
}

// AppOptions tunes an app. The zero value is usable.
type AppOptions struct {
	// Logger is the base logger; each layer adds its own component.
	Logger *slog.Logger
}

// App is the chat application for one browser client. It mounts a Room
// while the latest session push is authenticated and unmounts it otherwise.
type App struct {
	client   identity.ClientID
	provider identity.Provider
	backend  Backend
	root     *slog.Logger
	base     *slog.Logger
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	ctrl         *session.Controller
	sess         session.View
	room         *Room
	closed       bool
	listeners    map[int]func()
	nextID       int
	unregister   func()
	cancelSignIn context.CancelCauseFunc
}

func NewApp(provider identity.Provider, client identity.ClientID, backend Backend, opts AppOptions) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := logger.With(slog.String("client", string(client)))
	return &App{
		client:    client,
		provider:  provider,
		backend:   backend,
		root:      logger,
		base:      base,
		logger:    base.With(slog.String("component", "chat_app")),
		ctrl:      session.New(provider, client, logger),
		sess:      session.View{Loading: true},
		listeners: make(map[int]func()),
	}
}

// Start observes the session. Rooms opened later live until ctx ends or
// Close. A failed session stream is reported in the view and returned.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.unregister = a.ctrl.OnChange(a.reconcile)
	ctrl := a.ctrl
	a.mu.Unlock()
	err := ctrl.Start(a.ctx)
	a.reconcile()
	return err
}

// Remount replaces whatever has failed, as a full reload of the page would:
// a session controller whose stream failed is replaced by one observing the
// provider afresh, and a room whose feed failed is reopened for the same
// user. It reports whether anything was replaced.
func (a *App) Remount() bool {
	a.mu.Lock()
	if a.closed || a.ctx == nil {
		a.mu.Unlock()
		return false
	}
	if a.sess.Fatal != nil {
		old, unregister, stale := a.ctrl, a.unregister, a.room
		a.ctrl = session.New(a.provider, a.client, a.root)
		a.unregister = a.ctrl.OnChange(a.reconcile)
		a.sess = session.View{Loading: true}
		a.room = nil
		ctrl := a.ctrl
		a.mu.Unlock()

		a.logger.Info("session remounted")
		if unregister != nil {
			unregister()
		}
		old.Close()
		if stale != nil {
			stale.Close()
		}
		a.notify()
		if err := ctrl.Start(a.ctx); err != nil {
			a.logger.Warn("session observation failed after remount", slog.Any("err", err))
		}
		a.reconcile()
		return true
	}
	room := a.room
	a.mu.Unlock()
	if room == nil || room.feed.View().State != FeedError {
		return false
	}

	a.mu.Lock()
	if a.closed || a.room != room {
		a.mu.Unlock()
		return false
	}
	a.room = NewRoom(a.ctx, room.auth, a.backend, RoomOptions{OnChange: a.notify, Logger: a.base})
	a.mu.Unlock()
	a.logger.Info("room remounted", slog.String("uid", room.UID()))
	room.Close()
	a.notify()
	return true
}

func (a *App) controller() *session.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctrl
}

func (a *App) Client() identity.ClientID { return a.client }

// reconcile brings the mounted room in line with the latest session view.
func (a *App) reconcile() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	v := a.ctrl.View()
	a.sess = v
	var stale *Room
	auth, ok := v.Session()
	switch {
	case ok && a.room != nil && a.room.UID() == auth.UID():
	case ok:
		stale = a.room
		a.room = NewRoom(a.ctx, auth, a.backend, RoomOptions{OnChange: a.notify, Logger: a.base})
		a.logger.Info("room mounted", slog.String("uid", auth.UID()))
	case a.room != nil:
		stale = a.room
		a.room = nil
		a.logger.Info("room unmounted")
	}
	a.mu.Unlock()
	if stale != nil {
		stale.Close()
	}
	a.notify()
}

// View returns the current app snapshot.
func (a *App) View() AppView {
	a.mu.Lock()
	sess, room := a.sess, a.room
	a.mu.Unlock()
	v := AppView{Session: sess}
	if room != nil {
		rv := room.View()
		v.Room = &rv
	}
	return v
}

// Subscribe registers fn to run after every change. The returned function
// unregisters it.
func (a *App) Subscribe(fn func()) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *App) notify() {
	a.mu.Lock()
	fns := make([]func(), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SignIn runs the interactive sign-in until it finishes, CancelSignIn is
// called, or ctx ends.
func (a *App) SignIn(ctx context.Context, open identity.Opener) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return context.Canceled
	}
	if a.cancelSignIn != nil {
		a.mu.Unlock()
		return session.ErrSignInPending
	}
	a.cancelSignIn = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancelSignIn = nil
		a.mu.Unlock()
	}()
	return a.controller().SignIn(ctx, open)
}

// CancelSignIn abandons a pending sign-in, as closing the provider's page
// would. It reports whether one was pending.
func (a *App) CancelSignIn() bool {
	a.mu.Lock()
	cancel := a.cancelSignIn
	a.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(identity.ErrSignInCancelled)
	return true
}

func (a *App) SignOut(ctx context.Context) error { return a.controller().SignOut(ctx) }

func (a *App) mounted() *Room {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.room
}

// UpdateDraft edits the composer draft of the mounted room.
func (a *App) UpdateDraft(text string) error {
	r := a.mounted()
	if r == nil {
		return ErrNoSession
	}
	r.Composer().UpdateDraft(text)
	return nil
}

// Submit sends the composer draft of the mounted room.
func (a *App) Submit(ctx context.Context) error {
	r := a.mounted()
	if r == nil {
		return ErrNoSession
	}
	return r.Composer().Submit(ctx)
}

// SubmitText sets the draft to text and sends it as one step.
func (a *App) SubmitText(ctx context.Context, text string) error {
	r := a.mounted()
	if r == nil {
		return ErrNoSession
	}
	return r.Composer().SubmitText(ctx, text)
}

// Close unmounts the room and stops observing the session.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	room := a.room
	a.room = nil
	unregister := a.unregister
	cancelSignIn := a.cancelSignIn
	cancel := a.cancel
	ctrl := a.ctrl
	a.listeners = make(map[int]func())
	a.mu.Unlock()

	if cancelSignIn != nil {
		cancelSignIn(context.Canceled)
	}
	if room != nil {
		room.Close()
	}
	if unregister != nil {
		unregister()
	}
	ctrl.Close()
	if cancel != nil {
		cancel()
	}
}
