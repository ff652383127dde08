// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chatroom/chat"
	"github.com/onnwee/chatroom/identity"
	"github.com/onnwee/chatroom/telemetry"
)

const (
	// Maximum number of client apps to keep in memory
	maxClients = 10000
	// clientCookie carries the browser's client id.
	clientCookie = "chat_client"
)

var errTooManyClients = errors.New("too many clients")

// Completer finishes a pending sign-in from the provider's callback. client
// is the browser presenting the callback, which must be the one that began
// the flow.
type Completer interface {
	Complete(ctx context.Context, client identity.ClientID, state, code, errCode string) error
}

// Check is one readiness check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type client struct {
	app      *chat.App
	lastSeen time.Time
	streams  int
	started  chan struct{}
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx          context.Context
	provider     identity.Provider
	completer    Completer
	backend      chat.Backend
	checks       []Check
	idle         time.Duration
	cookieSecure bool
	logger       *slog.Logger
	appLogger    *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	clients map[identity.ClientID]*client
}

// NewHandlers creates a new Handlers instance with the given dependencies.
// Idle client apps are evicted until ctx ends, when all are closed.
func NewHandlers(ctx context.Context, opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	h := &Handlers{
		ctx:          ctx,
		provider:     opts.Provider,
		completer:    opts.Completer,
		backend:      opts.Backend,
		checks:       opts.Checks,
		idle:         idle,
		cookieSecure: opts.CookieSecure,
		logger:       logger.With(slog.String("component", "http")),
		appLogger:    logger,
		now:          time.Now,
		clients:      make(map[identity.ClientID]*client),
	}
	go h.evictLoop()
	return h
}

// clientID returns the browser's client id, issuing a cookie when it has
// none or an unparseable one.
func (h *Handlers) clientID(w http.ResponseWriter, r *http.Request) identity.ClientID {
	if c, err := r.Cookie(clientCookie); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			return identity.ClientID(id.String())
		}
	}
	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     clientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return identity.ClientID(id)
}

// app returns the started app of the request's client, creating it on first
// use. With stream set the client is pinned until release is called.
func (h *Handlers) app(w http.ResponseWriter, r *http.Request, stream bool) (*chat.App, func(), error) {
	id := h.clientID(w, r)

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return nil, nil, h.ctx.Err()
	}
	c, ok := h.clients[id]
	created := false
	if !ok {
		if len(h.clients) >= maxClients {
			h.evictIdle()
		}
		if len(h.clients) >= maxClients {
			h.mu.Unlock()
			return nil, nil, errTooManyClients
		}
		c = &client{
			app:     chat.NewApp(h.provider, id, h.backend, chat.AppOptions{Logger: h.appLogger}),
			started: make(chan struct{}),
		}
		h.clients[id] = c
		created = true
		telemetry.SetLiveApps(len(h.clients))
	}
	c.lastSeen = h.now()
	if stream {
		c.streams++
	}
	h.mu.Unlock()

	if created {
		if err := c.app.Start(h.ctx); err != nil {
			h.logger.Error("session observation failed", slog.String("client", string(id)), slog.Any("err", err))
		}
		close(c.started)
	} else {
		select {
		case <-c.started:
		case <-r.Context().Done():
		}
	}

	release := func() {}
	if stream {
		var once sync.Once
		release = func() {
			once.Do(func() {
				h.mu.Lock()
				c.streams--
				c.lastSeen = h.now()
				h.mu.Unlock()
			})
		}
	}
	return c.app, release, nil
}

// evictIdle closes apps with no open stream that have not been used within
// the idle timeout. Must be called with mu held.
func (h *Handlers) evictIdle() {
	cutoff := h.now().Add(-h.idle)
	for id, c := range h.clients {
		if c.streams == 0 && c.lastSeen.Before(cutoff) {
			delete(h.clients, id)
			go c.app.Close()
			h.logger.Debug("client evicted", slog.String("client", string(id)))
		}
	}
	telemetry.SetLiveApps(len(h.clients))
}

func (h *Handlers) evictLoop() {
	interval := h.idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			h.evictIdle()
			h.mu.Unlock()
		case <-h.ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Handlers) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[identity.ClientID]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.app.Close()
	}
	telemetry.SetLiveApps(0)
}

// Clients reports how many client apps are live.
func (h *Handlers) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
