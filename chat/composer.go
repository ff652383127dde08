package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatroom/session"
	"github.com/onnwee/chatroom/store"
	"github.com/onnwee/chatroom/telemetry"
)

// SendFailedMessage is shown when the store rejects a message.
const SendFailedMessage = "Failed to send message. Please try again."

var (
	// ErrEmptyDraft is returned by Submit when the draft is blank.
	ErrEmptyDraft = errors.New("draft is empty")
	// ErrSubmitInFlight is returned by Submit while a write is pending.
	ErrSubmitInFlight = errors.New("a message is already being sent")
)

// ComposerView is a snapshot of the composer.
type ComposerView struct {
	Draft   string
	Sending bool
	Err     string
	// CanSubmit is false exactly when the draft is blank or a write is
	// pending.
	CanSubmit bool
}

// ComposerOptions tunes a composer. The zero value is usable.
type ComposerOptions struct {
	OnChange func()
	// OnSent runs after the store accepts a message.
	OnSent func()
	Logger *slog.Logger
}

// Composer owns the draft and sends it as one message per submit.
type Composer struct {
	auth   session.Authenticated
	w      store.Writer
	opts   ComposerOptions
	logger *slog.Logger

	mu      sync.Mutex
	draft   string
	sending bool
	err     string
	closed  bool
}

// NewComposer binds a composer to the signed-in author.
func NewComposer(auth session.Authenticated, w store.Writer, opts ComposerOptions) *Composer {
	if !auth.Valid() {
		panic("chat: NewComposer without an authenticated session")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		auth:   auth,
		w:      w,
		opts:   opts,
		logger: logger.With(slog.String("component", "chat_composer"), slog.String("uid", auth.UID())),
	}
}

func canSubmit(draft string, sending bool) bool {
	return !sending && strings.TrimSpace(draft) != ""
}

// UpdateDraft replaces the draft. It is ignored while a write is pending,
// the same as a disabled input.
func (c *Composer) UpdateDraft(text string) {
	c.mu.Lock()
	if c.sending || c.closed || c.draft == text {
		c.mu.Unlock()
		return
	}
	c.draft = text
	c.mu.Unlock()
	c.changed()
}

// CanSubmit reports whether Submit would issue a write.
func (c *Composer) CanSubmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return canSubmit(c.draft, c.sending)
}

// Submit writes the draft with a server-assigned timestamp. On success the
// draft clears; on failure it is kept and SendFailedMessage is shown.
func (c *Composer) Submit(ctx context.Context) error { return c.submit(ctx, nil) }

// SubmitText replaces the draft with text and submits it under one lock.
// While a write is pending the draft is left alone and ErrSubmitInFlight is
// returned.
func (c *Composer) SubmitText(ctx context.Context, text string) error {
	return c.submit(ctx, &text)
}

func (c *Composer) submit(ctx context.Context, replace *string) error {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return ErrSubmitInFlight
	}
	edited := false
	if replace != nil && !c.closed && c.draft != *replace {
		c.draft = *replace
		edited = true
	}
	if strings.TrimSpace(c.draft) == "" {
		c.mu.Unlock()
		if edited {
			c.changed()
		}
		return ErrEmptyDraft
	}
	text := c.draft
	c.sending = true
	c.mu.Unlock()
	c.changed()

	ctx, span := telemetry.StartSpan(ctx, "chat.submit")
	start := time.Now()
	id, err := c.w.Add(ctx, store.NewMessage{
		Text:      text,
		CreatedAt: store.ServerTimestamp,
		UID:       c.auth.UID(),
		PhotoURL:  c.auth.PhotoURL(),
	})
	telemetry.ObserveSubmit(time.Since(start), err)
	telemetry.EndSpan(span, err)

	c.mu.Lock()
	c.sending = false
	if err != nil {
		c.err = SendFailedMessage
	} else {
		c.err = ""
		c.draft = ""
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("send message failed", slog.Any("err", err))
		c.changed()
		return fmt.Errorf("send message: %w", err)
	}
	c.logger.Debug("message sent", slog.String("id", id))
	c.changed()
	if c.opts.OnSent != nil && !c.isClosed() {
		c.opts.OnSent()
	}
	return nil
}

// View returns a copy of the composer state.
func (c *Composer) View() ComposerView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ComposerView{
		Draft:     c.draft,
		Sending:   c.sending,
		Err:       c.err,
		CanSubmit: canSubmit(c.draft, c.sending),
	}
}

// Close detaches the composer from its listeners. A pending write still
// completes; its result is discarded.
func (c *Composer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Composer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Composer) changed() {
	if c.opts.OnChange != nil && !c.isClosed() {
		c.opts.OnChange()
	}
}
