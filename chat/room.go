package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatroom/identity"
	"github.com/onnwee/chatroom/session"
	"github.com/onnwee/chatroom/store"
)

// Backend is what a room needs from the document store.
type Backend interface {
	store.Writer
	store.Listener
}

// Item is one rendered message.
type Item struct {
	ID        string
	Text      string
	PhotoURL  *string
	CreatedAt time.Time
	// Sent is true for messages written by the signed-in user.
	Sent bool
}

// Class is the message style: "sent" or "received".
func (i Item) Class() string {
	if i.Sent {
		return "sent"
	}
	return "received"
}

// RoomView is a snapshot of the room.
type RoomView struct {
	User     identity.User
	Feed     FeedView
	Items    []Item
	Composer ComposerView
	// Scroll advances once per feed batch and once per accepted message;
	// a view scrolls to the newest item whenever it changes.
	Scroll uint64
}

// RoomOptions tunes a room. The zero value is usable.
type RoomOptions struct {
	OnChange func()
	Logger   *slog.Logger
}

// Room is the signed-in surface: one feed and one composer for one user.
type Room struct {
	auth     session.Authenticated
	feed     *Feed
	composer *Composer

	mu   sync.Mutex
	sent uint64
}

// NewRoom opens the feed subscription and binds a composer for auth.
func NewRoom(ctx context.Context, auth session.Authenticated, b Backend, opts RoomOptions) *Room {
	r := &Room{auth: auth}
	changed := func() {
		if opts.OnChange != nil {
			opts.OnChange()
		}
	}
	r.feed = OpenFeed(ctx, auth, b, FeedOptions{OnChange: changed, Logger: opts.Logger})
	r.composer = NewComposer(auth, b, ComposerOptions{
		OnChange: changed,
		OnSent: func() {
			r.mu.Lock()
			r.sent++
			r.mu.Unlock()
			changed()
		},
		Logger: opts.Logger,
	})
	return r
}

// UID is the signed-in user the room belongs to.
func (r *Room) UID() string { return r.auth.UID() }

func (r *Room) Composer() *Composer { return r.composer }

func (r *Room) View() RoomView {
	fv := r.feed.View()
	items := make([]Item, len(fv.Messages))
	uid := r.auth.UID()
	for i, m := range fv.Messages {
		items[i] = Item{ID: m.ID, Text: m.Text, PhotoURL: m.PhotoURL, CreatedAt: m.CreatedAt, Sent: m.UID == uid}
	}
	r.mu.Lock()
	sent := r.sent
	r.mu.Unlock()
	return RoomView{
		User:     r.auth.User(),
		Feed:     fv,
		Items:    items,
		Composer: r.composer.View(),
		Scroll:   fv.Batch + sent,
	}
}

// Close tears down the feed subscription and detaches the composer.
func (r *Room) Close() {
	r.composer.Close()
	r.feed.Close()
}
