// Package chat is the chat room: a live feed of recent messages, a composer
// that writes new ones, and the per-client app that mounts both only while
// a session is signed in.
package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/chatroom/session"
	"github.com/onnwee/chatroom/store"
	"github.com/onnwee/chatroom/telemetry"
)

// FeedState is the lifecycle of a feed.
type FeedState int

const (
	FeedLoading FeedState = iota
	FeedError
	FeedReady
)

func (s FeedState) String() string {
	switch s {
	case FeedLoading:
		return "loading"
	case FeedError:
		return "error"
	case FeedReady:
		return "ready"
	}
	return "unknown"
}

// FeedView is a snapshot of a feed.
type FeedView struct {
	State FeedState
	// Messages is the latest backend snapshot in backend order.
	Messages []store.Message
	// Err is the subscription failure when State is FeedError.
	Err string
	// Batch advances once per applied snapshot.
	Batch uint64
}

// FeedOptions tunes a feed. The zero value is usable.
type FeedOptions struct {
	// OnChange runs after every view change, outside the feed lock.
	OnChange func()
	Logger   *slog.Logger
}

// Feed keeps the most recent messages in sync with one live query.
type Feed struct {
	opts   FeedOptions
	logger *slog.Logger

	mu     sync.Mutex
	view   FeedView
	sub    store.Subscription
	closed bool
}

// OpenFeed subscribes to store.RecentMessages. A failed subscription leaves
// the feed in FeedError; it is never retried.
func OpenFeed(ctx context.Context, auth session.Authenticated, src store.Listener, opts FeedOptions) *Feed {
	if !auth.Valid() {
		panic("chat: OpenFeed without an authenticated session")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{
		opts:   opts,
		logger: logger.With(slog.String("component", "chat_feed"), slog.String("uid", auth.UID())),
		view:   FeedView{State: FeedLoading},
	}
	sub, err := src.Listen(ctx, store.RecentMessages)
	if err != nil {
		// reported through the initial view, not OnChange
		f.view = FeedView{State: FeedError, Err: err.Error()}
		f.logger.Warn("message subscription failed", slog.Any("err", err))
		return f
	}
	f.sub = sub
	telemetry.AddActiveFeeds(1)
	go f.run(sub)
	return f
}

func (f *Feed) run(sub store.Subscription) {
	defer telemetry.AddActiveFeeds(-1)
	for {
		select {
		case snap := <-sub.Snapshots():
			f.apply(snap)
		case <-sub.Done():
			// drain a snapshot that raced the end of the stream
			select {
			case snap := <-sub.Snapshots():
				f.apply(snap)
			default:
			}
			if err := sub.Err(); err != nil {
				f.fail(err)
			}
			return
		}
	}
}

func (f *Feed) apply(snap store.Snapshot) {
	msgs := store.Window(snap.Messages, store.FeedLimit)
	msgs = append([]store.Message(nil), msgs...)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.view = FeedView{State: FeedReady, Messages: msgs, Batch: f.view.Batch + 1}
	f.mu.Unlock()
	telemetry.IncFeedSnapshots()
	f.changed()
}

func (f *Feed) fail(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.view.State = FeedError
	f.view.Err = err.Error()
	f.view.Messages = nil
	f.mu.Unlock()
	f.logger.Warn("message subscription failed", slog.Any("err", err))
	f.changed()
}

func (f *Feed) changed() {
	if f.opts.OnChange != nil {
		f.opts.OnChange()
	}
}

// View returns a copy of the current feed state.
func (f *Feed) View() FeedView {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.view
	v.Messages = append([]store.Message(nil), v.Messages...)
	return v
}

// Close stops the subscription. No view change is reported afterwards.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	sub := f.sub
	f.mu.Unlock()
	if sub != nil {
		sub.Stop()
	}
}
