// Package store defines the document-database surface the chat room consumes:
// a message collection that accepts inserts stamped by the backend clock and
// serves live, ordered, bounded query snapshots.
//
// Backends live in subpackages (postgres, firestore, sqlite). Every backend
// must deliver whole result snapshots, never deltas, and must assign
// createdAt itself at commit time.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MessagesCollection is the only collection the chat room reads and writes.
const MessagesCollection = "messages"

// FeedLimit bounds the live message window.
const FeedLimit = 25

var (
	// ErrClientTimestamp is returned when a write carries anything other than
	// the server timestamp sentinel in createdAt.
	ErrClientTimestamp = errors.New("createdAt must be the server timestamp sentinel")
	// ErrEmptyText is returned for blank message text.
	ErrEmptyText = errors.New("message text is empty")
	// ErrMissingAuthor is returned when a write has no uid.
	ErrMissingAuthor = errors.New("message uid is empty")
	// ErrUnknownCollection is returned for queries and writes outside MessagesCollection.
	ErrUnknownCollection = errors.New("unknown collection")
)

// Sentinel is a placeholder a writer puts in a timestamp field to ask the
// backend to stamp the document with its own clock.
type Sentinel string

// ServerTimestamp instructs the backend to assign createdAt at commit time.
const ServerTimestamp Sentinel = "serverTimestamp"

// Message is a committed chat message as read back from the backend.
type Message struct {
	ID        string
	Text      string
	CreatedAt time.Time
	UID       string
	PhotoURL  *string
}

// NewMessage is the insert request for the messages collection.
type NewMessage struct {
	Text      string
	CreatedAt Sentinel
	UID       string
	PhotoURL  *string
}

// Validate checks the invariants every backend enforces before writing.
func (m NewMessage) Validate() error {
	if m.CreatedAt != ServerTimestamp {
		return ErrClientTimestamp
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyText
	}
	if m.UID == "" {
		return ErrMissingAuthor
	}
	return nil
}

// Direction of an ordered query.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Query is an ordered, bounded read of a collection. Limit keeps the last
// Limit documents in OrderBy order (the most recent window for Asc).
type Query struct {
	Collection string
	OrderBy    string
	Direction  Direction
	Limit      int
}

// RecentMessages is the feed query: the newest FeedLimit messages, oldest first.
var RecentMessages = Query{
	Collection: MessagesCollection,
	OrderBy:    "createdAt",
	Direction:  Asc,
	Limit:      FeedLimit,
}

// Validate rejects queries the backends do not serve.
func (q Query) Validate() error {
	if q.Collection != MessagesCollection {
		return ErrUnknownCollection
	}
	if q.OrderBy != "createdAt" {
		return errors.New("only createdAt ordering is supported")
	}
	if q.Limit <= 0 {
		return errors.New("query limit must be positive")
	}
	return nil
}

// Snapshot is one complete result set of a live query.
type Snapshot struct {
	Messages []Message
	ReadAt   time.Time
}

// Writer inserts documents.
type Writer interface {
	// Add commits m and returns the backend-assigned document id.
	Add(ctx context.Context, m NewMessage) (string, error)
}

// Listener opens live queries.
type Listener interface {
	// Listen starts a live query. The first snapshot is the current result,
	// later snapshots follow every change. The subscription ends on Stop, on
	// ctx cancellation, or on a backend error reported by Err.
	Listen(ctx context.Context, q Query) (Subscription, error)
}

// Store is a backend that can both write and listen.
type Store interface {
	Writer
	Listener
	Close() error
}

// Subscription is a handle on a live query.
type Subscription interface {
	// Snapshots delivers whole result sets. Only the newest undelivered
	// snapshot is kept; older ones are dropped.
	Snapshots() <-chan Snapshot
	// Done is closed when the subscription has ended.
	Done() <-chan struct{}
	// Err reports why the subscription ended; nil after Stop.
	Err() error
	// Stop ends the subscription. Safe to call more than once.
	Stop()
}

// Window trims an ascending result to its newest n entries.
func Window(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// Reverse returns msgs in reverse order. Backends that can only read the
// newest window descending use it to present ascending order.
func Reverse(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
