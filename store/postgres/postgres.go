// Package postgres serves the messages collection from Postgres. Reads and
// writes go through database/sql on the pgx driver; live queries share one
// dedicated pgx connection that LISTENs on the channel fed by the insert
// trigger installed by the db migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/onnwee/chatroom/store"
)

// NotifyChannel is the channel the messages insert trigger notifies.
const NotifyChannel = "chat_messages"

// Connector opens the LISTEN connection. Tests swap it.
type Connector func(ctx context.Context) (*pgx.Conn, error)

type Store struct {
	db      *sql.DB
	connect Connector

	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	listener context.CancelFunc
}

type subscriber struct {
	changed chan struct{}
	stream  *store.Stream
}

// New returns a store using db for queries and dsn for the LISTEN connection.
func New(db *sql.DB, dsn string) *Store {
	return &Store{
		db:      db,
		connect: func(ctx context.Context) (*pgx.Conn, error) { return pgx.Connect(ctx, dsn) },
		subs:    make(map[*subscriber]struct{}),
	}
}

// Close stops the shared listener. The *sql.DB is owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener()
		s.listener = nil
	}
	return nil
}

// Ping checks the query pool.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Add inserts the message; created_at comes from the column default (now()).
func (s *Store) Add(ctx context.Context, m store.NewMessage) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	var photo sql.NullString
	if m.PhotoURL != nil {
		photo = sql.NullString{String: *m.PhotoURL, Valid: true}
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (text, uid, photo_url) VALUES ($1, $2, $3) RETURNING doc_id`,
		m.Text, m.UID, photo).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

func (s *Store) Listen(ctx context.Context, q store.Query) (store.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	stream, sctx := store.NewStream(ctx)
	sub := &subscriber{changed: make(chan struct{}, 1), stream: stream}
	if err := s.register(sub); err != nil {
		stream.Fail(err)
		return nil, err
	}
	go func() {
		defer s.unregister(sub)
		for {
			msgs, err := Window(sctx, s.db, q)
			if err != nil {
				if sctx.Err() == nil {
					stream.Fail(err)
				}
				return
			}
			if !stream.Push(store.Snapshot{Messages: msgs, ReadAt: time.Now().UTC()}) {
				return
			}
			select {
			case <-sctx.Done():
				return
			case <-sub.changed:
			}
		}
	}()
	return stream, nil
}

func (s *Store) register(sub *subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		// The listener outlives any single request, so it gets its own root context.
		lctx, cancel := context.WithCancel(context.Background())
		conn, err := s.connect(lctx)
		if err != nil {
			cancel()
			return fmt.Errorf("listen connect: %w", err)
		}
		if _, err := conn.Exec(lctx, "LISTEN "+NotifyChannel); err != nil {
			cancel()
			_ = conn.Close(context.Background())
			return fmt.Errorf("listen %s: %w", NotifyChannel, err)
		}
		s.listener = cancel
		go s.listen(lctx, conn)
	}
	s.subs[sub] = struct{}{}
	return nil
}

func (s *Store) unregister(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
	if len(s.subs) == 0 && s.listener != nil {
		s.listener()
		s.listener = nil
	}
}

// listen fans notifications out to subscribers. A connection failure ends
// every live subscription; the next Listen call reconnects.
func (s *Store) listen(ctx context.Context, conn *pgx.Conn) {
	defer func() { _ = conn.Close(context.Background()) }()
	for {
		_, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("postgres listener failed", slog.Any("err", err), slog.String("component", "store_postgres"))
			s.failAll(err)
			return
		}
		s.mu.Lock()
		for sub := range s.subs {
			select {
			case sub.changed <- struct{}{}:
			default:
			}
		}
		s.mu.Unlock()
	}
}

func (s *Store) failAll(err error) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*subscriber]struct{})
	if s.listener != nil {
		s.listener()
		s.listener = nil
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stream.Fail(fmt.Errorf("live query: %w", err))
	}
}

// Window reads the newest q.Limit messages in q.Direction order.
func Window(ctx context.Context, db *sql.DB, q store.Query) ([]store.Message, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	rows, err := db.QueryContext(ctx,
		`SELECT doc_id, text, created_at, uid, photo_url FROM messages ORDER BY created_at DESC, seq DESC LIMIT $1`, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := make([]store.Message, 0, q.Limit)
	for rows.Next() {
		var (
			m     store.Message
			photo sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Text, &m.CreatedAt, &m.UID, &photo); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		if photo.Valid {
			p := photo.String
			m.PhotoURL = &p
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Direction == store.Asc {
		out = store.Reverse(out)
	}
	return out, nil
}
