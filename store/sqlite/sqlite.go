// Package sqlite is a single-process message store on modernc.org/sqlite.
// Live queries are served by re-reading the window after every committed
// insert made through the same Store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/onnwee/chatroom/store"
)

// createdAt is assigned by sqlite in unix milliseconds.
const schema = `CREATE TABLE IF NOT EXISTS messages (
	doc_id TEXT NOT NULL UNIQUE,
	text TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT (CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)),
	uid TEXT NOT NULL,
	photo_url TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, rowid);`

type Store struct {
	db *sql.DB

	mu        sync.Mutex
	listeners map[chan struct{}]struct{}
}

// Open opens (creating if needed) the database at path. ":memory:" is accepted.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	database.SetMaxOpenConns(1)
	database.SetConnMaxLifetime(0)
	if _, err := database.ExecContext(ctx, schema); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Store{db: database, listeners: make(map[chan struct{}]struct{})}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Add(ctx context.Context, m store.NewMessage) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	var photo sql.NullString
	if m.PhotoURL != nil {
		photo = sql.NullString{String: *m.PhotoURL, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO messages (doc_id, text, uid, photo_url) VALUES (?, ?, ?, ?)`,
		id, m.Text, m.UID, photo); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	s.notify()
	return id, nil
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) Listen(ctx context.Context, q store.Query) (store.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	changed := make(chan struct{}, 1)
	s.mu.Lock()
	s.listeners[changed] = struct{}{}
	s.mu.Unlock()

	stream, sctx := store.NewStream(ctx)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.listeners, changed)
			s.mu.Unlock()
		}()
		for {
			msgs, err := s.window(sctx, q)
			if err != nil {
				if sctx.Err() == nil {
					slog.Warn("sqlite live query failed", slog.Any("err", err), slog.String("component", "store_sqlite"))
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
			case <-changed:
			}
		}
	}()
	return stream, nil
}

func (s *Store) window(ctx context.Context, q store.Query) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id, text, created_at, uid, photo_url FROM messages ORDER BY created_at DESC, rowid DESC LIMIT ?`, q.Limit)
	if err != nil {
		return nil, err
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
			ms    int64
			photo sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Text, &ms, &m.UID, &photo); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(ms).UTC()
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
