package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/onnwee/chatroom/store"
	"github.com/onnwee/chatroom/testutil"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db := testutil.SetupTestDB(t)
	if _, err := db.Exec(`TRUNCATE messages`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	s := New(db, testutil.TestDSN(t))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func next(t *testing.T, sub store.Subscription) store.Snapshot {
	t.Helper()
	select {
	case snap := <-sub.Snapshots():
		return snap
	case <-sub.Done():
		t.Fatalf("subscription ended: %v", sub.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot")
	}
	return store.Snapshot{}
}

func TestAddAndListen(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sub, err := s.Listen(ctx, store.RecentMessages)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Stop()
	if snap := next(t, sub); len(snap.Messages) != 0 {
		t.Fatalf("initial snapshot = %+v", snap.Messages)
	}

	id, err := s.Add(ctx, store.NewMessage{Text: "hello", CreatedAt: store.ServerTimestamp, UID: "u1"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	snap := next(t, sub)
	if len(snap.Messages) != 1 || snap.Messages[0].ID != id || snap.Messages[0].CreatedAt.IsZero() {
		t.Fatalf("snapshot after insert = %+v", snap.Messages)
	}
}

func TestWindowNewestAscending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		if _, err := s.Add(ctx, store.NewMessage{Text: fmt.Sprintf("m%02d", i), CreatedAt: store.ServerTimestamp, UID: "u1"}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := Window(ctx, s.db, store.RecentMessages)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 25 || msgs[0].Text != "m05" || msgs[24].Text != "m29" {
		t.Fatalf("window = %d messages, %s..%s", len(msgs), msgs[0].Text, msgs[len(msgs)-1].Text)
	}
}

func TestAddRejectsClientTimestamp(t *testing.T) {
	s := New(nil, "")
	_, err := s.Add(context.Background(), store.NewMessage{Text: "x", CreatedAt: "now", UID: "u1"})
	if !errors.Is(err, store.ErrClientTimestamp) {
		t.Fatalf("Add = %v", err)
	}
}

func TestListenConnectFailure(t *testing.T) {
	s := New(nil, "")
	s.connect = func(context.Context) (*pgx.Conn, error) { return nil, errors.New("connection refused") }
	if _, err := s.Listen(context.Background(), store.RecentMessages); err == nil {
		t.Fatal("Listen should fail when the LISTEN connection cannot open")
	}
	if len(s.subs) != 0 || s.listener != nil {
		t.Fatal("failed Listen left state behind")
	}
}
