package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/onnwee/chatroom/store"
)

// Store serves the messages collection from Cloud Firestore.
type Store struct {
	client *firestore.Client
}

// NewStore creates a Firestore store for projectID.
func NewStore(ctx context.Context, projectID string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error { return s.client.Close() }

// Ping reads at most one message to confirm the project is reachable.
func (s *Store) Ping(ctx context.Context) error {
	it := s.col(store.MessagesCollection).Limit(1).Documents(ctx)
	defer it.Stop()
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

// messageDoc mirrors the document shape; createdAt is written as the
// firestore.ServerTimestamp sentinel and read back as a time.
type messageDoc struct {
	Text      string    `firestore:"text"`
	CreatedAt time.Time `firestore:"createdAt,serverTimestamp"`
	UID       string    `firestore:"uid"`
	PhotoURL  *string   `firestore:"photoURL"`
}

func (s *Store) col(name string) *firestore.CollectionRef {
	return s.client.Collection(name)
}

// ─────────────────────────────────────────
// store.Writer
// ─────────────────────────────────────────

func (s *Store) Add(ctx context.Context, m store.NewMessage) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	ref, _, err := s.col(store.MessagesCollection).Add(ctx, map[string]any{
		"text":      m.Text,
		"createdAt": firestore.ServerTimestamp,
		"uid":       m.UID,
		"photoURL":  m.PhotoURL,
	})
	if err != nil {
		return "", fmt.Errorf("firestore add message: %w", err)
	}
	return ref.ID, nil
}

// ─────────────────────────────────────────
// store.Listener
// ─────────────────────────────────────────

// Listen reads the newest window descending and reverses each snapshot so
// consumers see backend order oldest first.
func (s *Store) Listen(ctx context.Context, q store.Query) (store.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	fq := s.col(q.Collection).OrderBy(q.OrderBy, firestore.Desc).Limit(q.Limit)
	stream, sctx := store.NewStream(ctx)
	it := fq.Snapshots(sctx)
	go func() {
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if sctx.Err() != nil || status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
					return
				}
				slog.Warn("firestore snapshot listener failed", slog.Any("err", err), slog.String("component", "store_firestore"))
				stream.Fail(err)
				return
			}
			msgs, err := decode(qs)
			if err != nil {
				stream.Fail(err)
				return
			}
			if q.Direction == store.Asc {
				msgs = store.Reverse(msgs)
			}
			if !stream.Push(store.Snapshot{Messages: msgs, ReadAt: qs.ReadTime}) {
				return
			}
		}
	}()
	return stream, nil
}

func decode(qs *firestore.QuerySnapshot) ([]store.Message, error) {
	out := make([]store.Message, 0, qs.Size)
	iter := qs.Documents
	defer iter.Stop()
	for {
		d, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading snapshot documents: %w", err)
		}
		var md messageDoc
		if err := d.DataTo(&md); err != nil {
			return nil, fmt.Errorf("decoding message %s: %w", d.Ref.ID, err)
		}
		out = append(out, store.Message{
			ID:        d.Ref.ID,
			Text:      md.Text,
			CreatedAt: md.CreatedAt,
			UID:       md.UID,
			PhotoURL:  md.PhotoURL,
		})
	}
	return out, nil
}
