package store

import (
	"context"
	"sync"
)

// Stream is the Subscription implementation shared by the backends. The
// producer side calls Push and Fail; the consumer side sees a Subscription.
type Stream struct {
	c      chan Snapshot
	done   chan struct{}
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	once sync.Once
}

// NewStream returns a stream and a context that is cancelled when the stream
// ends, for the producer goroutine to watch.
func NewStream(ctx context.Context) (*Stream, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		c:      make(chan Snapshot, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		<-ctx.Done()
		s.finish(nil)
	}()
	return s, ctx
}

// Push offers a snapshot, replacing any undelivered one. It reports false
// once the stream has ended.
func (s *Stream) Push(snap Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case <-s.c:
	default:
	}
	s.c <- snap
	return true
}

// Fail ends the stream with err.
func (s *Stream) Fail(err error) { s.finish(err) }

func (s *Stream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		close(s.done)
		s.mu.Unlock()
		s.cancel()
	})
}

func (s *Stream) Snapshots() <-chan Snapshot { return s.c }
func (s *Stream) Done() <-chan struct{}      { return s.done }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Stop() { s.finish(nil) }
