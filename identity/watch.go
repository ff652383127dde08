package identity

import (
	"context"
	"fmt"
)

// WatchStore implements Provider.Watch on top of a SessionStore and a Bus:
// it pushes the stored session once, then again after every bus signal. A
// store read failure is pushed as a terminal State.Err.
func WatchStore(ctx context.Context, sessions SessionStore, bus Bus, client ClientID, fn func(State)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	changed, unsubscribe, err := bus.Subscribe(ctx, client)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		defer unsubscribe()
		for {
			ss, err := sessions.GetSession(ctx, client)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				fn(State{Err: fmt.Errorf("session observation failed: %w", err)})
				return
			}
			if ss == nil {
				fn(State{})
			} else {
				u := ss.User
				fn(State{User: &u})
			}
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}()
	return cancel, nil
}
