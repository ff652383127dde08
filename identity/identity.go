// Package identity is the identity-provider surface: interactive sign-in,
// sign-out, and a push stream of the current session per client.
//
// A client is one browser (one client-id cookie). The provider keeps the
// authoritative session for each client; everything else holds read-only
// views delivered through Watch.
package identity

import (
	"context"
	"errors"
)

// ClientID identifies one browser client.
type ClientID string

// User is the signed-in principal as reported by the provider.
type User struct {
	UID         string
	DisplayName string
	PhotoURL    *string
}

// State is one push of the session stream. User is nil when signed out.
// Err is set when the stream itself failed; no pushes follow it.
type State struct {
	User *User
	Err  error
}

// Authenticated reports whether the push carries a signed-in user.
func (s State) Authenticated() bool { return s.Err == nil && s.User != nil }

// Opener presents the provider's interactive sign-in page to the user
// (a browser redirect or popup).
type Opener func(ctx context.Context, authURL string) error

var (
	// ErrSignInCancelled is returned when the user dismisses the sign-in page.
	ErrSignInCancelled = errors.New("sign-in cancelled by user")
	// ErrFlowNotFound is returned when a callback names an unknown or expired flow.
	ErrFlowNotFound = errors.New("sign-in flow not found or expired")
)

// Provider is the identity backend.
type Provider interface {
	// SignIn runs the interactive flow for client and returns the signed-in
	// user. Watchers of client receive the new session as well.
	SignIn(ctx context.Context, client ClientID, open Opener) (*User, error)
	// SignOut ends the session for client.
	SignOut(ctx context.Context, client ClientID) error
	// Watch calls fn with the current session and then on every change
	// until the returned stop function is called or ctx ends. fn is never
	// called concurrently with itself.
	Watch(ctx context.Context, client ClientID, fn func(State)) (stop func(), err error)
}
