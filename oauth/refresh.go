// Package oauth keeps stored Google sessions alive. It performs jittered
// checks and refreshes access tokens whose expiry falls within a configured
// window. A session whose refresh token the provider rejects is ended, which
// every observer of that client sees as a sign-out.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatroom/identity"
	"github.com/onnwee/chatroom/telemetry"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// ExpireFunc ends the session of client and notifies its observers.
type ExpireFunc func(ctx context.Context, client identity.ClientID) error

// Revoked reports whether err means the refresh token is no longer valid.
func Revoked(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client"
	}
	return false
}

// RefreshOnce refreshes every session expiring within window. It returns
// how many sessions were refreshed and how many were ended.
func RefreshOnce(ctx context.Context, sessions identity.SessionStore, window time.Duration, fn RefreshFunc, expire ExpireFunc) (int, int, error) {
	due, err := sessions.ExpiringSessions(ctx, time.Now().Add(window))
	if err != nil {
		return 0, 0, err
	}
	refreshed, expired := 0, 0
	for _, ss := range due {
		if ctx.Err() != nil {
			return refreshed, expired, ctx.Err()
		}
		if ss.RefreshToken == "" {
			continue
		}
		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		newAT, newRT, newExp, newScope, err := fn(ctx2, ss.RefreshToken)
		cancel()
		if err != nil {
			if Revoked(err) {
				if err := expire(ctx, ss.Client); err != nil {
					slog.Warn("session expire failed", slog.String("client", string(ss.Client)), slog.Any("err", err), slog.String("component", "oauth_refresh"))
					continue
				}
				expired++
				telemetry.IncSessionsExpired()
				slog.Info("session ended: refresh token rejected", slog.String("client", string(ss.Client)), slog.String("component", "oauth_refresh"))
				continue
			}
			slog.Warn("token refresh failed", slog.String("client", string(ss.Client)), slog.Any("err", err), slog.String("component", "oauth_refresh"))
			continue
		}
		if newRT == "" {
			newRT = ss.RefreshToken
		}
		if newScope == "" {
			newScope = ss.Scope
		}
		if err := sessions.UpdateTokens(ctx, ss.Client, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
			slog.Warn("token persist failed", slog.String("client", string(ss.Client)), slog.Any("err", err), slog.String("component", "oauth_refresh"))
			continue
		}
		refreshed++
		telemetry.IncTokensRefreshed()
	}
	return refreshed, expired, nil
}

// StartRefresher launches a goroutine that periodically runs RefreshOnce.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, sessions identity.SessionStore, interval, window time.Duration, fn RefreshFunc, expire ExpireFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			refreshed, expired, err := RefreshOnce(ctx, sessions, window, fn, expire)
			if err != nil && ctx.Err() == nil {
				slog.Warn("session refresh scan failed", slog.Any("err", err), slog.String("component", "oauth_refresh"))
			} else if refreshed+expired > 0 {
				slog.Info("sessions refreshed", slog.Int("refreshed", refreshed), slog.Int("expired", expired), slog.String("component", "oauth_refresh"))
			}

			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}
