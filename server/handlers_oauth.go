package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/chatroom/identity"
	"github.com/onnwee/chatroom/session"
	"github.com/onnwee/chatroom/telemetry"
)

// HandleSignIn starts the interactive sign-in in the background and sends
// the browser to the provider's page. The sign-in outlives the request; it
// ends with the callback, a cancel, or the flow expiry.
func (h *Handlers) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	app, _, err := h.app(w, r, false)
	if err != nil {
		h.unavailable(w, r, err)
		return
	}
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("client", string(app.Client())), slog.String("component", "http"))

	urls := make(chan string, 1)
	done := make(chan error, 1)
	open := func(_ context.Context, authURL string) error {
		urls <- authURL
		return nil
	}
	ctx := telemetry.WithCorrelation(h.ctx, telemetry.GetCorrelation(r.Context()))
	go func() {
		err := app.SignIn(ctx, open)
		if err != nil && !errors.Is(err, session.ErrSignInPending) {
			logger.Info("sign-in ended", slog.Any("err", err))
		}
		done <- err
	}()

	select {
	case authURL := <-urls:
		http.Redirect(w, r, authURL, http.StatusSeeOther)
	case err := <-done:
		if errors.Is(err, session.ErrSignInPending) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		// Any other failure is shown on the page through the session view.
		http.Redirect(w, r, "/", http.StatusSeeOther)
	case <-r.Context().Done():
	}
}

// HandleSignInCancel abandons the client's pending sign-in, as closing the
// provider's page would.
func (h *Handlers) HandleSignInCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	app, _, err := h.app(w, r, false)
	if err != nil {
		h.unavailable(w, r, err)
		return
	}
	app.CancelSignIn()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleGoogleCallback completes the pending flow named by state for the
// browser that began it. Sign-in failures reach the user through the app
// view; an unknown flow, or one begun by another browser, is an HTTP error.
func (h *Handlers) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.completer == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	st := q.Get("state")
	if st == "" {
		http.Error(w, "missing state", http.StatusBadRequest)
		return
	}
	err := h.completer.Complete(r.Context(), h.clientID(w, r), st, q.Get("code"), q.Get("error"))
	if errors.Is(err, identity.ErrFlowNotFound) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Info("sign-in callback failed", slog.Any("err", err), slog.String("component", "http"))
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleSignOut ends the client's session. A failure is logged by the
// session controller and the page keeps showing whatever the provider
// reports.
func (h *Handlers) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	app, _, err := h.app(w, r, false)
	if err != nil {
		h.unavailable(w, r, err)
		return
	}
	err = app.SignOut(r.Context())
	if wantsJSON(r) {
		switch {
		case errors.Is(err, session.ErrSignOutPending):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
