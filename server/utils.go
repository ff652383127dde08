package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/onnwee/chatroom/telemetry"
)

// wantsJSON reports whether the client asked for a JSON response rather
// than a redirect.
func wantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "application/json" {
			return true
		}
	}
	return false
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// unavailable reports that no app could be served for the request.
func (h *Handlers) unavailable(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusServiceUnavailable
	if errors.Is(err, errTooManyClients) {
		w.Header().Set("Retry-After", "60")
	}
	telemetry.LoggerWithCorr(r.Context()).Warn("client app unavailable", slog.Any("err", err), slog.String("component", "http"))
	http.Error(w, http.StatusText(status), status)
}
