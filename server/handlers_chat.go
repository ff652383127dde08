package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chatroom/chat"
	"github.com/onnwee/chatroom/telemetry"
)

// sseHeartbeat keeps idle event streams open through proxies.
const sseHeartbeat = 25 * time.Second

// HandleIndex renders the page for the client's current app view. A GET
// remounts a failed feed or a fatal session first, so a reload retries.
func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	app, _, err := h.app(w, r, false)
	if err != nil {
		h.unavailable(w, r, err)
		return
	}
	if r.Method == http.MethodGet && app.Remount() {
		h.logger.Info("app remounted on reload", slog.String("client", string(app.Client())))
	}
	page, err := renderPage(app.View())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("render page", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(page)
}

// HandleEvents streams a "render" event with the app body on every change
// and a "scroll" event whenever the room's scroll sequence advances.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	app, release, err := h.app(w, r, true)
	if err != nil {
		h.unavailable(w, r, err)
		return
	}
	defer release()

	ctx := r.Context()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("client", string(app.Client())), slog.String("component", "sse"))
	rc := http.NewResponseController(w)

	changed := make(chan struct{}, 1)
	unsubscribe := app.Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	telemetry.AddSSEClients(1)
	defer telemetry.AddSSEClients(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var (
		lastBody   []byte
		lastScroll uint64
		scrolled   bool
	)
	push := func() error {
		// The server-wide write timeout does not apply to a stream.
		_ = rc.SetWriteDeadline(time.Time{})
		v := app.View()
		body, err := renderBody(v)
		if err != nil {
			return fmt.Errorf("render body: %w", err)
		}
		if !bytes.Equal(body, lastBody) {
			if err := writeEvent(w, "render", body); err != nil {
				return err
			}
			lastBody = body
		}
		if v.Room != nil && (!scrolled || v.Room.Scroll != lastScroll) {
			if err := writeEvent(w, "scroll", []byte(fmt.Sprint(v.Room.Scroll))); err != nil {
				return err
			}
			lastScroll, scrolled = v.Room.Scroll, true
		}
		if v.Room == nil {
			scrolled = false
		}
		flusher.Flush()
		return nil
	}

	if err := push(); err != nil {
		logger.Warn("event stream write failed", slog.Any("err", err))
		return
	}
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-changed:
			if err := push(); err != nil {
				logger.Warn("event stream write failed", slog.Any("err", err))
				return
			}
		}
	}
}

// writeEvent writes one named SSE event; each line of data gets its own
// data field.
func writeEvent(w http.ResponseWriter, name string, data []byte) error {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(name)
	buf.WriteByte('\n')
	for _, line := range strings.Split(string(data), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(strings.TrimSuffix(line, "\r"))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

type messageRequest struct {
	Text string `json:"text"`
}

// HandleMessages submits text as the composer draft. JSON clients get a
// status code for the outcome; form posts are redirected back to the page,
// which shows the same outcome.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	asJSON := wantsJSON(r)
	var text string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req messageRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		text = req.Text
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		text = r.PostForm.Get("text")
	}

	app, _, err := h.app(w, r, false)
	if err != nil {
		h.unavailable(w, r, err)
		return
	}
	err = app.SubmitText(r.Context(), text)

	if !asJSON {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, chat.ErrNoSession), errors.Is(err, chat.ErrSubmitInFlight):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, chat.ErrEmptyDraft):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": chat.SendFailedMessage})
	}
}
