// Package server exposes the chat room over HTTP: the rendered page, a
// server-sent event stream of re-renders, the sign-in/sign-out and message
// actions, plus health, readiness and metrics. It injects correlation IDs into
// request contexts for consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/chatroom/chat"
	"github.com/onnwee/chatroom/identity"
	"github.com/onnwee/chatroom/telemetry"
)

// Options are the services the HTTP surface is built on.
type Options struct {
	Provider identity.Provider
	// Completer finishes sign-ins from the provider callback. Nil disables
	// the callback route.
	Completer Completer
	Backend   chat.Backend
	// Checks run on /readyz, in order.
	Checks       []Check
	IdleTimeout  time.Duration
	CookieSecure bool
	Logger       *slog.Logger
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the client apps and the background sign-ins.
func NewMux(ctx context.Context, opts Options) http.Handler {
	corsCfg := loadCORSConfig()
	handlers := NewHandlers(ctx, opts)

	mux := http.NewServeMux()

	// Metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health and readiness endpoints
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	// Page and live updates
	mux.HandleFunc("/", handlers.HandleIndex)
	mux.HandleFunc("/events", handlers.HandleEvents)

	// Session actions
	mux.HandleFunc("/signin", handlers.HandleSignIn)
	mux.HandleFunc("/signin/cancel", handlers.HandleSignInCancel)
	mux.HandleFunc("/auth/google/callback", handlers.HandleGoogleCallback)
	mux.HandleFunc("/signout", handlers.HandleSignOut)

	// Composer
	mux.HandleFunc("/messages", handlers.HandleMessages)

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		// Capture status code via custom ResponseWriter
		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrappedWriter.statusCode))
		if wrappedWriter.statusCode >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, opts Options, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, opts),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Shutdown goroutine
	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
