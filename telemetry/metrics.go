// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SignIns          *prometheus.CounterVec // result=success|error|cancelled
	SignOuts         *prometheus.CounterVec // result=success|error
	MessagesSent     prometheus.Counter
	MessagesFailed   prometheus.Counter
	FeedSnapshots    prometheus.Counter
	SessionsExpired  prometheus.Counter
	TokensRefreshed  prometheus.Counter

	// Histograms (seconds)
	SubmitDuration prometheus.Observer

	// Gauges
	ActiveFeeds prometheus.Gauge
	SSEClients  prometheus.Gauge
	LiveApps    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SignIns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_sign_ins_total", Help: "Interactive sign-in attempts by result"}, []string{"result"})
		SignOuts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_sign_outs_total", Help: "Sign-out attempts by result"}, []string{"result"})
		MessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_sent_total", Help: "Messages accepted by the store"})
		MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_failed_total", Help: "Message writes rejected or failed"})
		FeedSnapshots = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_feed_snapshots_total", Help: "Live query snapshots applied to feeds"})
		SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sessions_expired_total", Help: "Sessions ended because the provider rejected their refresh token"})
		TokensRefreshed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_tokens_refreshed_total", Help: "Session access tokens refreshed"})
		SubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_submit_duration_seconds", Help: "Time for the store to accept a message", Buckets: prometheus.DefBuckets})
		ActiveFeeds = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_feed_subscriptions", Help: "Open live feed subscriptions"})
		SSEClients = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_sse_clients", Help: "Connected event streams"})
		LiveApps = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_live_apps", Help: "Server-side app instances held for browser clients"})
	})
}

// ObserveSignIn records a sign-in attempt by result.
func ObserveSignIn(result string) {
	if SignIns != nil {
		SignIns.WithLabelValues(result).Inc()
	}
}

// ObserveSignOut records a sign-out attempt by result.
func ObserveSignOut(result string) {
	if SignOuts != nil {
		SignOuts.WithLabelValues(result).Inc()
	}
}

// ObserveSubmit records the outcome and latency of one message write.
func ObserveSubmit(d time.Duration, err error) {
	if SubmitDuration != nil {
		SubmitDuration.Observe(d.Seconds())
	}
	if err != nil {
		inc(MessagesFailed)
		return
	}
	inc(MessagesSent)
}

// IncFeedSnapshots counts one applied feed snapshot.
func IncFeedSnapshots() { inc(FeedSnapshots) }

// IncSessionsExpired counts one session ended by the refresher.
func IncSessionsExpired() { inc(SessionsExpired) }

// IncTokensRefreshed counts one refreshed session.
func IncTokensRefreshed() { inc(TokensRefreshed) }

// AddActiveFeeds adjusts the open subscription gauge.
func AddActiveFeeds(n int) { add(ActiveFeeds, n) }

// AddSSEClients adjusts the connected stream gauge.
func AddSSEClients(n int) { add(SSEClients, n) }

// SetLiveApps records the current registry size.
func SetLiveApps(n int) {
	if LiveApps != nil {
		LiveApps.Set(float64(n))
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func add(g prometheus.Gauge, n int) {
	if g != nil {
		g.Add(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
