// Command chatroom serves the chat room: Google sign-in, a live feed of the
// most recent messages, and a composer.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the message store (sqlite, Postgres or Firestore) and, for
//     Postgres, runs idempotent migrations.
//   - Wires the Google identity provider to its session store and the
//     session-change bus (in-process or Redis).
//   - Starts the session token refresher.
//   - Exposes the HTTP server with the page, event stream, /healthz, /readyz
//     and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chatroom/config"
	"github.com/onnwee/chatroom/db"
	"github.com/onnwee/chatroom/identity"
	"github.com/onnwee/chatroom/identity/google"
	"github.com/onnwee/chatroom/oauth"
	"github.com/onnwee/chatroom/server"
	"github.com/onnwee/chatroom/store"
	"github.com/onnwee/chatroom/store/firestore"
	"github.com/onnwee/chatroom/store/postgres"
	"github.com/onnwee/chatroom/store/sqlite"
	"github.com/onnwee/chatroom/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateIdentity(); err != nil {
		slog.Error("sign-in not configured", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chatroom", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []server.Check

	// DB (only when a Postgres backend is selected)
	var database *sql.DB
	if cfg.StoreBackend == config.StorePostgres || cfg.SessionBackend == config.SessionsPostgres {
		database, err = openPostgres(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	// Message store
	msgs, err := openStore(ctx, cfg, database)
	if err != nil {
		slog.Error("failed to open message store", slog.String("backend", cfg.StoreBackend), slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := msgs.Close(); err != nil {
			slog.Warn("failed to close message store", slog.Any("err", err))
		}
	}()
	if p, ok := msgs.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, server.Check{Name: "store", Fn: p.Ping})
	}
	slog.Info("message store ready", slog.String("backend", cfg.StoreBackend))

	// Sessions
	var sessions identity.SessionStore = identity.NewMemorySessions()
	if cfg.SessionBackend == config.SessionsPostgres {
		dbSessions := db.NewSessions(database)
		sessions = dbSessions
		checks = append(checks, server.Check{Name: "sessions", Fn: dbSessions.Ping})
	}

	// Session-change bus: Redis fans changes out across instances
	var bus identity.Bus = identity.NewMemoryBus()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", slog.Any("err", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		redisBus := identity.NewRedisBus(rdb, "", slog.Default())
		defer func() { _ = redisBus.Close() }()
		bus = redisBus
		checks = append(checks, server.Check{Name: "bus", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
		slog.Info("session bus: redis", slog.String("addr", opts.Addr))
	}

	provider := google.New(google.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURI,
		Scopes:       cfg.GoogleScopes,
	}, sessions, bus)

	// Session token refresher; a rejected refresh token ends the session
	oauth.StartRefresher(ctx, sessions, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow, provider.Refresh, provider.Expire)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server
	go func() {
		err := server.Start(ctx, server.Options{
			Provider:     provider,
			Completer:    provider,
			Backend:      msgs,
			Checks:       checks,
			IdleTimeout:  cfg.ClientIdleTimeout,
			CookieSecure: cfg.CookieSecure,
		}, cfg.HTTPAddr)
		if err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()
	slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr))

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// openPostgres connects and applies the schema using the dual-system
// approach: versioned migrations first, the embedded idempotent SQL as the
// fallback for databases that predate them.
func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := db.Connect(dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to legacy embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("migrate (both versioned and embedded SQL failed): %w", err)
		}
		slog.Info("legacy embedded SQL migration completed", slog.String("component", "db_migrate"))
	}
	version, dirty, err := db.GetMigrationVersion(database)
	switch {
	case err != nil:
		slog.Warn("could not read schema version", slog.Any("err", err), slog.String("component", "db_migrate"))
	case dirty:
		slog.Warn("schema is dirty, running on the embedded SQL schema", slog.Uint64("version", uint64(version)), slog.String("component", "db_migrate"))
	default:
		slog.Info("schema version", slog.Uint64("version", uint64(version)), slog.Uint64("latest", uint64(db.SchemaVersion)), slog.String("component", "db_migrate"))
	}
	return database, nil
}

func openStore(ctx context.Context, cfg *config.Config, database *sql.DB) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		return postgres.New(database, cfg.DBDsn), nil
	case config.StoreFirestore:
		return firestore.NewStore(ctx, cfg.FirestoreProjectID)
	default:
		return sqlite.Open(ctx, cfg.SQLitePath)
	}
}
