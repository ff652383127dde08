// Package main provides a CLI tool to seal plaintext session tokens.
//
// Rows stored before ENCRYPTION_KEY was configured carry encryption_version=0.
// This tool rewrites them as version=1 (AES-256-GCM).
//
// Usage:
//
//	migrate-sessions [--dry-run] [--client CLIENT_ID]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/chatroom/crypto"
	"github.com/onnwee/chatroom/db"
)

// sessionRow is a session whose tokens are still plaintext.
type sessionRow struct {
	Client       string
	AccessToken  string
	RefreshToken string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	client := flag.String("client", "", "Migrate one client's session only (default: all sessions)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	c, err := crypto.NewAESGCM(key)
	if err != nil {
		slog.Error("failed to initialize cipher", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := db.Connect(dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if _, err := checkSchema(database); err != nil {
		slog.Error("schema check failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := migrateSessions(ctx, database, c, *dryRun, *client); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := reportStatus(ctx, database); err != nil {
		slog.Warn("status report failed", slog.Any("error", err))
	}
	slog.Info("migration completed successfully")
}

// migrateSessions seals every plaintext session (encryption_version=0).
func migrateSessions(ctx context.Context, database *sql.DB, c crypto.Cipher, dryRun bool, clientFilter string) error {
	query := `SELECT client_id, access_token, refresh_token FROM sessions WHERE encryption_version = 0`
	var args []any
	if clientFilter != "" {
		query += " AND client_id = $1"
		args = append(args, clientFilter)
	}
	query += " ORDER BY client_id"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query plaintext sessions: %w", err)
	}
	var pending []sessionRow
	for rows.Next() {
		var r sessionRow
		if err := rows.Scan(&r.Client, &r.AccessToken, &r.RefreshToken); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan session row: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating session rows: %w", err)
	}

	if len(pending) == 0 {
		slog.Info("no plaintext sessions found to migrate")
		return nil
	}
	slog.Info("found plaintext sessions to migrate", slog.Int("count", len(pending)), slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for i, r := range pending {
		logger := slog.With(slog.String("client", r.Client), slog.Int("index", i+1), slog.Int("total", len(pending)))
		if dryRun {
			logger.Info("would migrate session (dry-run)")
			migrated++
			continue
		}
		if err := sealSession(ctx, database, c, r); err != nil {
			logger.Error("failed to migrate session", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("migrated session")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(pending)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

func sealSession(ctx context.Context, database *sql.DB, c crypto.Cipher, r sessionRow) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	access, err := crypto.SealString(c, r.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := crypto.SealString(c, r.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	// encryption_version = 0 in the predicate keeps a concurrent writer's
	// sealed tokens from being overwritten.
	res, err := tx.ExecContext(ctx, `UPDATE sessions
		SET access_token = $1,
		    refresh_token = $2,
		    encryption_version = 1,
		    encryption_key_id = 'default',
		    updated_at = NOW()
		WHERE client_id = $3 AND encryption_version = 0`, access, refresh, r.Client)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (session may have been modified concurrently)", n)
	}
	return tx.Commit()
}

// checkSchema reads the schema version and refuses one schemaError rejects.
func checkSchema(database *sql.DB) (uint, error) {
	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return 0, err
	}
	if err := schemaError(version, dirty); err != nil {
		return version, err
	}
	slog.Info("schema version", slog.Uint64("version", uint64(version)))
	return version, nil
}

// schemaError rejects a dirty schema or one behind the versioned sessions
// migration. Version 0 is a database set up from the embedded SQL, which
// already carries the sessions table.
func schemaError(version uint, dirty bool) error {
	if dirty {
		return fmt.Errorf("schema is dirty at version %d", version)
	}
	if version != 0 && version < db.SchemaVersion {
		return fmt.Errorf("schema at version %d, want %d: start the server once to migrate", version, db.SchemaVersion)
	}
	return nil
}

// reportStatus logs session counts per encryption version.
func reportStatus(ctx context.Context, database *sql.DB) error {
	rows, err := database.QueryContext(ctx, `SELECT encryption_version, COUNT(*) FROM sessions GROUP BY encryption_version ORDER BY encryption_version`)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return fmt.Errorf("scan status row: %w", err)
		}
		desc := fmt.Sprintf("unknown version %d", version)
		switch version {
		case 0:
			desc = "plaintext"
		case 1:
			desc = "encrypted (AES-256-GCM)"
		}
		slog.Info("session encryption status",
			slog.Int("encryption_version", version),
			slog.String("description", desc),
			slog.Int("count", count))
	}
	return rows.Err()
}
