package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/chatroom/crypto"
	"github.com/onnwee/chatroom/identity"
)

// Sessions is the Postgres identity.SessionStore. Tokens are sealed when
// ENCRYPTION_KEY is configured; encryption_version=1 marks sealed rows,
// version=0 plaintext.
type Sessions struct{ DB *sql.DB }

func NewSessions(db *sql.DB) *Sessions { return &Sessions{DB: db} }

func sealTokens(access, refresh string) (string, string, int, string, error) {
	c, err := getCipher()
	if err != nil {
		return "", "", 0, "", fmt.Errorf("get cipher: %w", err)
	}
	if c == nil {
		return access, refresh, 0, "", nil
	}
	sa, err := crypto.SealString(c, access)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("encrypt access token: %w", err)
	}
	sr, err := crypto.SealString(c, refresh)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return sa, sr, 1, "default", nil
}

func openTokens(version int, access, refresh string) (string, string, error) {
	if version != 1 {
		return access, refresh, nil
	}
	c, err := getCipher()
	if err != nil {
		return "", "", fmt.Errorf("get cipher for decryption: %w", err)
	}
	if c == nil {
		return "", "", errors.New("token is encrypted but ENCRYPTION_KEY not configured")
	}
	oa, err := crypto.OpenString(c, access)
	if err != nil {
		return "", "", fmt.Errorf("decrypt access token: %w", err)
	}
	or, err := crypto.OpenString(c, refresh)
	if err != nil {
		return "", "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	return oa, or, nil
}

const sessionColumns = `client_id, uid, display_name, photo_url, access_token, refresh_token, expires_at, scope, encryption_version`

type rowScanner interface{ Scan(dest ...any) error }

func scanSession(row rowScanner) (identity.StoredSession, error) {
	var (
		ss      identity.StoredSession
		client  string
		photo   sql.NullString
		expires sql.NullTime
		version int
	)
	if err := row.Scan(&client, &ss.User.UID, &ss.User.DisplayName, &photo, &ss.AccessToken, &ss.RefreshToken, &expires, &ss.Scope, &version); err != nil {
		return ss, err
	}
	ss.Client = identity.ClientID(client)
	if photo.Valid {
		p := photo.String
		ss.User.PhotoURL = &p
	}
	if expires.Valid {
		ss.Expiry = expires.Time
	}
	access, refresh, err := openTokens(version, ss.AccessToken, ss.RefreshToken)
	if err != nil {
		return ss, err
	}
	ss.AccessToken, ss.RefreshToken = access, refresh
	return ss, nil
}

func (s *Sessions) GetSession(ctx context.Context, client identity.ClientID) (*identity.StoredSession, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE client_id = $1`, string(client))
	ss, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ss, nil
}

func (s *Sessions) PutSession(ctx context.Context, ss identity.StoredSession) error {
	access, refresh, version, keyID, err := sealTokens(ss.AccessToken, ss.RefreshToken)
	if err != nil {
		return err
	}
	var photo sql.NullString
	if ss.User.PhotoURL != nil {
		photo = sql.NullString{String: *ss.User.PhotoURL, Valid: true}
	}
	var expires sql.NullTime
	if !ss.Expiry.IsZero() {
		expires = sql.NullTime{Time: ss.Expiry, Valid: true}
	}
	q := `INSERT INTO sessions(client_id, uid, display_name, photo_url, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
		  ON CONFLICT(client_id) DO UPDATE SET
		    uid=EXCLUDED.uid,
		    display_name=EXCLUDED.display_name,
		    photo_url=EXCLUDED.photo_url,
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err = s.DB.ExecContext(ctx, q, string(ss.Client), ss.User.UID, ss.User.DisplayName, photo,
		access, refresh, expires, ss.Scope, version, keyID)
	return err
}

func (s *Sessions) DeleteSession(ctx context.Context, client identity.ClientID) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE client_id = $1`, string(client))
	return err
}

func (s *Sessions) ExpiringSessions(ctx context.Context, before time.Time) ([]identity.StoredSession, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_token <> '' AND expires_at IS NOT NULL AND expires_at < $1 ORDER BY expires_at`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []identity.StoredSession
	for rows.Next() {
		ss, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

func (s *Sessions) UpdateTokens(ctx context.Context, client identity.ClientID, access, refresh string, expiry time.Time, scope string) error {
	sa, sr, version, keyID, err := sealTokens(access, refresh)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `UPDATE sessions SET
		access_token=$1,
		refresh_token=CASE WHEN $2 = '' THEN refresh_token ELSE $2 END,
		expires_at=$3,
		scope=CASE WHEN $4 = '' THEN scope ELSE $4 END,
		encryption_version=$5,
		encryption_key_id=$6,
		updated_at=NOW()
		WHERE client_id=$7`, sa, sr, expiry, scope, version, keyID, string(client))
	return err
}

// Ping reports whether the sessions table is reachable.
func (s *Sessions) Ping(ctx context.Context) error {
	var n int
	return s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE false`).Scan(&n)
}
