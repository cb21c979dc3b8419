package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAccountNotFound is returned when a principal has no connection for the
// requested provider.
var ErrAccountNotFound = errors.New("account not found")

// AccountStore persists provider connections and their token fields.
type AccountStore struct {
	db *sql.DB
}

// NewAccountStore creates the store and its schema on the given database.
func NewAccountStore(db *sql.DB) (*AccountStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			principal_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at INTEGER,
			connected_at INTEGER NOT NULL,
			last_refreshed_at INTEGER,
			last_synced_at INTEGER,
			needs_reauth INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (principal_id, provider)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create accounts table: %w", err)
	}
	return &AccountStore{db: db}, nil
}

// Connect stores (or replaces) a principal's provider connection. Called
// when the external OAuth flow hands us freshly issued tokens; clears any
// reauthentication flag.
func (s *AccountStore) Connect(ctx context.Context, principalID string, provider Provider, tok Token) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (principal_id, provider, access_token, refresh_token, expires_at, connected_at, needs_reauth)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(principal_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			connected_at = excluded.connected_at,
			needs_reauth = 0
	`, principalID, string(provider), tok.AccessToken, tok.RefreshToken, expiryUnix(tok.Expiry), now)
	if err != nil {
		return fmt.Errorf("failed to connect account: %w", err)
	}
	return nil
}

// Get loads a principal's connection for a provider.
func (s *AccountStore) Get(ctx context.Context, principalID string, provider Provider) (*Account, error) {
	acct := &Account{PrincipalID: principalID, Provider: provider}

	var expiresAt, connectedAt, lastRefreshed, lastSynced sql.NullInt64
	var needsReauth int
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, connected_at, last_refreshed_at, last_synced_at, needs_reauth
		FROM accounts WHERE principal_id = ? AND provider = ?
	`, principalID, string(provider)).Scan(
		&acct.Token.AccessToken, &acct.Token.RefreshToken, &expiresAt,
		&connectedAt, &lastRefreshed, &lastSynced, &needsReauth)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	acct.Token.Expiry = unixTime(expiresAt)
	acct.ConnectedAt = unixTime(connectedAt)
	acct.LastRefreshedAt = unixTime(lastRefreshed)
	acct.LastSyncedAt = unixTime(lastSynced)
	acct.NeedsReauth = needsReauth != 0

	return acct, nil
}

// SaveToken persists a refreshed token. The expiry never regresses and an
// empty rotated refresh token keeps the prior one, so a flaky refresh can
// not destroy a working credential.
func (s *AccountStore) SaveToken(ctx context.Context, principalID string, provider Provider, tok Token) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			access_token = ?,
			refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
			expires_at = MAX(COALESCE(expires_at, 0), ?),
			last_refreshed_at = ?,
			needs_reauth = 0
		WHERE principal_id = ? AND provider = ?
	`, tok.AccessToken, tok.RefreshToken, tok.RefreshToken, expiryUnix(tok.Expiry), now,
		principalID, string(provider))
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// MarkNeedsReauth flags the connection as requiring user reauthentication.
// Token fields are left untouched.
func (s *AccountStore) MarkNeedsReauth(ctx context.Context, principalID string, provider Provider) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET needs_reauth = 1 WHERE principal_id = ? AND provider = ?
	`, principalID, string(provider))
	if err != nil {
		return fmt.Errorf("failed to mark reauth: %w", err)
	}
	return nil
}

// TouchLastSynced records a completed sync pass for the connection.
func (s *AccountStore) TouchLastSynced(ctx context.Context, principalID string, provider Provider) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET last_synced_at = ? WHERE principal_id = ? AND provider = ?
	`, time.Now().Unix(), principalID, string(provider))
	if err != nil {
		return fmt.Errorf("failed to touch last synced: %w", err)
	}
	return nil
}

// ListConnected returns every connection that does not need reauth. Used at
// startup to resume refresh scheduling.
func (s *AccountStore) ListConnected(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principal_id, provider, access_token, refresh_token, expires_at, connected_at, last_refreshed_at, last_synced_at
		FROM accounts WHERE needs_reauth = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct := &Account{}
		var providerName string
		var expiresAt, connectedAt, lastRefreshed, lastSynced sql.NullInt64
		if err := rows.Scan(&acct.PrincipalID, &providerName, &acct.Token.AccessToken,
			&acct.Token.RefreshToken, &expiresAt, &connectedAt, &lastRefreshed, &lastSynced); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		acct.Provider = Provider(providerName)
		acct.Token.Expiry = unixTime(expiresAt)
		acct.ConnectedAt = unixTime(connectedAt)
		acct.LastRefreshedAt = unixTime(lastRefreshed)
		acct.LastSyncedAt = unixTime(lastSynced)
		accounts = append(accounts, acct)
	}

	return accounts, rows.Err()
}

func expiryUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixTime(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}
