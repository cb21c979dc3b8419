package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orbitdesk/sync-infra/internal/provider"
	"github.com/orbitdesk/sync-infra/internal/record"
)

//go:embed schema.sql
var schemaSQL string

// Store is a per-principal sync database: canonical records, dedup refs,
// sync checkpoints, and the indexing outbox.
type Store struct {
	DB *sql.DB
}

// Checkpoint is the durable sync progress for one source.
type Checkpoint struct {
	Source      string
	Cursor      string
	OldestSeen  time.Time
	TotalSynced int
	Completed   bool
	Status      string
	LastError   string
	RetryCount  int
}

// OutboxMessage is a pending indexing notification.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// OpenPrincipalDB opens or creates a principal's sync database.
func OpenPrincipalDB(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// UpsertRecord stores a canonical record (replace-or-insert keyed by
// kind+source ID), refreshes its dedup ref, and appends the indexing
// notification to the outbox, all in one transaction. The notification
// subject and message ID are supplied by the caller.
func (s *Store) UpsertRecord(ctx context.Context, rec *record.CanonicalRecord, natsSubject, eventType string, payload []byte, msgID string) (int64, error) {
	var localID int64

	err := retryOp(defaultRetryConfig, func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		toJSON, _ := json.Marshal(rec.To)
		ccJSON, _ := json.Marshal(rec.Cc)
		labelsJSON, _ := json.Marshal(rec.Labels)
		headersJSON, _ := json.Marshal(rec.Headers)

		now := time.Now().Unix()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records
			(source_id, provider, kind, thread_id, subject, sender_name, sender_email,
			 to_addrs, cc_addrs, body, snippet, labels_json, headers_json,
			 occurred_at, date_inferred, last_modified, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(kind, source_id) DO UPDATE SET
				thread_id = excluded.thread_id,
				subject = excluded.subject,
				sender_name = excluded.sender_name,
				sender_email = excluded.sender_email,
				to_addrs = excluded.to_addrs,
				cc_addrs = excluded.cc_addrs,
				body = excluded.body,
				snippet = excluded.snippet,
				labels_json = excluded.labels_json,
				headers_json = excluded.headers_json,
				occurred_at = excluded.occurred_at,
				date_inferred = excluded.date_inferred,
				last_modified = excluded.last_modified,
				updated_at = excluded.updated_at
		`, rec.SourceID, string(rec.Provider), string(rec.Kind), rec.ThreadID, rec.Subject,
			rec.SenderName, rec.SenderEmail, string(toJSON), string(ccJSON), rec.Body,
			rec.Snippet, string(labelsJSON), string(headersJSON),
			rec.OccurredAt.Unix(), boolToInt(rec.DateInferred), unixOrZero(rec.LastModified), now)
		if err != nil {
			return fmt.Errorf("failed to upsert record: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT id FROM records WHERE kind = ? AND source_id = ?
		`, string(rec.Kind), rec.SourceID).Scan(&localID); err != nil {
			return fmt.Errorf("failed to read record id: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO record_refs (kind, source_id, local_id, last_modified)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(kind, source_id) DO UPDATE SET
				local_id = excluded.local_id,
				last_modified = excluded.last_modified
		`, string(rec.Kind), rec.SourceID, localID, unixOrZero(rec.LastModified))
		if err != nil {
			return fmt.Errorf("failed to upsert record ref: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, natsSubject, eventType, payload, msgID, now)
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %w", err)
		}

		return tx.Commit()
	})

	return localID, err
}

// ExistingRefs returns the last-modified time recorded for each candidate ID
// already present locally. Absent IDs are absent from the map.
func (s *Store) ExistingRefs(ctx context.Context, kind provider.Kind, ids []string) (map[string]time.Time, error) {
	refs := make(map[string]time.Time, len(ids))
	if len(ids) == 0 {
		return refs, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, string(kind))
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT source_id, last_modified FROM record_refs
		WHERE kind = ? AND source_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query record refs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sourceID string
		var lastModified sql.NullInt64
		if err := rows.Scan(&sourceID, &lastModified); err != nil {
			return nil, fmt.Errorf("failed to scan record ref: %w", err)
		}
		var mod time.Time
		if lastModified.Valid && lastModified.Int64 > 0 {
			mod = time.Unix(lastModified.Int64, 0).UTC()
		}
		refs[sourceID] = mod
	}

	return refs, rows.Err()
}

// LoadCheckpoint loads sync progress for a source. A missing row yields a
// zero-valued checkpoint, not an error.
func (s *Store) LoadCheckpoint(ctx context.Context, source string) (*Checkpoint, error) {
	cp := &Checkpoint{Source: source}

	var cursor, status, lastError sql.NullString
	var oldestSeen sql.NullInt64
	var completed int
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor, oldest_seen, total_synced, completed, status, last_error, retry_count
		FROM sync_state WHERE source = ?
	`, source).Scan(&cursor, &oldestSeen, &cp.TotalSynced, &completed, &status, &lastError, &cp.RetryCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return cp, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp.Cursor = cursor.String
	cp.Status = status.String
	cp.LastError = lastError.String
	cp.Completed = completed != 0
	if oldestSeen.Valid && oldestSeen.Int64 > 0 {
		cp.OldestSeen = time.Unix(oldestSeen.Int64, 0).UTC()
	}

	return cp, nil
}

// SaveCheckpoint persists sync progress for a source.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	return retryOp(defaultRetryConfig, func() error {
		now := time.Now().Unix()
		_, err := s.DB.ExecContext(ctx, `
			INSERT INTO sync_state (source, cursor, oldest_seen, total_synced, completed, status, last_synced_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source) DO UPDATE SET
				cursor = excluded.cursor,
				oldest_seen = excluded.oldest_seen,
				total_synced = excluded.total_synced,
				completed = excluded.completed,
				status = excluded.status,
				last_synced_at = excluded.last_synced_at,
				updated_at = excluded.updated_at
		`, cp.Source, cp.Cursor, unixOrZero(cp.OldestSeen), cp.TotalSynced,
			boolToInt(cp.Completed), cp.Status, now, now)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	})
}

// UpdateSyncStatus updates sync status with error info; a non-empty error
// bumps the retry counter.
func (s *Store) UpdateSyncStatus(ctx context.Context, source, status, errorMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sync_state
		SET status = ?,
		    last_error = ?,
		    retry_count = CASE WHEN ? != '' THEN retry_count + 1 ELSE retry_count END,
		    updated_at = ?
		WHERE source = ?
	`, status, errorMsg, errorMsg, time.Now().Unix(), source)

	return err
}

// DequeueOutbox fetches unpublished indexing notifications that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.DB.ExecContext(ctx, `
			UPDATE outbox SET published_at = ? WHERE id = ?
		`, time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("failed to mark published: %w", err)
		}
		return nil
	})
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.DB.ExecContext(ctx, `
			UPDATE outbox
			SET retries = retries + 1,
			    next_attempt_at = ?
			WHERE id = ?
		`, time.Now().Add(backoff).Unix(), id)
		if err != nil {
			return fmt.Errorf("failed to mark retry: %w", err)
		}
		return nil
	})
}

// CountRecords returns the number of stored records of a kind. Used by the
// status endpoint and tests.
func (s *Store) CountRecords(ctx context.Context, kind provider.Kind) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE kind = ?
	`, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
