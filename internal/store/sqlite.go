package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/ashita-ai/youyaku/internal/model"
)

// SQLite is the single-node Store. It uses the pure-Go modernc driver so
// the binary stays CGO-free.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS window_locks (
	key        TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS stage_artifacts (
	window_key     TEXT NOT NULL,
	stage          TEXT NOT NULL,
	payload        TEXT NOT NULL,
	prompt_id      TEXT NOT NULL DEFAULT '',
	prompt_version TEXT NOT NULL DEFAULT '',
	model_id       TEXT NOT NULL DEFAULT '',
	stored_at      INTEGER NOT NULL,
	PRIMARY KEY (window_key, stage)
);
CREATE TABLE IF NOT EXISTS dead_letters (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	payload       TEXT NOT NULL DEFAULT '{}',
	error_code    TEXT NOT NULL,
	error_message TEXT NOT NULL,
	stack_trace   TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL,
	max_attempts  INTEGER NOT NULL,
	first_seen_at INTEGER NOT NULL,
	next_retry_at INTEGER NOT NULL,
	status        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_pending
	ON dead_letters (status, next_retry_at);
CREATE TABLE IF NOT EXISTS baselines (
	tenant_id TEXT NOT NULL,
	group_id  TEXT NOT NULL,
	snapshot  TEXT NOT NULL,
	saved_at  INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, group_id)
);
`

// NewSQLite opens (creating if needed) the database at path and applies
// the schema.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply sqlite schema: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

// AcquireLock takes the run lock for key unless a live holder exists.
func (s *SQLite) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	expiry := time.Now().Add(ttl).UnixMilli()

	// Insert wins the lock outright; otherwise take over only an expired holder.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO window_locks (key, expires_at) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
		 WHERE window_locks.expires_at <= ?`,
		key, expiry, now,
	)
	if err != nil {
		return false, fmt.Errorf("store: acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: acquire lock rows: %w", err)
	}
	return n == 1, nil
}

// ReleaseLock drops the lock for key.
func (s *SQLite) ReleaseLock(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM window_locks WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: release lock: %w", err)
	}
	return nil
}

// GetStage returns the cached artifact for (windowKey, stage).
func (s *SQLite) GetStage(ctx context.Context, windowKey string, stage model.Stage) (model.StageArtifact, error) {
	var (
		payload  string
		meta     model.ArtifactMetadata
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, prompt_id, prompt_version, model_id, stored_at
		 FROM stage_artifacts WHERE window_key = ? AND stage = ?`,
		windowKey, string(stage),
	).Scan(&payload, &meta.PromptID, &meta.PromptVersion, &meta.ModelID, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StageArtifact{}, ErrNotFound
	}
	if err != nil {
		return model.StageArtifact{}, fmt.Errorf("store: get stage %s: %w", stage, err)
	}
	meta.StoredAt = time.UnixMilli(storedAt).UTC()
	return model.StageArtifact{Stage: stage, Payload: json.RawMessage(payload), Metadata: meta}, nil
}

// SetStage stores an artifact. First write wins (INSERT OR IGNORE).
func (s *SQLite) SetStage(ctx context.Context, windowKey string, artifact model.StageArtifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stage_artifacts
		 (window_key, stage, payload, prompt_id, prompt_version, model_id, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		windowKey, string(artifact.Stage), string(artifact.Payload),
		artifact.Metadata.PromptID, artifact.Metadata.PromptVersion, artifact.Metadata.ModelID,
		artifact.Metadata.StoredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: set stage %s: %w", artifact.Stage, err)
	}
	return nil
}

// AppendDeadLetter durably appends a dead-letter record.
func (s *SQLite) AppendDeadLetter(ctx context.Context, rec model.DeadLetterRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal dead letter payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters
		 (id, tenant_id, entity_type, event_type, payload, error_code, error_message,
		  stack_trace, retry_count, max_attempts, first_seen_at, next_retry_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.TenantID, rec.EntityType, rec.EventType, string(payload),
		rec.ErrorCode, rec.ErrorMessage, rec.StackTrace, rec.RetryCount, rec.MaxAttempts,
		rec.FirstSeenAt.UnixMilli(), rec.NextRetryAt.UnixMilli(), string(rec.Status),
	)
	if err != nil {
		return fmt.Errorf("store: append dead letter: %w", err)
	}
	return nil
}

// LatestBaseline returns the snapshot for (tenant, group).
func (s *SQLite) LatestBaseline(ctx context.Context, tenant, group string) (model.BaselineSnapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM baselines WHERE tenant_id = ? AND group_id = ?`,
		tenant, group,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BaselineSnapshot{}, ErrNotFound
	}
	if err != nil {
		return model.BaselineSnapshot{}, fmt.Errorf("store: latest baseline: %w", err)
	}
	var snap model.BaselineSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return model.BaselineSnapshot{}, fmt.Errorf("store: decode baseline: %w", err)
	}
	return snap, nil
}

// SaveBaseline upserts the latest snapshot for (tenant, group).
func (s *SQLite) SaveBaseline(ctx context.Context, tenant, group string, snap model.BaselineSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal baseline: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO baselines (tenant_id, group_id, snapshot, saved_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id, group_id) DO UPDATE SET
		   snapshot = excluded.snapshot, saved_at = excluded.saved_at`,
		tenant, group, string(raw), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: save baseline: %w", err)
	}
	return nil
}

// Close shuts down the database handle.
func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}
