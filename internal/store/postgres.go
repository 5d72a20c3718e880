package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/youyaku/internal/model"
)

// Postgres is the shared-deployment Store, for running pipeline workers
// across processes against one lock/cache database.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS window_locks (
	key        TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS stage_artifacts (
	window_key     TEXT NOT NULL,
	stage          TEXT NOT NULL,
	payload        JSONB NOT NULL,
	prompt_id      TEXT NOT NULL DEFAULT '',
	prompt_version TEXT NOT NULL DEFAULT '',
	model_id       TEXT NOT NULL DEFAULT '',
	stored_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (window_key, stage)
);
CREATE TABLE IF NOT EXISTS dead_letters (
	id            UUID PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	payload       JSONB NOT NULL DEFAULT '{}',
	error_code    TEXT NOT NULL,
	error_message TEXT NOT NULL,
	stack_trace   TEXT NOT NULL DEFAULT '',
	retry_count   INT NOT NULL,
	max_attempts  INT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	next_retry_at TIMESTAMPTZ NOT NULL,
	status        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_pending
	ON dead_letters (status, next_retry_at);
CREATE TABLE IF NOT EXISTS baselines (
	tenant_id TEXT NOT NULL,
	group_id  TEXT NOT NULL,
	snapshot  JSONB NOT NULL,
	saved_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, group_id)
);
`

// NewPostgres connects a pool to dsn and applies the schema.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply postgres schema: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// AcquireLock takes the run lock for key unless a live holder exists.
func (p *Postgres) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := WithRetry(ctx, 2, 50*time.Millisecond, func() error {
		tag, err := p.pool.Exec(ctx,
			`INSERT INTO window_locks (key, expires_at) VALUES ($1, now() + $2)
			 ON CONFLICT (key) DO UPDATE SET expires_at = excluded.expires_at
			 WHERE window_locks.expires_at <= now()`,
			key, ttl,
		)
		if err != nil {
			return err
		}
		acquired = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: acquire lock: %w", err)
	}
	return acquired, nil
}

// ReleaseLock drops the lock for key.
func (p *Postgres) ReleaseLock(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM window_locks WHERE key = $1`, key); err != nil {
		return fmt.Errorf("store: release lock: %w", err)
	}
	return nil
}

// GetStage returns the cached artifact for (windowKey, stage).
func (p *Postgres) GetStage(ctx context.Context, windowKey string, stage model.Stage) (model.StageArtifact, error) {
	var (
		payload []byte
		meta    model.ArtifactMetadata
	)
	err := p.pool.QueryRow(ctx,
		`SELECT payload, prompt_id, prompt_version, model_id, stored_at
		 FROM stage_artifacts WHERE window_key = $1 AND stage = $2`,
		windowKey, string(stage),
	).Scan(&payload, &meta.PromptID, &meta.PromptVersion, &meta.ModelID, &meta.StoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StageArtifact{}, ErrNotFound
	}
	if err != nil {
		return model.StageArtifact{}, fmt.Errorf("store: get stage %s: %w", stage, err)
	}
	return model.StageArtifact{Stage: stage, Payload: payload, Metadata: meta}, nil
}

// SetStage stores an artifact. First write wins (ON CONFLICT DO NOTHING).
func (p *Postgres) SetStage(ctx context.Context, windowKey string, artifact model.StageArtifact) error {
	err := WithRetry(ctx, 2, 50*time.Millisecond, func() error {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO stage_artifacts
			 (window_key, stage, payload, prompt_id, prompt_version, model_id, stored_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT DO NOTHING`,
			windowKey, string(artifact.Stage), []byte(artifact.Payload),
			artifact.Metadata.PromptID, artifact.Metadata.PromptVersion, artifact.Metadata.ModelID,
			artifact.Metadata.StoredAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: set stage %s: %w", artifact.Stage, err)
	}
	return nil
}

// AppendDeadLetter durably appends a dead-letter record.
func (p *Postgres) AppendDeadLetter(ctx context.Context, rec model.DeadLetterRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal dead letter payload: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO dead_letters
		 (id, tenant_id, entity_type, event_type, payload, error_code, error_message,
		  stack_trace, retry_count, max_attempts, first_seen_at, next_retry_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.TenantID, rec.EntityType, rec.EventType, payload,
		rec.ErrorCode, rec.ErrorMessage, rec.StackTrace, rec.RetryCount, rec.MaxAttempts,
		rec.FirstSeenAt, rec.NextRetryAt, string(rec.Status),
	)
	if err != nil {
		return fmt.Errorf("store: append dead letter: %w", err)
	}
	return nil
}

// LatestBaseline returns the snapshot for (tenant, group).
func (p *Postgres) LatestBaseline(ctx context.Context, tenant, group string) (model.BaselineSnapshot, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT snapshot FROM baselines WHERE tenant_id = $1 AND group_id = $2`,
		tenant, group,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.BaselineSnapshot{}, ErrNotFound
	}
	if err != nil {
		return model.BaselineSnapshot{}, fmt.Errorf("store: latest baseline: %w", err)
	}
	var snap model.BaselineSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return model.BaselineSnapshot{}, fmt.Errorf("store: decode baseline: %w", err)
	}
	return snap, nil
}

// SaveBaseline upserts the latest snapshot for (tenant, group).
func (p *Postgres) SaveBaseline(ctx context.Context, tenant, group string, snap model.BaselineSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal baseline: %w", err)
	}
	err = WithRetry(ctx, 2, 50*time.Millisecond, func() error {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO baselines (tenant_id, group_id, snapshot, saved_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (tenant_id, group_id) DO UPDATE SET
			   snapshot = excluded.snapshot, saved_at = excluded.saved_at`,
			tenant, group, raw,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: save baseline: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}
