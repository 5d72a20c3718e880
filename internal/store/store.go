// Package store provides the lock/cache facade used by the pipeline:
// advisory window locks, per-stage artifact memoization, dead-letter
// records, and baseline snapshots.
//
// Three implementations exist: Memory (tests and embedding), SQLite
// (single-node default), and Postgres (shared deployments). The lock is
// advisory mutual exclusion, not a consensus protocol; a store outage
// fails runs closed.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashita-ai/youyaku/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the single facade the pipeline depends on. All methods take a
// context and respect its deadline; every call is a suspension point with
// a caller-supplied timeout.
type Store interface {
	// AcquireLock attempts to take the exclusive run lock for key.
	// Returns false without error when another holder is active.
	// Expired holders (older than ttl) are taken over.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// ReleaseLock releases the run lock. Releasing an unheld lock is a no-op.
	ReleaseLock(ctx context.Context, key string) error

	// GetStage returns the cached artifact for (windowKey, stage), or
	// ErrNotFound. Artifacts are written once and never mutated.
	GetStage(ctx context.Context, windowKey string, stage model.Stage) (model.StageArtifact, error)
	// SetStage stores a stage artifact. Writing over an existing artifact
	// for the same (windowKey, stage) is rejected silently: the first
	// write wins, which keeps crash-retry runs idempotent.
	SetStage(ctx context.Context, windowKey string, artifact model.StageArtifact) error

	// AppendDeadLetter durably appends a dead-letter record.
	AppendDeadLetter(ctx context.Context, rec model.DeadLetterRecord) error

	// LatestBaseline returns the most recent baseline snapshot for
	// (tenant, group), or ErrNotFound when no prior window exists.
	LatestBaseline(ctx context.Context, tenant, group string) (model.BaselineSnapshot, error)
	// SaveBaseline stores the snapshot produced by a delivered window.
	SaveBaseline(ctx context.Context, tenant, group string, snap model.BaselineSnapshot) error

	// Close releases underlying resources.
	Close(ctx context.Context) error
}
