package store

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/youyaku/internal/model"
)

// Memory is an in-process Store. It backs unit tests and embedded use
// where durability across restarts is not required.
type Memory struct {
	mu        sync.Mutex
	locks     map[string]time.Time // key -> expiry
	artifacts map[string]model.StageArtifact
	dlq       []model.DeadLetterRecord
	baselines map[string]model.BaselineSnapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		locks:     make(map[string]time.Time),
		artifacts: make(map[string]model.StageArtifact),
		baselines: make(map[string]model.BaselineSnapshot),
	}
}

func artifactKey(windowKey string, stage model.Stage) string {
	return windowKey + "#" + string(stage)
}

// AcquireLock takes the advisory run lock for key unless a live holder exists.
func (m *Memory) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if expiry, held := m.locks[key]; held && expiry.After(now) {
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	return true, nil
}

// ReleaseLock drops the lock for key.
func (m *Memory) ReleaseLock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

// GetStage returns the cached artifact for (windowKey, stage).
func (m *Memory) GetStage(_ context.Context, windowKey string, stage model.Stage) (model.StageArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[artifactKey(windowKey, stage)]
	if !ok {
		return model.StageArtifact{}, ErrNotFound
	}
	return a, nil
}

// SetStage stores an artifact. First write wins.
func (m *Memory) SetStage(_ context.Context, windowKey string, artifact model.StageArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := artifactKey(windowKey, artifact.Stage)
	if _, exists := m.artifacts[k]; exists {
		return nil
	}
	m.artifacts[k] = artifact
	return nil
}

// AppendDeadLetter appends rec to the in-memory dead-letter list.
func (m *Memory) AppendDeadLetter(_ context.Context, rec model.DeadLetterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq = append(m.dlq, rec)
	return nil
}

// DeadLetters returns a copy of all recorded dead letters. Test helper.
func (m *Memory) DeadLetters() []model.DeadLetterRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeadLetterRecord, len(m.dlq))
	copy(out, m.dlq)
	return out
}

// ArtifactCount returns the number of stored artifacts. Test helper.
func (m *Memory) ArtifactCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.artifacts)
}

// LatestBaseline returns the snapshot for (tenant, group).
func (m *Memory) LatestBaseline(_ context.Context, tenant, group string) (model.BaselineSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.baselines[tenant+"/"+group]
	if !ok {
		return model.BaselineSnapshot{}, ErrNotFound
	}
	return snap, nil
}

// SaveBaseline stores snap as the latest snapshot for (tenant, group).
func (m *Memory) SaveBaseline(_ context.Context, tenant, group string, snap model.BaselineSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[tenant+"/"+group] = snap
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close(context.Context) error { return nil }
