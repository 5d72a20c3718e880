package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/youyaku/internal/model"
)

func testLogger() *slog.Logger { return slog.Default() }

// conformance runs the Store contract against any implementation.
func conformance(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("lock exclusivity", func(t *testing.T) {
		ok, err := st.AcquireLock(ctx, "t/g/lock1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.AcquireLock(ctx, "t/g/lock1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "a live lock must not be re-acquired")

		// A different key is independent.
		ok, err = st.AcquireLock(ctx, "t/g/lock2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, st.ReleaseLock(ctx, "t/g/lock1"))
		ok, err = st.AcquireLock(ctx, "t/g/lock1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("expired lock takeover", func(t *testing.T) {
		ok, err := st.AcquireLock(ctx, "t/g/stale", -time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = st.AcquireLock(ctx, "t/g/stale", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "an expired holder must be taken over")
	})

	t.Run("release unheld lock is a no-op", func(t *testing.T) {
		assert.NoError(t, st.ReleaseLock(ctx, "t/g/never-held"))
	})

	t.Run("stage artifacts first write wins", func(t *testing.T) {
		_, err := st.GetStage(ctx, "t/g/w1", model.StageCompose)
		assert.ErrorIs(t, err, ErrNotFound)

		first := model.StageArtifact{
			Stage:   model.StageCompose,
			Payload: json.RawMessage(`{"summary":"first"}`),
			Metadata: model.ArtifactMetadata{
				PromptID:      "compose",
				PromptVersion: "2026-07",
				ModelID:       "premium-model",
				StoredAt:      time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
			},
		}
		require.NoError(t, st.SetStage(ctx, "t/g/w1", first))

		second := first
		second.Payload = json.RawMessage(`{"summary":"second"}`)
		require.NoError(t, st.SetStage(ctx, "t/g/w1", second))

		got, err := st.GetStage(ctx, "t/g/w1", model.StageCompose)
		require.NoError(t, err)
		assert.JSONEq(t, `{"summary":"first"}`, string(got.Payload))
		assert.Equal(t, "compose", got.Metadata.PromptID)
		assert.Equal(t, "premium-model", got.Metadata.ModelID)

		// Stages are keyed independently for the same window.
		_, err = st.GetStage(ctx, "t/g/w1", model.StageEvaluate)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("dead letters append", func(t *testing.T) {
		rec := model.DeadLetterRecord{
			ID:           uuid.New(),
			TenantID:     "t",
			EntityType:   "digest_window",
			EventType:    "evaluate",
			Payload:      map[string]any{"window_id": "w1"},
			ErrorCode:    "quality_below_threshold",
			ErrorMessage: "score 0.40 below threshold",
			RetryCount:   0,
			MaxAttempts:  5,
			FirstSeenAt:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
			NextRetryAt:  time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC),
			Status:       model.DeadLetterPending,
		}
		assert.NoError(t, st.AppendDeadLetter(ctx, rec))
	})

	t.Run("baselines", func(t *testing.T) {
		_, err := st.LatestBaseline(ctx, "t", "g-new")
		assert.ErrorIs(t, err, ErrNotFound)

		snap := model.BaselineSnapshot{
			WindowID: "w1",
			Topics:   []model.Topic{{Label: "release planning", Summary: "sprint scope"}},
			Metrics:  model.EvaluationMetrics{Faithfulness: 0.9, Coherence: 0.9, Coverage: 0.8, Focus: 0.9},
			Summary:  "The group planned the release.",
		}
		require.NoError(t, st.SaveBaseline(ctx, "t", "g1", snap))

		got, err := st.LatestBaseline(ctx, "t", "g1")
		require.NoError(t, err)
		assert.Equal(t, snap, got)

		// Saving again replaces the snapshot.
		snap.WindowID = "w2"
		snap.Summary = "The group cut the release branch."
		require.NoError(t, st.SaveBaseline(ctx, "t", "g1", snap))

		got, err = st.LatestBaseline(ctx, "t", "g1")
		require.NoError(t, err)
		assert.Equal(t, "w2", got.WindowID)

		// Groups are isolated.
		_, err = st.LatestBaseline(ctx, "t", "g2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	st := NewMemory()
	conformance(t, st)
	assert.Len(t, st.DeadLetters(), 1)
	assert.NoError(t, st.Close(context.Background()))
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "youyaku-test.db")
	st, err := NewSQLite(context.Background(), path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	conformance(t, st)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "youyaku-test.db")

	st, err := NewSQLite(ctx, path, testLogger())
	require.NoError(t, err)
	art := model.StageArtifact{
		Stage:    model.StageIngestValidate,
		Payload:  json.RawMessage(`{"message_count":12}`),
		Metadata: model.ArtifactMetadata{PromptID: "deterministic", StoredAt: time.Now().UTC()},
	}
	require.NoError(t, st.SetStage(ctx, "t/g/w1", art))
	require.NoError(t, st.Close(ctx))

	st, err = NewSQLite(ctx, path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(ctx) })

	got, err := st.GetStage(ctx, "t/g/w1", model.StageIngestValidate)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_count":12}`, string(got.Payload))
}
