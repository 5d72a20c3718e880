package quality

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/youyaku/internal/model"
)

// fakeInvoker scripts the gate's generation surface.
type fakeInvoker struct {
	judgeScores  []float64 // consumed in order; last value repeats
	judgeErr     error
	judgeCalls   int
	verifyOK     bool
	verifyIssues []string
	corrected    string
	correctCalls int
	resynth      string
	resynthCalls int
}

func (f *fakeInvoker) Judge(context.Context, string) (model.QualityVerdict, error) {
	if f.judgeErr != nil {
		return model.QualityVerdict{}, f.judgeErr
	}
	idx := f.judgeCalls
	if idx >= len(f.judgeScores) {
		idx = len(f.judgeScores) - 1
	}
	f.judgeCalls++
	s := f.judgeScores[idx]
	return model.QualityVerdict{
		Metrics:      model.EvaluationMetrics{Faithfulness: s, Coherence: s, Coverage: s, Focus: s},
		QualityScore: s,
	}, nil
}

func (f *fakeInvoker) Verify(context.Context, string) (bool, []string, error) {
	return f.verifyOK, f.verifyIssues, nil
}

func (f *fakeInvoker) Correct(context.Context, string, []string) (string, error) {
	f.correctCalls++
	return f.corrected, nil
}

func (f *fakeInvoker) Resynthesize(context.Context, []string) (string, error) {
	f.resynthCalls++
	return f.resynth, nil
}

func testState(topics int, composed string) *model.ExecutionState {
	state := model.NewExecutionState(model.WindowRequest{TenantID: "t", GroupID: "g", WindowID: "w"})
	state.Mode = model.ModeNormal
	state.Composed = composed
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	state.Sanitized = []model.Message{
		{ID: "m1", SenderID: "alice", Text: "release planning discussion", SentAt: base},
		{ID: "m2", SenderID: "bob", Text: "release planning continues", SentAt: base.Add(time.Minute)},
	}
	for i := 0; i < topics; i++ {
		state.Topics = append(state.Topics, model.Topic{Label: "release planning", Summary: "planning"})
	}
	return state
}

func testGateConfig() Config {
	return Config{
		PassThreshold: 0.7,
		CoverageMin:   0.3,
		CorrectBelow:  0.6,
		MinTopics:     2,
		TopTerms:      10,
	}
}

func TestGatePassesCleanDigest(t *testing.T) {
	g := New(testGateConfig(), slog.Default())
	inv := &fakeInvoker{judgeScores: []float64{0.9}, verifyOK: true}
	state := testState(2, "The group continued release planning discussion.")

	out := g.Run(context.Background(), state, inv, false)

	assert.True(t, out.Pass)
	assert.False(t, out.RetryUsed)
	assert.Equal(t, 0, inv.correctCalls)
	assert.Equal(t, 0, inv.resynthCalls)
}

func TestGatePreCheckLowTopicCountTriggersResynthesis(t *testing.T) {
	g := New(testGateConfig(), slog.Default())
	inv := &fakeInvoker{
		judgeScores: []float64{0.9},
		verifyOK:    true,
		resynth:     "Rewritten release planning discussion digest.",
	}
	state := testState(1, "The group continued release planning discussion.")

	out := g.Run(context.Background(), state, inv, false)

	assert.Equal(t, 1, inv.resynthCalls, "pre-check failure routes straight to corrective resynthesis")
	assert.True(t, out.RetryUsed)
	assert.Equal(t, inv.resynth, out.Composed)
	assert.True(t, out.Pass, "the resynthesized digest is judge-scored")
}

func TestGatePreCheckSkippedInMicroMode(t *testing.T) {
	g := New(testGateConfig(), slog.Default())
	inv := &fakeInvoker{judgeScores: []float64{0.9}, verifyOK: true}
	state := testState(1, "The group continued release planning discussion.")
	state.Mode = model.ModeMicro

	out := g.Run(context.Background(), state, inv, false)

	assert.Equal(t, 0, inv.resynthCalls, "micro windows are exempt from the topic minimum")
	assert.True(t, out.Pass)
}

func TestGatePreCheckLowCoverageTriggersResynthesis(t *testing.T) {
	g := New(testGateConfig(), slog.Default())
	inv := &fakeInvoker{
		judgeScores: []float64{0.9},
		verifyOK:    true,
		resynth:     "Rewritten release planning discussion digest.",
	}
	// The composed text shares no terms with the source messages.
	state := testState(2, "Completely unrelated text about gardening.")

	out := g.Run(context.Background(), state, inv, false)

	assert.Equal(t, 1, inv.resynthCalls)
	assert.True(t, out.RetryUsed)
}

func TestGateSelfCorrectKeptOnlyOnStrictImprovement(t *testing.T) {
	g := New(testGateConfig(), slog.Default())

	// Rescored higher: the corrected digest is kept.
	inv := &fakeInvoker{
		judgeScores: []float64{0.5, 0.75},
		verifyOK:    true,
		corrected:   "Improved release planning discussion digest.",
	}
	state := testState(2, "The group continued release planning discussion.")
	out := g.Run(context.Background(), state, inv, false)

	assert.Equal(t, 1, inv.correctCalls)
	assert.True(t, out.RetryUsed)
	assert.Equal(t, inv.corrected, out.Composed)
	assert.InDelta(t, 0.75, out.Verdict.QualityScore, 1e-9)
	assert.True(t, out.Pass)

	// Rescored equal: the original verdict stands.
	inv = &fakeInvoker{
		judgeScores: []float64{0.5, 0.5},
		verifyOK:    true,
		corrected:   "No better.",
	}
	state = testState(2, "The group continued release planning discussion.")
	out = g.Run(context.Background(), state, inv, false)

	assert.Equal(t, "The group continued release planning discussion.", out.Composed)
	assert.InDelta(t, 0.5, out.Verdict.QualityScore, 1e-9)
	assert.False(t, out.Pass)
}

func TestGateSingleCorrectiveBudget(t *testing.T) {
	g := New(testGateConfig(), slog.Default())

	// Self-correction consumed the budget; self-gating must not fire a
	// second corrective pass even though the verdict still fails.
	inv := &fakeInvoker{
		judgeScores: []float64{0.5, 0.5},
		verifyOK:    true,
		corrected:   "Still bad.",
		resynth:     "Should never be used.",
	}
	state := testState(2, "The group continued release planning discussion.")
	out := g.Run(context.Background(), state, inv, false)

	assert.True(t, out.RetryUsed)
	assert.False(t, out.Pass)
	assert.Equal(t, 1, inv.correctCalls)
	assert.Equal(t, 0, inv.resynthCalls)
}

func TestGateRetryAlreadyUsedSkipsAllCorrectivePaths(t *testing.T) {
	g := New(testGateConfig(), slog.Default())
	inv := &fakeInvoker{
		judgeScores: []float64{0.4},
		verifyOK:    true,
		corrected:   "unused",
		resynth:     "unused",
	}
	state := testState(1, "Unrelated gardening text.")

	out := g.Run(context.Background(), state, inv, true)

	assert.False(t, out.Pass)
	assert.True(t, out.RetryUsed)
	assert.Equal(t, 0, inv.correctCalls)
	assert.Equal(t, 0, inv.resynthCalls)
	assert.Equal(t, 1, inv.judgeCalls)
}

func TestGateSelfGateResynthesis(t *testing.T) {
	g := New(testGateConfig(), slog.Default())

	// Score above the correction cutoff but below the pass threshold:
	// only the self-gating step fires.
	inv := &fakeInvoker{
		judgeScores: []float64{0.65, 0.8},
		verifyOK:    true,
		resynth:     "Resynthesized release planning discussion digest.",
	}
	state := testState(2, "The group continued release planning discussion.")
	out := g.Run(context.Background(), state, inv, false)

	assert.Equal(t, 0, inv.correctCalls)
	assert.Equal(t, 1, inv.resynthCalls)
	assert.True(t, out.RetryUsed)
	assert.True(t, out.Pass)
	assert.Equal(t, inv.resynth, out.Composed)
}

func TestGateJudgeFailure(t *testing.T) {
	g := New(testGateConfig(), slog.Default())
	inv := &fakeInvoker{judgeErr: errors.New("all tiers exhausted")}
	state := testState(2, "The group continued release planning discussion.")

	out := g.Run(context.Background(), state, inv, false)

	assert.True(t, out.JudgeFailed)
	assert.False(t, out.Pass)
	assert.Equal(t, model.QualityVerdict{}, out.Verdict, "neutral zero-valued verdict on judge failure")
}

func TestGateVerifyIssuesAnnotateNotes(t *testing.T) {
	g := New(testGateConfig(), slog.Default())
	inv := &fakeInvoker{
		judgeScores:  []float64{0.9},
		verifyOK:     false,
		verifyIssues: []string{"mentions a date not in the source"},
	}
	state := testState(2, "The group continued release planning discussion.")

	out := g.Run(context.Background(), state, inv, false)

	assert.True(t, out.Pass, "verification failure alone does not block delivery")
	require.Len(t, out.Verdict.Notes, 1)
	assert.Contains(t, out.Verdict.Notes[0], "self-verify")
}

func TestCoverage(t *testing.T) {
	msgs := []model.Message{
		{Text: "deploy deploy deploy pipeline"},
		{Text: "pipeline rollback plan"},
	}

	assert.InDelta(t, 1.0, Coverage(msgs, "deploy pipeline rollback plan", 10), 1e-9)
	assert.InDelta(t, 0.0, Coverage(msgs, "nothing relevant here", 10), 1e-9)
	assert.InDelta(t, 0.5, Coverage(msgs, "deploy pipeline", 4), 1e-9)
	assert.InDelta(t, 1.0, Coverage(nil, "anything", 10), 1e-9, "no source terms to cover")
}

func TestTopTerms(t *testing.T) {
	msgs := []model.Message{
		{Text: "alpha alpha alpha beta beta gamma"},
	}

	got := TopTerms(msgs, 2)
	assert.Equal(t, []string{"alpha", "beta"}, got)

	// Ties break lexicographically for determinism.
	got = TopTerms([]model.Message{{Text: "zeta yankee xray"}}, 3)
	assert.Equal(t, []string{"xray", "yankee", "zeta"}, got)
}
