package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/youyaku/internal/backend"
	"github.com/ashita-ai/youyaku/internal/config"
	"github.com/ashita-ai/youyaku/internal/deadletter"
	"github.com/ashita-ai/youyaku/internal/model"
	"github.com/ashita-ai/youyaku/internal/quality"
	"github.com/ashita-ai/youyaku/internal/router"
	"github.com/ashita-ai/youyaku/internal/schema"
	"github.com/ashita-ai/youyaku/internal/scope"
	"github.com/ashita-ai/youyaku/internal/store"
	"github.com/ashita-ai/youyaku/internal/threads"
)

// goodSummary covers well over the coverage minimum of the fixture
// window's top terms.
const goodSummary = "The group finalized release planning and the deploy freeze for friday."

var fixtureTexts = []string{
	"release planning for the next sprint",
	"release scope looks ready",
	"deploy freeze starts friday",
	"planning doc updated with the release items",
	"deploy checklist needs review",
	"testing starts after the freeze",
	"release notes drafted",
	"schedule the demo for friday",
	"planning review at noon",
	"deploy window confirmed",
	"release branch cut tomorrow",
	"testing owners assigned",
}

func window(id string, n int, scopes []string) model.WindowRequest {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	senders := []string{"alice", "bob", "carol"}
	msgs := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, model.Message{
			ID:       fmt.Sprintf("m%02d", i+1),
			SenderID: senders[i%len(senders)],
			Text:     fixtureTexts[i%len(fixtureTexts)],
			SentAt:   base.Add(time.Duration(i) * time.Minute),
		})
	}
	return model.WindowRequest{TenantID: "t1", GroupID: "g1", WindowID: id, Messages: msgs, Scopes: scopes}
}

func judgeJSON(score float64) string {
	return fmt.Sprintf(
		`{"metrics":{"faithfulness":%.2f,"coherence":%.2f,"coverage":%.2f,"focus":%.2f},"quality_score":%.2f,"notes":[]}`,
		score, score, score, score, score)
}

// respondWith scripts the backend by prompt template. Unmatched prompts
// fail so a test cannot silently exercise an unexpected stage.
func respondWith(judge func() (string, error)) func(backend.Request) (string, error) {
	return func(req backend.Request) (string, error) {
		p := req.Prompt
		switch {
		case strings.Contains(p, "did not match the required JSON schema"):
			return `{"summary":"` + goodSummary + `"}`, nil
		case strings.Contains(p, "strict quality judge"):
			return judge()
		case strings.Contains(p, "Answer this checklist"):
			return `{"ok":true,"issues":[]}`, nil
		case strings.Contains(p, "rewriting a group conversation digest"):
			return `{"summary":"` + goodSummary + `"}`, nil
		case strings.Contains(p, "Rewrite the digest below fixing"):
			return `{"summary":"` + goodSummary + `"}`, nil
		case strings.Contains(p, "digest of a group conversation window"):
			return `{"summary":"` + goodSummary + `"}`, nil
		}
		return "", errors.New("unscripted prompt")
	}
}

func fixedJudge(score float64) func() (string, error) {
	return func() (string, error) { return judgeJSON(score), nil }
}

// seqJudge returns scores in order, repeating the last one.
func seqJudge(scores ...float64) func() (string, error) {
	var calls int
	return func() (string, error) {
		idx := calls
		if idx >= len(scores) {
			idx = len(scores) - 1
		}
		calls++
		return judgeJSON(scores[idx]), nil
	}
}

func testEngineConfig() config.Config {
	return config.Config{
		LockTTL:                 time.Minute,
		MinMessages:             8,
		MicroMaxMessages:        20,
		LargeMinMessages:        200,
		ThreadTimeGap:           5 * time.Minute,
		ThreadSimilarityMin:     0.25,
		ThreadMaxLen:            60,
		PremiumModel:            "premium-model",
		StandardModel:           "standard-model",
		InvokeTimeout:           time.Second,
		MaxTokens:               512,
		Temperature:             0.3,
		RetryAttempts:           1,
		RetryBaseDelay:          time.Millisecond,
		CircuitFailureThreshold: 100,
		CircuitRecoveryTimeout:  time.Minute,
		FallbackEnabled:         true,
		BudgetWindow:            time.Hour,
		PremiumCallLimit:        1000,
		PremiumTokenLimit:       10_000_000,
		RepairAttempts:          1,
		QualityPassThreshold:    0.7,
		QualityCoverageMin:      0.3,
		QualityCorrectBelow:     0.6,
		QualityMinTopics:        2,
		QualityTopTerms:         10,
		SelfVerifyMaxTokens:     256,
		DLQBackoffBase:          5 * time.Minute,
		DLQMaxAttempts:          5,
		RequiredScope:           "digest:deliver",
	}
}

func newTestEngine(t *testing.T, st store.Store, inv backend.Invoker) *Engine {
	t.Helper()
	e, _ := newTestEngineWithVerifier(t, st, inv)
	return e
}

func newTestEngineWithVerifier(t *testing.T, st store.Store, inv backend.Invoker) (*Engine, *scope.Verifier) {
	t.Helper()
	cfg := testEngineConfig()
	logger := slog.Default()

	validator, err := schema.New(cfg.RepairAttempts, logger)
	require.NoError(t, err)
	verifier, err := scope.NewVerifier("", "")
	require.NoError(t, err)

	rt := router.New(inv,
		router.NewLedger(cfg.BudgetWindow, cfg.PremiumCallLimit, cfg.PremiumTokenLimit),
		router.NewBreakers(cfg.CircuitFailureThreshold, cfg.CircuitRecoveryTimeout),
		router.Config{
			RetryAttempts:   cfg.RetryAttempts,
			RetryBaseDelay:  cfg.RetryBaseDelay,
			InvokeTimeout:   cfg.InvokeTimeout,
			FallbackEnabled: cfg.FallbackEnabled,
			PremiumModel:    cfg.PremiumModel,
			StandardModel:   cfg.StandardModel,
			MaxTokens:       cfg.MaxTokens,
			Temperature:     cfg.Temperature,
			PremiumStages:   map[string]bool{"compose": true, "evaluate": true},
		}, logger, nil)

	gate := quality.New(quality.Config{
		PassThreshold: cfg.QualityPassThreshold,
		CoverageMin:   cfg.QualityCoverageMin,
		CorrectBelow:  cfg.QualityCorrectBelow,
		MinTopics:     cfg.QualityMinTopics,
		TopTerms:      cfg.QualityTopTerms,
	}, logger)

	return New(st, rt, validator, gate,
		deadletter.New(st, cfg.DLQBackoffBase, cfg.DLQMaxAttempts, logger),
		threads.New(cfg.ThreadTimeGap, cfg.ThreadSimilarityMin, cfg.ThreadMaxLen),
		verifier, cfg, logger, nil), verifier
}

func promptCalls(s *backend.Scripted, substr string) int {
	n := 0
	for _, c := range s.Calls() {
		if strings.Contains(c.Prompt, substr) {
			n++
		}
	}
	return n
}

func TestRunEmptyWindowSkips(t *testing.T) {
	scripted := backend.NewScripted("")
	e := newTestEngine(t, store.NewMemory(), scripted)

	req := model.WindowRequest{TenantID: "t1", GroupID: "g1", WindowID: "w-empty",
		Messages: []model.Message{{ID: "m1", SenderID: "alice", Text: "   "}}}
	res, err := e.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.DeliverySkipped, res.Delivery.Status)
	assert.Equal(t, model.SkipEmptyWindow, res.Delivery.Reason)
	assert.Empty(t, res.DLQEvents)
	assert.Equal(t, 0, scripted.CallCount())
}

func TestRunTooFewMessagesSkips(t *testing.T) {
	scripted := backend.NewScripted("")
	e := newTestEngine(t, store.NewMemory(), scripted)

	res, err := e.Run(context.Background(), window("w-few", 3, nil))
	require.NoError(t, err)

	assert.Equal(t, model.DeliverySkipped, res.Delivery.Status)
	assert.Equal(t, model.SkipTooFewMessages, res.Delivery.Reason)
	assert.Equal(t, 0, scripted.CallCount())
}

func TestRunHappyPathMicro(t *testing.T) {
	scripted := backend.NewScripted("")
	scripted.Respond = respondWith(fixedJudge(0.9))
	e := newTestEngine(t, store.NewMemory(), scripted)

	res, err := e.Run(context.Background(), window("w1", 12, []string{"digest:deliver"}))
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryPending, res.Delivery.Status)
	assert.True(t, res.QualityPass)
	assert.InDelta(t, 0.9, res.QualityScore, 1e-9)
	assert.Equal(t, goodSummary, res.Summary)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.DLQEvents)
	assert.Equal(t, model.SchemaVersion, res.SchemaVersion)
	assert.Equal(t, []string{"alice", "bob", "carol"}, res.Participants)
	assert.Len(t, res.Topics, 1, "micro mode derives a single keyword topic")

	// Micro mode reaches the backend only for composition, judging, and
	// the verification checklist.
	assert.Equal(t, 3, scripted.CallCount())
	assert.Equal(t, 0, promptCalls(scripted, "Split the following threaded"))
}

func TestRunWarmCacheReplaysArtifacts(t *testing.T) {
	st := store.NewMemory()
	req := window("w1", 12, []string{"digest:deliver"})

	first := backend.NewScripted("")
	first.Respond = respondWith(fixedJudge(0.9))
	res1, err := newTestEngine(t, st, first).Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.DeliveryPending, res1.Delivery.Status)

	// A retry against the same store replays every artifact without a
	// single backend call and lands on the same decision.
	second := backend.NewScripted("")
	second.Respond = respondWith(fixedJudge(0.2)) // must never be consulted
	res2, err := newTestEngine(t, st, second).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 0, second.CallCount())
	assert.Equal(t, res1.Delivery.Status, res2.Delivery.Status)
	assert.Equal(t, res1.Summary, res2.Summary)
	assert.Equal(t, res1.QualityScore, res2.QualityScore)
}

func TestRunLockContention(t *testing.T) {
	st := store.NewMemory()
	scripted := backend.NewScripted("")
	e := newTestEngine(t, st, scripted)
	req := window("w1", 12, nil)

	ok, err := st.AcquireLock(context.Background(), req.LockKey(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrRunActive)
	assert.Equal(t, 0, scripted.CallCount())
}

func TestRunSingleCorrectiveResynthesis(t *testing.T) {
	st := store.NewMemory()
	scripted := backend.NewScripted("")
	scripted.Respond = respondWith(seqJudge(0.65, 0.9))
	e := newTestEngine(t, st, scripted)
	req := window("w1", 12, []string{"digest:deliver"})

	res, err := e.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryPending, res.Delivery.Status)
	assert.True(t, res.QualityPass)
	assert.Equal(t, 1, promptCalls(scripted, "rewriting a group conversation digest"))
	assert.Empty(t, res.DLQEvents)

	// The consumed corrective budget is persisted in the evaluate artifact.
	art, err := st.GetStage(context.Background(), req.LockKey(), model.StageEvaluate)
	require.NoError(t, err)
	var p evaluatePayload
	require.NoError(t, json.Unmarshal(art.Payload, &p))
	assert.True(t, p.RetryUsed)
}

func TestRunBlockedQualityAfterCorrectiveBudget(t *testing.T) {
	st := store.NewMemory()
	scripted := backend.NewScripted("")
	scripted.Respond = respondWith(fixedJudge(0.4))
	e := newTestEngine(t, st, scripted)

	res, err := e.Run(context.Background(), window("w1", 12, []string{"digest:deliver"}))
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryBlockedQuality, res.Delivery.Status)
	assert.False(t, res.QualityPass)
	assert.Contains(t, res.DLQEvents, "evaluate:quality_below_threshold")

	dlq := st.DeadLetters()
	require.Len(t, dlq, 1)
	assert.Equal(t, "quality_below_threshold", dlq[0].ErrorCode)
	assert.Equal(t, "digest_window", dlq[0].EntityType)

	// One corrective rewrite was attempted, then the budget was spent.
	assert.Equal(t, 1, promptCalls(scripted, "Rewrite the digest below fixing"))
	assert.Equal(t, 0, promptCalls(scripted, "rewriting a group conversation digest"))
}

func TestRunEvaluationFailure(t *testing.T) {
	st := store.NewMemory()
	scripted := backend.NewScripted("")
	scripted.Respond = respondWith(func() (string, error) {
		return "", errors.New("judge backend down")
	})
	e := newTestEngine(t, st, scripted)

	res, err := e.Run(context.Background(), window("w1", 12, []string{"digest:deliver"}))
	require.NoError(t, err)

	// The run completes with neutral metrics rather than raising.
	assert.Equal(t, model.DeliveryBlockedQuality, res.Delivery.Status)
	assert.False(t, res.QualityPass)
	assert.Equal(t, model.EvaluationMetrics{}, res.Metrics)
	assert.Contains(t, res.DLQEvents, "evaluate:evaluation_failed")
	assert.NotContains(t, res.DLQEvents, "evaluate:quality_below_threshold")

	var codes []string
	for _, se := range res.Errors {
		codes = append(codes, se.Code)
	}
	assert.Contains(t, codes, "evaluation_failed")
}

func TestRunBlockedRBAC(t *testing.T) {
	scripted := backend.NewScripted("")
	scripted.Respond = respondWith(fixedJudge(0.9))
	e := newTestEngine(t, store.NewMemory(), scripted)

	res, err := e.Run(context.Background(), window("w1", 12, nil))
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryBlockedRBAC, res.Delivery.Status)
	assert.True(t, res.QualityPass, "quality verdict is independent of the scope check")
	assert.Empty(t, res.DLQEvents)
}

func TestRunScopeTokenOverridesScopeList(t *testing.T) {
	scripted := backend.NewScripted("")
	scripted.Respond = respondWith(fixedJudge(0.9))
	e, verifier := newTestEngineWithVerifier(t, store.NewMemory(), scripted)

	token, _, err := verifier.Issue("t1", []string{"digest:deliver"}, time.Minute)
	require.NoError(t, err)

	// The plain scope list is empty; the signed token carries the grant.
	req := window("w1", 12, nil)
	req.ScopeToken = token
	res, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, res.Delivery.Status)
}

func TestRunDegradedStagesFallBackToHeuristics(t *testing.T) {
	scripted := backend.NewScripted("")
	// Only composition, judging, verification, and rewrites are scripted;
	// segment, emotion, roles, and topics prompts all fail permanently.
	scripted.Respond = respondWith(fixedJudge(0.9))
	e := newTestEngine(t, store.NewMemory(), scripted)

	res, err := e.Run(context.Background(), window("w1", 25, []string{"digest:deliver"}))
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryPending, res.Delivery.Status, "degraded stages never abort the run")
	assert.True(t, res.QualityPass)
	assert.NotEmpty(t, res.Topics)

	stages := make(map[model.Stage]string)
	for _, se := range res.Errors {
		stages[se.Stage] = se.Code
	}
	assert.Equal(t, "backend_exhausted", stages[model.StageSegment])
	assert.Equal(t, "backend_exhausted", stages[model.StageEmotionProfile])
	assert.Equal(t, "backend_exhausted", stages[model.StageClassifyRoles])
	assert.Equal(t, "backend_exhausted", stages[model.StageSynthesizeTopics])
}

func TestRunSchemaRepairRecoversComposeOutput(t *testing.T) {
	scripted := backend.NewScripted("")
	composeCalls := 0
	base := respondWith(fixedJudge(0.9))
	scripted.Respond = func(req backend.Request) (string, error) {
		if strings.Contains(req.Prompt, "digest of a group conversation window") {
			composeCalls++
			return `{"digest":"missing the summary field"}`, nil
		}
		return base(req)
	}
	e := newTestEngine(t, store.NewMemory(), scripted)

	res, err := e.Run(context.Background(), window("w1", 12, []string{"digest:deliver"}))
	require.NoError(t, err)

	assert.Equal(t, 1, composeCalls)
	assert.Equal(t, 1, promptCalls(scripted, "did not match the required JSON schema"))
	assert.Equal(t, goodSummary, res.Summary)
	assert.Equal(t, model.DeliveryPending, res.Delivery.Status)
	assert.Empty(t, res.Errors)
}

func TestRunValidationExhaustionDegradesCompose(t *testing.T) {
	scripted := backend.NewScripted("")
	base := respondWith(fixedJudge(0.9))
	scripted.Respond = func(req backend.Request) (string, error) {
		switch {
		case strings.Contains(req.Prompt, "did not match the required JSON schema"):
			return `{"still":"wrong"}`, nil
		case strings.Contains(req.Prompt, "digest of a group conversation window"):
			return `{"wrong":"shape"}`, nil
		}
		return base(req)
	}
	e := newTestEngine(t, store.NewMemory(), scripted)

	res, err := e.Run(context.Background(), window("w1", 12, []string{"digest:deliver"}))
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryPending, res.Delivery.Status)
	assert.NotEmpty(t, res.Summary)

	found := false
	for _, se := range res.Errors {
		if se.Stage == model.StageCompose && se.Code == "validation_exhausted" {
			found = true
		}
	}
	assert.True(t, found, "compose must record its fallback to the template summary")
}

func TestRunPanicResolvesToSkippedResult(t *testing.T) {
	st := store.NewMemory()
	scripted := backend.NewScripted("")
	scripted.Respond = func(req backend.Request) (string, error) {
		if strings.Contains(req.Prompt, "Split the following threaded") {
			panic("segmenter bug")
		}
		return "", errors.New("unscripted prompt")
	}
	e := newTestEngine(t, st, scripted)

	res, err := e.Run(context.Background(), window("w1", 25, []string{"digest:deliver"}))
	require.NoError(t, err, "a panicking run still returns a well-formed result")

	assert.Equal(t, model.DeliverySkipped, res.Delivery.Status)
	assert.Equal(t, model.SkipStageFailure, res.Delivery.Reason)
	assert.Contains(t, res.DLQEvents, "deliver:workflow_error")

	dlq := st.DeadLetters()
	require.Len(t, dlq, 1)
	assert.Equal(t, "workflow_error", dlq[0].ErrorCode)
	assert.NotEmpty(t, dlq[0].ErrorMessage)
}

func TestRunBaselineContinuity(t *testing.T) {
	st := store.NewMemory()
	req1 := window("w1", 12, []string{"digest:deliver"})

	s1 := backend.NewScripted("")
	s1.Respond = respondWith(fixedJudge(0.9))
	res1, err := newTestEngine(t, st, s1).Run(context.Background(), req1)
	require.NoError(t, err)
	require.Equal(t, model.DeliveryPending, res1.Delivery.Status)

	snap, err := st.LatestBaseline(context.Background(), "t1", "g1")
	require.NoError(t, err)
	assert.Equal(t, "w1", snap.WindowID)
	assert.Equal(t, goodSummary, snap.Summary)

	// The next window's compose prompt carries the continuity delta.
	req2 := window("w2", 12, []string{"digest:deliver"})
	s2 := backend.NewScripted("")
	s2.Respond = respondWith(fixedJudge(0.9))
	res2, err := newTestEngine(t, st, s2).Run(context.Background(), req2)
	require.NoError(t, err)
	require.Equal(t, model.DeliveryPending, res2.Delivery.Status)

	assert.Equal(t, 1, promptCalls(s2, "Continuity with the previous window"))

	snap, err = st.LatestBaseline(context.Background(), "t1", "g1")
	require.NoError(t, err)
	assert.Equal(t, "w2", snap.WindowID, "a delivered digest advances the baseline")
}

func TestRunBaselineNotAdvancedWhenBlocked(t *testing.T) {
	st := store.NewMemory()
	scripted := backend.NewScripted("")
	scripted.Respond = respondWith(fixedJudge(0.4))
	e := newTestEngine(t, st, scripted)

	res, err := e.Run(context.Background(), window("w1", 12, []string{"digest:deliver"}))
	require.NoError(t, err)
	require.Equal(t, model.DeliveryBlockedQuality, res.Delivery.Status)

	_, err = st.LatestBaseline(context.Background(), "t1", "g1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunConcurrentSameWindow(t *testing.T) {
	st := store.NewMemory()
	scripted := backend.NewScripted("")
	scripted.Respond = respondWith(fixedJudge(0.9))
	req := window("w1", 12, []string{"digest:deliver"})

	const workers = 4
	engines := make([]*Engine, workers)
	for i := range engines {
		engines[i] = newTestEngine(t, st, scripted)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var completed, rejected int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			_, err := e.Run(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				completed++
			case errors.Is(err, ErrRunActive):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(engines[i])
	}
	wg.Wait()

	assert.GreaterOrEqual(t, completed, 1)
	assert.Equal(t, workers, completed+rejected)
}
