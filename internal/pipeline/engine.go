// Package pipeline implements the digest execution engine: a fixed,
// totally ordered stage sequence threaded through one ExecutionState per
// window, with per-stage artifact caching for crash-retry recovery and a
// terminal delivery decision on every path.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

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

// ErrRunActive is returned when another run holds the window lock. The
// caller may retry later; no stage work has started.
var ErrRunActive = errors.New("pipeline: window run already active")

// errValidationExhausted marks a generative stage whose output never
// passed schema validation within the repair budget.
var errValidationExhausted = errors.New("pipeline: schema validation exhausted")

// Observer receives run-level measurements, fire-and-forget.
type Observer interface {
	ObserveStage(stage string, cached bool, elapsed time.Duration)
	ObserveRun(status string)
	ObserveDeadLetter(code string)
}

// Engine drives windows through the stage sequence.
type Engine struct {
	store     store.Store
	router    *router.Router
	validator *schema.Validator
	gate      *quality.Gate
	recorder  *deadletter.Recorder
	builder   *threads.Builder
	scopes    *scope.Verifier
	cfg       config.Config
	logger    *slog.Logger
	observer  Observer
}

// New assembles an Engine. observer may be nil.
func New(
	st store.Store,
	rt *router.Router,
	validator *schema.Validator,
	gate *quality.Gate,
	recorder *deadletter.Recorder,
	builder *threads.Builder,
	scopes *scope.Verifier,
	cfg config.Config,
	logger *slog.Logger,
	observer Observer,
) *Engine {
	return &Engine{
		store:     st,
		router:    rt,
		validator: validator,
		gate:      gate,
		recorder:  recorder,
		builder:   builder,
		scopes:    scopes,
		cfg:       cfg,
		logger:    logger,
		observer:  observer,
	}
}

// Run executes one window to a terminal delivery decision. The only
// error returns are lock acquisition failures (ErrRunActive, or a store
// error: the lock fails closed); past that point every failure class
// resolves into a well-formed ExecutionResult.
func (e *Engine) Run(ctx context.Context, req model.WindowRequest) (result model.ExecutionResult, err error) {
	key := req.LockKey()
	ok, lockErr := e.store.AcquireLock(ctx, key, e.cfg.LockTTL)
	if lockErr != nil {
		return model.ExecutionResult{}, fmt.Errorf("pipeline: acquire lock %s: %w", key, lockErr)
	}
	if !ok {
		return model.ExecutionResult{}, fmt.Errorf("%w: %s", ErrRunActive, key)
	}
	defer func() {
		if relErr := e.store.ReleaseLock(ctx, key); relErr != nil {
			e.logger.Error("pipeline: release lock failed", "key", key, "error", relErr)
		}
	}()

	state := model.NewExecutionState(req)
	logger := e.logger.With("tenant", req.TenantID, "group", req.GroupID, "window", req.WindowID)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("pipeline: run panicked", "panic", p)
			event := e.recorder.Record(ctx, req.TenantID, model.StageDeliver, "workflow_error",
				fmt.Sprintf("run panicked: %v", p), payloadFor(req), nil)
			state.DLQEvents = append(state.DLQEvents, event)
			e.observeDeadLetter("workflow_error")
			state.AppendError(model.StageDeliver, "workflow_error", fmt.Sprintf("%v", p))
			state.MarkSkipped(model.SkipStageFailure)
			result = e.resultFrom(state, model.Delivery{Status: model.DeliverySkipped, Reason: state.SkipReason})
			err = nil
		}
	}()

	logger.Info("pipeline: run starting", "messages", len(req.Messages))

	for _, stage := range model.StageOrder {
		if state.Skip && stage != model.StageDeliver {
			continue
		}
		start := time.Now()
		cached, stageErr := e.runStage(ctx, key, stage, state)
		e.observeStage(string(stage), cached, time.Since(start))
		if stageErr != nil {
			// Stage computes absorb their own failures into fallbacks;
			// an error here means even the fallback path was unusable.
			logger.Error("pipeline: stage failed", "stage", stage, "error", stageErr)
			event := e.recorder.Record(ctx, req.TenantID, stage, "stage_failure",
				stageErr.Error(), payloadFor(req), stageErr)
			state.DLQEvents = append(state.DLQEvents, event)
			e.observeDeadLetter("stage_failure")
			state.AppendError(stage, "stage_failure", stageErr.Error())
			state.MarkSkipped(model.SkipStageFailure)
		}
	}

	delivery := e.lastDelivery(state)
	result = e.resultFrom(state, delivery)
	e.observeRun(string(delivery.Status))
	logger.Info("pipeline: run finished",
		"status", delivery.Status, "quality_pass", state.QualityPass, "errors", len(state.Errors))
	return result, nil
}

// runStage executes one stage with read-before-write artifact caching.
// Returns whether the cached path was taken.
func (e *Engine) runStage(ctx context.Context, key string, stage model.Stage, state *model.ExecutionState) (bool, error) {
	if art, err := e.store.GetStage(ctx, key, stage); err == nil {
		state.ArtifactMetadata[stage] = art.Metadata
		return true, e.applyStage(stage, state, art.Payload)
	} else if !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("pipeline: artifact read failed, recomputing", "stage", stage, "error", err)
	}

	payload, meta, err := e.computeStage(ctx, stage, state)
	if err != nil {
		return false, err
	}
	meta.StoredAt = time.Now().UTC()

	art := model.StageArtifact{Stage: stage, Payload: payload, Metadata: meta}
	if err := e.store.SetStage(ctx, key, art); err != nil {
		// A failed artifact write costs idempotency on retry, not
		// correctness of this run.
		e.logger.Warn("pipeline: artifact write failed", "stage", stage, "error", err)
	}
	state.ArtifactMetadata[stage] = meta
	return false, e.applyStage(stage, state, payload)
}

// computeStage produces a stage's payload from the current state.
func (e *Engine) computeStage(ctx context.Context, stage model.Stage, state *model.ExecutionState) (json.RawMessage, model.ArtifactMetadata, error) {
	switch stage {
	case model.StageIngestValidate:
		return e.computeIngest(state)
	case model.StageThreadBuild:
		return e.computeThreads(state)
	case model.StageSegment:
		return e.computeSegment(ctx, state)
	case model.StageEmotionProfile:
		return e.computeEmotion(ctx, state)
	case model.StageClassifyRoles:
		return e.computeRoles(ctx, state)
	case model.StageSynthesizeTopics:
		return e.computeTopics(ctx, state)
	case model.StageCompose:
		return e.computeCompose(ctx, state)
	case model.StageEvaluate:
		return e.computeEvaluate(ctx, state)
	case model.StageDeliver:
		return e.computeDeliver(ctx, state)
	}
	return nil, model.ArtifactMetadata{}, fmt.Errorf("pipeline: unknown stage %q", stage)
}

// applyStage decodes a payload (fresh or cached) into the state. Cached
// and computed paths share this so recovery replays are exact.
func (e *Engine) applyStage(stage model.Stage, state *model.ExecutionState, payload json.RawMessage) error {
	decode := func(v any) error {
		if err := json.Unmarshal(payload, v); err != nil {
			return fmt.Errorf("pipeline: decode %s artifact: %w", stage, err)
		}
		return nil
	}

	switch stage {
	case model.StageIngestValidate:
		var p ingestPayload
		if err := decode(&p); err != nil {
			return err
		}
		state.Sanitized = p.Sanitized
		state.Mode = p.Mode
		if p.Skip {
			state.MarkSkipped(p.SkipReason)
		}
	case model.StageThreadBuild:
		var p threadsPayload
		if err := decode(&p); err != nil {
			return err
		}
		state.Threads = p.Threads
	case model.StageSegment:
		var p segmentPayload
		if err := decode(&p); err != nil {
			return err
		}
		state.Units = p.Units
		if p.Degraded {
			state.AppendError(stage, p.DegradedCode, "fell back to heuristic segmentation")
		}
	case model.StageEmotionProfile:
		var p emotionPayload
		if err := decode(&p); err != nil {
			return err
		}
		state.Emotion = p.Profile
		if p.Degraded {
			state.AppendError(stage, p.DegradedCode, "fell back to neutral emotion profile")
		}
	case model.StageClassifyRoles:
		var p rolesPayload
		if err := decode(&p); err != nil {
			return err
		}
		state.Roles = p.Profile
		if p.Degraded {
			state.AppendError(stage, p.DegradedCode, "fell back to heuristic role assignment")
		}
	case model.StageSynthesizeTopics:
		var p topicsPayload
		if err := decode(&p); err != nil {
			return err
		}
		state.Topics = p.Topics
		if p.Degraded {
			state.AppendError(stage, p.DegradedCode, "fell back to heuristic topics")
		}
	case model.StageCompose:
		var p composePayload
		if err := decode(&p); err != nil {
			return err
		}
		state.Composed = p.Summary
		state.Baseline = p.Baseline
		state.Delta = p.Delta
		if p.Degraded {
			state.AppendError(stage, p.DegradedCode, "fell back to template summary")
		}
	case model.StageEvaluate:
		var p evaluatePayload
		if err := decode(&p); err != nil {
			return err
		}
		state.Composed = p.Composed
		state.Evaluation = p.Verdict
		state.QualityPass = p.Pass
		state.QualityScore = p.Verdict.QualityScore
		state.SynthesisRetryUsed = p.RetryUsed
		if p.JudgeFailed {
			state.AppendError(stage, "evaluation_failed", "judge scoring failed; neutral metrics recorded")
		}
	case model.StageDeliver:
		// Decision recomputed by lastDelivery; the artifact exists for
		// provenance only.
	}
	return nil
}

// lastDelivery computes the terminal delivery decision.
func (e *Engine) lastDelivery(state *model.ExecutionState) model.Delivery {
	switch {
	case state.Skip:
		return model.Delivery{Status: model.DeliverySkipped, Reason: state.SkipReason}
	case !state.QualityPass:
		return model.Delivery{Status: model.DeliveryBlockedQuality, Reason: "quality gate did not pass"}
	case !e.scopes.Allowed(state.Request.ScopeToken, state.Request.Scopes, e.cfg.RequiredScope):
		return model.Delivery{Status: model.DeliveryBlockedRBAC, Reason: "missing scope " + e.cfg.RequiredScope}
	default:
		return model.Delivery{Status: model.DeliveryPending}
	}
}

// resultFrom builds the well-formed terminal result.
func (e *Engine) resultFrom(state *model.ExecutionState, delivery model.Delivery) model.ExecutionResult {
	return model.ExecutionResult{
		Summary:          state.Composed,
		Topics:           state.Topics,
		Participants:     state.Participants(),
		Metrics:          state.Evaluation.Metrics,
		Evaluation:       state.Evaluation,
		QualityPass:      state.QualityPass,
		QualityScore:     state.QualityScore,
		Delivery:         delivery,
		Errors:           state.Errors,
		DLQEvents:        state.DLQEvents,
		SchemaVersion:    model.SchemaVersion,
		ArtifactMetadata: state.ArtifactMetadata,
	}
}

func payloadFor(req model.WindowRequest) map[string]any {
	return map[string]any{
		"tenant_id": req.TenantID,
		"group_id":  req.GroupID,
		"window_id": req.WindowID,
		"messages":  len(req.Messages),
	}
}

func (e *Engine) observeStage(stage string, cached bool, elapsed time.Duration) {
	if e.observer == nil {
		return
	}
	defer func() { _ = recover() }()
	e.observer.ObserveStage(stage, cached, elapsed)
}

func (e *Engine) observeRun(status string) {
	if e.observer == nil {
		return
	}
	defer func() { _ = recover() }()
	e.observer.ObserveRun(status)
}

func (e *Engine) observeDeadLetter(code string) {
	if e.observer == nil {
		return
	}
	defer func() { _ = recover() }()
	e.observer.ObserveDeadLetter(code)
}
