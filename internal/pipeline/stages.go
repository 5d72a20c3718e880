package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashita-ai/youyaku/internal/baseline"
	"github.com/ashita-ai/youyaku/internal/model"
	"github.com/ashita-ai/youyaku/internal/prompt"
	"github.com/ashita-ai/youyaku/internal/store"
)

// Per-stage artifact payloads. Degraded marks a heuristic fallback after
// backend or validation exhaustion; DegradedCode carries the error class.
type ingestPayload struct {
	MessageCount int              `json:"message_count"`
	Mode         model.DigestMode `json:"mode"`
	Skip         bool             `json:"skip,omitempty"`
	SkipReason   string           `json:"skip_reason,omitempty"`
	Sanitized    []model.Message  `json:"sanitized"`
}

type threadsPayload struct {
	Threads []model.Thread `json:"threads"`
}

type segmentPayload struct {
	Units        []model.SemanticUnit `json:"units"`
	Degraded     bool                 `json:"degraded,omitempty"`
	DegradedCode string               `json:"degraded_code,omitempty"`
}

type emotionPayload struct {
	Profile      model.EmotionProfile `json:"profile"`
	Degraded     bool                 `json:"degraded,omitempty"`
	DegradedCode string               `json:"degraded_code,omitempty"`
}

type rolesPayload struct {
	Profile      model.RoleProfile `json:"profile"`
	Degraded     bool              `json:"degraded,omitempty"`
	DegradedCode string            `json:"degraded_code,omitempty"`
}

type topicsPayload struct {
	Topics       []model.Topic `json:"topics"`
	Degraded     bool          `json:"degraded,omitempty"`
	DegradedCode string        `json:"degraded_code,omitempty"`
}

type composePayload struct {
	Summary      string                  `json:"summary"`
	Baseline     *model.BaselineSnapshot `json:"baseline,omitempty"`
	Delta        model.BaselineDelta     `json:"delta"`
	Degraded     bool                    `json:"degraded,omitempty"`
	DegradedCode string                  `json:"degraded_code,omitempty"`
}

type evaluatePayload struct {
	Verdict     model.QualityVerdict `json:"verdict"`
	Composed    string               `json:"composed"`
	Pass        bool                 `json:"pass"`
	RetryUsed   bool                 `json:"retry_used"`
	JudgeFailed bool                 `json:"judge_failed,omitempty"`
}

func marshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal payload: %w", err)
	}
	return raw, nil
}

func deterministicMeta() model.ArtifactMetadata {
	return model.ArtifactMetadata{PromptID: "deterministic", PromptVersion: prompt.Version}
}

// computeIngest sanitizes the window and decides skip and digest mode.
func (e *Engine) computeIngest(state *model.ExecutionState) (json.RawMessage, model.ArtifactMetadata, error) {
	p := ingestPayload{MessageCount: len(state.Request.Messages), Mode: model.ModeNormal}

	sanitized := model.Sanitize(state.Request.Messages)
	p.Sanitized = sanitized
	switch {
	case len(sanitized) == 0:
		p.Skip = true
		p.SkipReason = model.SkipEmptyWindow
	case len(sanitized) < e.cfg.MinMessages:
		p.Skip = true
		p.SkipReason = model.SkipTooFewMessages
	default:
		p.Mode = model.ModeFor(len(sanitized), e.cfg.MicroMaxMessages, e.cfg.LargeMinMessages)
	}

	raw, err := marshalPayload(p)
	return raw, deterministicMeta(), err
}

// computeThreads clusters the sanitized messages. Large mode chunks
// oversized threads so downstream prompts stay bounded.
func (e *Engine) computeThreads(state *model.ExecutionState) (json.RawMessage, model.ArtifactMetadata, error) {
	var built []model.Thread
	if state.Mode == model.ModeLarge {
		built = e.builder.BuildChunked(state.Sanitized)
	} else {
		built = e.builder.Build(state.Sanitized)
	}
	raw, err := marshalPayload(threadsPayload{Threads: built})
	return raw, deterministicMeta(), err
}

// generate runs one backend invocation through the router and validates
// the output against the stage schema, with bounded repair.
func (e *Engine) generate(ctx context.Context, state *model.ExecutionState, stage model.Stage, p prompt.Prompt, maxTokens int) (json.RawMessage, model.ArtifactMetadata, error) {
	res, err := e.router.Invoke(ctx, string(stage), state.Request.TenantID, p.Text, maxTokens)
	if err != nil {
		return nil, model.ArtifactMetadata{}, err
	}
	meta := model.ArtifactMetadata{PromptID: p.ID, PromptVersion: p.Version, ModelID: res.ModelID}

	valid := e.validator.EnsureValid(ctx, string(stage), res.Content, e.repairFunc(state))
	if valid == nil {
		return nil, meta, errValidationExhausted
	}
	return valid, meta, nil
}

// repairFunc routes schema-repair invocations back through the router.
func (e *Engine) repairFunc(state *model.ExecutionState) func(ctx context.Context, stage, invalid string, errs []string) (string, error) {
	return func(ctx context.Context, stage, invalid string, errs []string) (string, error) {
		p := prompt.Repair(stage, invalid, errs)
		res, err := e.router.Invoke(ctx, stage, state.Request.TenantID, p.Text, 0)
		if err != nil {
			return "", err
		}
		return res.Content, nil
	}
}

// degradedCode maps a generate failure to its error class. Backend and
// validation exhaustion degrade to heuristics; they never abort the run.
func degradedCode(err error) string {
	if errors.Is(err, errValidationExhausted) {
		return "validation_exhausted"
	}
	return "backend_exhausted"
}

func (e *Engine) computeSegment(ctx context.Context, state *model.ExecutionState) (json.RawMessage, model.ArtifactMetadata, error) {
	if state.Mode == model.ModeMicro {
		raw, err := marshalPayload(segmentPayload{Units: heuristicUnits(state.Threads)})
		return raw, deterministicMeta(), err
	}

	valid, meta, err := e.generate(ctx, state, model.StageSegment, prompt.Segment(state.Threads), 0)
	if err != nil {
		e.logger.Warn("pipeline: segmentation degraded", "error", err)
		raw, merr := marshalPayload(segmentPayload{
			Units: heuristicUnits(state.Threads), Degraded: true, DegradedCode: degradedCode(err),
		})
		return raw, deterministicMeta(), merr
	}

	var p segmentPayload
	if uerr := json.Unmarshal(valid, &p); uerr != nil {
		return nil, meta, fmt.Errorf("pipeline: decode segment output: %w", uerr)
	}
	raw, merr := marshalPayload(p)
	return raw, meta, merr
}

func (e *Engine) computeEmotion(ctx context.Context, state *model.ExecutionState) (json.RawMessage, model.ArtifactMetadata, error) {
	if state.Mode == model.ModeMicro {
		raw, err := marshalPayload(emotionPayload{Profile: heuristicEmotion()})
		return raw, deterministicMeta(), err
	}

	valid, meta, err := e.generate(ctx, state, model.StageEmotionProfile, prompt.Emotion(state.Sanitized), 0)
	if err != nil {
		e.logger.Warn("pipeline: emotion profiling degraded", "error", err)
		raw, merr := marshalPayload(emotionPayload{
			Profile: heuristicEmotion(), Degraded: true, DegradedCode: degradedCode(err),
		})
		return raw, deterministicMeta(), merr
	}

	var profile model.EmotionProfile
	if uerr := json.Unmarshal(valid, &profile); uerr != nil {
		return nil, meta, fmt.Errorf("pipeline: decode emotion output: %w", uerr)
	}
	raw, merr := marshalPayload(emotionPayload{Profile: profile})
	return raw, meta, merr
}

func (e *Engine) computeRoles(ctx context.Context, state *model.ExecutionState) (json.RawMessage, model.ArtifactMetadata, error) {
	if state.Mode == model.ModeMicro {
		raw, err := marshalPayload(rolesPayload{Profile: heuristicRoles(state)})
		return raw, deterministicMeta(), err
	}

	valid, meta, err := e.generate(ctx, state, model.StageClassifyRoles, prompt.Roles(state.Sanitized), 0)
	if err != nil {
		e.logger.Warn("pipeline: role classification degraded", "error", err)
		raw, merr := marshalPayload(rolesPayload{
			Profile: heuristicRoles(state), Degraded: true, DegradedCode: degradedCode(err),
		})
		return raw, deterministicMeta(), merr
	}

	var profile model.RoleProfile
	if uerr := json.Unmarshal(valid, &profile); uerr != nil {
		return nil, meta, fmt.Errorf("pipeline: decode roles output: %w", uerr)
	}
	raw, merr := marshalPayload(rolesPayload{Profile: profile})
	return raw, meta, merr
}

func (e *Engine) computeTopics(ctx context.Context, state *model.ExecutionState) (json.RawMessage, model.ArtifactMetadata, error) {
	if state.Mode == model.ModeMicro {
		raw, err := marshalPayload(topicsPayload{Topics: heuristicMicroTopic(state)})
		return raw, deterministicMeta(), err
	}

	valid, meta, err := e.generate(ctx, state, model.StageSynthesizeTopics, prompt.Topics(state.Units), 0)
	if err != nil {
		e.logger.Warn("pipeline: topic synthesis degraded", "error", err)
		raw, merr := marshalPayload(topicsPayload{
			Topics: heuristicTopics(state.Units), Degraded: true, DegradedCode: degradedCode(err),
		})
		return raw, deterministicMeta(), merr
	}

	var p topicsPayload
	if uerr := json.Unmarshal(valid, &p); uerr != nil {
		return nil, meta, fmt.Errorf("pipeline: decode topics output: %w", uerr)
	}
	raw, merr := marshalPayload(topicsPayload{Topics: p.Topics})
	return raw, meta, merr
}

// computeCompose loads the prior window's baseline, computes the topic
// continuity delta, and composes the digest. Composition failure falls
// back to a deterministic template summary.
func (e *Engine) computeCompose(ctx context.Context, state *model.ExecutionState) (json.RawMessage, model.ArtifactMetadata, error) {
	var prior *model.BaselineSnapshot
	snap, err := e.store.LatestBaseline(ctx, state.Request.TenantID, state.Request.GroupID)
	switch {
	case err == nil:
		prior = &snap
	case errors.Is(err, store.ErrNotFound):
	default:
		e.logger.Warn("pipeline: baseline load failed, continuing without", "error", err)
	}
	delta := baseline.Delta(prior, state.Topics, model.EvaluationMetrics{})

	p := composePayload{Baseline: prior, Delta: delta}
	valid, meta, genErr := e.generate(ctx, state, model.StageCompose,
		prompt.Compose(state.Topics, state.Emotion, state.Roles, delta), 0)
	if genErr != nil {
		e.logger.Warn("pipeline: composition degraded", "error", genErr)
		p.Summary = fallbackSummary(state)
		p.Degraded = true
		p.DegradedCode = degradedCode(genErr)
		raw, merr := marshalPayload(p)
		return raw, deterministicMeta(), merr
	}

	var out struct {
		Summary string `json:"summary"`
	}
	if uerr := json.Unmarshal(valid, &out); uerr != nil {
		return nil, meta, fmt.Errorf("pipeline: decode compose output: %w", uerr)
	}
	p.Summary = out.Summary
	raw, merr := marshalPayload(p)
	return raw, meta, merr
}

// computeEvaluate runs the quality gate over the composed digest.
func (e *Engine) computeEvaluate(ctx context.Context, state *model.ExecutionState) (json.RawMessage, model.ArtifactMetadata, error) {
	inv := &gateInvoker{engine: e, state: state}
	out := e.gate.Run(ctx, state, inv, state.SynthesisRetryUsed)

	p := evaluatePayload{
		Verdict:     out.Verdict,
		Composed:    out.Composed,
		Pass:        out.Pass,
		RetryUsed:   out.RetryUsed,
		JudgeFailed: out.JudgeFailed,
	}

	if out.JudgeFailed {
		event := e.recorder.Record(ctx, state.Request.TenantID, model.StageEvaluate,
			"evaluation_failed", "judge scoring failed on every tier", payloadFor(state.Request), nil)
		state.DLQEvents = append(state.DLQEvents, event)
		e.observeDeadLetter("evaluation_failed")
	} else if !out.Pass {
		event := e.recorder.Record(ctx, state.Request.TenantID, model.StageEvaluate,
			"quality_below_threshold",
			fmt.Sprintf("quality score %.2f below threshold after corrective budget", out.Verdict.QualityScore),
			payloadFor(state.Request), nil)
		state.DLQEvents = append(state.DLQEvents, event)
		e.observeDeadLetter("quality_below_threshold")
	}

	raw, merr := marshalPayload(p)
	meta := model.ArtifactMetadata{PromptID: "judge", PromptVersion: prompt.Version, ModelID: inv.judgeModel}
	return raw, meta, merr
}

// computeDeliver records the delivery decision and, for deliverable
// digests, advances the group's baseline snapshot.
func (e *Engine) computeDeliver(ctx context.Context, state *model.ExecutionState) (json.RawMessage, model.ArtifactMetadata, error) {
	decision := e.lastDelivery(state)

	if decision.Status == model.DeliveryPending {
		snap := model.BaselineSnapshot{
			WindowID: state.Request.WindowID,
			Topics:   state.Topics,
			Metrics:  state.Evaluation.Metrics,
			Summary:  state.Composed,
		}
		if err := e.store.SaveBaseline(ctx, state.Request.TenantID, state.Request.GroupID, snap); err != nil {
			e.logger.Warn("pipeline: baseline save failed", "error", err)
		}
	}

	raw, merr := marshalPayload(decision)
	return raw, deterministicMeta(), merr
}

// gateInvoker adapts the router and prompts to the quality gate.
type gateInvoker struct {
	engine     *Engine
	state      *model.ExecutionState
	judgeModel string
}

func (g *gateInvoker) Judge(ctx context.Context, composed string) (model.QualityVerdict, error) {
	p := prompt.Judge(g.state.Sanitized, composed)
	res, err := g.engine.router.Invoke(ctx, string(model.StageEvaluate), g.state.Request.TenantID, p.Text, 0)
	if err != nil {
		return model.QualityVerdict{}, err
	}
	g.judgeModel = res.ModelID

	valid := g.engine.validator.EnsureValid(ctx, string(model.StageEvaluate), res.Content, g.engine.repairFunc(g.state))
	if valid == nil {
		return model.QualityVerdict{}, errValidationExhausted
	}
	var verdict model.QualityVerdict
	if uerr := json.Unmarshal(valid, &verdict); uerr != nil {
		return model.QualityVerdict{}, fmt.Errorf("pipeline: decode judge output: %w", uerr)
	}
	return verdict, nil
}

func (g *gateInvoker) Verify(ctx context.Context, composed string) (bool, []string, error) {
	p := prompt.SelfVerify(composed)
	res, err := g.engine.router.Invoke(ctx, string(model.StageEvaluate), g.state.Request.TenantID, p.Text, g.engine.cfg.SelfVerifyMaxTokens)
	if err != nil {
		return false, nil, err
	}

	valid := g.engine.validator.EnsureValid(ctx, "self_verify", res.Content, g.engine.repairFunc(g.state))
	if valid == nil {
		return false, nil, errValidationExhausted
	}
	var out struct {
		OK     bool     `json:"ok"`
		Issues []string `json:"issues"`
	}
	if uerr := json.Unmarshal(valid, &out); uerr != nil {
		return false, nil, fmt.Errorf("pipeline: decode self-verify output: %w", uerr)
	}
	return out.OK, out.Issues, nil
}

func (g *gateInvoker) Correct(ctx context.Context, composed string, issues []string) (string, error) {
	return g.summaryCall(ctx, prompt.SelfCorrect(composed, issues))
}

func (g *gateInvoker) Resynthesize(ctx context.Context, issues []string) (string, error) {
	return g.summaryCall(ctx, prompt.ComposeRetry(g.state.Composed, issues, g.state.Topics, g.state.Baseline))
}

// summaryCall invokes a rewrite prompt and validates the compose schema.
func (g *gateInvoker) summaryCall(ctx context.Context, p prompt.Prompt) (string, error) {
	res, err := g.engine.router.Invoke(ctx, string(model.StageCompose), g.state.Request.TenantID, p.Text, 0)
	if err != nil {
		return "", err
	}

	valid := g.engine.validator.EnsureValid(ctx, string(model.StageCompose), res.Content, g.engine.repairFunc(g.state))
	if valid == nil {
		return "", errValidationExhausted
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if uerr := json.Unmarshal(valid, &out); uerr != nil {
		return "", fmt.Errorf("pipeline: decode rewrite output: %w", uerr)
	}
	return out.Summary, nil
}
