package model

import (
	"encoding/json"
	"sort"
	"time"
)

// SchemaVersion is the version stamped on every ExecutionResult and
// stage artifact payload produced by this build of the pipeline.
const SchemaVersion = "v1"

// Stage names one step of the fixed pipeline order.
type Stage string

const (
	StageIngestValidate   Stage = "ingest_validate"
	StageThreadBuild      Stage = "thread_build"
	StageSegment          Stage = "segment"
	StageEmotionProfile   Stage = "emotion_profile"
	StageClassifyRoles    Stage = "classify_roles"
	StageSynthesizeTopics Stage = "synthesize_topics"
	StageCompose          Stage = "compose"
	StageEvaluate         Stage = "evaluate"
	StageDeliver          Stage = "deliver"
)

// StageOrder is the total, fixed execution order. Stage N runs only after
// stage N-1 has completed for the same window.
var StageOrder = []Stage{
	StageIngestValidate,
	StageThreadBuild,
	StageSegment,
	StageEmotionProfile,
	StageClassifyRoles,
	StageSynthesizeTopics,
	StageCompose,
	StageEvaluate,
	StageDeliver,
}

// SkipReason explains why a run produced a degraded (skipped) result.
const (
	SkipEmptyWindow    = "empty_window"
	SkipTooFewMessages = "too_few_messages"
	SkipStageFailure   = "stage_failure"
)

// StageError is one entry of the execution state's append-only error list.
type StageError struct {
	Stage   Stage     `json:"stage"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ArtifactMetadata records per-stage provenance.
type ArtifactMetadata struct {
	PromptID      string    `json:"prompt_id,omitempty"`
	PromptVersion string    `json:"prompt_version,omitempty"`
	ModelID       string    `json:"model_id,omitempty"`
	StoredAt      time.Time `json:"stored_at"`
}

// StageArtifact is the persisted output of one successful stage execution.
// Written once per (window, stage); never mutated afterwards. The read-
// before-write on stage entry is the pipeline's idempotency substrate.
type StageArtifact struct {
	Stage    Stage            `json:"stage"`
	Payload  json.RawMessage  `json:"payload"`
	Metadata ArtifactMetadata `json:"metadata"`
}

// ExecutionState is the mutable context threaded through all stages.
// Owned exclusively by one pipeline run; the window lock guarantees a
// single actively-mutating instance per window.
type ExecutionState struct {
	Request WindowRequest

	Mode       DigestMode
	Sanitized  []Message
	Threads    []Thread
	Units      []SemanticUnit
	Emotion    EmotionProfile
	Roles      RoleProfile
	Topics     []Topic
	Composed   string
	Evaluation QualityVerdict
	Baseline   *BaselineSnapshot
	Delta      BaselineDelta

	Skip       bool
	SkipReason string

	QualityPass        bool
	QualityScore       float64
	SynthesisRetryUsed bool

	Errors    []StageError
	DLQEvents []string

	ArtifactMetadata map[Stage]ArtifactMetadata
}

// NewExecutionState initialises state for one run.
func NewExecutionState(req WindowRequest) *ExecutionState {
	return &ExecutionState{
		Request:          req,
		Mode:             ModeNormal,
		ArtifactMetadata: make(map[Stage]ArtifactMetadata),
	}
}

// AppendError records a stage error. The list is append-only.
func (s *ExecutionState) AppendError(stage Stage, code, msg string) {
	s.Errors = append(s.Errors, StageError{Stage: stage, Code: code, Message: msg, At: time.Now().UTC()})
}

// MarkSkipped sets the skip flag once. The first reason wins.
func (s *ExecutionState) MarkSkipped(reason string) {
	if s.Skip {
		return
	}
	s.Skip = true
	s.SkipReason = reason
}

// Participants returns the distinct sender ids of the sanitized messages,
// ordered by descending message count (ties by first appearance).
func (s *ExecutionState) Participants() []string {
	counts := make(map[string]int)
	var order []string
	for _, m := range s.Sanitized {
		if counts[m.SenderID] == 0 {
			order = append(order, m.SenderID)
		}
		counts[m.SenderID]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	return order
}

// DeliveryStatus is the terminal outcome of a pipeline run.
type DeliveryStatus string

const (
	DeliveryPending        DeliveryStatus = "pending"
	DeliverySkipped        DeliveryStatus = "skipped"
	DeliveryBlockedQuality DeliveryStatus = "blocked_quality"
	DeliveryBlockedRBAC    DeliveryStatus = "blocked_rbac"
)

// Delivery is the pipeline's delivery decision. Actual dispatch is an
// external collaborator's job.
type Delivery struct {
	Status DeliveryStatus `json:"status"`
	Reason string         `json:"reason,omitempty"`
}

// ExecutionResult is the well-formed terminal result of a run. The
// resilient path always produces one; it never raises to the caller.
type ExecutionResult struct {
	Summary          string                     `json:"summary"`
	Topics           []Topic                    `json:"topics"`
	Participants     []string                   `json:"participants"`
	Metrics          EvaluationMetrics          `json:"metrics"`
	Evaluation       QualityVerdict             `json:"evaluation"`
	QualityPass      bool                       `json:"quality_pass"`
	QualityScore     float64                    `json:"quality_score"`
	Delivery         Delivery                   `json:"delivery"`
	Errors           []StageError               `json:"errors"`
	DLQEvents        []string                   `json:"dlq_events"`
	SchemaVersion    string                     `json:"schema_version"`
	ArtifactMetadata map[Stage]ArtifactMetadata `json:"artifact_metadata"`
}
