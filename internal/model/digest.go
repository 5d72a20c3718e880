package model

// SemanticUnit is one coherent discussion segment extracted from a thread.
type SemanticUnit struct {
	ThreadID     string   `json:"thread_id"`
	Label        string   `json:"label"`
	Summary      string   `json:"summary"`
	MessageIDs   []string `json:"message_ids"`
	Participants []string `json:"participants"`
}

// EmotionProfile captures the affective tone of the window.
type EmotionProfile struct {
	OverallTone   string            `json:"overall_tone"`
	Intensity     float64           `json:"intensity"`
	ByParticipant map[string]string `json:"by_participant,omitempty"`
}

// RoleProfile assigns conversational roles to participants.
type RoleProfile struct {
	Initiator    string   `json:"initiator"`
	Drivers      []string `json:"drivers,omitempty"`
	Participants []string `json:"participants"`
}

// Topic is one synthesized discussion topic.
type Topic struct {
	Label        string   `json:"label"`
	Summary      string   `json:"summary"`
	Participants []string `json:"participants,omitempty"`
	MessageIDs   []string `json:"message_ids,omitempty"`
}

// EvaluationMetrics are the judge-scored quality dimensions, each in [0,1].
type EvaluationMetrics struct {
	Faithfulness float64 `json:"faithfulness"`
	Coherence    float64 `json:"coherence"`
	Coverage     float64 `json:"coverage"`
	Focus        float64 `json:"focus"`
}

// Min returns the smallest metric value.
func (m EvaluationMetrics) Min() float64 {
	min := m.Faithfulness
	for _, v := range []float64{m.Coherence, m.Coverage, m.Focus} {
		if v < min {
			min = v
		}
	}
	return min
}

// QualityVerdict is the judge's structured assessment of a composed digest.
// Pass requires every metric and the overall score to clear the threshold.
type QualityVerdict struct {
	Metrics      EvaluationMetrics `json:"metrics"`
	QualityScore float64           `json:"quality_score"`
	Notes        []string          `json:"notes,omitempty"`
}

// Pass reports whether the verdict clears threshold on every dimension.
func (v QualityVerdict) Pass(threshold float64) bool {
	score := v.QualityScore
	if m := v.Metrics.Min(); m < score {
		score = m
	}
	return score >= threshold
}

// BaselineSnapshot is the prior window's digest summary for the same
// (tenant, group). Read-only input; never mutated by a run.
type BaselineSnapshot struct {
	WindowID string            `json:"window_id"`
	Topics   []Topic           `json:"topics"`
	Metrics  EvaluationMetrics `json:"metrics"`
	Summary  string            `json:"summary"`
}

// BaselineDelta is the continuity diff between the current output and the
// previous window's snapshot.
type BaselineDelta struct {
	PriorWindowID   string   `json:"prior_window_id,omitempty"`
	NewTopics       []string `json:"new_topics,omitempty"`
	DroppedTopics   []string `json:"dropped_topics,omitempty"`
	ContinuedTopics []string `json:"continued_topics,omitempty"`
	ScoreDelta      float64  `json:"score_delta"`
}
