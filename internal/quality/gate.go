// Package quality implements the gate run over composed digests: rule
// pre-checks, judge scoring, self-verification, self-correction, and
// self-gating with a single corrective resynthesis budget shared across
// all corrective paths.
package quality

import (
	"context"
	"log/slog"
	"sort"

	"github.com/ashita-ai/youyaku/internal/model"
	"github.com/ashita-ai/youyaku/internal/threads"
)

// Invoker is the generation surface the gate needs. The pipeline wires
// these to router-backed prompt invocations.
type Invoker interface {
	// Judge scores the composed digest against the source messages.
	Judge(ctx context.Context, composed string) (model.QualityVerdict, error)
	// Verify runs the short checklist pass and returns ok plus issues.
	Verify(ctx context.Context, composed string) (bool, []string, error)
	// Correct rewrites the composed digest guided by the issue list.
	Correct(ctx context.Context, composed string, issues []string) (string, error)
	// Resynthesize reruns composition with the baseline-aware retry prompt.
	Resynthesize(ctx context.Context, issues []string) (string, error)
}

// Config holds the gate thresholds. PassThreshold gates delivery;
// CoverageMin and CorrectBelow are independent fixed thresholds for the
// pre-check and self-correction steps.
type Config struct {
	PassThreshold float64
	CoverageMin   float64
	CorrectBelow  float64
	MinTopics     int
	TopTerms      int
}

// Outcome is the terminal gate result for one run.
type Outcome struct {
	Verdict   model.QualityVerdict
	Composed  string
	Pass      bool
	RetryUsed bool

	// JudgeFailed marks that scoring itself failed and the zero-valued
	// verdict is a placeholder, not a judgment.
	JudgeFailed bool
}

// Gate evaluates composed digests.
type Gate struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Gate {
	return &Gate{cfg: cfg, logger: logger}
}

// Run drives the gate state machine. composed is the current digest
// text; retryUsed carries the corrective budget across recovered runs
// and is honored before any corrective path fires.
func (g *Gate) Run(ctx context.Context, state *model.ExecutionState, inv Invoker, retryUsed bool) Outcome {
	out := Outcome{Composed: state.Composed, RetryUsed: retryUsed}

	if !retryUsed && g.needsCorrective(state) {
		g.logger.Info("quality: pre-checks failed, corrective resynthesis",
			"window", state.Request.WindowID)
		if fixed, err := inv.Resynthesize(ctx, []string{"pre-check failure: low topic count or keyword coverage"}); err == nil && fixed != "" {
			out.Composed = fixed
		} else if err != nil {
			g.logger.Warn("quality: corrective resynthesis failed", "error", err)
		}
		out.RetryUsed = true
	}

	verdict, err := inv.Judge(ctx, out.Composed)
	if err != nil {
		g.logger.Warn("quality: judge scoring failed", "error", err)
		out.JudgeFailed = true
		out.Verdict = model.QualityVerdict{}
		return out
	}
	out.Verdict = verdict

	if ok, issues, verr := inv.Verify(ctx, out.Composed); verr != nil {
		g.logger.Warn("quality: self-verification failed", "error", verr)
	} else if !ok {
		for _, iss := range issues {
			out.Verdict.Notes = append(out.Verdict.Notes, "self-verify: "+iss)
		}
	}

	if !out.RetryUsed && out.Verdict.QualityScore < g.cfg.CorrectBelow {
		out = g.selfCorrect(ctx, inv, out)
	}

	out.Pass = out.Verdict.Pass(g.cfg.PassThreshold)
	if !out.Pass && !out.RetryUsed {
		out = g.selfGate(ctx, inv, out)
		out.Pass = out.Verdict.Pass(g.cfg.PassThreshold)
	}
	return out
}

// needsCorrective runs the rule pre-checks. The topic minimum only
// applies outside micro mode, where few topics are expected.
func (g *Gate) needsCorrective(state *model.ExecutionState) bool {
	if state.Mode != model.ModeMicro && len(state.Topics) < g.cfg.MinTopics {
		return true
	}
	return Coverage(state.Sanitized, state.Composed, g.cfg.TopTerms) < g.cfg.CoverageMin
}

// selfCorrect issues one rewrite fed by the verdict's notes and keeps it
// only when the re-scored result strictly improves.
func (g *Gate) selfCorrect(ctx context.Context, inv Invoker, out Outcome) Outcome {
	out.RetryUsed = true
	issues := out.Verdict.Notes
	if len(issues) == 0 {
		issues = []string{"overall quality score is low"}
	}
	fixed, err := inv.Correct(ctx, out.Composed, issues)
	if err != nil || fixed == "" {
		g.logger.Warn("quality: self-correction failed", "error", err)
		return out
	}
	rescored, err := inv.Judge(ctx, fixed)
	if err != nil {
		g.logger.Warn("quality: rescoring corrected digest failed", "error", err)
		return out
	}
	if rescored.QualityScore > out.Verdict.QualityScore {
		out.Composed = fixed
		out.Verdict = rescored
	}
	return out
}

// selfGate triggers the single corrective resynthesis and re-scores once.
func (g *Gate) selfGate(ctx context.Context, inv Invoker, out Outcome) Outcome {
	out.RetryUsed = true
	fixed, err := inv.Resynthesize(ctx, out.Verdict.Notes)
	if err != nil || fixed == "" {
		g.logger.Warn("quality: gated resynthesis failed", "error", err)
		return out
	}
	rescored, err := inv.Judge(ctx, fixed)
	if err != nil {
		g.logger.Warn("quality: rescoring resynthesized digest failed", "error", err)
		return out
	}
	out.Composed = fixed
	out.Verdict = rescored
	return out
}

// Coverage returns the fraction of the topN most frequent source terms
// that appear in the composed text. Returns 1 when there are no source
// terms to cover.
func Coverage(msgs []model.Message, composed string, topN int) float64 {
	top := TopTerms(msgs, topN)
	if len(top) == 0 {
		return 1
	}
	present := make(map[string]bool)
	for _, tok := range threads.Tokenize(composed) {
		present[tok] = true
	}
	hit := 0
	for _, term := range top {
		if present[term] {
			hit++
		}
	}
	return float64(hit) / float64(len(top))
}

// TopTerms returns the topN most frequent tokens across msgs, ties
// broken lexicographically for determinism.
func TopTerms(msgs []model.Message, topN int) []string {
	freq := make(map[string]int)
	for _, m := range msgs {
		for _, tok := range threads.Tokenize(m.Text) {
			freq[tok]++
		}
	}
	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > topN {
		terms = terms[:topN]
	}
	return terms
}
