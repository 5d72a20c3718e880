// Package router performs tiered invocation of the generation backend
// with per-tenant budget, per (stage, tier) circuit breakers, and bounded
// jittered retries. Resource exhaustion degrades silently to the next
// tier; only full tier exhaustion surfaces as an error.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ashita-ai/youyaku/internal/backend"
)

// Tier is a class of generation backend with its own cost/quality
// profile, quota, and circuit state.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
)

// ErrTiersExhausted is returned when every tier was skipped or failed.
// Callers treat it as a stage-fatal condition.
var ErrTiersExhausted = errors.New("router: all tiers exhausted")

// Result is a successful invocation.
type Result struct {
	Content string
	ModelID string
	Tier    Tier
}

// Observer receives invocation outcomes, fire-and-forget. A failure
// inside the observer never aborts the invocation.
type Observer interface {
	ObserveInvocation(stage string, tier string, outcome string, elapsed time.Duration)
}

// Config holds the router's resilience settings.
type Config struct {
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	InvokeTimeout   time.Duration
	FallbackEnabled bool
	PremiumModel    string
	StandardModel   string
	MaxTokens       int
	Temperature     float64
	PremiumStages   map[string]bool // stages whose preferred tier is premium
}

// Router routes stage invocations across tiers.
type Router struct {
	invoker  backend.Invoker
	ledger   *Ledger
	breakers *Breakers
	cfg      Config
	logger   *slog.Logger
	observer Observer

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Router. observer may be nil.
func New(invoker backend.Invoker, ledger *Ledger, breakers *Breakers, cfg Config, logger *slog.Logger, observer Observer) *Router {
	return &Router{
		invoker:  invoker,
		ledger:   ledger,
		breakers: breakers,
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		sleep:    sleepCtx,
	}
}

// tiersFor resolves the ordered tier list for a stage.
func (r *Router) tiersFor(stage string) []Tier {
	if r.cfg.PremiumStages[stage] {
		if r.cfg.FallbackEnabled {
			return []Tier{TierPremium, TierStandard}
		}
		return []Tier{TierPremium}
	}
	if r.cfg.FallbackEnabled {
		return []Tier{TierStandard, TierPremium}
	}
	return []Tier{TierStandard}
}

// modelFor maps a tier to its model alias.
func (r *Router) modelFor(tier Tier) string {
	if tier == TierPremium {
		return r.cfg.PremiumModel
	}
	return r.cfg.StandardModel
}

// estimateTokens approximates prompt plus completion token consumption.
// Four characters per token is close enough for budget accounting.
func estimateTokens(prompt string, maxTokens int) int64 {
	return int64(len(prompt)/4 + maxTokens)
}

// Invoke runs one stage invocation for tenant, walking the tier list.
// maxTokens <= 0 uses the configured default.
func (r *Router) Invoke(ctx context.Context, stage, tenant, prompt string, maxTokens int) (Result, error) {
	if maxTokens <= 0 {
		maxTokens = r.cfg.MaxTokens
	}
	est := estimateTokens(prompt, maxTokens)

	var lastErr error
	for _, tier := range r.tiersFor(stage) {
		key := stage + "/" + string(tier)

		if tier == TierPremium && !r.ledger.Allows(tenant, est) {
			r.logger.Debug("router: premium budget exceeded, skipping tier",
				"stage", stage, "tenant", tenant)
			r.observe(stage, tier, "budget_skip", 0)
			continue
		}
		if !r.breakers.Allow(key) {
			r.logger.Debug("router: circuit open, skipping tier",
				"stage", stage, "tier", tier)
			r.observe(stage, tier, "circuit_skip", 0)
			continue
		}
		if tier == TierPremium {
			// Attempted premium calls consume quota even when they fail.
			r.ledger.Record(tenant, est)
		}

		res, err := r.invokeWithRetry(ctx, stage, tier, prompt, maxTokens)
		if err == nil {
			r.breakers.Success(key)
			return res, nil
		}
		lastErr = err
		r.breakers.Failure(key)
		r.logger.Warn("router: tier failed",
			"stage", stage, "tier", tier, "error", err)
	}

	if lastErr != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrTiersExhausted, lastErr)
	}
	return Result{}, ErrTiersExhausted
}

// invokeWithRetry retries transient failures with exponential backoff and
// jitter up to the configured attempt count. Permanent errors fail fast.
func (r *Router) invokeWithRetry(ctx context.Context, stage string, tier Tier, prompt string, maxTokens int) (Result, error) {
	var lastErr error
	delay := r.cfg.RetryBaseDelay

	for attempt := 0; attempt < r.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
			if err := r.sleep(ctx, delay+jitter); err != nil {
				return Result{}, err
			}
			delay *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.InvokeTimeout)
		start := time.Now()
		resp, err := r.invoker.Invoke(callCtx, backend.Request{
			Prompt:      prompt,
			Model:       r.modelFor(tier),
			MaxTokens:   maxTokens,
			Temperature: r.cfg.Temperature,
		})
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			r.observe(stage, tier, "success", elapsed)
			return Result{Content: resp.Content, ModelID: resp.Model, Tier: tier}, nil
		}
		r.observe(stage, tier, "failure", elapsed)
		lastErr = err
		if !backend.IsTransient(err) {
			break
		}
	}
	return Result{}, lastErr
}

// observe reports an outcome. A panicking or failing observer must never
// abort the invocation, so the call is guarded.
func (r *Router) observe(stage string, tier Tier, outcome string, elapsed time.Duration) {
	if r.observer == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("router: observer panicked", "panic", p)
		}
	}()
	r.observer.ObserveInvocation(stage, string(tier), outcome, elapsed)
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
