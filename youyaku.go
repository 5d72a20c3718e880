// Package youyaku is the public API for embedding the digest pipeline.
//
// Consumers construct an App and feed it message windows:
//
//	app, err := youyaku.New(
//	    youyaku.WithLogger(logger),
//	    youyaku.WithSQLitePath("digests.db"),
//	)
//	if err != nil { ... }
//	defer app.Close(context.Background())
//	res, err := app.Generate(ctx, youyaku.Request{...})
//
// The import graph enforces a strict no-cycle rule: youyaku (root)
// imports internal/*, but internal/* never imports youyaku (root).
// Public types (Request, Result, Topic, ...) are standalone structs with
// no internal imports; conversion helpers live here because this is the
// only file that sees both sides of the boundary.
package youyaku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/youyaku/internal/backend"
	"github.com/ashita-ai/youyaku/internal/config"
	"github.com/ashita-ai/youyaku/internal/deadletter"
	"github.com/ashita-ai/youyaku/internal/model"
	"github.com/ashita-ai/youyaku/internal/pipeline"
	"github.com/ashita-ai/youyaku/internal/quality"
	"github.com/ashita-ai/youyaku/internal/router"
	"github.com/ashita-ai/youyaku/internal/schema"
	"github.com/ashita-ai/youyaku/internal/scope"
	"github.com/ashita-ai/youyaku/internal/store"
	"github.com/ashita-ai/youyaku/internal/telemetry"
	"github.com/ashita-ai/youyaku/internal/threads"
)

// ErrRunActive is returned by Generate when another run already holds
// the window lock. Retry later; no stage work was performed.
var ErrRunActive = pipeline.ErrRunActive

// Transient wraps err so the model router treats it as retryable.
// Intended for custom Backend implementations.
func Transient(err error) error {
	return backend.Transient(err)
}

// App is the digest pipeline lifecycle. Construct with New(), feed with
// Generate(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        store.Store
	engine       *pipeline.Engine
	hooks        []DeliveryHook
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the pipeline. It opens the store, wires all
// subsystems, and returns a ready App. It does not start goroutines.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.storeDriver != "" {
		cfg.StoreDriver = o.storeDriver
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.requiredScope != nil {
		cfg.RequiredScope = *o.requiredScope
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("youyaku starting", "version", version, "store", cfg.StoreDriver)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := newStore(cfg, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("store: %w", err)
	}

	var invoker backend.Invoker
	if o.backend != nil {
		invoker = &backendAdapter{b: o.backend}
	} else {
		invoker = newInvoker(cfg, logger)
	}

	validator, err := schema.New(cfg.RepairAttempts, logger)
	if err != nil {
		_ = st.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema: %w", err)
	}

	scopes, err := scope.NewVerifier("", cfg.ScopePublicKeyPath)
	if err != nil {
		_ = st.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("scope: %w", err)
	}

	metrics := telemetry.NewMetrics()
	ledger := router.NewLedger(cfg.BudgetWindow, cfg.PremiumCallLimit, cfg.PremiumTokenLimit)
	breakers := router.NewBreakers(cfg.CircuitFailureThreshold, cfg.CircuitRecoveryTimeout)
	rt := router.New(invoker, ledger, breakers, router.Config{
		RetryAttempts:   cfg.RetryAttempts,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		InvokeTimeout:   cfg.InvokeTimeout,
		FallbackEnabled: cfg.FallbackEnabled,
		PremiumModel:    cfg.PremiumModel,
		StandardModel:   cfg.StandardModel,
		MaxTokens:       cfg.MaxTokens,
		Temperature:     cfg.Temperature,
		PremiumStages:   premiumStages(),
	}, logger, metrics)

	gate := quality.New(quality.Config{
		PassThreshold: cfg.QualityPassThreshold,
		CoverageMin:   cfg.QualityCoverageMin,
		CorrectBelow:  cfg.QualityCorrectBelow,
		MinTopics:     cfg.QualityMinTopics,
		TopTerms:      cfg.QualityTopTerms,
	}, logger)

	recorder := deadletter.New(st, cfg.DLQBackoffBase, cfg.DLQMaxAttempts, logger)
	builder := threads.New(cfg.ThreadTimeGap, cfg.ThreadSimilarityMin, cfg.ThreadMaxLen)
	engine := pipeline.New(st, rt, validator, gate, recorder, builder, scopes, cfg, logger, metrics)

	return &App{
		cfg:          cfg,
		store:        st,
		engine:       engine,
		hooks:        o.deliveryHooks,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Generate runs one window to a terminal delivery decision.
// Returns ErrRunActive when the window lock is held elsewhere; every
// other failure class resolves into a well-formed Result.
func (a *App) Generate(ctx context.Context, req Request) (Result, error) {
	if req.TenantID == "" || req.GroupID == "" || req.WindowID == "" {
		return Result{}, errors.New("youyaku: tenant, group, and window ids are required")
	}

	internal := toInternalRequest(req)
	state, err := a.engine.Run(ctx, internal)
	if err != nil {
		return Result{}, err
	}
	res := toPublicResult(state)
	a.logger.Debug("digest generated",
		"window", req.WindowID, "status", res.Delivery.Status, "summary", trimmedPreview(res.Summary))

	if res.Delivery.Status == DeliveryPending {
		for _, hook := range a.hooks {
			go a.fireHook(hook, req, res)
		}
	}
	return res, nil
}

// Close releases the store and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if err := a.store.Close(ctx); err != nil {
		firstErr = err
	}
	if err := a.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *App) fireHook(hook DeliveryHook, req Request, res Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("delivery hook panicked", "panic", p)
		}
	}()
	if err := hook.OnDigestReady(ctx, req, res); err != nil {
		a.logger.Error("delivery hook failed", "window", req.WindowID, "error", err)
	}
}

// newStore opens the configured store driver.
func newStore(cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), nil
	case "postgres":
		return store.NewPostgres(context.Background(), cfg.DatabaseURL, logger)
	default:
		return store.NewSQLite(context.Background(), cfg.SQLitePath, logger)
	}
}

// newInvoker auto-detects the generation backend: explicit provider
// setting first, then OpenAI if an API key is present, then Ollama.
func newInvoker(cfg config.Config, logger *slog.Logger) backend.Invoker {
	switch cfg.BackendProvider {
	case "openai":
		return backend.NewOpenAI(cfg.OpenAIAPIKey)
	case "ollama":
		return backend.NewOllama(cfg.OllamaURL)
	}
	if cfg.OpenAIAPIKey != "" {
		logger.Info("backend: openai (api key present)")
		return backend.NewOpenAI(cfg.OpenAIAPIKey)
	}
	logger.Info("backend: ollama", "url", cfg.OllamaURL)
	return backend.NewOllama(cfg.OllamaURL)
}

// premiumStages lists the stages whose preferred tier is premium:
// composition and the quality judge benefit most from the stronger model.
func premiumStages() map[string]bool {
	return map[string]bool{
		string(model.StageCompose):  true,
		string(model.StageEvaluate): true,
	}
}

// backendAdapter bridges the public Backend interface to the internal one.
type backendAdapter struct {
	b Backend
}

func (a *backendAdapter) Invoke(ctx context.Context, req backend.Request) (backend.Response, error) {
	resp, err := a.b.Invoke(ctx, BackendRequest{
		Prompt:      req.Prompt,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return backend.Response{}, err
	}
	return backend.Response{Content: resp.Content, Model: resp.Model}, nil
}

// toInternalRequest converts the public request to the internal model.
func toInternalRequest(req Request) model.WindowRequest {
	msgs := make([]model.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, model.Message{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Sender:    m.SenderName,
			Text:      m.Text,
			ReplyToID: m.ReplyToID,
			SentAt:    m.SentAt,
		})
	}
	return model.WindowRequest{
		TenantID:   req.TenantID,
		GroupID:    req.GroupID,
		WindowID:   req.WindowID,
		TraceID:    req.TraceID,
		Messages:   msgs,
		Scopes:     req.Scopes,
		ScopeToken: req.ScopeToken,
	}
}

// toPublicResult converts the internal result to the public type.
func toPublicResult(r model.ExecutionResult) Result {
	topics := make([]Topic, 0, len(r.Topics))
	for _, t := range r.Topics {
		topics = append(topics, Topic{
			Label:        t.Label,
			Summary:      t.Summary,
			Participants: t.Participants,
			MessageIDs:   t.MessageIDs,
		})
	}
	errs := make([]StageError, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, StageError{
			Stage:   string(e.Stage),
			Code:    e.Code,
			Message: e.Message,
			At:      e.At,
		})
	}
	return Result{
		Summary:      r.Summary,
		Topics:       topics,
		Participants: r.Participants,
		Metrics: Metrics{
			Faithfulness: r.Metrics.Faithfulness,
			Coherence:    r.Metrics.Coherence,
			Coverage:     r.Metrics.Coverage,
			Focus:        r.Metrics.Focus,
		},
		QualityPass:  r.QualityPass,
		QualityScore: r.QualityScore,
		Delivery: Delivery{
			Status: DeliveryStatus(r.Delivery.Status),
			Reason: r.Delivery.Reason,
		},
		Errors:        errs,
		DLQEvents:     r.DLQEvents,
		SchemaVersion: r.SchemaVersion,
	}
}

// trimmedPreview returns the first line of a summary for log fields.
func trimmedPreview(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
