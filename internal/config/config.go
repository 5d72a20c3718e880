// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Store settings.
	StoreDriver string // "sqlite", "postgres", or "memory"
	SQLitePath  string
	DatabaseURL string // Postgres URL when StoreDriver is "postgres".
	LockTTL     time.Duration

	// Window shaping.
	MinMessages      int // Windows below this skip with "too_few_messages".
	MicroMaxMessages int // Windows at or below this run in micro mode.
	LargeMinMessages int // Windows above this run in large mode.

	// Thread builder settings.
	ThreadTimeGap       time.Duration
	ThreadSimilarityMin float64
	ThreadMaxLen        int

	// Generation backend settings.
	BackendProvider string // "auto", "ollama", "openai", or "scripted"
	OpenAIAPIKey    string
	OllamaURL       string
	PremiumModel    string
	StandardModel   string
	InvokeTimeout   time.Duration
	MaxTokens       int
	Temperature     float64

	// Model router resilience settings.
	RetryAttempts           int
	RetryBaseDelay          time.Duration
	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration
	FallbackEnabled         bool

	// Premium tier rolling budget (per tenant).
	BudgetWindow      time.Duration
	PremiumCallLimit  int
	PremiumTokenLimit int64

	// Schema repair.
	RepairAttempts int

	// Quality gate thresholds. The coverage and self-correction cutoffs are
	// deliberately independent of the pass threshold.
	QualityPassThreshold float64
	QualityCoverageMin   float64
	QualityCorrectBelow  float64
	QualityMinTopics     int
	QualityTopTerms      int
	SelfVerifyMaxTokens  int

	// Dead-letter settings.
	DLQBackoffBase time.Duration
	DLQMaxAttempts int

	// Delivery scope settings.
	ScopePublicKeyPath string // Ed25519 public key PEM for scope tokens.
	RequiredScope      string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		StoreDriver:             envStr("YOUYAKU_STORE_DRIVER", "sqlite"),
		SQLitePath:              envStr("YOUYAKU_SQLITE_PATH", "youyaku.db"),
		DatabaseURL:             envStr("DATABASE_URL", ""),
		LockTTL:                 envDuration("YOUYAKU_LOCK_TTL", 10*time.Minute),
		MinMessages:             envInt("YOUYAKU_MIN_MESSAGES", 8),
		MicroMaxMessages:        envInt("YOUYAKU_MICRO_MAX_MESSAGES", 20),
		LargeMinMessages:        envInt("YOUYAKU_LARGE_MIN_MESSAGES", 200),
		ThreadTimeGap:           envDuration("YOUYAKU_THREAD_TIME_GAP", 5*time.Minute),
		ThreadSimilarityMin:     envFloat("YOUYAKU_THREAD_SIMILARITY_MIN", 0.25),
		ThreadMaxLen:            envInt("YOUYAKU_THREAD_MAX_LEN", 60),
		BackendProvider:         envStr("YOUYAKU_BACKEND", "auto"),
		OpenAIAPIKey:            envStr("OPENAI_API_KEY", ""),
		OllamaURL:               envStr("OLLAMA_URL", "http://localhost:11434"),
		PremiumModel:            envStr("YOUYAKU_PREMIUM_MODEL", "gpt-4o"),
		StandardModel:           envStr("YOUYAKU_STANDARD_MODEL", "gpt-4o-mini"),
		InvokeTimeout:           envDuration("YOUYAKU_INVOKE_TIMEOUT", 30*time.Second),
		MaxTokens:               envInt("YOUYAKU_MAX_TOKENS", 1024),
		Temperature:             envFloat("YOUYAKU_TEMPERATURE", 0.3),
		RetryAttempts:           envInt("YOUYAKU_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:          envDuration("YOUYAKU_RETRY_BASE_DELAY", 500*time.Millisecond),
		CircuitFailureThreshold: envInt("YOUYAKU_CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitRecoveryTimeout:  envDuration("YOUYAKU_CIRCUIT_RECOVERY_TIMEOUT", time.Minute),
		FallbackEnabled:         envBool("YOUYAKU_FALLBACK_ENABLED", true),
		BudgetWindow:            envDuration("YOUYAKU_BUDGET_WINDOW", time.Hour),
		PremiumCallLimit:        envInt("YOUYAKU_PREMIUM_CALL_LIMIT", 30),
		PremiumTokenLimit:       int64(envInt("YOUYAKU_PREMIUM_TOKEN_LIMIT", 120_000)),
		RepairAttempts:          envInt("YOUYAKU_REPAIR_ATTEMPTS", 2),
		QualityPassThreshold:    envFloat("YOUYAKU_QUALITY_PASS_THRESHOLD", 0.7),
		QualityCoverageMin:      envFloat("YOUYAKU_QUALITY_COVERAGE_MIN", 0.3),
		QualityCorrectBelow:     envFloat("YOUYAKU_QUALITY_CORRECT_BELOW", 0.6),
		QualityMinTopics:        envInt("YOUYAKU_QUALITY_MIN_TOPICS", 2),
		QualityTopTerms:         envInt("YOUYAKU_QUALITY_TOP_TERMS", 10),
		SelfVerifyMaxTokens:     envInt("YOUYAKU_SELF_VERIFY_MAX_TOKENS", 256),
		DLQBackoffBase:          envDuration("YOUYAKU_DLQ_BACKOFF_BASE", 5*time.Minute),
		DLQMaxAttempts:          envInt("YOUYAKU_DLQ_MAX_ATTEMPTS", 5),
		ScopePublicKeyPath:      envStr("YOUYAKU_SCOPE_PUBLIC_KEY", ""),
		RequiredScope:           envStr("YOUYAKU_REQUIRED_SCOPE", "digest:deliver"),
		OTELEndpoint:            envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:            envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:             envStr("OTEL_SERVICE_NAME", "youyaku"),
		LogLevel:                envStr("YOUYAKU_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("config: YOUYAKU_STORE_DRIVER must be sqlite, postgres, or memory, got %q", c.StoreDriver)
	}
	if c.StoreDriver == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required when YOUYAKU_STORE_DRIVER=postgres")
	}
	if c.MinMessages < 1 {
		return fmt.Errorf("config: YOUYAKU_MIN_MESSAGES must be positive")
	}
	if c.MicroMaxMessages >= c.LargeMinMessages {
		return fmt.Errorf("config: YOUYAKU_MICRO_MAX_MESSAGES must be below YOUYAKU_LARGE_MIN_MESSAGES")
	}
	if c.ThreadMaxLen < 2 {
		return fmt.Errorf("config: YOUYAKU_THREAD_MAX_LEN must be at least 2")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("config: YOUYAKU_RETRY_ATTEMPTS must be at least 1")
	}
	if c.CircuitFailureThreshold < 1 {
		return fmt.Errorf("config: YOUYAKU_CIRCUIT_FAILURE_THRESHOLD must be at least 1")
	}
	for name, v := range map[string]float64{
		"YOUYAKU_QUALITY_PASS_THRESHOLD": c.QualityPassThreshold,
		"YOUYAKU_QUALITY_COVERAGE_MIN":   c.QualityCoverageMin,
		"YOUYAKU_QUALITY_CORRECT_BELOW":  c.QualityCorrectBelow,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config: %s must be in [0,1]", name)
		}
	}
	if c.DLQMaxAttempts < 1 {
		return fmt.Errorf("config: YOUYAKU_DLQ_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
