package youyaku

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger        *slog.Logger
	version       string
	storeDriver   string
	sqlitePath    string
	databaseURL   string
	backend       Backend
	requiredScope *string
	deliveryHooks []DeliveryHook
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithMemoryStore uses the in-process store: no persistence, no
// cross-process locking. Intended for tests and single-shot embedding.
func WithMemoryStore() Option {
	return func(o *resolvedOptions) { o.storeDriver = "memory" }
}

// WithSQLitePath uses the SQLite store at path, overriding config
// (YOUYAKU_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) {
		o.storeDriver = "sqlite"
		o.sqlitePath = path
	}
}

// WithDatabaseURL uses the Postgres store, overriding config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) {
		o.storeDriver = "postgres"
		o.databaseURL = url
	}
}

// WithBackend replaces the auto-detected generation backend (Ollama/OpenAI).
func WithBackend(b Backend) Option {
	return func(o *resolvedOptions) { o.backend = b }
}

// WithRequiredScope overrides the capability scope the delivery stage
// demands (YOUYAKU_REQUIRED_SCOPE env var). An empty string disables the
// scope check entirely.
func WithRequiredScope(scope string) Option {
	return func(o *resolvedOptions) { o.requiredScope = &scope }
}

// WithDeliveryHook registers a hook for pending digests. Multiple hooks
// may be registered; all receive every pending digest.
func WithDeliveryHook(hook DeliveryHook) Option {
	return func(o *resolvedOptions) { o.deliveryHooks = append(o.deliveryHooks, hook) }
}
