package youyaku

import "context"

// BackendRequest is one generation call.
type BackendRequest struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// BackendResponse is a successful generation.
type BackendResponse struct {
	Content string
	Model   string
}

// Backend generates text. When provided via WithBackend it replaces the
// auto-detected Ollama/OpenAI client; the model router still owns
// retries, circuit breaking, and tier selection around it.
// Transient failures should be wrapped with Transient so the router
// retries them; other errors fail the tier immediately.
type Backend interface {
	Invoke(ctx context.Context, req BackendRequest) (BackendResponse, error)
}

// DeliveryHook receives digests whose delivery status is pending.
// Hooks run in goroutines after the run completes; they must not block
// indefinitely. Failures are logged, never surfaced to Generate.
type DeliveryHook interface {
	OnDigestReady(ctx context.Context, req Request, res Result) error
}
