// Package backend provides generation backend clients. The pipeline never
// talks to a model API directly; it goes through the router, which goes
// through an Invoker.
//
// Errors are classified transient or permanent so the router can decide
// between retry, tier fallback, and stage-fatal escalation.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Request is one generation call.
type Request struct {
	Prompt      string
	Model       string // model alias resolved by the router's tier config
	MaxTokens   int
	Temperature float64
}

// Response is the backend's reply.
type Response struct {
	Content string
	Model   string // model actually used, as reported by the backend
}

// Invoker is a generation backend client. Implementations must honor the
// context deadline; the router supplies a per-call timeout.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// TransientError marks a failure worth retrying: timeouts, rate limits,
// and server-side errors. Anything else is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
// Context deadline expiry counts as transient for retry-accounting purposes.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// statusError converts an HTTP status into a classified error.
func statusError(provider string, status int, body string) error {
	err := fmt.Errorf("%s: status %d: %s", provider, status, body)
	if status == 429 || status >= 500 {
		return Transient(err)
	}
	return err
}
