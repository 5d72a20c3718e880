// Package deadletter escalates unrecoverable stage failures into
// durable records for an external reprocessing consumer.
package deadletter

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/youyaku/internal/model"
	"github.com/ashita-ai/youyaku/internal/store"
)

// Recorder appends dead-letter records. Store failures are logged and
// swallowed; the run's in-memory error list remains the record of truth.
type Recorder struct {
	store       store.Store
	backoffBase time.Duration
	maxAttempts int
	logger      *slog.Logger

	now func() time.Time
}

func New(st store.Store, backoffBase time.Duration, maxAttempts int, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:       st,
		backoffBase: backoffBase,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Record persists one failure and returns the event key for the run's
// dlq_events list. cause, when non-nil, contributes the error message
// and a stack trace.
func (r *Recorder) Record(ctx context.Context, tenantID string, stage model.Stage, errorCode, message string, payload map[string]any, cause error) string {
	if cause != nil {
		if message != "" {
			message += ": "
		}
		message += cause.Error()
	}

	now := r.now().UTC()
	rec := model.DeadLetterRecord{
		ID:           uuid.New(),
		TenantID:     tenantID,
		EntityType:   "digest_window",
		EventType:    string(stage),
		Payload:      payload,
		ErrorCode:    errorCode,
		ErrorMessage: message,
		RetryCount:   0,
		MaxAttempts:  r.maxAttempts,
		FirstSeenAt:  now,
		NextRetryAt:  now.Add(r.backoffBase),
		Status:       model.DeadLetterPending,
	}
	if cause != nil {
		rec.StackTrace = string(debug.Stack())
	}
	rec.Truncate()

	if err := r.store.AppendDeadLetter(ctx, rec); err != nil {
		r.logger.Error("deadletter: append failed",
			"tenant", tenantID, "stage", stage, "code", errorCode, "error", err)
	}
	return string(stage) + ":" + errorCode
}
