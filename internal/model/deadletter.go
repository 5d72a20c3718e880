package model

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetterStatus is the reprocessing state of a dead-letter record.
type DeadLetterStatus string

const (
	DeadLetterPending          DeadLetterStatus = "pending"
	DeadLetterReprocessed      DeadLetterStatus = "reprocessed"
	DeadLetterPermanentFailure DeadLetterStatus = "permanent_failure"
)

// Dead-letter field caps. Longer values are truncated, never rejected.
const (
	MaxErrorMessageLen = 1000
	MaxStackTraceLen   = 5000
)

// DeadLetterRecord is the durable record of an unrecoverable stage failure.
// Created by the pipeline with RetryCount=0; mutated only by the external
// reprocessing consumer.
type DeadLetterRecord struct {
	ID           uuid.UUID        `json:"id"`
	TenantID     string           `json:"tenant_id"`
	EntityType   string           `json:"entity_type"`
	EventType    string           `json:"event_type"`
	Payload      map[string]any   `json:"payload,omitempty"`
	ErrorCode    string           `json:"error_code"`
	ErrorMessage string           `json:"error_message"`
	StackTrace   string           `json:"stack_trace,omitempty"`
	RetryCount   int              `json:"retry_count"`
	MaxAttempts  int              `json:"max_attempts"`
	FirstSeenAt  time.Time        `json:"first_seen_at"`
	NextRetryAt  time.Time        `json:"next_retry_at"`
	Status       DeadLetterStatus `json:"status"`
}

// Truncate enforces the message and stack-trace caps in place.
func (r *DeadLetterRecord) Truncate() {
	if len(r.ErrorMessage) > MaxErrorMessageLen {
		r.ErrorMessage = r.ErrorMessage[:MaxErrorMessageLen]
	}
	if len(r.StackTrace) > MaxStackTraceLen {
		r.StackTrace = r.StackTrace[:MaxStackTraceLen]
	}
}

// NextRetryAt computes the reprocessing schedule for a record first seen at
// firstSeen with retryCount attempts already made:
//
//	next_retry_at = first_seen + backoff_base * 2^retry_count
func NextRetryAt(firstSeen time.Time, backoffBase time.Duration, retryCount int) time.Time {
	return firstSeen.Add(backoffBase << uint(retryCount)) //nolint:gosec // retryCount is bounded by MaxAttempts
}

// Advance applies one external reprocessing attempt to the record: it
// increments RetryCount, recomputes NextRetryAt, and flips the record to
// permanent_failure once RetryCount reaches MaxAttempts. Records already
// in a terminal status are unchanged.
func (r *DeadLetterRecord) Advance(backoffBase time.Duration) {
	if r.Status != DeadLetterPending {
		return
	}
	r.RetryCount++
	r.NextRetryAt = NextRetryAt(r.FirstSeenAt, backoffBase, r.RetryCount)
	if r.RetryCount >= r.MaxAttempts {
		r.Status = DeadLetterPermanentFailure
	}
}
