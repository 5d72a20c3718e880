// Package model defines the core domain types for the digest pipeline:
// window requests, execution state, stage artifacts, quality verdicts,
// dead-letter records, and baseline snapshots.
package model

import (
	"strings"
	"time"
)

// Message is one sanitized conversation message inside a window.
// Context assembly (deduplication, ranking, PII masking) happens upstream;
// the pipeline consumes messages as-is.
type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Sender    string    `json:"sender,omitempty"`
	Text      string    `json:"text"`
	ReplyToID string    `json:"reply_to_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// WindowRequest identifies one bounded unit of digest work.
// Identity is the (TenantID, GroupID, WindowID) triple; immutable once accepted.
type WindowRequest struct {
	TenantID string    `json:"tenant_id"`
	GroupID  string    `json:"group_id"`
	WindowID string    `json:"window_id"`
	TraceID  string    `json:"trace_id"`
	Messages []Message `json:"messages"`
	// Scopes are the caller-supplied capability scopes checked by the
	// delivery stage. Ignored when a signed ScopeToken is present.
	Scopes []string `json:"scopes,omitempty"`
	// ScopeToken is an optional signed token whose claims carry the
	// capability scopes. Verified against the configured public key.
	ScopeToken string `json:"scope_token,omitempty"`
}

// LockKey returns the exclusive-run lock key for this window.
func (r WindowRequest) LockKey() string {
	return r.TenantID + "/" + r.GroupID + "/" + r.WindowID
}

// Sanitize trims whitespace and drops messages with empty text.
// Order is preserved.
func Sanitize(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		m.Text = strings.TrimSpace(m.Text)
		if m.Text == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// DigestMode selects the processing depth for a window.
type DigestMode string

const (
	// ModeMicro bypasses the generation backend for the heavy stages in
	// favor of cheap heuristics. Selected for small windows.
	ModeMicro DigestMode = "micro"
	// ModeNormal is the full pipeline.
	ModeNormal DigestMode = "normal"
	// ModeLarge additionally chunks oversized threads.
	ModeLarge DigestMode = "large"
)

// ModeFor selects the digest mode from the sanitized message count.
func ModeFor(count, microMax, largeMin int) DigestMode {
	switch {
	case count <= microMax:
		return ModeMicro
	case count > largeMin:
		return ModeLarge
	default:
		return ModeNormal
	}
}

// Thread is an ordered cluster of messages forming one conversation strand.
type Thread struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
}

// Last returns the most recent message of the thread.
// Threads are never empty; callers rely on that.
func (t Thread) Last() Message {
	return t.Messages[len(t.Messages)-1]
}
