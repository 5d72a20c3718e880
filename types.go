package youyaku

import "time"

// Message is one conversation message inside a digest window.
// Context assembly (deduplication, ranking, PII masking) happens before
// the pipeline; messages are consumed as-is.
type Message struct {
	ID         string
	SenderID   string
	SenderName string
	Text       string
	ReplyToID  string
	SentAt     time.Time
}

// Request is one bounded unit of digest work. Identity is the
// (TenantID, GroupID, WindowID) triple; a window is processed at most
// once concurrently.
type Request struct {
	TenantID string
	GroupID  string
	WindowID string
	TraceID  string
	Messages []Message
	// Scopes are the caller's capability scopes, checked by the delivery
	// stage. Ignored when ScopeToken is set.
	Scopes []string
	// ScopeToken is an optional signed Ed25519 token carrying the
	// capability scopes as a claim.
	ScopeToken string
}

// Topic is one synthesized discussion topic.
type Topic struct {
	Label        string
	Summary      string
	Participants []string
	MessageIDs   []string
}

// Metrics are the judge-scored quality dimensions, each in [0,1].
type Metrics struct {
	Faithfulness float64
	Coherence    float64
	Coverage     float64
	Focus        float64
}

// DeliveryStatus is the terminal outcome of a run.
type DeliveryStatus string

const (
	DeliveryPending        DeliveryStatus = "pending"
	DeliverySkipped        DeliveryStatus = "skipped"
	DeliveryBlockedQuality DeliveryStatus = "blocked_quality"
	DeliveryBlockedRBAC    DeliveryStatus = "blocked_rbac"
)

// Delivery is the pipeline's decision. Dispatching the digest to a chat
// channel is the caller's job.
type Delivery struct {
	Status DeliveryStatus
	Reason string
}

// StageError is one recorded stage failure. The pipeline degrades
// instead of aborting, so errors accompany an otherwise usable result.
type StageError struct {
	Stage   string
	Code    string
	Message string
	At      time.Time
}

// Result is the terminal outcome of Generate. Always well-formed: every
// failure class inside the run resolves into a Result, never a panic.
type Result struct {
	Summary      string
	Topics       []Topic
	Participants []string
	Metrics      Metrics
	QualityPass  bool
	QualityScore float64
	Delivery     Delivery
	Errors       []StageError
	DLQEvents    []string

	// SchemaVersion stamps the artifact format this result was built with.
	SchemaVersion string
}
