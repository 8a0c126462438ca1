// Package delivery implements the reliable outbound webhook pipeline:
// HMAC-SHA256 signed POSTs with SSRF-filtered egress, bounded retries on a
// fixed backoff schedule, and completion events published back to the
// owning rule run's reconciler. Delivery is at-least-once; receivers dedup
// on the X-Harmonic-Delivery header.
package delivery

import "time"

// Status is the delivery state machine position.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusRetrying Status = "retrying"
	StatusFailed   Status = "failed"
)

// Terminal reports whether a delivery permits no further attempts.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// MaxAttempts bounds the total number of HTTP attempts per delivery.
const MaxAttempts = 5

// RetryDelays is the fixed backoff schedule: the delay before attempt n+1
// is RetryDelays[n-1].
var RetryDelays = [...]time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

// ResponseBodyLimit caps how much of a response body is stored.
const ResponseBodyLimit = 1024

// RequestTimeout is the fixed per-attempt HTTP timeout, independent of the
// retry schedule.
const RequestTimeout = 30 * time.Second

// Delivery is one outbound HTTP attempt set for one webhook action.
type Delivery struct {
	ID      string
	RunID   string
	EventID string

	URL    string
	Secret string
	Body   string

	// EventType fills the X-Harmonic-Event header: the source event's type,
	// or "automation.<trigger_type>" for non-event triggers.
	EventType string

	Status       Status
	AttemptCount int
	ResponseCode int
	ResponseBody string
	ErrorMessage string

	NextRetryAt *time.Time
	DeliveredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CompletionEvent is published when a delivery reaches a terminal status.
// The run reconciler subscribes and re-evaluates the owning run.
type CompletionEvent struct {
	DeliveryID     string
	RunID          string
	TerminalStatus Status
}
