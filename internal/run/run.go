// Package run models one execution attempt of a rule and persists its
// state machine: pending → running → {completed | failed}, with cancelled
// reachable from any non-terminal state. Terminal rows are immutable; all
// transitions go through conditional UPDATEs so concurrent callbacks
// cannot double-apply them.
package run

import "time"

// Status is the rule-run state machine position.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TriggerSource records what created a run.
type TriggerSource string

const (
	SourceEvent    TriggerSource = "event"
	SourceSchedule TriggerSource = "schedule"
	SourceWebhook  TriggerSource = "webhook"
	SourceManual   TriggerSource = "manual"
	SourceTest     TriggerSource = "test"
)

// ExecutedAction is the ordered record of one action the executor ran.
type ExecutedAction struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	Async      bool   `json:"async,omitempty"`
	Done       bool   `json:"done,omitempty"` // async action reported terminal
	DeliveryID string `json:"delivery_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
}

// Run is one execution attempt of a rule.
type Run struct {
	ID            string
	TenantID      string
	RuleID        string
	EventID       string
	TriggerSource TriggerSource
	Status        Status

	TriggerData     map[string]any
	ExecutedActions []ExecutedAction
	ErrorMessage    string
	AgentTaskID     string

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
