// Package rule defines tenant automation rules: the typed model, the YAML
// DSL parser that turns a rule document into a validated definition, and
// the SQLite store the engine reads rules from.
package rule

import (
	"time"

	"github.com/ibis-coordination/harmonic-automation/internal/condition"
)

// TriggerType classifies what causes a rule to run.
type TriggerType string

const (
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
	TriggerManual   TriggerType = "manual"
)

// Mention filter values for event-triggered agent rules.
const (
	MentionSelf     = "self"
	MentionAnyAgent = "any_agent"
)

// TriggerConfig holds the trigger-type-specific configuration. Only the
// fields for the rule's trigger type are meaningful.
type TriggerConfig struct {
	EventType     string         `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	MentionFilter string         `json:"mention_filter,omitempty" yaml:"mention_filter,omitempty"`
	Cron          string         `json:"cron,omitempty" yaml:"cron,omitempty"`
	Timezone      string         `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	MaxSteps      int            `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
}

// Rule is a tenant-scoped automation definition. Agent rules (AgentID set)
// carry a task template and no action list; general rules carry an action
// list and no task template.
type Rule struct {
	ID          string
	TenantID    string
	StudioID    string
	AgentID     string
	Name        string
	Description string

	TriggerType TriggerType
	Trigger     TriggerConfig
	Conditions  []condition.Condition

	TaskTemplate string
	Actions      []Action

	// WebhookSecret signs inbound requests when this rule is the target of
	// a webhook trigger. WebhookPath is the public /hooks/{path} suffix.
	WebhookSecret   string
	WebhookPath     string
	AllowedSourceIP string

	Enabled        bool
	ExecutionCount int
	CreatedBy      string
	SourceYAML     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentDirected reports whether this rule produces an agent task rather
// than executing a general action list.
func (r *Rule) AgentDirected() bool { return r.AgentID != "" }

// Definition is the validated, typed result of parsing a rule YAML
// document. It carries everything needed to create or update a Rule.
type Definition struct {
	Name         string
	Description  string
	TriggerType  TriggerType
	Trigger      TriggerConfig
	Conditions   []condition.Condition
	TaskTemplate string
	Actions      []Action
	SourceYAML   string
}
