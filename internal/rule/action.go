package rule

import (
	"encoding/json"
	"fmt"
)

// Action types accepted in a general rule's action list.
const (
	ActionInternal     = "internal_action"
	ActionWebhook      = "webhook"
	ActionTriggerAgent = "trigger_agent"
)

// Action is one entry of a general rule's ordered action list. The concrete
// type is selected by the YAML-level "type" tag; consumption sites switch
// exhaustively on it.
type Action interface {
	ActionType() string
}

// InternalAction invokes a platform-native action (create_note,
// create_decision, create_commitment) as the studio's identity actor.
// Params carries the YAML-level fields (title, text, ...) which the action
// dispatcher maps to platform parameter names.
type InternalAction struct {
	Name   string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

func (a InternalAction) ActionType() string { return ActionInternal }

// WebhookAction POSTs a templated JSON payload to an external URL through
// the signed, SSRF-filtered delivery pipeline. Secret signs the outbound
// request; when empty, the rule's webhook secret is used.
type WebhookAction struct {
	URL     string `json:"url"`
	Payload any    `json:"payload,omitempty"`
	Secret  string `json:"secret,omitempty"`
}

func (a WebhookAction) ActionType() string { return ActionWebhook }

// TriggerAgentAction creates a queued task for another agent, subject to
// the cross-entity authorization check in the executor.
type TriggerAgentAction struct {
	AgentID  string `json:"agent_id"`
	Task     string `json:"task,omitempty"`
	MaxSteps int    `json:"max_steps,omitempty"`
}

func (a TriggerAgentAction) ActionType() string { return ActionTriggerAgent }

// actionEnvelope is the tagged JSON encoding used for persistence.
type actionEnvelope struct {
	Type     string         `json:"type"`
	Action   string         `json:"action,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	URL      string         `json:"url,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Secret   string         `json:"secret,omitempty"`
	AgentID  string         `json:"agent_id,omitempty"`
	Task     string         `json:"task,omitempty"`
	MaxSteps int            `json:"max_steps,omitempty"`
}

// EncodeActions serializes an action list to the tagged JSON stored on the
// rule row.
func EncodeActions(actions []Action) ([]byte, error) {
	envelopes := make([]actionEnvelope, 0, len(actions))
	for _, a := range actions {
		env := actionEnvelope{Type: a.ActionType()}
		switch act := a.(type) {
		case InternalAction:
			env.Action = act.Name
			env.Params = act.Params
		case WebhookAction:
			env.URL = act.URL
			env.Payload = act.Payload
			env.Secret = act.Secret
		case TriggerAgentAction:
			env.AgentID = act.AgentID
			env.Task = act.Task
			env.MaxSteps = act.MaxSteps
		default:
			return nil, fmt.Errorf("unknown action type %q", a.ActionType())
		}
		envelopes = append(envelopes, env)
	}
	return json.Marshal(envelopes)
}

// DecodeActions deserializes the tagged JSON action list from a rule row.
func DecodeActions(data []byte) ([]Action, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var envelopes []actionEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("decoding actions: %w", err)
	}
	actions := make([]Action, 0, len(envelopes))
	for i, env := range envelopes {
		switch env.Type {
		case ActionInternal:
			actions = append(actions, InternalAction{Name: env.Action, Params: env.Params})
		case ActionWebhook:
			actions = append(actions, WebhookAction{URL: env.URL, Payload: env.Payload, Secret: env.Secret})
		case ActionTriggerAgent:
			actions = append(actions, TriggerAgentAction{AgentID: env.AgentID, Task: env.Task, MaxSteps: env.MaxSteps})
		default:
			return nil, fmt.Errorf("decoding actions: entry %d has unknown type %q", i, env.Type)
		}
	}
	return actions, nil
}
