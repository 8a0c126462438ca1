package rule

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ibis-coordination/harmonic-automation/internal/condition"
)

// FieldError is one validation failure, addressed by a dot path into the
// YAML document.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// DefinitionErrors is the full set of validation failures for a rule
// document. Parsing never partially applies: on any error the caller gets
// the complete list and no definition.
type DefinitionErrors []FieldError

func (e DefinitionErrors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		if fe.Path == "" {
			msgs[i] = fe.Message
		} else {
			msgs[i] = fe.Path + ": " + fe.Message
		}
	}
	return "invalid rule definition: " + strings.Join(msgs, "; ")
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Parse validates a rule YAML document and builds a typed Definition.
// agentID selects agent-rule validation (task required, actions forbidden)
// versus general-rule validation (actions required). All errors are
// accumulated; on failure the returned error is a DefinitionErrors and the
// definition is nil.
func Parse(source string, agentID string) (*Definition, error) {
	doc, err := decodeDocument(source)
	if err != nil {
		return nil, DefinitionErrors{{Message: err.Error()}}
	}

	errs, err := validateShape(doc)
	if err != nil {
		return nil, DefinitionErrors{{Message: err.Error()}}
	}
	if len(errs) > 0 {
		// Shape errors make field-level checks unreliable; report them as-is.
		return nil, DefinitionErrors(errs)
	}

	v := &validator{doc: doc, agentRule: agentID != ""}
	def := v.run()
	if len(v.errs) > 0 {
		return nil, DefinitionErrors(v.errs)
	}
	def.SourceYAML = source
	return def, nil
}

type validator struct {
	doc       map[string]any
	agentRule bool
	errs      []FieldError
}

func (v *validator) addError(path, format string, args ...any) {
	v.errs = append(v.errs, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) run() *Definition {
	def := &Definition{}

	def.Name, _ = v.doc["name"].(string)
	if def.Name == "" {
		v.addError("name", "is required")
	}
	def.Description, _ = v.doc["description"].(string)

	v.validateTrigger(def)
	v.validateConditions(def)
	v.validateBehavior(def)

	if maxSteps, ok := numberField(v.doc["max_steps"]); ok {
		def.Trigger.MaxSteps = maxSteps
	}

	return def
}

func (v *validator) validateTrigger(def *Definition) {
	trigger, ok := v.doc["trigger"].(map[string]any)
	if !ok {
		v.addError("trigger", "is required")
		return
	}

	triggerType, _ := trigger["type"].(string)
	switch TriggerType(triggerType) {
	case TriggerEvent, TriggerSchedule, TriggerWebhook, TriggerManual:
		def.TriggerType = TriggerType(triggerType)
	default:
		v.addError("trigger.type", "must be one of event, schedule, webhook, manual (got %q)", triggerType)
		return
	}

	switch def.TriggerType {
	case TriggerEvent:
		def.Trigger.EventType, _ = trigger["event_type"].(string)
		if def.Trigger.EventType == "" {
			v.addError("trigger.event_type", "is required for event triggers")
		}
	case TriggerSchedule:
		def.Trigger.Cron, _ = trigger["cron"].(string)
		def.Trigger.Timezone, _ = trigger["timezone"].(string)
		v.validateCron(def.Trigger.Cron)
	case TriggerManual:
		if inputs, ok := trigger["inputs"].(map[string]any); ok {
			def.Trigger.Inputs = inputs
		}
	case TriggerWebhook:
		// No required sub-fields.
	}

	if mf, present := trigger["mention_filter"]; present {
		filter, _ := mf.(string)
		def.Trigger.MentionFilter = filter
		if filter != MentionSelf && filter != MentionAnyAgent {
			v.addError("trigger.mention_filter", "must be one of self, any_agent (got %q)", filter)
		}
		if def.TriggerType != TriggerEvent {
			v.addError("trigger.mention_filter", "is only valid for event triggers")
		}
	}
}

func (v *validator) validateCron(expr string) {
	if expr == "" {
		v.addError("trigger.cron", "is required for schedule triggers")
		return
	}
	if fields := strings.Fields(expr); len(fields) != 5 {
		v.addError("trigger.cron", "must have exactly 5 fields (got %d)", len(strings.Fields(expr)))
		return
	}
	if _, err := cronParser.Parse(expr); err != nil {
		v.addError("trigger.cron", "is not a valid cron expression: %v", err)
	}
}

func (v *validator) validateConditions(def *Definition) {
	raw, present := v.doc["conditions"]
	if !present {
		return
	}
	list, ok := raw.([]any)
	if !ok {
		v.addError("conditions", "must be a list")
		return
	}
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			v.addError(fmt.Sprintf("conditions.%d", i), "must be a mapping")
			continue
		}
		cond := condition.Condition{Value: entry["value"]}
		cond.Field, _ = entry["field"].(string)
		cond.Operator, _ = entry["operator"].(string)
		if cond.Field == "" {
			v.addError(fmt.Sprintf("conditions.%d.field", i), "is required")
		}
		if cond.Operator == "" {
			v.addError(fmt.Sprintf("conditions.%d.operator", i), "is required")
		} else if !condition.IsOperator(cond.Operator) {
			v.addError(fmt.Sprintf("conditions.%d.operator", i), "unsupported operator %q", cond.Operator)
		}
		def.Conditions = append(def.Conditions, cond)
	}
}

func (v *validator) validateBehavior(def *Definition) {
	task, hasTask := v.doc["task"].(string)
	_, hasActions := v.doc["actions"]

	if v.agentRule {
		if !hasTask || task == "" {
			v.addError("task", "is required for agent rules")
		}
		if hasActions {
			v.addError("actions", "are not allowed on agent rules")
		}
		def.TaskTemplate = task
		return
	}

	if !hasActions && (!hasTask || task == "") {
		v.addError("actions", "are required for general rules (or provide a task)")
		return
	}
	if hasTask {
		def.TaskTemplate = task
	}
	if hasActions {
		v.validateActions(def)
	}
}

func (v *validator) validateActions(def *Definition) {
	list, ok := v.doc["actions"].([]any)
	if !ok {
		v.addError("actions", "must be a list")
		return
	}
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			v.addError(fmt.Sprintf("actions.%d", i), "must be a mapping")
			continue
		}
		actionType, _ := entry["type"].(string)
		switch actionType {
		case ActionInternal:
			name, _ := entry["action"].(string)
			if name == "" {
				v.addError(fmt.Sprintf("actions.%d.action", i), "is required for internal_action")
				continue
			}
			params := make(map[string]any)
			for k, val := range entry {
				if k != "type" && k != "action" {
					params[k] = val
				}
			}
			def.Actions = append(def.Actions, InternalAction{Name: name, Params: params})
		case ActionWebhook:
			url, _ := entry["url"].(string)
			if url == "" {
				v.addError(fmt.Sprintf("actions.%d.url", i), "is required for webhook actions")
				continue
			}
			secret, _ := entry["secret"].(string)
			def.Actions = append(def.Actions, WebhookAction{URL: url, Payload: entry["payload"], Secret: secret})
		case ActionTriggerAgent:
			aid, _ := entry["agent_id"].(string)
			if aid == "" {
				v.addError(fmt.Sprintf("actions.%d.agent_id", i), "is required for trigger_agent actions")
				continue
			}
			task, _ := entry["task"].(string)
			maxSteps, _ := numberField(entry["max_steps"])
			def.Actions = append(def.Actions, TriggerAgentAction{AgentID: aid, Task: task, MaxSteps: maxSteps})
		default:
			v.addError(fmt.Sprintf("actions.%d.type", i), "must be one of internal_action, webhook, trigger_agent (got %q)", actionType)
		}
	}
}

// numberField reads a YAML/JSON numeric value as an int.
func numberField(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// GenerateYAML renders a rule's attributes back into DSL form for
// round-trip display and editing. The output re-parses to an equivalent
// definition.
func GenerateYAML(r *Rule) (string, error) {
	doc := map[string]any{
		"name": r.Name,
	}
	if r.Description != "" {
		doc["description"] = r.Description
	}

	trigger := map[string]any{"type": string(r.TriggerType)}
	switch r.TriggerType {
	case TriggerEvent:
		trigger["event_type"] = r.Trigger.EventType
		if r.Trigger.MentionFilter != "" {
			trigger["mention_filter"] = r.Trigger.MentionFilter
		}
	case TriggerSchedule:
		trigger["cron"] = r.Trigger.Cron
		if r.Trigger.Timezone != "" {
			trigger["timezone"] = r.Trigger.Timezone
		}
	case TriggerManual:
		if len(r.Trigger.Inputs) > 0 {
			trigger["inputs"] = r.Trigger.Inputs
		}
	}
	doc["trigger"] = trigger

	if len(r.Conditions) > 0 {
		conds := make([]map[string]any, len(r.Conditions))
		for i, c := range r.Conditions {
			conds[i] = map[string]any{"field": c.Field, "operator": c.Operator, "value": c.Value}
		}
		doc["conditions"] = conds
	}

	if r.TaskTemplate != "" {
		doc["task"] = r.TaskTemplate
	}
	if len(r.Actions) > 0 {
		list := make([]map[string]any, 0, len(r.Actions))
		for _, a := range r.Actions {
			entry := map[string]any{"type": a.ActionType()}
			switch act := a.(type) {
			case InternalAction:
				entry["action"] = act.Name
				for k, val := range act.Params {
					entry[k] = val
				}
			case WebhookAction:
				entry["url"] = act.URL
				if act.Payload != nil {
					entry["payload"] = act.Payload
				}
				if act.Secret != "" {
					entry["secret"] = act.Secret
				}
			case TriggerAgentAction:
				entry["agent_id"] = act.AgentID
				if act.Task != "" {
					entry["task"] = act.Task
				}
				if act.MaxSteps > 0 {
					entry["max_steps"] = act.MaxSteps
				}
			}
			list = append(list, entry)
		}
		doc["actions"] = list
	}
	if r.Trigger.MaxSteps > 0 {
		doc["max_steps"] = r.Trigger.MaxSteps
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("generating rule YAML: %w", err)
	}
	return string(out), nil
}
