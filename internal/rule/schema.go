package rule

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ruleSchema is the JSON Schema for the rule YAML DSL. It checks shape and
// value types only; presence requirements and per-branch rules live in the
// parser so every violation is reported with a field path in one pass.
const ruleSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Automation rule",
  "type": "object",
  "additionalProperties": true,
  "properties": {
    "name": {"type": "string"},
    "description": {"type": "string"},
    "trigger": {
      "type": "object",
      "properties": {
        "type": {"type": "string"},
        "event_type": {"type": "string"},
        "mention_filter": {"type": "string"},
        "cron": {"type": "string"},
        "timezone": {"type": "string"},
        "inputs": {"type": "object"}
      }
    },
    "conditions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "field": {"type": "string"},
          "operator": {"type": "string"}
        }
      }
    },
    "task": {"type": "string"},
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "type": {"type": "string"},
          "action": {"type": "string"},
          "url": {"type": "string"},
          "agent_id": {"type": "string"},
          "task": {"type": "string"},
          "max_steps": {"type": "integer", "minimum": 0}
        }
      }
    },
    "max_steps": {"type": "integer", "minimum": 0}
  }
}`

// validateShape runs the structural schema over the raw document and
// returns one FieldError per violation.
func validateShape(doc map[string]any) ([]FieldError, error) {
	jsonBytes, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return nil, fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(ruleSchema),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	var errs []FieldError
	for _, verr := range result.Errors() {
		errs = append(errs, FieldError{Path: verr.Field(), Message: verr.Description()})
	}
	return errs, nil
}

// normalizeYAML recursively converts map[interface{}]interface{} to
// map[string]interface{} so json.Marshal can handle YAML-decoded values.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}

// decodeDocument parses rule YAML into a normalized untyped map.
func decodeDocument(source string) (map[string]any, error) {
	var raw any
	if err := yaml.Unmarshal([]byte(source), &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	doc, ok := normalizeYAML(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rule document must be a YAML mapping")
	}
	return doc, nil
}
