// Package render substitutes {{dotted.path}} expressions in rule templates
// against a trigger context. Rendering never fails: unresolved paths become
// empty strings, non-scalar values are JSON-encoded, and all substituted
// text is HTML-entity-escaped because templates may end up rendered in
// contexts that interpret HTML.
package render

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"

	"github.com/ibis-coordination/harmonic-automation/internal/condition"
)

var exprPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// Render substitutes every {{path}} expression in tmpl with the value at
// that dot path in ctx.
func Render(tmpl string, ctx map[string]any) string {
	return exprPattern.ReplaceAllStringFunc(tmpl, func(expr string) string {
		path := exprPattern.FindStringSubmatch(expr)[1]
		return html.EscapeString(stringify(condition.Lookup(ctx, path)))
	})
}

// TriggerContext builds the render context for non-event triggers from a
// run's raw trigger data. Webhook bodies surface under "payload", manual
// inputs under "inputs", and webhook request metadata under "webhook".
func TriggerContext(triggerData map[string]any) map[string]any {
	if triggerData == nil {
		return map[string]any{}
	}
	ctx := map[string]any{}
	if payload, ok := triggerData["payload"]; ok {
		ctx["payload"] = payload
	}
	if inputs, ok := triggerData["inputs"]; ok {
		ctx["inputs"] = inputs
	}
	webhook := map[string]any{}
	for _, key := range []string{"path", "received_at", "source_ip"} {
		if v, ok := triggerData[key]; ok {
			webhook[key] = v
		}
	}
	if len(webhook) > 0 {
		ctx["webhook"] = webhook
	}
	return ctx
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case map[string]any, []any:
		encoded, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
