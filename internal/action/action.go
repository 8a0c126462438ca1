// Package action executes platform-native automation actions (create a
// note, decision, or commitment) by impersonating a studio's identity
// actor through the platform's token-authenticated action-invocation
// boundary. Results are structured, never exceptions: a missing studio or
// identity actor is a failure result the run records per-action.
package action

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/ibis-coordination/harmonic-automation/internal/tenant"
)

// Supported internal action names and their platform path suffixes.
var actionPaths = map[string]string{
	"create_note":       "notes",
	"create_decision":   "decisions",
	"create_commitment": "commitments",
}

// paramMappings translate YAML-level field names to platform action
// parameter names, per action.
var paramMappings = map[string]map[string]string{
	"create_note": {
		"title": "title",
		"text":  "text",
	},
	"create_decision": {
		"question":    "question",
		"description": "description",
		"deadline":    "deadline",
	},
	"create_commitment": {
		"title":         "title",
		"description":   "description",
		"critical_mass": "critical_mass",
		"deadline":      "deadline",
	},
}

// Resource identifiers are extracted from the platform's response body by
// pattern: a short id like "n-3f9a2c" and the resource path that embeds it.
var (
	resourceIDPattern   = regexp.MustCompile(`"(?:truncated_id|short_id)"\s*:\s*"([a-z0-9-]+)"`)
	resourcePathPattern = regexp.MustCompile(`"path"\s*:\s*"(/[^"]+)"`)
)

// Result is the uniform outcome of one internal action.
type Result struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	ResourcePath string `json:"resource_path,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Invoker is the platform's internal action-invocation boundary: a
// token-authenticated request path that performs actionName as actorID and
// returns the raw response body. runID tags the invocation for provenance.
type Invoker interface {
	Invoke(ctx context.Context, actorID, actionName string, params map[string]any, runID string) (string, error)
}

// Dispatcher maps rule-level internal actions onto the platform boundary.
type Dispatcher struct {
	tenants *tenant.Manager
	invoker Invoker
}

// NewDispatcher creates an internal action dispatcher.
func NewDispatcher(tenants *tenant.Manager, invoker Invoker) *Dispatcher {
	return &Dispatcher{tenants: tenants, invoker: invoker}
}

// Execute runs one internal action for a rule run owned by studioID.
// Failures are returned as results; only programmer errors surface as
// panics upstream.
func (d *Dispatcher) Execute(ctx context.Context, studioID, runID, name string, params map[string]any) Result {
	suffix, ok := actionPaths[name]
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unsupported internal action %q", name)}
	}

	if studioID == "" {
		return Result{Success: false, Error: "internal actions require a studio context"}
	}
	studio, err := d.tenants.Studio(studioID)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("internal actions require a studio context: %v", err)}
	}
	if studio.IdentityActorID == "" {
		return Result{Success: false, Error: fmt.Sprintf("studio %s has no identity actor configured", studio.Handle)}
	}

	mapped := mapParams(name, params)
	mapped["path_suffix"] = suffix

	body, err := d.invoker.Invoke(ctx, studio.IdentityActorID, name, mapped, runID)
	if err != nil {
		log.Warn().
			Err(err).
			Str("run_id", runID).
			Str("action", name).
			Str("studio_id", studioID).
			Msg("internal_action_failed")
		return Result{Success: false, Error: err.Error()}
	}

	result := Result{Success: true, Message: fmt.Sprintf("%s succeeded", name)}
	if m := resourceIDPattern.FindStringSubmatch(body); m != nil {
		result.ResourceID = m[1]
	}
	if m := resourcePathPattern.FindStringSubmatch(body); m != nil {
		result.ResourcePath = m[1]
	}
	return result
}

// mapParams applies the fixed YAML-to-platform parameter mapping, dropping
// fields the action does not accept.
func mapParams(name string, params map[string]any) map[string]any {
	mapping := paramMappings[name]
	mapped := make(map[string]any, len(params))
	for yamlKey, platformKey := range mapping {
		if v, ok := params[yamlKey]; ok {
			mapped[platformKey] = v
		}
	}
	return mapped
}
