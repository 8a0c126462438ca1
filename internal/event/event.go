// Package event models the tenant-scoped events the automation engine
// consumes. Events are produced elsewhere in the platform and read-only
// here: the dispatcher matches them against rules and the renderer builds
// template contexts from them.
package event

import "time"

// Actor is the entity that caused an event (a member or an agent).
type Actor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

// Studio is the collective an event happened in, when any.
type Studio struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
	Name   string `json:"name"`
	Path   string `json:"path"`
}

// Event is one tenant/studio-scoped fact (note created, decision resolved, ...).
type Event struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Type      string         `json:"type"`
	Actor     Actor          `json:"actor"`
	Subject   Subject        `json:"subject,omitempty"`
	Studio    *Studio        `json:"studio,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Context builds the nested map a rule's conditions and templates are
// evaluated against. Unset parts are simply absent; path lookups on them
// resolve to nil and render as empty strings.
func (e *Event) Context() map[string]any {
	ctx := map[string]any{
		"event": map[string]any{
			"type": e.Type,
			"actor": map[string]any{
				"id":     e.Actor.ID,
				"name":   e.Actor.Name,
				"handle": e.Actor.Handle,
			},
			"metadata":   e.Metadata,
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339),
		},
	}
	if e.Subject != nil {
		ctx["subject"] = map[string]any{
			"id":         e.Subject.SubjectID(),
			"type":       string(e.Subject.Kind()),
			"path":       e.Subject.Path(),
			"title":      e.Subject.Title(),
			"text":       e.Subject.Text(),
			"created_by": e.Subject.CreatedBy(),
		}
	}
	if e.Studio != nil {
		ctx["studio"] = map[string]any{
			"id":     e.Studio.ID,
			"handle": e.Studio.Handle,
			"name":   e.Studio.Name,
			"path":   e.Studio.Path,
		}
	}
	return ctx
}
