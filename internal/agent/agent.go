// Package agent defines the collaborator contract with the AI-agent task
// runtime. The runtime itself is out of scope; the engine only needs to
// resolve agents (for mention filters and trigger authorization) and hand
// queued tasks across the TaskQueue boundary.
package agent

import "context"

// Agent is a tenant's AI agent as the automation engine sees it.
type Agent struct {
	ID        string   `yaml:"id"`
	TenantID  string   `yaml:"tenant_id"`
	Handle    string   `yaml:"handle"`
	Name      string   `yaml:"name"`
	ParentID  string   `yaml:"parent_id"` // the member who owns this agent
	StudioIDs []string `yaml:"studio_ids"`
}

// MemberOf reports whether the agent belongs to the given studio.
func (a *Agent) MemberOf(studioID string) bool {
	for _, id := range a.StudioIDs {
		if id == studioID {
			return true
		}
	}
	return false
}

// Directory resolves agents for mention filtering and trigger
// authorization.
type Directory interface {
	// AgentByID returns the agent, or nil when unknown.
	AgentByID(id string) *Agent
	// HandlesForTenant returns every agent handle in a tenant, for the
	// any_agent mention filter.
	HandlesForTenant(tenantID string) []string
}

// TaskParams describes one queued agent task.
type TaskParams struct {
	AgentID     string
	TenantID    string
	InitiatorID string // the event actor, or the rule's creator when there is no event
	Task        string // rendered task text
	MaxSteps    int
	OriginRunID string
}

// TaskQueue accepts queued agent tasks. Completion is reported
// asynchronously by the runtime through the run reconciler, not through
// this interface.
type TaskQueue interface {
	// CreateQueued enqueues a task and returns its id.
	CreateQueued(ctx context.Context, params TaskParams) (string, error)
	// Signal nudges the runtime to pick up queued work.
	Signal(agentID string)
}
