package agent

import "sync"

// StaticDirectory is a Directory over a fixed agent set, loaded from the
// operator's tenants file. The production platform substitutes its own
// entity store behind the same interface.
type StaticDirectory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewStaticDirectory builds a directory from a fixed agent list.
func NewStaticDirectory(agents []Agent) *StaticDirectory {
	d := &StaticDirectory{agents: make(map[string]*Agent, len(agents))}
	for i := range agents {
		a := agents[i]
		d.agents[a.ID] = &a
	}
	return d
}

// AgentByID returns the agent, or nil when unknown.
func (d *StaticDirectory) AgentByID(id string) *Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.agents[id]
}

// HandlesForTenant returns every agent handle in a tenant.
func (d *StaticDirectory) HandlesForTenant(tenantID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var handles []string
	for _, a := range d.agents {
		if a.TenantID == tenantID {
			handles = append(handles, a.Handle)
		}
	}
	return handles
}
