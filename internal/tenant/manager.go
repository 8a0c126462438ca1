// Package tenant provides the tenant and studio registry the engine
// consults: the automation feature flag, per-tenant inbound webhook rate
// limiting, and studio lookup (including the identity actor internal
// actions impersonate). Tenant scope is threaded explicitly as values,
// never held in ambient state.
package tenant

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

var (
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrStudioNotFound    = errors.New("studio not found")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Tenant holds per-tenant configuration relevant to automation.
type Tenant struct {
	ID                string   `yaml:"id"`
	DisplayName       string   `yaml:"display_name"`
	AutomationEnabled bool     `yaml:"automation_enabled"`
	HookRateLimit     int      `yaml:"hook_rate_limit"` // inbound webhook requests/second; 0 means no limit
	Studios           []Studio `yaml:"studios"`
}

// Studio is a collective inside a tenant. IdentityActorID is the synthetic
// member that authors automation-created content; studios without one
// cannot be targeted by internal actions.
type Studio struct {
	ID              string `yaml:"id"`
	TenantID        string `yaml:"-"`
	Handle          string `yaml:"handle"`
	Name            string `yaml:"name"`
	Path            string `yaml:"path"`
	IdentityActorID string `yaml:"identity_actor_id"`
}

// Manager resolves tenants and studios and enforces the inbound webhook
// rate limit per tenant.
type Manager struct {
	mu       sync.RWMutex
	tenants  map[string]*Tenant
	studios  map[string]*Studio
	limiters map[string]*rate.Limiter
}

// NewManager creates a manager over a fixed tenant set.
func NewManager(tenants []Tenant) *Manager {
	m := &Manager{
		tenants:  make(map[string]*Tenant),
		studios:  make(map[string]*Studio),
		limiters: make(map[string]*rate.Limiter),
	}
	for i := range tenants {
		t := &tenants[i]
		m.tenants[t.ID] = t
		for j := range t.Studios {
			s := &t.Studios[j]
			s.TenantID = t.ID
			m.studios[s.ID] = s
		}
		if t.HookRateLimit > 0 {
			m.limiters[t.ID] = rate.NewLimiter(rate.Limit(t.HookRateLimit), t.HookRateLimit*2) // burst = 2s worth
		}
	}
	return m
}

// Get returns a tenant by ID.
func (m *Manager) Get(tenantID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return t, nil
}

// AutomationEnabled reports whether the tenant has the automation feature.
// Unknown tenants have it disabled.
func (m *Manager) AutomationEnabled(tenantID string) bool {
	t, err := m.Get(tenantID)
	return err == nil && t.AutomationEnabled
}

// Studio returns a studio by ID.
func (m *Manager) Studio(studioID string) (*Studio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.studios[studioID]
	if !ok {
		return nil, ErrStudioNotFound
	}
	return s, nil
}

// AllowHook checks the tenant's inbound webhook rate limit. Returns
// ErrRateLimitExceeded when the token bucket is empty.
func (m *Manager) AllowHook(tenantID string) error {
	m.mu.RLock()
	lim := m.limiters[tenantID]
	m.mu.RUnlock()
	if lim != nil && !lim.Allow() {
		return ErrRateLimitExceeded
	}
	return nil
}
