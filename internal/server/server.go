package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ibis-coordination/harmonic-automation/internal/dispatch"
	"github.com/ibis-coordination/harmonic-automation/internal/event"
	"github.com/ibis-coordination/harmonic-automation/internal/harness"
	"github.com/ibis-coordination/harmonic-automation/internal/otel"
	"github.com/ibis-coordination/harmonic-automation/internal/rule"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
	"github.com/ibis-coordination/harmonic-automation/internal/tenant"
	"github.com/ibis-coordination/harmonic-automation/internal/trigger"
)

const defaultTimeout = 60 * time.Second

// Credential identifies an API key's tenant and acting entity.
type Credential struct {
	TenantID string
	ActorID  string
}

// Server holds all dependencies for the HTTP API.
type Server struct {
	router         *chi.Mux
	rules          *rule.Store
	runs           *run.Store
	tenants        *tenant.Manager
	dispatcher     *dispatch.Dispatcher
	events         *event.Cache
	harness        *harness.Harness
	webhookHandler *trigger.WebhookHandler
	enqueuer       trigger.RunEnqueuer
	schedules      ScheduleReloader
	apiKeys        map[string]Credential
	corsOrigins    []string
	startTime      time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithDispatcher sets the event dispatcher for the event-intake endpoint.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(s *Server) { s.dispatcher = d }
}

// WithEventCache sets the cache that retains dispatched events for the
// executor.
func WithEventCache(c *event.Cache) Option {
	return func(s *Server) { s.events = c }
}

// NewServer builds a Server with the required dependencies and optional Option(s).
func NewServer(
	rules *rule.Store,
	runs *run.Store,
	tenants *tenant.Manager,
	h *harness.Harness,
	webhookHandler *trigger.WebhookHandler,
	enqueuer trigger.RunEnqueuer,
	apiKeys map[string]Credential,
	opts ...Option,
) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		rules:          rules,
		runs:           runs,
		tenants:        tenants,
		harness:        h,
		webhookHandler: webhookHandler,
		enqueuer:       enqueuer,
		apiKeys:        apiKeys,
		corsOrigins:    []string{"*"},
		startTime:      time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]Credential)
	}
	return s
}

// Routes returns the configured http.Handler (chi router with all middleware and routes).
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Inbound webhook triggers authenticate per-rule via HMAC signature.
	r.Post("/hooks/{path}", s.webhookHandler.HandleHook)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/rules", s.handleRuleCreate)
		r.Post("/v1/rules/validate", s.handleRuleValidate)
		r.Get("/v1/rules/{id}", s.handleRuleGet)
		r.Put("/v1/rules/{id}", s.handleRuleUpdate)
		r.Post("/v1/rules/{id}/toggle", s.handleRuleToggle)
		r.Post("/v1/rules/{id}/run", s.handleRuleRun)
		r.Post("/v1/rules/{id}/test", s.handleRuleTest)

		r.Get("/v1/runs/{id}", s.handleRunGet)
		r.Post("/v1/runs/{id}/cancel", s.handleRunCancel)

		r.Post("/v1/events", s.handleEventIntake)

		r.Get("/v1/status", s.handleStatus)
	})

	return r
}
