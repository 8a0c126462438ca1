// Package dispatch consumes newly-recorded platform events and creates
// queued rule runs for every enabled rule whose trigger matches. Matching
// failures are silent per rule: one rule's bad filter never blocks its
// siblings, and nothing here surfaces to end users.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ibis-coordination/harmonic-automation/internal/agent"
	"github.com/ibis-coordination/harmonic-automation/internal/condition"
	"github.com/ibis-coordination/harmonic-automation/internal/event"
	hotel "github.com/ibis-coordination/harmonic-automation/internal/otel"
	"github.com/ibis-coordination/harmonic-automation/internal/rule"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
	"github.com/ibis-coordination/harmonic-automation/internal/tenant"
)

var tracer = hotel.Tracer("github.com/ibis-coordination/harmonic-automation/internal/dispatch")

// Agent-rule rate guard: at most maxRunsPerWindow runs per (rule, agent)
// in the trailing window.
const (
	maxRunsPerWindow = 3
	rateWindow       = 60 * time.Second
)

// Enqueuer hands a created run to the execution worker pool.
type Enqueuer interface {
	EnqueueRun(runID string)
}

// Dispatcher matches events against rules and creates pending runs.
type Dispatcher struct {
	tenants   *tenant.Manager
	rules     *rule.Store
	runs      *run.Store
	directory agent.Directory
	enqueuer  Enqueuer
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(tenants *tenant.Manager, rules *rule.Store, runs *run.Store, directory agent.Directory, enqueuer Enqueuer) *Dispatcher {
	return &Dispatcher{
		tenants:   tenants,
		rules:     rules,
		runs:      runs,
		directory: directory,
		enqueuer:  enqueuer,
	}
}

// Dispatch creates a pending run for every enabled event rule matching ev.
// A no-op when the tenant lacks the automation feature. Runs are
// independent; no cross-rule ordering is guaranteed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event) error {
	ctx, span := tracer.Start(ctx, "dispatch.event",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.type", ev.Type),
			attribute.String("tenant_id", ev.TenantID),
		))
	defer span.End()

	if !d.tenants.AutomationEnabled(ev.TenantID) {
		return nil
	}

	candidates, err := d.rules.ListEnabledForEvent(ctx, ev.TenantID, ev.Type)
	if err != nil {
		return err
	}

	created := 0
	for _, r := range candidates {
		if !d.matches(ctx, r, ev) {
			continue
		}
		if r.AgentDirected() && d.rateLimited(ctx, r) {
			log.Info().
				Str("rule_id", r.ID).
				Str("agent_id", r.AgentID).
				Str("event_id", ev.ID).
				Msg("rule_run_rate_limited")
			continue
		}
		if err := d.createRun(ctx, r, ev); err != nil {
			log.Error().Err(err).
				Str("rule_id", r.ID).
				Str("event_id", ev.ID).
				Msg("rule_run_create_failed")
			continue
		}
		created++
	}

	span.SetAttributes(attribute.Int("runs_created", created))
	return nil
}

// matches applies the mention filter, the rule's conditions, and the
// anti-self-loop guard. Any failure skips the rule silently.
func (d *Dispatcher) matches(ctx context.Context, r *rule.Rule, ev *event.Event) bool {
	if r.AgentDirected() && r.Trigger.MentionFilter != "" {
		switch r.Trigger.MentionFilter {
		case rule.MentionSelf:
			target := d.directory.AgentByID(r.AgentID)
			if target == nil || !event.MentionsHandle(ev, target.Handle) {
				return false
			}
		case rule.MentionAnyAgent:
			if !event.MentionsAny(ev, d.directory.HandlesForTenant(ev.TenantID)) {
				return false
			}
		default:
			return false
		}
	}

	if !condition.EvaluateAll(r.Conditions, ev.Context()) {
		return false
	}

	// Anti-self-loop: an agent's own activity never triggers its own rule.
	if r.AgentDirected() && ev.Actor.ID == r.AgentID {
		return false
	}

	return true
}

func (d *Dispatcher) rateLimited(ctx context.Context, r *rule.Rule) bool {
	count, err := d.runs.CountRecentForRule(ctx, r.ID, rateWindow)
	if err != nil {
		log.Error().Err(err).Str("rule_id", r.ID).Msg("rate_guard_query_failed")
		// Fail open: a broken counter should not silence automation.
		return false
	}
	return count >= maxRunsPerWindow
}

func (d *Dispatcher) createRun(ctx context.Context, r *rule.Rule, ev *event.Event) error {
	newRun := &run.Run{
		ID:            uuid.NewString(),
		TenantID:      ev.TenantID,
		RuleID:        r.ID,
		EventID:       ev.ID,
		TriggerSource: run.SourceEvent,
		Status:        run.StatusPending,
		TriggerData: map[string]any{
			"event_id":   ev.ID,
			"event_type": ev.Type,
			"actor_id":   ev.Actor.ID,
		},
	}
	if ev.Subject != nil {
		newRun.TriggerData["subject_id"] = ev.Subject.SubjectID()
		newRun.TriggerData["subject_type"] = string(ev.Subject.Kind())
	}
	if err := d.runs.Create(ctx, newRun); err != nil {
		return err
	}

	log.Info().
		Str("rule_id", r.ID).
		Str("run_id", newRun.ID).
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Func(hotel.LogTraceFields(ctx)).
		Msg("rule_run_created")

	d.enqueuer.EnqueueRun(newRun.ID)
	return nil
}
