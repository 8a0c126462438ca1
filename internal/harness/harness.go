// Package harness runs a rule once against synthetic trigger input for
// immediate "try it now" feedback. Unlike the production path it blocks
// on webhook delivery, draining pending deliveries inline before
// reporting the result.
package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ibis-coordination/harmonic-automation/internal/action"
	"github.com/ibis-coordination/harmonic-automation/internal/agent"
	"github.com/ibis-coordination/harmonic-automation/internal/delivery"
	"github.com/ibis-coordination/harmonic-automation/internal/event"
	"github.com/ibis-coordination/harmonic-automation/internal/executor"
	"github.com/ibis-coordination/harmonic-automation/internal/rule"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
)

// Result summarizes a single test execution. Success is the caller's
// verdict: false when the run failed or was cancelled, and also when any
// executed action failed even though action failures leave the run
// completed.
type Result struct {
	RunID           string               `json:"run_id"`
	Success         bool                 `json:"success"`
	Status          run.Status           `json:"status"`
	ExecutedActions []run.ExecutedAction `json:"executed_actions,omitempty"`
	ErrorMessage    string               `json:"error_message,omitempty"`
}

// Harness executes rules against synthetic triggers. It builds its own
// executor over a synthetic event source so test events never touch the
// platform's event store.
type Harness struct {
	runs       *run.Store
	deliveries *delivery.Store
	pipeline   *delivery.Pipeline
	reconciler *executor.Reconciler
	exec       *executor.Executor
	events     *syntheticSource
}

// New creates a harness sharing the production stores and delivery
// pipeline.
func New(
	rules *rule.Store,
	runs *run.Store,
	deliveries *delivery.Store,
	events executor.EventSource,
	tasks agent.TaskQueue,
	actions *action.Dispatcher,
	directory agent.Directory,
	pipeline *delivery.Pipeline,
	reconciler *executor.Reconciler,
) *Harness {
	src := &syntheticSource{fallback: events, events: map[string]*event.Event{}}
	return &Harness{
		runs:       runs,
		deliveries: deliveries,
		pipeline:   pipeline,
		reconciler: reconciler,
		exec: executor.NewExecutor(rules, runs, deliveries, src, tasks, actions, directory,
			nopEnqueuer{}),
		events: src,
	}
}

// Test creates a test run for the rule, executes it synchronously,
// flushes any webhook deliveries it produced, and returns the outcome.
// Inputs override the declared defaults of a manual rule and are ignored
// for other trigger types.
func (h *Harness) Test(ctx context.Context, rl *rule.Rule, inputs map[string]any) (*Result, error) {
	r := &run.Run{
		ID:            uuid.NewString(),
		TenantID:      rl.TenantID,
		RuleID:        rl.ID,
		TriggerSource: run.SourceTest,
		Status:        run.StatusPending,
	}

	switch rl.TriggerType {
	case rule.TriggerEvent:
		ev := h.syntheticEvent(rl)
		h.events.put(ev)
		r.EventID = ev.ID
	case rule.TriggerSchedule:
		r.TriggerData = map[string]any{
			"scheduled_at": time.Now().UTC().Format(time.RFC3339),
			"cron":         rl.Trigger.Cron,
		}
	case rule.TriggerWebhook:
		r.TriggerData = map[string]any{
			"payload":     exampleWebhookBody(),
			"path":        rl.WebhookPath,
			"received_at": time.Now().UTC().Format(time.RFC3339),
			"source_ip":   "127.0.0.1",
		}
	case rule.TriggerManual:
		merged := map[string]any{}
		for k, v := range rl.Trigger.Inputs {
			merged[k] = v
		}
		for k, v := range inputs {
			merged[k] = v
		}
		r.TriggerData = map[string]any{"inputs": merged}
	default:
		return nil, fmt.Errorf("unsupported trigger type %q", rl.TriggerType)
	}

	if err := h.runs.Create(ctx, r); err != nil {
		return nil, err
	}

	if err := h.exec.Execute(ctx, r.ID); err != nil {
		log.Warn().Err(err).Str("run_id", r.ID).Msg("test_run_execute_failed")
	}

	if err := h.flushDeliveries(ctx, r.ID); err != nil {
		return nil, err
	}
	if err := h.reconciler.RecheckCompletion(ctx, r.ID); err != nil {
		return nil, err
	}

	final, err := h.runs.Get(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	return resultFrom(final), nil
}

// resultFrom condenses the run into a caller-facing verdict. When the
// run carries no error of its own, the first failed action's error is
// surfaced at result level.
func resultFrom(r *run.Run) *Result {
	res := &Result{
		RunID:           r.ID,
		Success:         r.Status != run.StatusFailed && r.Status != run.StatusCancelled,
		Status:          r.Status,
		ExecutedActions: r.ExecutedActions,
		ErrorMessage:    r.ErrorMessage,
	}
	for _, a := range r.ExecutedActions {
		if a.Success {
			continue
		}
		res.Success = false
		if res.ErrorMessage == "" {
			res.ErrorMessage = a.Error
		}
	}
	return res
}

// flushDeliveries attempts every pending delivery for the run inline,
// bypassing the worker queue, so the caller sees delivery outcomes in
// the test result.
func (h *Harness) flushDeliveries(ctx context.Context, runID string) error {
	pending, err := h.deliveries.ListPendingForRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, d := range pending {
		if err := h.pipeline.Deliver(ctx, d.ID); err != nil {
			log.Warn().Err(err).Str("delivery_id", d.ID).Msg("test_delivery_failed")
		}
	}
	return nil
}

// syntheticEventType marks harness-fabricated events; the rule's real
// event type travels in metadata under simulated_event_type.
const syntheticEventType = "automation.test"

// syntheticEvent fabricates a clearly-marked event for testing event
// rules. The rule's real event type lives in metadata so the event can
// never match a live rule's trigger.
func (h *Harness) syntheticEvent(rl *rule.Rule) *event.Event {
	return &event.Event{
		ID:       uuid.NewString(),
		TenantID: rl.TenantID,
		Type:     syntheticEventType,
		Actor:    event.Actor{ID: "test-actor", Name: "Test Actor", Handle: "test"},
		Subject: event.Note{
			ID:        uuid.NewString(),
			NotePath:  "/test/notes/sample",
			NoteTitle: "Test note",
			NoteText:  "Synthetic event generated by a rule test.",
			AuthorID:  "test-actor",
		},
		Metadata: map[string]any{
			"test":                 true,
			"simulated_event_type": rl.Trigger.EventType,
		},
		CreatedAt: time.Now().UTC(),
	}
}

func exampleWebhookBody() map[string]any {
	return map[string]any{
		"example": true,
		"message": "sample webhook payload",
	}
}

// syntheticSource serves harness-created events, falling back to the
// real event store for anything else.
type syntheticSource struct {
	fallback executor.EventSource

	mu     sync.Mutex
	events map[string]*event.Event
}

func (s *syntheticSource) put(ev *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
}

func (s *syntheticSource) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	s.mu.Lock()
	ev, ok := s.events[id]
	s.mu.Unlock()
	if ok {
		return ev, nil
	}
	if s.fallback == nil {
		return nil, fmt.Errorf("event %s not found", id)
	}
	return s.fallback.GetEvent(ctx, id)
}

// nopEnqueuer keeps test deliveries out of the worker queue; the
// harness drains them itself.
type nopEnqueuer struct{}

func (nopEnqueuer) EnqueueDelivery(string) {}
