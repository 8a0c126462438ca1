// Package executor advances one rule run from pending to a terminal
// state. Agent-directed rules produce a single queued agent task; general
// rules execute an ordered action list. Asynchronous branches (webhook
// delivery, triggered agent tasks) hand off and return; the reconciler
// flips the run to completed once every async action has reported back.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ibis-coordination/harmonic-automation/internal/action"
	"github.com/ibis-coordination/harmonic-automation/internal/agent"
	"github.com/ibis-coordination/harmonic-automation/internal/delivery"
	"github.com/ibis-coordination/harmonic-automation/internal/event"
	hotel "github.com/ibis-coordination/harmonic-automation/internal/otel"
	"github.com/ibis-coordination/harmonic-automation/internal/render"
	"github.com/ibis-coordination/harmonic-automation/internal/rule"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
)

var tracer = hotel.Tracer("github.com/ibis-coordination/harmonic-automation/internal/executor")

// EventSource loads the event a run was triggered by, for context
// building. The platform's event store implements this.
type EventSource interface {
	GetEvent(ctx context.Context, id string) (*event.Event, error)
}

// DeliveryEnqueuer hands a created delivery to the delivery workers.
type DeliveryEnqueuer interface {
	EnqueueDelivery(deliveryID string)
}

// Executor runs the rule-run state machine.
type Executor struct {
	rules      *rule.Store
	runs       *run.Store
	deliveries *delivery.Store
	events     EventSource
	tasks      agent.TaskQueue
	actions    *action.Dispatcher
	directory  agent.Directory
	enqueuer   DeliveryEnqueuer
}

// NewExecutor creates an executor.
func NewExecutor(
	rules *rule.Store,
	runs *run.Store,
	deliveries *delivery.Store,
	events EventSource,
	tasks agent.TaskQueue,
	actions *action.Dispatcher,
	directory agent.Directory,
	enqueuer DeliveryEnqueuer,
) *Executor {
	return &Executor{
		rules:      rules,
		runs:       runs,
		deliveries: deliveries,
		events:     events,
		tasks:      tasks,
		actions:    actions,
		directory:  directory,
		enqueuer:   enqueuer,
	}
}

// Execute advances the run from pending to running and performs its rule's
// behavior. Orchestration errors fail the run and are returned for
// upstream logging; per-action failures are recorded on the run without
// failing it.
func (e *Executor) Execute(ctx context.Context, runID string) error {
	ctx, span := tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	r, err := e.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	ok, err := e.runs.Transition(ctx, runID, run.StatusPending, run.StatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		// Already picked up (or cancelled) elsewhere.
		return nil
	}

	rl, err := e.rules.Get(ctx, r.RuleID)
	if err != nil {
		msg := fmt.Sprintf("rule %s not found", r.RuleID)
		_ = e.runs.MarkFailed(ctx, runID, msg)
		return fmt.Errorf("%s: %w", msg, err)
	}

	if err := e.rules.IncrementExecutionCount(ctx, rl.ID); err != nil {
		log.Warn().Err(err).Str("rule_id", rl.ID).Msg("execution_count_increment_failed")
	}

	renderCtx, sourceEvent, err := e.buildContext(ctx, r)
	if err != nil {
		_ = e.runs.MarkFailed(ctx, runID, err.Error())
		return err
	}

	if rl.AgentDirected() {
		return e.executeAgentRule(ctx, rl, r, renderCtx, sourceEvent)
	}
	return e.executeGeneralRule(ctx, rl, r, renderCtx, sourceEvent)
}

// buildContext assembles the render/condition context: from the source
// event when there is one, otherwise from the run's raw trigger data.
func (e *Executor) buildContext(ctx context.Context, r *run.Run) (map[string]any, *event.Event, error) {
	if r.EventID == "" {
		return render.TriggerContext(r.TriggerData), nil, nil
	}
	ev, err := e.events.GetEvent(ctx, r.EventID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading event %s: %w", r.EventID, err)
	}
	return ev.Context(), ev, nil
}

func (e *Executor) executeAgentRule(ctx context.Context, rl *rule.Rule, r *run.Run, renderCtx map[string]any, sourceEvent *event.Event) error {
	task := strings.TrimSpace(render.Render(rl.TaskTemplate, renderCtx))
	if task == "" {
		msg := "task template rendered empty"
		_ = e.runs.MarkFailed(ctx, r.ID, msg)
		return fmt.Errorf("run %s: %s", r.ID, msg)
	}

	initiator := rl.CreatedBy
	if sourceEvent != nil {
		initiator = sourceEvent.Actor.ID
	}

	taskID, err := e.tasks.CreateQueued(ctx, agent.TaskParams{
		AgentID:     rl.AgentID,
		TenantID:    rl.TenantID,
		InitiatorID: initiator,
		Task:        task,
		MaxSteps:    rl.Trigger.MaxSteps,
		OriginRunID: r.ID,
	})
	if err != nil {
		_ = e.runs.MarkFailed(ctx, r.ID, err.Error())
		return fmt.Errorf("queueing agent task for run %s: %w", r.ID, err)
	}

	if err := e.runs.SetAgentTask(ctx, r.ID, taskID); err != nil {
		return err
	}
	executed := []run.ExecutedAction{{
		Type:    rule.ActionTriggerAgent,
		Success: true,
		Message: fmt.Sprintf("queued task for agent %s", rl.AgentID),
		Async:   true,
		TaskID:  taskID,
	}}
	if err := e.runs.SetExecutedActions(ctx, r.ID, executed); err != nil {
		return err
	}
	e.tasks.Signal(rl.AgentID)

	log.Info().
		Str("run_id", r.ID).
		Str("rule_id", rl.ID).
		Str("agent_id", rl.AgentID).
		Str("task_id", taskID).
		Func(hotel.LogTraceFields(ctx)).
		Msg("agent_task_queued")

	// The run stays running until the agent task reports completion.
	return nil
}

func (e *Executor) executeGeneralRule(ctx context.Context, rl *rule.Rule, r *run.Run, renderCtx map[string]any, sourceEvent *event.Event) error {
	var executed []run.ExecutedAction
	async := false

	for _, act := range rl.Actions {
		var rec run.ExecutedAction
		switch a := act.(type) {
		case rule.InternalAction:
			rec = e.runInternalAction(ctx, rl, r, a, renderCtx)
		case rule.WebhookAction:
			rec = e.runWebhookAction(ctx, rl, r, a, renderCtx, sourceEvent)
		case rule.TriggerAgentAction:
			rec = e.runTriggerAgent(ctx, rl, r, a, renderCtx, sourceEvent)
		default:
			rec = run.ExecutedAction{Type: act.ActionType(), Success: false, Error: "unknown action type"}
		}
		executed = append(executed, rec)
		if rec.Async {
			async = true
		}
	}

	if err := e.runs.SetExecutedActions(ctx, r.ID, executed); err != nil {
		_ = e.runs.MarkFailed(ctx, r.ID, err.Error())
		return err
	}

	// Async actions keep the run running until their callbacks arrive.
	// Per-action failures intentionally do not fail the run.
	if async {
		return nil
	}
	_, err := e.runs.Transition(ctx, r.ID, run.StatusRunning, run.StatusCompleted)
	return err
}

func (e *Executor) runInternalAction(ctx context.Context, rl *rule.Rule, r *run.Run, a rule.InternalAction, renderCtx map[string]any) run.ExecutedAction {
	params := make(map[string]any, len(a.Params))
	for k, v := range a.Params {
		if s, ok := v.(string); ok {
			params[k] = render.Render(s, renderCtx)
		} else {
			params[k] = v
		}
	}

	result := e.actions.Execute(ctx, rl.StudioID, r.ID, a.Name, params)
	return run.ExecutedAction{
		Type:       rule.ActionInternal,
		Success:    result.Success,
		Message:    result.Message,
		Error:      result.Error,
		ResourceID: result.ResourceID,
	}
}

func (e *Executor) runWebhookAction(ctx context.Context, rl *rule.Rule, r *run.Run, a rule.WebhookAction, renderCtx map[string]any, sourceEvent *event.Event) run.ExecutedAction {
	if err := delivery.ValidateURL(a.URL); err != nil {
		return run.ExecutedAction{Type: rule.ActionWebhook, Success: false, Error: err.Error()}
	}

	body := renderBody(a.Payload, renderCtx)
	secret := a.Secret
	if secret == "" {
		secret = rl.WebhookSecret
	}
	eventType := "automation." + string(rl.TriggerType)
	if sourceEvent != nil {
		eventType = sourceEvent.Type
	}

	d := &delivery.Delivery{
		ID:        uuid.NewString(),
		RunID:     r.ID,
		EventID:   r.EventID,
		URL:       a.URL,
		Secret:    secret,
		Body:      body,
		EventType: eventType,
		Status:    delivery.StatusPending,
	}
	if err := e.deliveries.Create(ctx, d); err != nil {
		return run.ExecutedAction{Type: rule.ActionWebhook, Success: false, Error: err.Error()}
	}
	e.enqueuer.EnqueueDelivery(d.ID)

	return run.ExecutedAction{
		Type:       rule.ActionWebhook,
		Success:    true,
		Message:    "delivery queued",
		Async:      true,
		DeliveryID: d.ID,
	}
}

func (e *Executor) runTriggerAgent(ctx context.Context, rl *rule.Rule, r *run.Run, a rule.TriggerAgentAction, renderCtx map[string]any, sourceEvent *event.Event) run.ExecutedAction {
	target := e.directory.AgentByID(a.AgentID)
	if target == nil {
		return run.ExecutedAction{Type: rule.ActionTriggerAgent, Success: false, Error: fmt.Sprintf("agent %s not found", a.AgentID)}
	}
	if !e.authorizedToTrigger(rl, target) {
		return run.ExecutedAction{
			Type:    rule.ActionTriggerAgent,
			Success: false,
			Error:   fmt.Sprintf("not authorized to trigger agent %s", target.Handle),
		}
	}

	task := strings.TrimSpace(render.Render(a.Task, renderCtx))
	if task == "" {
		return run.ExecutedAction{Type: rule.ActionTriggerAgent, Success: false, Error: "task template rendered empty"}
	}

	initiator := rl.CreatedBy
	if sourceEvent != nil {
		initiator = sourceEvent.Actor.ID
	}
	taskID, err := e.tasks.CreateQueued(ctx, agent.TaskParams{
		AgentID:     target.ID,
		TenantID:    rl.TenantID,
		InitiatorID: initiator,
		Task:        task,
		MaxSteps:    a.MaxSteps,
		OriginRunID: r.ID,
	})
	if err != nil {
		return run.ExecutedAction{Type: rule.ActionTriggerAgent, Success: false, Error: err.Error()}
	}
	e.tasks.Signal(target.ID)

	return run.ExecutedAction{
		Type:    rule.ActionTriggerAgent,
		Success: true,
		Message: fmt.Sprintf("queued task for agent %s", target.Handle),
		Async:   true,
		TaskID:  taskID,
	}
}

// authorizedToTrigger allows a cross-entity trigger only when the rule's
// creator owns the target agent, or the rule is studio-scoped and the
// target is a member of that studio.
func (e *Executor) authorizedToTrigger(rl *rule.Rule, target *agent.Agent) bool {
	if rl.CreatedBy != "" && target.ParentID == rl.CreatedBy {
		return true
	}
	if rl.StudioID != "" && target.MemberOf(rl.StudioID) {
		return true
	}
	return false
}

// renderBody serializes the action payload to JSON and applies template
// substitution. A nil payload produces an empty JSON object.
func renderBody(payload any, renderCtx map[string]any) string {
	if payload == nil {
		return "{}"
	}
	if s, ok := payload.(string); ok {
		return render.Render(s, renderCtx)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return render.Render(string(encoded), renderCtx)
}
