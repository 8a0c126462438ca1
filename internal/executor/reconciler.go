package executor

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/ibis-coordination/harmonic-automation/internal/delivery"
	hotel "github.com/ibis-coordination/harmonic-automation/internal/otel"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
)

// Reconciler settles runs whose async actions have finished. Delivery
// completions arrive on a channel from the delivery pipeline; agent task
// completions arrive via HandleAgentTaskCompletion from the task runtime.
type Reconciler struct {
	runs       *run.Store
	deliveries *delivery.Store
}

// NewReconciler creates a reconciler over the given stores.
func NewReconciler(runs *run.Store, deliveries *delivery.Store) *Reconciler {
	return &Reconciler{runs: runs, deliveries: deliveries}
}

// Consume drains delivery completion events until the channel closes or
// the context is cancelled. Run it in its own goroutine.
func (rc *Reconciler) Consume(ctx context.Context, completions <-chan delivery.CompletionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-completions:
			if !ok {
				return
			}
			if err := rc.RecheckCompletion(ctx, ev.RunID); err != nil {
				log.Error().Err(err).
					Str("run_id", ev.RunID).
					Str("delivery_id", ev.DeliveryID).
					Msg("run_recheck_failed")
			}
		}
	}
}

// RecheckCompletion transitions a running run to completed once no
// outstanding async work remains. It is idempotent: runs already
// terminal, or still waiting on deliveries or agent tasks, are left
// untouched.
func (rc *Reconciler) RecheckCompletion(ctx context.Context, runID string) error {
	ctx, span := tracer.Start(ctx, "executor.recheck_completion")
	defer span.End()

	r, err := rc.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status != run.StatusRunning {
		return nil
	}

	outstanding, err := rc.deliveries.CountOutstandingForRun(ctx, runID)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}
	for _, a := range r.ExecutedActions {
		if a.Async && a.TaskID != "" && !a.Done {
			return nil
		}
	}

	ok, err := rc.runs.Transition(ctx, runID, run.StatusRunning, run.StatusCompleted)
	if err != nil {
		return err
	}
	if ok {
		log.Info().
			Str("run_id", runID).
			Func(hotel.LogTraceFields(ctx)).
			Msg("rule_run_completed")
	}
	return nil
}

// HandleAgentTaskCompletion records the outcome of a queued agent task
// and rechecks the originating run. A failed task fails the run.
func (rc *Reconciler) HandleAgentTaskCompletion(ctx context.Context, runID, taskID string, succeeded bool, message string) error {
	r, err := rc.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return nil
	}

	updated := make([]run.ExecutedAction, len(r.ExecutedActions))
	copy(updated, r.ExecutedActions)
	for i := range updated {
		if updated[i].TaskID == taskID {
			updated[i].Done = true
			updated[i].Success = succeeded
			if message != "" {
				updated[i].Message = message
			}
		}
	}
	if err := rc.runs.SetExecutedActions(ctx, runID, updated); err != nil {
		return err
	}

	if !succeeded {
		msg := message
		if msg == "" {
			msg = "agent task failed"
		}
		return rc.runs.MarkFailed(ctx, runID, msg)
	}
	return rc.RecheckCompletion(ctx, runID)
}
