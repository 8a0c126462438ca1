package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibis-coordination/harmonic-automation/internal/delivery"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
	"github.com/ibis-coordination/harmonic-automation/internal/testutil"
)

func newReconcilerFixture(t *testing.T) (*Reconciler, *run.Store, *delivery.Store) {
	t.Helper()
	runs := testutil.NewRunStore(t)
	deliveries := testutil.NewDeliveryStore(t)
	return NewReconciler(runs, deliveries), runs, deliveries
}

func runningRun(t *testing.T, runs *run.Store, id string, actions []run.ExecutedAction) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, runs.Create(ctx, &run.Run{
		ID: id, TenantID: "acme", RuleID: "rule-1",
		TriggerSource: run.SourceManual, Status: run.StatusPending,
	}))
	_, err := runs.Transition(ctx, id, run.StatusPending, run.StatusRunning)
	require.NoError(t, err)
	if actions != nil {
		require.NoError(t, runs.SetExecutedActions(ctx, id, actions))
	}
}

func TestRecheckCompletion_NoOutstandingWork(t *testing.T) {
	rc, runs, _ := newReconcilerFixture(t)
	ctx := context.Background()

	runningRun(t, runs, "run-1", []run.ExecutedAction{
		{Type: "webhook", Success: true, Async: true, DeliveryID: "del-1"},
	})

	require.NoError(t, rc.RecheckCompletion(ctx, "run-1"))

	got, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
}

func TestRecheckCompletion_WaitsForDeliveries(t *testing.T) {
	rc, runs, deliveries := newReconcilerFixture(t)
	ctx := context.Background()

	runningRun(t, runs, "run-1", nil)
	require.NoError(t, deliveries.Create(ctx, &delivery.Delivery{
		ID: "del-1", RunID: "run-1", URL: "https://hooks.example.com",
	}))

	require.NoError(t, rc.RecheckCompletion(ctx, "run-1"))
	got, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, got.Status)

	// Once the delivery is terminal the run can settle.
	d, err := deliveries.Get(ctx, "del-1")
	require.NoError(t, err)
	d.Status = delivery.StatusSuccess
	d.AttemptCount = 1
	require.NoError(t, deliveries.RecordAttempt(ctx, d))

	require.NoError(t, rc.RecheckCompletion(ctx, "run-1"))
	got, err = runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
}

func TestRecheckCompletion_WaitsForAgentTasks(t *testing.T) {
	rc, runs, _ := newReconcilerFixture(t)
	ctx := context.Background()

	runningRun(t, runs, "run-1", []run.ExecutedAction{
		{Type: "trigger_agent", Success: true, Async: true, TaskID: "task-1"},
	})

	require.NoError(t, rc.RecheckCompletion(ctx, "run-1"))
	got, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, got.Status)
}

func TestRecheckCompletion_Idempotent(t *testing.T) {
	rc, runs, _ := newReconcilerFixture(t)
	ctx := context.Background()

	runningRun(t, runs, "run-1", nil)
	require.NoError(t, rc.RecheckCompletion(ctx, "run-1"))
	require.NoError(t, rc.RecheckCompletion(ctx, "run-1"))

	got, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)

	// Pending runs are never touched.
	require.NoError(t, runs.Create(ctx, &run.Run{
		ID: "run-2", TenantID: "acme", RuleID: "rule-1",
		TriggerSource: run.SourceManual, Status: run.StatusPending,
	}))
	require.NoError(t, rc.RecheckCompletion(ctx, "run-2"))
	got, err = runs.Get(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, run.StatusPending, got.Status)
}

func TestHandleAgentTaskCompletion_Success(t *testing.T) {
	rc, runs, _ := newReconcilerFixture(t)
	ctx := context.Background()

	runningRun(t, runs, "run-1", []run.ExecutedAction{
		{Type: "trigger_agent", Success: true, Async: true, TaskID: "task-1"},
	})

	require.NoError(t, rc.HandleAgentTaskCompletion(ctx, "run-1", "task-1", true, "summarized 3 notes"))

	got, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
	require.Len(t, got.ExecutedActions, 1)
	assert.True(t, got.ExecutedActions[0].Done)
	assert.Equal(t, "summarized 3 notes", got.ExecutedActions[0].Message)
}

func TestHandleAgentTaskCompletion_Failure(t *testing.T) {
	rc, runs, _ := newReconcilerFixture(t)
	ctx := context.Background()

	runningRun(t, runs, "run-1", []run.ExecutedAction{
		{Type: "trigger_agent", Success: true, Async: true, TaskID: "task-1"},
	})

	require.NoError(t, rc.HandleAgentTaskCompletion(ctx, "run-1", "task-1", false, "agent gave up"))

	got, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)
	assert.Equal(t, "agent gave up", got.ErrorMessage)
	assert.True(t, got.ExecutedActions[0].Done)
	assert.False(t, got.ExecutedActions[0].Success)
}

func TestHandleAgentTaskCompletion_TerminalRunUntouched(t *testing.T) {
	rc, runs, _ := newReconcilerFixture(t)
	ctx := context.Background()

	runningRun(t, runs, "run-1", []run.ExecutedAction{
		{Type: "trigger_agent", Success: true, Async: true, TaskID: "task-1"},
	})
	_, err := runs.Cancel(ctx, "run-1")
	require.NoError(t, err)

	require.NoError(t, rc.HandleAgentTaskCompletion(ctx, "run-1", "task-1", true, ""))

	got, err := runs.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, got.Status)
	assert.False(t, got.ExecutedActions[0].Done)
}

func TestConsume_SettlesRunOnCompletionEvent(t *testing.T) {
	rc, runs, _ := newReconcilerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runningRun(t, runs, "run-1", []run.ExecutedAction{
		{Type: "webhook", Success: true, Async: true, DeliveryID: "del-1"},
	})

	completions := make(chan delivery.CompletionEvent, 1)
	done := make(chan struct{})
	go func() {
		rc.Consume(ctx, completions)
		close(done)
	}()

	completions <- delivery.CompletionEvent{DeliveryID: "del-1", RunID: "run-1", TerminalStatus: delivery.StatusSuccess}
	close(completions)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer never exited")
	}

	got, err := runs.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
}
