package run

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id string) *Run {
	return &Run{
		ID:            id,
		TenantID:      "acme",
		RuleID:        "rule-1",
		TriggerSource: SourceEvent,
		Status:        StatusPending,
		TriggerData:   map[string]any{"payload": map[string]any{"kind": "ping"}},
	}
}

func TestStore_CreateGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRun("run-1")))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, SourceEvent, got.TriggerSource)
	assert.Equal(t, "ping", got.TriggerData["payload"].(map[string]any)["kind"])
	assert.Empty(t, got.ExecutedActions)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	_, err = s.Get(ctx, "run-missing")
	assert.ErrorContains(t, err, "not found")
}

func TestStore_Transition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRun("run-1")))

	applied, err := s.Transition(ctx, "run-1", StatusPending, StatusRunning)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	// The run is no longer pending, so the same transition loses.
	applied, err = s.Transition(ctx, "run-1", StatusPending, StatusRunning)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = s.Transition(ctx, "run-1", StatusRunning, StatusCompleted)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err = s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestStore_Transition_SingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRun("run-1")))

	won := 0
	for i := 0; i < 8; i++ {
		applied, err := s.Transition(ctx, "run-1", StatusPending, StatusRunning)
		require.NoError(t, err)
		if applied {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestStore_MarkFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRun("run-1")))
	require.NoError(t, s.MarkFailed(ctx, "run-1", "rule vanished"))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "rule vanished", got.ErrorMessage)
	require.NotNil(t, got.FinishedAt)

	// Terminal runs are immutable.
	require.NoError(t, s.MarkFailed(ctx, "run-1", "second error"))
	got, err = s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "rule vanished", got.ErrorMessage)
}

func TestStore_Cancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRun("run-1")))

	applied, err := s.Cancel(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	applied, err = s.Cancel(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, applied)
	got, _ = s.Get(ctx, "run-1")
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestStore_SetExecutedActions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRun("run-1")))

	actions := []ExecutedAction{
		{Type: "internal_action", Success: true, Message: "create_note succeeded", ResourceID: "n-1"},
		{Type: "webhook", Success: true, Async: true, DeliveryID: "del-1"},
	}
	require.NoError(t, s.SetExecutedActions(ctx, "run-1", actions))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, actions, got.ExecutedActions)
}

func TestStore_SetAgentTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRun("run-1")))
	require.NoError(t, s.SetAgentTask(ctx, "run-1", "task-9"))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "task-9", got.AgentTaskID)
}

func TestStore_CountRecentForRule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRun("run-1")))
	require.NoError(t, s.Create(ctx, sampleRun("run-2")))

	other := sampleRun("run-3")
	other.RuleID = "rule-2"
	require.NoError(t, s.Create(ctx, other))

	count, err := s.CountRecentForRule(ctx, "rule-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = s.CountRecentForRule(ctx, "rule-2", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_ListPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRun("run-1")))
	require.NoError(t, s.Create(ctx, sampleRun("run-2")))

	done := sampleRun("run-3")
	done.Status = StatusCompleted
	require.NoError(t, s.Create(ctx, done))

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, r := range pending {
		assert.Equal(t, StatusPending, r.Status)
	}

	limited, err := s.ListPending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
