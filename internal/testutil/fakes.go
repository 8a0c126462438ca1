package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ibis-coordination/harmonic-automation/internal/agent"
	"github.com/ibis-coordination/harmonic-automation/internal/event"
)

// FakeTaskQueue records queued agent tasks.
type FakeTaskQueue struct {
	mu       sync.Mutex
	Tasks    []agent.TaskParams
	Signals  []string
	FailWith error
}

func (q *FakeTaskQueue) CreateQueued(_ context.Context, params agent.TaskParams) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailWith != nil {
		return "", q.FailWith
	}
	q.Tasks = append(q.Tasks, params)
	return fmt.Sprintf("task-%d", len(q.Tasks)), nil
}

func (q *FakeTaskQueue) Signal(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Signals = append(q.Signals, agentID)
}

// Queued returns a copy of the recorded tasks.
func (q *FakeTaskQueue) Queued() []agent.TaskParams {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]agent.TaskParams(nil), q.Tasks...)
}

// FakeInvoker answers internal action invocations with a canned
// response body.
type FakeInvoker struct {
	mu       sync.Mutex
	Calls    []InvokerCall
	Response string
	FailWith error
}

type InvokerCall struct {
	ActorID string
	Action  string
	Params  map[string]any
	RunID   string
}

func (f *FakeInvoker) Invoke(_ context.Context, actorID, actionName string, params map[string]any, runID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, InvokerCall{ActorID: actorID, Action: actionName, Params: params, RunID: runID})
	if f.FailWith != nil {
		return "", f.FailWith
	}
	if f.Response == "" {
		return `{"truncated_id":"res-1","path":"/acme/notes/res-1"}`, nil
	}
	return f.Response, nil
}

// FakeEnqueuer records enqueued run and delivery ids.
type FakeEnqueuer struct {
	mu         sync.Mutex
	Runs       []string
	Deliveries []string
}

func (f *FakeEnqueuer) EnqueueRun(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Runs = append(f.Runs, runID)
}

func (f *FakeEnqueuer) EnqueueDelivery(deliveryID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deliveries = append(f.Deliveries, deliveryID)
}

// EnqueuedRuns returns a copy of the recorded run ids.
func (f *FakeEnqueuer) EnqueuedRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Runs...)
}

// EnqueuedDeliveries returns a copy of the recorded delivery ids.
func (f *FakeEnqueuer) EnqueuedDeliveries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Deliveries...)
}

// EventSourceMap serves events from a fixed map.
type EventSourceMap map[string]*event.Event

func (m EventSourceMap) GetEvent(_ context.Context, id string) (*event.Event, error) {
	ev, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("event %s not found", id)
	}
	return ev, nil
}

// NoteCreatedEvent builds a typical note.created event for tests.
func NoteCreatedEvent(tenantID, actorID, text string) *event.Event {
	return &event.Event{
		ID:       "ev-1",
		TenantID: tenantID,
		Type:     "note.created",
		Actor:    event.Actor{ID: actorID, Name: "Ada", Handle: "ada"},
		Subject: event.Note{
			ID:        "note-1",
			NotePath:  "/acme/notes/note-1",
			NoteTitle: "Weekly sync",
			NoteText:  text,
			AuthorID:  actorID,
		},
		Metadata:  map[string]any{"source": "test"},
		CreatedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}
