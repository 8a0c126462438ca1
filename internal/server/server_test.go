package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibis-coordination/harmonic-automation/internal/action"
	"github.com/ibis-coordination/harmonic-automation/internal/agent"
	"github.com/ibis-coordination/harmonic-automation/internal/delivery"
	"github.com/ibis-coordination/harmonic-automation/internal/dispatch"
	"github.com/ibis-coordination/harmonic-automation/internal/event"
	"github.com/ibis-coordination/harmonic-automation/internal/executor"
	"github.com/ibis-coordination/harmonic-automation/internal/harness"
	"github.com/ibis-coordination/harmonic-automation/internal/rule"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
	"github.com/ibis-coordination/harmonic-automation/internal/tenant"
	"github.com/ibis-coordination/harmonic-automation/internal/testutil"
	"github.com/ibis-coordination/harmonic-automation/internal/trigger"
)

const testAPIKey = "test-api-key"

type fakeReloader struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeReloader) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeReloader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type apiFixture struct {
	handler  http.Handler
	rules    *rule.Store
	runs     *run.Store
	enqueuer *testutil.FakeEnqueuer
	tasks    *testutil.FakeTaskQueue
	reloader *fakeReloader
	events   *event.Cache
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		rules:    testutil.NewRuleStore(t),
		runs:     testutil.NewRunStore(t),
		enqueuer: &testutil.FakeEnqueuer{},
		tasks:    &testutil.FakeTaskQueue{},
		reloader: &fakeReloader{},
		events:   event.NewCache(time.Hour),
	}
	deliveries := testutil.NewDeliveryStore(t)
	tenants := tenant.NewManager([]tenant.Tenant{
		{ID: "acme", AutomationEnabled: true, Studios: []tenant.Studio{
			{ID: "studio-1", Handle: "eng", IdentityActorID: "actor-studio-1"},
		}},
	})
	directory := agent.NewStaticDirectory([]agent.Agent{
		{ID: "agent-1", TenantID: "acme", Handle: "scribe", ParentID: "member-1"},
		{ID: "agent-researcher", TenantID: "acme", Handle: "researcher", ParentID: "member-1"},
	})

	pipeline := delivery.NewPipeline(deliveries, delivery.NewScheduler(func(string) {}), nil)
	reconciler := executor.NewReconciler(f.runs, deliveries)
	actions := action.NewDispatcher(tenants, &testutil.FakeInvoker{})
	h := harness.New(f.rules, f.runs, deliveries, f.events,
		f.tasks, actions, directory, pipeline, reconciler)
	webhookHandler := trigger.NewWebhookHandler(f.rules, f.runs, tenants, f.enqueuer)
	dispatcher := dispatch.NewDispatcher(tenants, f.rules, f.runs, directory, f.enqueuer)

	srv := NewServer(f.rules, f.runs, tenants, h, webhookHandler, f.enqueuer,
		map[string]Credential{testAPIKey: {TenantID: "acme", ActorID: "member-1"}},
		WithDispatcher(dispatcher),
		WithEventCache(f.events),
		WithScheduleReloader(f.reloader),
	)
	f.handler = srv.Routes()
	return f
}

func (f *apiFixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Harmonic-Key", testAPIKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestHealth_NoAuthRequired(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAuth_MissingOrWrongKey(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("X-Harmonic-Key", "wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_BearerToken(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"acme"`)
}

func TestRuleCreate_WebhookRule(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodPost, "/v1/rules", map[string]any{
		"yaml": testutil.GeneralWebhookRuleYAML,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		ID            string `json:"id"`
		TenantID      string `json:"tenant_id"`
		WebhookPath   string `json:"webhook_path"`
		WebhookSecret string `json:"webhook_secret"`
		Enabled       bool   `json:"enabled"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "acme", resp.TenantID)
	assert.True(t, resp.Enabled)
	assert.Len(t, resp.WebhookPath, 32)
	assert.Len(t, resp.WebhookSecret, 64)

	// The secret is only disclosed on creation.
	getRec := f.request(t, http.MethodGet, "/v1/rules/"+resp.ID, nil)
	require.Equal(t, http.StatusOK, getRec.Code)
	assert.NotContains(t, getRec.Body.String(), resp.WebhookSecret)
	assert.Contains(t, getRec.Body.String(), resp.WebhookPath)
}

func TestRuleCreate_ScheduleRuleReloadsCron(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodPost, "/v1/rules", map[string]any{
		"yaml": testutil.GeneralScheduleRuleYAML,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, f.reloader.Calls())
}

func TestRuleCreate_InvalidDefinition(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodPost, "/v1/rules", map[string]any{
		"yaml":     "trigger:\n  type: event\ntask: x",
		"agent_id": "agent-1",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp validateResponse
	decodeJSON(t, rec, &resp)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Errors)
}

func TestRuleCreate_NotAMapping(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodPost, "/v1/rules", map[string]any{
		"yaml": "- a\n- b",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuleValidate(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/v1/rules/validate", map[string]any{
		"yaml": testutil.ManualRuleYAML,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp validateResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Valid)

	rec = f.request(t, http.MethodPost, "/v1/rules/validate", map[string]any{
		"yaml": "name: x\ntrigger:\n  type: nope\ntask: t", "agent_id": "agent-1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRuleToggle(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRule(t, testutil.ManualRuleYAML, "")

	rec := f.request(t, http.MethodPost, "/v1/rules/"+created+"/toggle", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rl, err := f.rules.Get(context.Background(), created)
	require.NoError(t, err)
	assert.False(t, rl.Enabled)
}

func TestRuleUpdate(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRule(t, testutil.ManualRuleYAML, "")

	updated := `
name: ask-researcher-v2
trigger:
  type: manual
actions:
  - type: trigger_agent
    agent_id: agent-1
    task: "Do it"
`
	rec := f.request(t, http.MethodPut, "/v1/rules/"+created, map[string]any{"yaml": updated})
	require.Equal(t, http.StatusOK, rec.Code)

	rl, err := f.rules.Get(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, "ask-researcher-v2", rl.Name)
}

func TestRuleUpdate_TriggerBecomesWebhook(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRule(t, testutil.ManualRuleYAML, "")

	rec := f.request(t, http.MethodPut, "/v1/rules/"+created, map[string]any{
		"yaml": testutil.GeneralWebhookRuleYAML,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		WebhookPath   string `json:"webhook_path"`
		WebhookSecret string `json:"webhook_secret"`
	}
	decodeJSON(t, rec, &resp)
	assert.Len(t, resp.WebhookPath, 32)
	assert.Len(t, resp.WebhookSecret, 64)

	rl, err := f.rules.Get(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, resp.WebhookPath, rl.WebhookPath)
	assert.Equal(t, resp.WebhookSecret, rl.WebhookSecret)

	// Subsequent reads and updates never disclose or rotate the secret.
	getRec := f.request(t, http.MethodGet, "/v1/rules/"+created, nil)
	require.Equal(t, http.StatusOK, getRec.Code)
	assert.NotContains(t, getRec.Body.String(), resp.WebhookSecret)

	rec = f.request(t, http.MethodPut, "/v1/rules/"+created, map[string]any{
		"yaml": testutil.GeneralWebhookRuleYAML,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), resp.WebhookSecret)

	rl, err = f.rules.Get(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, resp.WebhookPath, rl.WebhookPath)
	assert.Equal(t, resp.WebhookSecret, rl.WebhookSecret)
}

func TestRuleGet_UnknownID(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodGet, "/v1/rules/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleGet_WrongTenant(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.rules.Create(context.Background(), &rule.Rule{
		ID: "rule-other", TenantID: "globex", Name: "x",
		TriggerType: rule.TriggerManual,
		Actions:     []rule.Action{rule.InternalAction{Name: "create_note"}},
		Enabled:     true,
	}))
	rec := f.request(t, http.MethodGet, "/v1/rules/rule-other", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleRun_Manual(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRule(t, testutil.ManualRuleYAML, "")

	rec := f.request(t, http.MethodPost, "/v1/rules/"+created+"/run", map[string]any{
		"inputs": map[string]any{"topic": "pricing"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Status string `json:"status"`
		RunID  string `json:"run_id"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, []string{resp.RunID}, f.enqueuer.EnqueuedRuns())

	rn, err := f.runs.Get(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.SourceManual, rn.TriggerSource)
	inputs := rn.TriggerData["inputs"].(map[string]any)
	assert.Equal(t, "pricing", inputs["topic"])
}

func TestRuleRun_NotManual(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRule(t, testutil.GeneralWebhookRuleYAML, "")

	rec := f.request(t, http.MethodPost, "/v1/rules/"+created+"/run", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_manual")
}

func TestRuleRun_Disabled(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRule(t, testutil.ManualRuleYAML, "")
	require.NoError(t, f.rules.SetEnabled(context.Background(), created, false))

	rec := f.request(t, http.MethodPost, "/v1/rules/"+created+"/run", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

func TestRuleTest(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRule(t, testutil.ManualRuleYAML, "")

	rec := f.request(t, http.MethodPost, "/v1/rules/"+created+"/test", map[string]any{
		"inputs": map[string]any{"topic": "onboarding"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res harness.Result
	decodeJSON(t, rec, &res)
	require.NotEmpty(t, res.RunID)
	require.Len(t, res.ExecutedActions, 1)

	require.Len(t, f.tasks.Queued(), 1)
	assert.Equal(t, "Research onboarding", f.tasks.Queued()[0].Task)
}

func TestRunGetAndCancel(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.runs.Create(context.Background(), &run.Run{
		ID: "run-1", TenantID: "acme", RuleID: "rule-1",
		TriggerSource: run.SourceManual, Status: run.StatusPending,
	}))

	rec := f.request(t, http.MethodGet, "/v1/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pending"`)

	rec = f.request(t, http.MethodPost, "/v1/runs/run-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancelled"`)

	// A second cancel hits a terminal run.
	rec = f.request(t, http.MethodPost, "/v1/runs/run-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunGet_WrongTenant(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.runs.Create(context.Background(), &run.Run{
		ID: "run-1", TenantID: "globex", RuleID: "rule-1",
		TriggerSource: run.SourceManual, Status: run.StatusPending,
	}))
	rec := f.request(t, http.MethodGet, "/v1/runs/run-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventIntake_DispatchesMatchingRules(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.rules.Create(context.Background(), &rule.Rule{
		ID: "rule-1", TenantID: "acme", Name: "on-note",
		TriggerType: rule.TriggerEvent,
		Trigger:     rule.TriggerConfig{EventType: "note.created"},
		Actions:     []rule.Action{rule.InternalAction{Name: "create_note"}},
		Enabled:     true,
	}))

	rec := f.request(t, http.MethodPost, "/v1/events", map[string]any{
		"id":    "ev-1",
		"type":  "note.created",
		"actor": map[string]any{"id": "member-2", "handle": "bo"},
		"subject": map[string]any{
			"kind": "note", "id": "note-1", "title": "Plans", "text": "the plan",
		},
		"studio_id": "studio-1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, f.enqueuer.EnqueuedRuns(), 1)

	// The event is retained for the executor to load.
	ev, err := f.events.GetEvent(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "note.created", ev.Type)
	require.NotNil(t, ev.Studio)
	assert.Equal(t, "eng", ev.Studio.Handle)
}

func TestEventIntake_InvalidEvent(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/v1/events", map[string]any{
		"type":    "note.created",
		"subject": map[string]any{"id": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "subject kind")

	rec = f.request(t, http.MethodPost, "/v1/events", map[string]any{
		"subject": map[string]any{"kind": "note", "id": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// createRule posts a YAML document and returns the new rule id.
func (f *apiFixture) createRule(t *testing.T, yaml, agentID string) string {
	t.Helper()
	body := map[string]any{"yaml": yaml}
	if agentID != "" {
		body["agent_id"] = agentID
	}
	rec := f.request(t, http.MethodPost, "/v1/rules", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		ID string `json:"id"`
	}
	decodeJSON(t, rec, &resp)
	return resp.ID
}
