package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ibis-coordination/harmonic-automation/internal/cryptoutil"
	"github.com/ibis-coordination/harmonic-automation/internal/event"
	hotel "github.com/ibis-coordination/harmonic-automation/internal/otel"
	"github.com/ibis-coordination/harmonic-automation/internal/rule"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
)

const maxRequestBody = 1 << 20

// ScheduleReloader re-registers cron entries after rule changes.
type ScheduleReloader interface {
	Reload(ctx context.Context) error
}

// WithScheduleReloader sets the cron scheduler to refresh when schedule
// rules change.
func WithScheduleReloader(sr ScheduleReloader) Option {
	return func(s *Server) { s.schedules = sr }
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"tenant_id":      TenantIDFromContext(r.Context()),
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

type ruleRequest struct {
	YAML     string `json:"yaml"`
	AgentID  string `json:"agent_id,omitempty"`
	StudioID string `json:"studio_id,omitempty"`
}

type validateResponse struct {
	Valid  bool              `json:"valid"`
	Errors []rule.FieldError `json:"errors,omitempty"`
}

func (s *Server) handleRuleValidate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := rule.Parse(req.YAML, req.AgentID); err != nil {
		var defErrs rule.DefinitionErrors
		if errors.As(err, &defErrs) {
			writeJSON(w, http.StatusUnprocessableEntity, validateResponse{Valid: false, Errors: defErrs})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_document", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: true})
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	def, err := rule.Parse(req.YAML, req.AgentID)
	if err != nil {
		var defErrs rule.DefinitionErrors
		if errors.As(err, &defErrs) {
			writeJSON(w, http.StatusUnprocessableEntity, validateResponse{Valid: false, Errors: defErrs})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_document", err.Error())
		return
	}

	rl := &rule.Rule{
		ID:           uuid.NewString(),
		TenantID:     TenantIDFromContext(r.Context()),
		StudioID:     req.StudioID,
		AgentID:      req.AgentID,
		Name:         def.Name,
		Description:  def.Description,
		TriggerType:  def.TriggerType,
		Trigger:      def.Trigger,
		Conditions:   def.Conditions,
		TaskTemplate: def.TaskTemplate,
		Actions:      def.Actions,
		Enabled:      true,
		CreatedBy:    ActorIDFromContext(r.Context()),
		SourceYAML:   def.SourceYAML,
	}
	if rl.TriggerType == rule.TriggerWebhook {
		path, err := cryptoutil.RandomHex(16)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "failed to generate webhook path")
			return
		}
		secret, err := cryptoutil.RandomHex(32)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "failed to generate webhook secret")
			return
		}
		rl.WebhookPath = path
		rl.WebhookSecret = secret
	}

	if err := s.rules.Create(r.Context(), rl); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.reloadSchedules(r.Context(), rl)

	log.Info().
		Str("rule_id", rl.ID).
		Str("tenant_id", rl.TenantID).
		Str("trigger_type", string(rl.TriggerType)).
		Func(hotel.LogTraceFields(r.Context())).
		Msg("rule_created")
	writeJSON(w, http.StatusCreated, ruleResponseFrom(rl, true))
}

func (s *Server) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ruleResponseFrom(rl, false))
}

func (s *Server) handleRuleUpdate(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	var req ruleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	def, err := rule.Parse(req.YAML, rl.AgentID)
	if err != nil {
		var defErrs rule.DefinitionErrors
		if errors.As(err, &defErrs) {
			writeJSON(w, http.StatusUnprocessableEntity, validateResponse{Valid: false, Errors: defErrs})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_document", err.Error())
		return
	}

	rl.Name = def.Name
	rl.Description = def.Description
	rl.TriggerType = def.TriggerType
	rl.Trigger = def.Trigger
	rl.Conditions = def.Conditions
	rl.TaskTemplate = def.TaskTemplate
	rl.Actions = def.Actions
	rl.SourceYAML = def.SourceYAML

	// A rule first saved with a webhook trigger needs hook credentials,
	// and the secret is disclosed in this response only.
	credsGenerated := false
	if rl.TriggerType == rule.TriggerWebhook && rl.WebhookPath == "" {
		path, err := cryptoutil.RandomHex(16)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "failed to generate webhook path")
			return
		}
		secret, err := cryptoutil.RandomHex(32)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "failed to generate webhook secret")
			return
		}
		rl.WebhookPath = path
		rl.WebhookSecret = secret
		credsGenerated = true
	}

	if err := s.rules.Update(r.Context(), rl); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if credsGenerated {
		if err := s.rules.SetWebhookCredentials(r.Context(), rl.ID, rl.WebhookPath, rl.WebhookSecret); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
	}
	s.reloadSchedules(r.Context(), rl)
	writeJSON(w, http.StatusOK, ruleResponseFrom(rl, credsGenerated))
}

func (s *Server) handleRuleToggle(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.rules.SetEnabled(r.Context(), rl.ID, req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	rl.Enabled = req.Enabled
	s.reloadSchedules(r.Context(), rl)
	writeJSON(w, http.StatusOK, map[string]any{"id": rl.ID, "enabled": req.Enabled})
}

// handleRuleRun triggers a manual rule, merging its declared input
// defaults with caller-supplied values.
func (s *Server) handleRuleRun(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	if rl.TriggerType != rule.TriggerManual {
		writeError(w, http.StatusUnprocessableEntity, "not_manual", "rule is not manually triggerable")
		return
	}
	if !rl.Enabled {
		writeError(w, http.StatusUnprocessableEntity, "disabled", "rule is disabled")
		return
	}
	var req struct {
		Inputs map[string]any `json:"inputs"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	merged := map[string]any{}
	for k, v := range rl.Trigger.Inputs {
		merged[k] = v
	}
	for k, v := range req.Inputs {
		merged[k] = v
	}

	rn := &run.Run{
		ID:            uuid.NewString(),
		TenantID:      rl.TenantID,
		RuleID:        rl.ID,
		TriggerSource: run.SourceManual,
		Status:        run.StatusPending,
		TriggerData:   map[string]any{"inputs": merged},
	}
	if err := s.runs.Create(r.Context(), rn); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.enqueuer.EnqueueRun(rn.ID)

	log.Info().
		Str("rule_id", rl.ID).
		Str("run_id", rn.ID).
		Func(hotel.LogTraceFields(r.Context())).
		Msg("manual_trigger_fired")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "run_id": rn.ID})
}

// handleRuleTest runs the rule against a synthetic trigger and blocks
// until the result, including webhook delivery outcomes, is known.
func (s *Server) handleRuleTest(w http.ResponseWriter, r *http.Request) {
	rl, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	var req struct {
		Inputs map[string]any `json:"inputs"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.harness.Test(r.Context(), rl, req.Inputs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	rn, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil || rn.TenantID != TenantIDFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, runResponseFrom(rn))
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	rn, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil || rn.TenantID != TenantIDFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	cancelled, err := s.runs.Cancel(r.Context(), rn.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "terminal", "run already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": rn.ID, "status": string(run.StatusCancelled)})
}

// handleEventIntake accepts a platform event and dispatches it against
// the tenant's automation rules.
func (s *Server) handleEventIntake(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "event intake is not configured")
		return
	}
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev, err := req.toEvent(TenantIDFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	if req.StudioID != "" {
		if st, stErr := s.tenants.Studio(req.StudioID); stErr == nil {
			ev.Studio = &event.Studio{ID: st.ID, Handle: st.Handle, Name: st.Name, Path: st.Path}
		}
	}
	if s.events != nil {
		s.events.Put(ev)
	}
	if err := s.dispatcher.Dispatch(r.Context(), ev); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "event_id": ev.ID})
}

// loadRule fetches the rule from the URL and enforces tenant ownership.
func (s *Server) loadRule(w http.ResponseWriter, r *http.Request) (*rule.Rule, bool) {
	rl, err := s.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil || rl.TenantID != TenantIDFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "not_found", "rule not found")
		return nil, false
	}
	return rl, true
}

// reloadSchedules refreshes cron entries after a schedule-rule change.
func (s *Server) reloadSchedules(ctx context.Context, rl *rule.Rule) {
	if s.schedules == nil || rl.TriggerType != rule.TriggerSchedule {
		return
	}
	if err := s.schedules.Reload(ctx); err != nil {
		log.Error().Err(err).Msg("schedule_reload_failed")
	}
}

type ruleResponse struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	StudioID       string `json:"studio_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	TriggerType    string `json:"trigger_type"`
	Enabled        bool   `json:"enabled"`
	ExecutionCount int    `json:"execution_count"`
	WebhookPath    string `json:"webhook_path,omitempty"`
	WebhookSecret  string `json:"webhook_secret,omitempty"`
	YAML           string `json:"yaml,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

// ruleResponseFrom renders a rule for API responses. The webhook secret
// is included only on creation; afterwards it is write-only.
func ruleResponseFrom(rl *rule.Rule, includeSecret bool) ruleResponse {
	resp := ruleResponse{
		ID:             rl.ID,
		TenantID:       rl.TenantID,
		StudioID:       rl.StudioID,
		AgentID:        rl.AgentID,
		Name:           rl.Name,
		Description:    rl.Description,
		TriggerType:    string(rl.TriggerType),
		Enabled:        rl.Enabled,
		ExecutionCount: rl.ExecutionCount,
		WebhookPath:    rl.WebhookPath,
		YAML:           rl.SourceYAML,
	}
	if includeSecret {
		resp.WebhookSecret = rl.WebhookSecret
	}
	if !rl.CreatedAt.IsZero() {
		resp.CreatedAt = rl.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !rl.UpdatedAt.IsZero() {
		resp.UpdatedAt = rl.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type runResponse struct {
	ID              string               `json:"id"`
	RuleID          string               `json:"rule_id"`
	TriggerSource   string               `json:"trigger_source"`
	Status          string               `json:"status"`
	ExecutedActions []run.ExecutedAction `json:"executed_actions,omitempty"`
	ErrorMessage    string               `json:"error_message,omitempty"`
	AgentTaskID     string               `json:"agent_task_id,omitempty"`
	StartedAt       string               `json:"started_at,omitempty"`
	FinishedAt      string               `json:"finished_at,omitempty"`
	CreatedAt       string               `json:"created_at,omitempty"`
}

func runResponseFrom(rn *run.Run) runResponse {
	resp := runResponse{
		ID:              rn.ID,
		RuleID:          rn.RuleID,
		TriggerSource:   string(rn.TriggerSource),
		Status:          string(rn.Status),
		ExecutedActions: rn.ExecutedActions,
		ErrorMessage:    rn.ErrorMessage,
		AgentTaskID:     rn.AgentTaskID,
	}
	if rn.StartedAt != nil {
		resp.StartedAt = rn.StartedAt.UTC().Format(time.RFC3339)
	}
	if rn.FinishedAt != nil {
		resp.FinishedAt = rn.FinishedAt.UTC().Format(time.RFC3339)
	}
	if !rn.CreatedAt.IsZero() {
		resp.CreatedAt = rn.CreatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type eventRequest struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Actor    event.Actor    `json:"actor"`
	Subject  subjectRequest `json:"subject"`
	StudioID string         `json:"studio_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type subjectRequest struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	Path        string `json:"path,omitempty"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
	Question    string `json:"question,omitempty"`
	Description string `json:"description,omitempty"`
}

func (er *eventRequest) toEvent(tenantID string) (*event.Event, error) {
	if er.Type == "" {
		return nil, errors.New("event type is required")
	}
	subject, err := er.Subject.toSubject()
	if err != nil {
		return nil, err
	}
	ev := &event.Event{
		ID:        er.ID,
		TenantID:  tenantID,
		Type:      er.Type,
		Actor:     er.Actor,
		Subject:   subject,
		Metadata:  er.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev, nil
}

func (sr *subjectRequest) toSubject() (event.Subject, error) {
	switch event.SubjectKind(sr.Kind) {
	case event.KindNote:
		return event.Note{ID: sr.ID, NotePath: sr.Path, NoteTitle: sr.Title, NoteText: sr.Text, AuthorID: sr.CreatedBy}, nil
	case event.KindDecision:
		question := sr.Question
		if question == "" {
			question = sr.Title
		}
		return event.Decision{ID: sr.ID, DecisionPath: sr.Path, Question: question, Description: sr.Description, AuthorID: sr.CreatedBy}, nil
	case event.KindCommitment:
		return event.Commitment{ID: sr.ID, CommitmentPath: sr.Path, CommitmentName: sr.Title, Description: sr.Description, AuthorID: sr.CreatedBy}, nil
	case event.KindOption:
		return event.Option{ID: sr.ID, OptionPath: sr.Path, OptionName: sr.Title, AuthorID: sr.CreatedBy}, nil
	case "":
		return nil, errors.New("subject kind is required")
	default:
		return nil, errors.New("unknown subject kind " + sr.Kind)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
