package trigger

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ibis-coordination/harmonic-automation/internal/delivery"
	hotel "github.com/ibis-coordination/harmonic-automation/internal/otel"
	"github.com/ibis-coordination/harmonic-automation/internal/rule"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
	"github.com/ibis-coordination/harmonic-automation/internal/tenant"
)

const maxHookBody = 1 << 20

// WebhookHandler handles inbound webhook triggers. Hooks carry no
// session auth; each request is verified against the target rule's
// webhook secret.
type WebhookHandler struct {
	rules    *rule.Store
	runs     *run.Store
	tenants  *tenant.Manager
	enqueuer RunEnqueuer
	now      func() time.Time
}

// NewWebhookHandler creates a handler over the given stores.
func NewWebhookHandler(rules *rule.Store, runs *run.Store, tenants *tenant.Manager, enqueuer RunEnqueuer) *WebhookHandler {
	return &WebhookHandler{
		rules:    rules,
		runs:     runs,
		tenants:  tenants,
		enqueuer: enqueuer,
		now:      time.Now,
	}
}

type hookResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandleHook processes POST /hooks/{path}.
func (wh *WebhookHandler) HandleHook(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")

	rl, err := wh.rules.GetByWebhookPath(r.Context(), path)
	if err != nil {
		writeHook(w, http.StatusNotFound, hookResponse{Status: "error", Error: "unknown webhook path"})
		return
	}

	if err := wh.tenants.AllowHook(rl.TenantID); err != nil {
		writeHook(w, http.StatusTooManyRequests, hookResponse{Status: "error", Error: "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
	if err != nil {
		writeHook(w, http.StatusBadRequest, hookResponse{Status: "error", Error: "unreadable body"})
		return
	}

	ts, err := delivery.ParseTimestamp(r.Header.Get("X-Harmonic-Timestamp"), wh.now())
	if err != nil {
		writeHook(w, http.StatusUnauthorized, hookResponse{Status: "error", Error: "missing or stale timestamp"})
		return
	}
	sig := r.Header.Get("X-Harmonic-Signature")
	if sig == "" || !delivery.VerifySignature(body, ts, sig, rl.WebhookSecret) {
		writeHook(w, http.StatusUnauthorized, hookResponse{Status: "error", Error: "signature verification failed"})
		return
	}

	sourceIP := remoteIP(r)
	if rl.AllowedSourceIP != "" && rl.AllowedSourceIP != sourceIP {
		writeHook(w, http.StatusForbidden, hookResponse{Status: "error", Error: "source address not allowed"})
		return
	}

	if !rl.Enabled {
		writeHook(w, http.StatusUnprocessableEntity, hookResponse{Status: "error", Error: "rule is disabled"})
		return
	}

	rn := &run.Run{
		ID:            uuid.NewString(),
		TenantID:      rl.TenantID,
		RuleID:        rl.ID,
		TriggerSource: run.SourceWebhook,
		Status:        run.StatusPending,
		TriggerData: map[string]any{
			"payload":     parseHookBody(body),
			"path":        path,
			"received_at": wh.now().UTC().Format(time.RFC3339),
			"source_ip":   sourceIP,
		},
	}
	if err := wh.runs.Create(r.Context(), rn); err != nil {
		writeHook(w, http.StatusInternalServerError, hookResponse{Status: "error", Error: "failed to create run"})
		return
	}

	log.Info().
		Str("rule_id", rl.ID).
		Str("run_id", rn.ID).
		Str("path", path).
		Func(hotel.LogTraceFields(r.Context())).
		Msg("webhook_trigger_fired")
	wh.enqueuer.EnqueueRun(rn.ID)

	writeHook(w, http.StatusOK, hookResponse{Status: "accepted", RunID: rn.ID})
}

// parseHookBody keeps JSON bodies structured and wraps anything else so
// templates can still reach the raw text.
func parseHookBody(body []byte) any {
	if len(body) == 0 {
		return map[string]any{}
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return map[string]any{"raw": string(body)}
	}
	return parsed
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeHook(w http.ResponseWriter, status int, resp hookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
