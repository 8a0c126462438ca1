package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPTaskQueue hands queued tasks to the coordination platform's agent
// runtime. The call is inside the trust boundary and authenticated with
// a service token.
type HTTPTaskQueue struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTaskQueue creates a queue client for the given platform endpoint.
func NewHTTPTaskQueue(baseURL, token string) *HTTPTaskQueue {
	return &HTTPTaskQueue{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateQueued enqueues a task and returns the runtime's task id.
func (q *HTTPTaskQueue) CreateQueued(ctx context.Context, params TaskParams) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"agent_id":      params.AgentID,
		"tenant_id":     params.TenantID,
		"initiator_id":  params.InitiatorID,
		"task":          params.Task,
		"max_steps":     params.MaxSteps,
		"origin_run_id": params.OriginRunID,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		q.baseURL+"/internal/agent-tasks", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+q.token)
	req.Header.Set("X-Harmonic-Automation-Run", params.OriginRunID)

	resp, err := q.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("queueing agent task: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("agent task queue returned %d", resp.StatusCode)
	}

	var parsed struct {
		TaskID string `json:"task_id"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decoding task queue response: %w", err)
	}
	if parsed.TaskID != "" {
		return parsed.TaskID, nil
	}
	if parsed.ID != "" {
		return parsed.ID, nil
	}
	return "", fmt.Errorf("task queue response carried no task id")
}

// Signal nudges the runtime to pick up queued work. Best effort; the
// runtime also polls its own queue.
func (q *HTTPTaskQueue) Signal(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, _ := json.Marshal(map[string]string{"agent_id": agentID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		q.baseURL+"/internal/agent-tasks/signal", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+q.token)

	resp, err := q.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("agent_id", agentID).Msg("agent_signal_failed")
		return
	}
	resp.Body.Close()
}
