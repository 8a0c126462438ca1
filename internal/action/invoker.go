package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPInvoker calls the platform's internal action endpoint. The endpoint
// is inside the trust boundary and authenticated with a service token;
// impersonation and provenance travel in headers.
type HTTPInvoker struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPInvoker creates an invoker against the platform's internal API.
func NewHTTPInvoker(baseURL, token string) *HTTPInvoker {
	return &HTTPInvoker{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Invoke performs actionName as actorID and returns the response body.
func (h *HTTPInvoker) Invoke(ctx context.Context, actorID, actionName string, params map[string]any, runID string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"action": actionName,
		"params": params,
	})
	if err != nil {
		return "", fmt.Errorf("encoding action payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.baseURL+"/internal/actions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("X-Harmonic-Impersonate", actorID)
	req.Header.Set("X-Harmonic-Automation-Run", runID)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("invoking %s: %w", actionName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("reading %s response: %w", actionName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s returned status %d", actionName, resp.StatusCode)
	}
	return string(body), nil
}
