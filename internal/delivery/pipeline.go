package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline sends one delivery attempt and schedules bounded retries. On
// any terminal outcome it publishes a CompletionEvent for the run
// reconciler; it never reaches back into the run itself.
type Pipeline struct {
	store       *Store
	client      *http.Client
	scheduler   *Scheduler
	completions chan<- CompletionEvent
	now         func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithHTTPClient replaces the default SSRF-guarded client (tests only).
func WithHTTPClient(c *http.Client) PipelineOption {
	return func(p *Pipeline) { p.client = c }
}

// WithClock replaces the wall clock (tests only).
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates the delivery pipeline. Terminal outcomes are
// published on completions; retries are handed to scheduler.
func NewPipeline(store *Store, scheduler *Scheduler, completions chan<- CompletionEvent, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:       store,
		client:      NewHTTPClient(),
		scheduler:   scheduler,
		completions: completions,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Deliver performs one HTTP attempt for the delivery and updates its row:
// 2xx is success; an SSRF-blocked address is immediately terminal; any
// other failure either schedules a retry on the fixed backoff schedule or,
// once attempts are exhausted, fails the delivery.
func (p *Pipeline) Deliver(ctx context.Context, deliveryID string) error {
	ctx, span := tracer.Start(ctx, "delivery.deliver",
		trace.WithAttributes(attribute.String("delivery.id", deliveryID)))
	defer span.End()

	d, err := p.store.Get(ctx, deliveryID)
	if err != nil {
		return err
	}
	if d.Status.Terminal() {
		return nil
	}

	code, body, sendErr := p.send(ctx, d)
	d.AttemptCount++
	d.ResponseCode = code
	d.ResponseBody = truncate(body, ResponseBodyLimit)

	switch {
	case sendErr == nil && code >= 200 && code < 300:
		now := p.now().UTC()
		d.Status = StatusSuccess
		d.ErrorMessage = ""
		d.NextRetryAt = nil
		d.DeliveredAt = &now

	case IsBlocked(sendErr):
		// Never retried: the destination is inside a blocked range.
		d.Status = StatusFailed
		d.ErrorMessage = fmt.Sprintf("delivery blocked: %v", sendErr)
		d.NextRetryAt = nil

	default:
		d.ErrorMessage = attemptError(code, sendErr)
		if d.AttemptCount >= MaxAttempts {
			d.Status = StatusFailed
			d.NextRetryAt = nil
		} else {
			d.Status = StatusRetrying
			retryAt := p.now().UTC().Add(RetryDelays[d.AttemptCount-1])
			d.NextRetryAt = &retryAt
		}
	}

	if err := p.store.RecordAttempt(ctx, d); err != nil {
		return err
	}

	log.Info().
		Str("delivery_id", d.ID).
		Str("run_id", d.RunID).
		Str("status", string(d.Status)).
		Int("attempt", d.AttemptCount).
		Int("response_code", d.ResponseCode).
		Msg("webhook_delivery_attempted")

	switch d.Status {
	case StatusRetrying:
		p.scheduler.Schedule(d.ID, *d.NextRetryAt)
	case StatusSuccess, StatusFailed:
		p.publish(CompletionEvent{DeliveryID: d.ID, RunID: d.RunID, TerminalStatus: d.Status})
	}
	return nil
}

// send performs the signed POST and returns the response code and body.
func (p *Pipeline) send(ctx context.Context, d *Delivery) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	body := []byte(d.Body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, strings.NewReader(d.Body))
	if err != nil {
		return 0, "", err
	}

	ts := p.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Harmonic-Signature", Sign(body, ts, d.Secret))
	req.Header.Set("X-Harmonic-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Harmonic-Event", d.EventType)
	req.Header.Set("X-Harmonic-Delivery", d.ID)
	req.Header.Set("X-Harmonic-Automation-Run", d.RunID)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, ResponseBodyLimit+1))
	return resp.StatusCode, string(respBody), nil
}

func (p *Pipeline) publish(ev CompletionEvent) {
	if p.completions == nil {
		return
	}
	p.completions <- ev
}

func attemptError(code int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("unexpected response status %d", code)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
