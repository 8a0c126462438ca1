package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, client *http.Client, completions chan CompletionEvent) (*Pipeline, *Store, *Scheduler) {
	t.Helper()
	store := newTestStore(t)
	scheduler := NewScheduler(func(string) {})
	p := NewPipeline(store, scheduler, completions, WithHTTPClient(client))
	return p, store, scheduler
}

func TestPipeline_SuccessfulDelivery(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	completions := make(chan CompletionEvent, 1)
	p, store, _ := newTestPipeline(t, srv.Client(), completions)
	ctx := context.Background()

	d := sampleDelivery("del-1", "run-1")
	d.URL = srv.URL
	require.NoError(t, store.Create(ctx, d))

	require.NoError(t, p.Deliver(ctx, "del-1"))

	got, err := store.Get(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, 200, got.ResponseCode)
	assert.Equal(t, `{"ok":true}`, got.ResponseBody)
	require.NotNil(t, got.DeliveredAt)
	assert.Nil(t, got.NextRetryAt)

	assert.Equal(t, `{"kind":"ping"}`, string(gotBody))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "note.created", gotHeaders.Get("X-Harmonic-Event"))
	assert.Equal(t, "del-1", gotHeaders.Get("X-Harmonic-Delivery"))
	assert.Equal(t, "run-1", gotHeaders.Get("X-Harmonic-Automation-Run"))

	ts, err := strconv.ParseInt(gotHeaders.Get("X-Harmonic-Timestamp"), 10, 64)
	require.NoError(t, err)
	assert.True(t, VerifySignature(gotBody, ts, gotHeaders.Get("X-Harmonic-Signature"), "secret"))

	ev := <-completions
	assert.Equal(t, CompletionEvent{DeliveryID: "del-1", RunID: "run-1", TerminalStatus: StatusSuccess}, ev)
}

func TestPipeline_FailureSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	completions := make(chan CompletionEvent, 1)
	store := newTestStore(t)
	scheduler := NewScheduler(func(string) {})
	p := NewPipeline(store, scheduler, completions,
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return base }))
	ctx := context.Background()

	d := sampleDelivery("del-1", "run-1")
	d.URL = srv.URL
	require.NoError(t, store.Create(ctx, d))

	require.NoError(t, p.Deliver(ctx, "del-1"))

	got, err := store.Get(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, 503, got.ResponseCode)
	assert.Contains(t, got.ErrorMessage, "503")
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, base.Add(time.Minute), got.NextRetryAt.UTC())

	assert.Equal(t, 1, scheduler.Len())
	assert.Empty(t, completions)
}

func TestPipeline_BackoffSchedule(t *testing.T) {
	assert.Equal(t, [5]time.Duration{
		time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 24 * time.Hour,
	}, RetryDelays)
}

func TestPipeline_ExhaustedAttemptsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	completions := make(chan CompletionEvent, MaxAttempts)
	p, store, scheduler := newTestPipeline(t, srv.Client(), completions)
	ctx := context.Background()

	d := sampleDelivery("del-1", "run-1")
	d.URL = srv.URL
	require.NoError(t, store.Create(ctx, d))

	for i := 0; i < MaxAttempts; i++ {
		require.NoError(t, p.Deliver(ctx, "del-1"))
	}

	got, err := store.Get(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, MaxAttempts, got.AttemptCount)
	assert.Nil(t, got.NextRetryAt)

	// Four retries scheduled, one terminal completion published.
	assert.Equal(t, MaxAttempts-1, scheduler.Len())
	ev := <-completions
	assert.Equal(t, StatusFailed, ev.TerminalStatus)

	// Further attempts on the terminal delivery are no-ops.
	require.NoError(t, p.Deliver(ctx, "del-1"))
	got, _ = store.Get(ctx, "del-1")
	assert.Equal(t, MaxAttempts, got.AttemptCount)
}

func TestPipeline_BlockedAddressIsTerminal(t *testing.T) {
	completions := make(chan CompletionEvent, 1)
	store := newTestStore(t)
	scheduler := NewScheduler(func(string) {})
	// Default client carries the SSRF guard.
	p := NewPipeline(store, scheduler, completions)
	ctx := context.Background()

	d := sampleDelivery("del-1", "run-1")
	d.URL = "http://169.254.169.254/latest/meta-data/"
	require.NoError(t, store.Create(ctx, d))

	require.NoError(t, p.Deliver(ctx, "del-1"))

	got, err := store.Get(ctx, "del-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, got.ErrorMessage, "blocked")
	assert.Nil(t, got.NextRetryAt)

	assert.Equal(t, 0, scheduler.Len())
	ev := <-completions
	assert.Equal(t, StatusFailed, ev.TerminalStatus)
}

func TestPipeline_TruncatesResponseBody(t *testing.T) {
	long := make([]byte, ResponseBodyLimit*2)
	for i := range long {
		long[i] = 'x'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(long)
	}))
	defer srv.Close()

	p, store, _ := newTestPipeline(t, srv.Client(), nil)
	ctx := context.Background()

	d := sampleDelivery("del-1", "run-1")
	d.URL = srv.URL
	require.NoError(t, store.Create(ctx, d))
	require.NoError(t, p.Deliver(ctx, "del-1"))

	got, err := store.Get(ctx, "del-1")
	require.NoError(t, err)
	assert.Len(t, got.ResponseBody, ResponseBodyLimit)
}
