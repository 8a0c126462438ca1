// Package worker runs rule executions and webhook delivery attempts on
// a shared pool of goroutines. Producers hand work over a bounded queue;
// a poll loop sweeps the stores for anything the queue missed, so a
// dropped enqueue or a restart never strands a pending run or a due
// delivery.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ibis-coordination/harmonic-automation/internal/delivery"
	"github.com/ibis-coordination/harmonic-automation/internal/executor"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
)

type itemKind int

const (
	kindRun itemKind = iota
	kindDelivery
)

type item struct {
	kind itemKind
	id   string
}

// Pool executes queued runs and deliveries.
type Pool struct {
	runs       *run.Store
	deliveries *delivery.Store
	exec       *executor.Executor
	pipeline   *delivery.Pipeline

	concurrency  int
	pollInterval time.Duration
	queue        chan item

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) Option {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often the pool sweeps the stores for
// pending runs and due deliveries.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

// NewPool creates a worker pool.
func NewPool(runs *run.Store, deliveries *delivery.Store, exec *executor.Executor, pipeline *delivery.Pipeline, opts ...Option) *Pool {
	p := &Pool{
		runs:         runs,
		deliveries:   deliveries,
		exec:         exec,
		pipeline:     pipeline,
		concurrency:  4,
		pollInterval: 2 * time.Second,
		queue:        make(chan item, 256),
		stopCh:       make(chan struct{}),
		inflight:     map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnqueueRun queues a run for execution. Non-blocking: if the queue is
// full the poll loop picks the run up from the store instead.
func (p *Pool) EnqueueRun(runID string) {
	select {
	case p.queue <- item{kind: kindRun, id: runID}:
	default:
	}
}

// EnqueueDelivery queues a webhook delivery attempt.
func (p *Pool) EnqueueDelivery(deliveryID string) {
	select {
	case p.queue <- item{kind: kindDelivery, id: deliveryID}:
	default:
	}
}

// Start launches the worker goroutines and the poll loop. It returns
// immediately.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	log.Info().Int("concurrency", p.concurrency).Msg("worker_pool_starting")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workLoop()
	}
	p.wg.Add(1)
	go p.pollLoop()
}

// Stop signals the pool to stop and waits for in-flight work, up to the
// context deadline.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("worker_pool_stopped")
	case <-ctx.Done():
		log.Warn().Msg("worker_pool_shutdown_timed_out")
	}
}

func (p *Pool) workLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case it := <-p.queue:
			p.process(it)
		}
	}
}

// pollLoop sweeps the stores on an interval. Store-side guards (the
// pending-to-running transition, the attempt-count check) make a
// duplicate pickup harmless.
func (p *Pool) pollLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), p.pollInterval)
	defer cancel()

	runs, err := p.runs.ListPending(ctx, 64)
	if err != nil {
		log.Error().Err(err).Msg("pending_run_sweep_failed")
	} else {
		for _, r := range runs {
			p.EnqueueRun(r.ID)
		}
	}

	due, err := p.deliveries.ListDue(ctx, time.Now().UTC(), 64)
	if err != nil {
		log.Error().Err(err).Msg("due_delivery_sweep_failed")
		return
	}
	for _, d := range due {
		p.EnqueueDelivery(d.ID)
	}
}

func (p *Pool) process(it item) {
	if !p.claim(it) {
		return
	}
	defer p.release(it)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch it.kind {
	case kindRun:
		if err := p.exec.Execute(ctx, it.id); err != nil {
			log.Error().Err(err).Str("run_id", it.id).Msg("run_execution_failed")
		}
	case kindDelivery:
		if err := p.pipeline.Deliver(ctx, it.id); err != nil {
			log.Error().Err(err).Str("delivery_id", it.id).Msg("delivery_attempt_failed")
		}
	}
}

func (p *Pool) claim(it item) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, ok := p.inflight[it.id]; ok {
		return false
	}
	p.inflight[it.id] = struct{}{}
	return true
}

func (p *Pool) release(it item) {
	p.inflightMu.Lock()
	delete(p.inflight, it.id)
	p.inflightMu.Unlock()
}
