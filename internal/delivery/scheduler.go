package delivery

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler is the delayed-task capability the pipeline uses for retry
// re-delivery: a min-heap keyed by due time drained by one timer
// goroutine. Durability comes from the store's next_retry_at column; the
// heap only wakes the process at the right moment, and a restart rebuilds
// it from ListDue polling.
type Scheduler struct {
	mu      sync.Mutex
	items   timerHeap
	wake    chan struct{}
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
	fire    func(deliveryID string)
}

type timerItem struct {
	deliveryID string
	dueAt      time.Time
}

// NewScheduler creates a scheduler that invokes fire for each delivery
// when its due time arrives. Call Start to begin dispatching.
func NewScheduler(fire func(deliveryID string)) *Scheduler {
	return &Scheduler{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		fire:   fire,
	}
}

// Schedule enqueues a re-delivery at dueAt.
func (s *Scheduler) Schedule(deliveryID string, dueAt time.Time) {
	s.mu.Lock()
	heap.Push(&s.items, timerItem{deliveryID: deliveryID, dueAt: dueAt})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of scheduled retries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Start launches the timer goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the timer goroutine and waits for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var wait time.Duration
		if s.items.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.items[0].dueAt)
		}
		s.mu.Unlock()

		if wait <= 0 {
			s.fireDue()
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.fireDue()
		}
	}
}

// fireDue pops and fires every item whose due time has passed.
func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.items.Len() == 0 || s.items[0].dueAt.After(now) {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.items).(timerItem)
		s.mu.Unlock()
		s.fire(item.deliveryID)
	}
}

type timerHeap []timerItem

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].dueAt.Before(h[j].dueAt) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)        { *h = append(*h, x.(timerItem)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
