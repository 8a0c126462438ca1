// Package trigger implements cron scheduling and inbound webhook
// handling for rule execution.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/ibis-coordination/harmonic-automation/internal/rule"
	"github.com/ibis-coordination/harmonic-automation/internal/run"
)

// RunEnqueuer hands a created run to the execution workers.
type RunEnqueuer interface {
	EnqueueRun(runID string)
}

// Scheduler manages cron-based rule execution. Cron expressions use the
// standard 5-field format: minute hour day-of-month month day-of-week
// (e.g. "0 9 * * 1-5" for 09:00 on weekdays). A rule's timezone is
// applied via a CRON_TZ= prefix; no seconds field.
type Scheduler struct {
	cron     *cron.Cron
	rules    *rule.Store
	runs     *run.Store
	enqueuer RunEnqueuer

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler over the given stores.
func NewScheduler(rules *rule.Store, runs *run.Store, enqueuer RunEnqueuer) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		rules:    rules,
		runs:     runs,
		enqueuer: enqueuer,
		entries:  map[string]cron.EntryID{},
	}
}

// Reload registers every enabled schedule rule, replacing any entries
// from a previous call. Call it at startup and after rule changes.
func (s *Scheduler) Reload(ctx context.Context) error {
	rules, err := s.rules.ListEnabledSchedules(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = map[string]cron.EntryID{}

	for _, rl := range rules {
		expr := rl.Trigger.Cron
		if rl.Trigger.Timezone != "" {
			expr = "CRON_TZ=" + rl.Trigger.Timezone + " " + expr
		}
		ruleID := rl.ID
		entryID, err := s.cron.AddFunc(expr, func() { s.fire(ruleID) })
		if err != nil {
			return fmt.Errorf("registering cron %q for rule %s: %w", rl.Trigger.Cron, rl.ID, err)
		}
		s.entries[rl.ID] = entryID
	}

	log.Info().Int("count", len(rules)).Msg("schedules_registered")
	return nil
}

// fire re-reads the rule so a disable between registration and firing is
// honored, then creates a pending run.
func (s *Scheduler) fire(ruleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rl, err := s.rules.Get(ctx, ruleID)
	if err != nil {
		log.Error().Err(err).Str("rule_id", ruleID).Msg("scheduled_rule_load_failed")
		return
	}
	if !rl.Enabled {
		return
	}

	r := &run.Run{
		ID:            uuid.NewString(),
		TenantID:      rl.TenantID,
		RuleID:        rl.ID,
		TriggerSource: run.SourceSchedule,
		Status:        run.StatusPending,
		TriggerData: map[string]any{
			"scheduled_at": time.Now().UTC().Format(time.RFC3339),
			"cron":         rl.Trigger.Cron,
		},
	}
	if err := s.runs.Create(ctx, r); err != nil {
		log.Error().Err(err).Str("rule_id", ruleID).Msg("scheduled_run_create_failed")
		return
	}

	log.Info().
		Str("rule_id", rl.ID).
		Str("run_id", r.ID).
		Str("cron", rl.Trigger.Cron).
		Msg("scheduled_trigger_fired")
	s.enqueuer.EnqueueRun(r.ID)
}

// Start begins executing registered cron entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for in-flight jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries (for testing).
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
