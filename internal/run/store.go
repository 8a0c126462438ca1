package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	hotel "github.com/ibis-coordination/harmonic-automation/internal/otel"
)

var tracer = hotel.Tracer("github.com/ibis-coordination/harmonic-automation/internal/run")

// Store persists rule runs in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed creates) the rule_runs table at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening runs database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS rule_runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		event_id TEXT NOT NULL DEFAULT '',
		trigger_source TEXT NOT NULL,
		status TEXT NOT NULL,
		trigger_data TEXT NOT NULL DEFAULT '{}',
		executed_actions TEXT NOT NULL DEFAULT '[]',
		error_message TEXT NOT NULL DEFAULT '',
		agent_task_id TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_rule ON rule_runs(rule_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON rule_runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_tenant ON rule_runs(tenant_id);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating runs schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a run (normally in StatusPending).
func (s *Store) Create(ctx context.Context, r *Run) error {
	ctx, span := tracer.Start(ctx, "run.create",
		trace.WithAttributes(
			attribute.String("run.id", r.ID),
			attribute.String("rule.id", r.RuleID),
			attribute.String("trigger_source", string(r.TriggerSource)),
		))
	defer span.End()

	triggerData, executed, err := encodeJSON(r)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	query := `INSERT INTO rule_runs (id, tenant_id, rule_id, event_id, trigger_source, status,
	            trigger_data, executed_actions, error_message, agent_task_id,
	            started_at, finished_at, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.TenantID, r.RuleID, r.EventID, string(r.TriggerSource), string(r.Status),
		triggerData, executed, r.ErrorMessage, r.AgentTaskID,
		r.StartedAt, r.FinishedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing run: %w", err)
	}
	return nil
}

// Get retrieves a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	ctx, span := tracer.Start(ctx, "run.get",
		trace.WithAttributes(attribute.String("run.id", id)))
	defer span.End()

	row := s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return r, err
}

// Transition moves a run from one status to another if and only if it is
// currently in from. Returns true when the transition was applied. This is
// the compare-and-swap guard racing completion callbacks rely on.
func (s *Store) Transition(ctx context.Context, id string, from, to Status) (bool, error) {
	ctx, span := tracer.Start(ctx, "run.transition",
		trace.WithAttributes(
			attribute.String("run.id", id),
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
	defer span.End()

	now := time.Now().UTC()
	query := `UPDATE rule_runs SET status = ?, updated_at = ?`
	args := []any{string(to), now}
	if to == StatusRunning {
		query += `, started_at = ?`
		args = append(args, now)
	}
	if to.Terminal() {
		query += `, finished_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transitioning run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed moves a non-terminal run to failed with an error message.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	ctx, span := tracer.Start(ctx, "run.mark_failed",
		trace.WithAttributes(attribute.String("run.id", id)))
	defer span.End()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE rule_runs SET status = ?, error_message = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		string(StatusFailed), message, now, now, id)
	if err != nil {
		return fmt.Errorf("failing run: %w", err)
	}
	return nil
}

// Cancel moves a non-terminal run to cancelled. Safe on terminal runs
// (no-op); returns whether the cancellation was applied.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "run.cancel",
		trace.WithAttributes(attribute.String("run.id", id)))
	defer span.End()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE rule_runs SET status = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		string(StatusCancelled), now, now, id)
	if err != nil {
		return false, fmt.Errorf("cancelling run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetExecutedActions rewrites the ordered action record for a run.
func (s *Store) SetExecutedActions(ctx context.Context, id string, actions []ExecutedAction) error {
	encoded, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encoding executed actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE rule_runs SET executed_actions = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storing executed actions: %w", err)
	}
	return nil
}

// SetAgentTask links the agent task spawned for this run.
func (s *Store) SetAgentTask(ctx context.Context, id, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rule_runs SET agent_task_id = ?, updated_at = ? WHERE id = ?`,
		taskID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("linking agent task: %w", err)
	}
	return nil
}

// CountRecentForRule counts runs created for a rule within the trailing
// window. The dispatcher uses this as its per-(rule, agent) rate guard:
// agent rules have one agent, so rule scope is agent scope.
func (s *Store) CountRecentForRule(ctx context.Context, ruleID string, window time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "run.count_recent",
		trace.WithAttributes(attribute.String("rule.id", ruleID)))
	defer span.End()

	cutoff := time.Now().UTC().Add(-window)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rule_runs WHERE rule_id = ? AND created_at > ?`,
		ruleID, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting recent runs: %w", err)
	}
	return count, nil
}

// ListPending returns pending runs oldest-first, up to limit. The worker
// pool polls this.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*Run, error) {
	ctx, span := tracer.Start(ctx, "run.list_pending")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		selectRun+` WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			continue
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const selectRun = `SELECT id, tenant_id, rule_id, event_id, trigger_source, status,
	trigger_data, executed_actions, error_message, agent_task_id,
	started_at, finished_at, created_at, updated_at FROM rule_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var source, status, triggerData, executed string

	err := row.Scan(&r.ID, &r.TenantID, &r.RuleID, &r.EventID, &source, &status,
		&triggerData, &executed, &r.ErrorMessage, &r.AgentTaskID,
		&r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.TriggerSource = TriggerSource(source)
	r.Status = Status(status)
	if err := json.Unmarshal([]byte(triggerData), &r.TriggerData); err != nil {
		return nil, fmt.Errorf("decoding trigger data for run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(executed), &r.ExecutedActions); err != nil {
		return nil, fmt.Errorf("decoding executed actions for run %s: %w", r.ID, err)
	}
	return &r, nil
}

func encodeJSON(r *Run) (triggerData, executed string, err error) {
	if r.TriggerData == nil {
		r.TriggerData = map[string]any{}
	}
	td, err := json.Marshal(r.TriggerData)
	if err != nil {
		return "", "", fmt.Errorf("encoding trigger data: %w", err)
	}
	if r.ExecutedActions == nil {
		r.ExecutedActions = []ExecutedAction{}
	}
	ea, err := json.Marshal(r.ExecutedActions)
	if err != nil {
		return "", "", fmt.Errorf("encoding executed actions: %w", err)
	}
	return string(td), string(ea), nil
}
