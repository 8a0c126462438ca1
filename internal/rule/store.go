package rule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ibis-coordination/harmonic-automation/internal/condition"
	hotel "github.com/ibis-coordination/harmonic-automation/internal/otel"
)

var tracer = hotel.Tracer("github.com/ibis-coordination/harmonic-automation/internal/rule")

// Store persists automation rules in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed creates) the rules table at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening rules database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		studio_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		trigger_type TEXT NOT NULL,
		trigger_config TEXT NOT NULL,
		conditions TEXT NOT NULL DEFAULT '[]',
		task_template TEXT NOT NULL DEFAULT '',
		actions TEXT NOT NULL DEFAULT '[]',
		webhook_secret TEXT NOT NULL DEFAULT '',
		webhook_path TEXT NOT NULL DEFAULT '',
		allowed_source_ip TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		execution_count INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT '',
		source_yaml TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_tenant ON rules(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_rules_trigger ON rules(trigger_type, enabled);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_webhook_path ON rules(webhook_path) WHERE webhook_path != '';
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating rules schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a rule.
func (s *Store) Create(ctx context.Context, r *Rule) error {
	ctx, span := tracer.Start(ctx, "rule.create",
		trace.WithAttributes(
			attribute.String("rule.id", r.ID),
			attribute.String("tenant_id", r.TenantID),
		))
	defer span.End()

	triggerConfig, conditions, actions, err := encodeColumns(r)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	query := `INSERT INTO rules (id, tenant_id, studio_id, agent_id, name, description,
	            trigger_type, trigger_config, conditions, task_template, actions,
	            webhook_secret, webhook_path, allowed_source_ip, enabled, execution_count,
	            created_by, source_yaml, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.TenantID, r.StudioID, r.AgentID, r.Name, r.Description,
		string(r.TriggerType), triggerConfig, conditions, r.TaskTemplate, actions,
		r.WebhookSecret, r.WebhookPath, r.AllowedSourceIP, boolToInt(r.Enabled), r.ExecutionCount,
		r.CreatedBy, r.SourceYAML, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing rule: %w", err)
	}
	return nil
}

// SetWebhookCredentials assigns the hook path and signing secret to a
// rule that has none yet. Existing credentials are never overwritten.
func (s *Store) SetWebhookCredentials(ctx context.Context, id, path, secret string) error {
	ctx, span := tracer.Start(ctx, "rule.set_webhook_credentials",
		trace.WithAttributes(attribute.String("rule.id", id)))
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET webhook_path = ?, webhook_secret = ?, updated_at = ?
		 WHERE id = ? AND webhook_path = ''`,
		path, secret, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("setting webhook credentials: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found or already has webhook credentials", id)
	}
	return nil
}

// Update rewrites a rule's definition-derived columns. Runtime state
// (execution_count, webhook_secret) is not touched.
func (s *Store) Update(ctx context.Context, r *Rule) error {
	ctx, span := tracer.Start(ctx, "rule.update",
		trace.WithAttributes(attribute.String("rule.id", r.ID)))
	defer span.End()

	triggerConfig, conditions, actions, err := encodeColumns(r)
	if err != nil {
		return err
	}

	query := `UPDATE rules SET name = ?, description = ?, trigger_type = ?, trigger_config = ?,
	            conditions = ?, task_template = ?, actions = ?, allowed_source_ip = ?,
	            source_yaml = ?, updated_at = ?
	          WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		r.Name, r.Description, string(r.TriggerType), triggerConfig,
		conditions, r.TaskTemplate, actions, r.AllowedSourceIP,
		r.SourceYAML, time.Now().UTC(), r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found", r.ID)
	}
	return nil
}

// Get retrieves a rule by ID.
func (s *Store) Get(ctx context.Context, id string) (*Rule, error) {
	ctx, span := tracer.Start(ctx, "rule.get",
		trace.WithAttributes(attribute.String("rule.id", id)))
	defer span.End()

	row := s.db.QueryRowContext(ctx, selectRule+` WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s not found", id)
	}
	return r, err
}

// GetByWebhookPath retrieves the rule owning an inbound webhook path.
func (s *Store) GetByWebhookPath(ctx context.Context, path string) (*Rule, error) {
	ctx, span := tracer.Start(ctx, "rule.get_by_webhook_path")
	defer span.End()

	row := s.db.QueryRowContext(ctx, selectRule+` WHERE webhook_path = ?`, path)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no rule for webhook path %q", path)
	}
	return r, err
}

// ListEnabledForEvent returns enabled event-triggered rules for the tenant
// whose trigger matches eventType.
func (s *Store) ListEnabledForEvent(ctx context.Context, tenantID, eventType string) ([]*Rule, error) {
	ctx, span := tracer.Start(ctx, "rule.list_for_event",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("event_type", eventType),
		))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		selectRule+` WHERE tenant_id = ? AND trigger_type = 'event' AND enabled = 1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var matched []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			continue
		}
		if r.Trigger.EventType == eventType {
			matched = append(matched, r)
		}
	}
	return matched, rows.Err()
}

// ListEnabledSchedules returns all enabled schedule-triggered rules.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]*Rule, error) {
	ctx, span := tracer.Start(ctx, "rule.list_schedules")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		selectRule+` WHERE trigger_type = 'schedule' AND enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("querying schedule rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			continue
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetEnabled toggles a rule on or off.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ctx, span := tracer.Start(ctx, "rule.set_enabled",
		trace.WithAttributes(
			attribute.String("rule.id", id),
			attribute.Bool("enabled", enabled),
		))
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("toggling rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found", id)
	}
	return nil
}

// IncrementExecutionCount bumps the rule's run counter. At-least-once under
// races is acceptable; the counter is informational.
func (s *Store) IncrementExecutionCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rules SET execution_count = execution_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("incrementing execution count: %w", err)
	}
	return nil
}

const selectRule = `SELECT id, tenant_id, studio_id, agent_id, name, description,
	trigger_type, trigger_config, conditions, task_template, actions,
	webhook_secret, webhook_path, allowed_source_ip, enabled, execution_count,
	created_by, source_yaml, created_at, updated_at FROM rules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var triggerType, triggerConfig, conditions, actions string
	var enabled int

	err := row.Scan(&r.ID, &r.TenantID, &r.StudioID, &r.AgentID, &r.Name, &r.Description,
		&triggerType, &triggerConfig, &conditions, &r.TaskTemplate, &actions,
		&r.WebhookSecret, &r.WebhookPath, &r.AllowedSourceIP, &enabled, &r.ExecutionCount,
		&r.CreatedBy, &r.SourceYAML, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.TriggerType = TriggerType(triggerType)
	r.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(triggerConfig), &r.Trigger); err != nil {
		return nil, fmt.Errorf("decoding trigger config for rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return nil, fmt.Errorf("decoding conditions for rule %s: %w", r.ID, err)
	}
	decoded, err := DecodeActions([]byte(actions))
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	r.Actions = decoded
	return &r, nil
}

func encodeColumns(r *Rule) (triggerConfig, conditions, actions string, err error) {
	tc, err := json.Marshal(r.Trigger)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding trigger config: %w", err)
	}
	if r.Conditions == nil {
		r.Conditions = []condition.Condition{}
	}
	cond, err := json.Marshal(r.Conditions)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding conditions: %w", err)
	}
	acts, err := EncodeActions(r.Actions)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding actions: %w", err)
	}
	return string(tc), string(cond), string(acts), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
