package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	hotel "github.com/ibis-coordination/harmonic-automation/internal/otel"
)

var tracer = hotel.Tracer("github.com/ibis-coordination/harmonic-automation/internal/delivery")

// Store persists webhook deliveries in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed creates) the webhook_deliveries table.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening deliveries database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		event_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		response_code INTEGER NOT NULL DEFAULT 0,
		response_body TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		next_retry_at TIMESTAMP,
		delivered_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_run ON webhook_deliveries(run_id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_due ON webhook_deliveries(status, next_retry_at);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating deliveries schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a pending delivery.
func (s *Store) Create(ctx context.Context, d *Delivery) error {
	ctx, span := tracer.Start(ctx, "delivery.create",
		trace.WithAttributes(
			attribute.String("delivery.id", d.ID),
			attribute.String("run.id", d.RunID),
		))
	defer span.End()

	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = StatusPending
	}

	query := `INSERT INTO webhook_deliveries (id, run_id, event_id, url, secret, body, event_type,
	            status, attempt_count, response_code, response_body, error_message,
	            next_retry_at, delivered_at, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.RunID, d.EventID, d.URL, d.Secret, d.Body, d.EventType,
		string(d.Status), d.AttemptCount, d.ResponseCode, d.ResponseBody, d.ErrorMessage,
		d.NextRetryAt, d.DeliveredAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing delivery: %w", err)
	}
	return nil
}

// Get retrieves a delivery by ID.
func (s *Store) Get(ctx context.Context, id string) (*Delivery, error) {
	ctx, span := tracer.Start(ctx, "delivery.get",
		trace.WithAttributes(attribute.String("delivery.id", id)))
	defer span.End()

	row := s.db.QueryRowContext(ctx, selectDelivery+` WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("delivery %s not found", id)
	}
	return d, err
}

// RecordAttempt persists the outcome of one HTTP attempt. Terminal rows
// are not rewritten (WHERE guards against racing a concurrent attempt).
func (s *Store) RecordAttempt(ctx context.Context, d *Delivery) error {
	ctx, span := tracer.Start(ctx, "delivery.record_attempt",
		trace.WithAttributes(
			attribute.String("delivery.id", d.ID),
			attribute.String("status", string(d.Status)),
			attribute.Int("attempt_count", d.AttemptCount),
		))
	defer span.End()

	d.UpdatedAt = time.Now().UTC()
	query := `UPDATE webhook_deliveries SET status = ?, attempt_count = ?, response_code = ?,
	            response_body = ?, error_message = ?, next_retry_at = ?, delivered_at = ?, updated_at = ?
	          WHERE id = ? AND status IN ('pending', 'retrying')`
	_, err := s.db.ExecContext(ctx, query,
		string(d.Status), d.AttemptCount, d.ResponseCode,
		d.ResponseBody, d.ErrorMessage, d.NextRetryAt, d.DeliveredAt, d.UpdatedAt,
		d.ID)
	if err != nil {
		return fmt.Errorf("recording delivery attempt: %w", err)
	}
	return nil
}

// ListDue returns deliveries ready to attempt: pending rows, and retrying
// rows whose next_retry_at has passed. Oldest first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	ctx, span := tracer.Start(ctx, "delivery.list_due")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		selectDelivery+` WHERE status = 'pending' OR (status = 'retrying' AND next_retry_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due deliveries: %w", err)
	}
	defer rows.Close()

	var due []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			continue
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// ListPendingForRun returns a run's non-terminal deliveries. The test
// harness drains these synchronously; the reconciler counts them to decide
// run completion.
func (s *Store) ListPendingForRun(ctx context.Context, runID string) ([]*Delivery, error) {
	ctx, span := tracer.Start(ctx, "delivery.list_pending_for_run",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		selectDelivery+` WHERE run_id = ? AND status IN ('pending', 'retrying') ORDER BY created_at ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("querying run deliveries: %w", err)
	}
	defer rows.Close()

	var pending []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			continue
		}
		pending = append(pending, d)
	}
	return pending, rows.Err()
}

// CountOutstandingForRun counts a run's non-terminal deliveries.
func (s *Store) CountOutstandingForRun(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE run_id = ? AND status IN ('pending', 'retrying')`,
		runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting outstanding deliveries: %w", err)
	}
	return count, nil
}

const selectDelivery = `SELECT id, run_id, event_id, url, secret, body, event_type,
	status, attempt_count, response_code, response_body, error_message,
	next_retry_at, delivered_at, created_at, updated_at FROM webhook_deliveries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var d Delivery
	var status string
	err := row.Scan(&d.ID, &d.RunID, &d.EventID, &d.URL, &d.Secret, &d.Body, &d.EventType,
		&status, &d.AttemptCount, &d.ResponseCode, &d.ResponseBody, &d.ErrorMessage,
		&d.NextRetryAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	return &d, nil
}
