package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type workflowRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the Postgres-backed workflow repository. Steps live in
// workflow_step; instances in workflow_instance.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &workflowRepoPG{pool: pool}
}

func (r *workflowRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const instanceCols = `id, claim_id, invoice_id, workflow_type, current_step, overall_status, created_at, updated_at`

const stepCols = `id, workflow_id, step_name, step_order, status, required, automated,
	estimated_duration_ms, actual_duration_ms, assigned_to, completed_by,
	started_at, completed_at, notes, prerequisites, next_steps`

func scanInstance(row pgx.Row) (*Instance, error) {
	var w Instance
	err := row.Scan(&w.ID, &w.ClaimID, &w.InvoiceID, &w.WorkflowType,
		&w.CurrentStep, &w.OverallStatus, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &w, err
}

func scanStep(row pgx.Row) (*Step, error) {
	var (
		s          Step
		workflowID uuid.UUID
		estMs      int64
		actMs      *int64
	)
	err := row.Scan(&s.ID, &workflowID, &s.Name, &s.Order, &s.Status, &s.Required, &s.Automated,
		&estMs, &actMs, &s.AssignedTo, &s.CompletedBy,
		&s.StartedAt, &s.CompletedAt, &s.Notes, &s.Prerequisites, &s.NextSteps)
	if err != nil {
		return nil, err
	}
	s.EstimatedDuration = time.Duration(estMs) * time.Millisecond
	if actMs != nil {
		d := time.Duration(*actMs) * time.Millisecond
		s.ActualDuration = &d
	}
	return &s, nil
}

func (r *workflowRepoPG) Create(ctx context.Context, w *Instance) error {
	q := r.conn(ctx)
	err := q.QueryRow(ctx, `
		INSERT INTO workflow_instance (id, claim_id, invoice_id, workflow_type, current_step, overall_status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		w.ID, w.ClaimID, w.InvoiceID, w.WorkflowType, w.CurrentStep, w.OverallStatus).
		Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return err
	}

	for _, s := range w.Steps {
		if err := r.insertStep(ctx, q, w.ID, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *workflowRepoPG) insertStep(ctx context.Context, q queryable, workflowID uuid.UUID, s *Step) error {
	_, err := q.Exec(ctx, `
		INSERT INTO workflow_step (id, workflow_id, step_name, step_order, status, required, automated,
			estimated_duration_ms, actual_duration_ms, assigned_to, completed_by,
			started_at, completed_at, notes, prerequisites, next_steps)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		s.ID, workflowID, s.Name, s.Order, s.Status, s.Required, s.Automated,
		s.EstimatedDuration.Milliseconds(), durationMs(s.ActualDuration), s.AssignedTo, s.CompletedBy,
		s.StartedAt, s.CompletedAt, s.Notes, s.Prerequisites, s.NextSteps)
	return err
}

func durationMs(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func (r *workflowRepoPG) Get(ctx context.Context, id uuid.UUID) (*Instance, error) {
	q := r.conn(ctx)
	w, err := scanInstance(q.QueryRow(ctx, `SELECT `+instanceCols+` FROM workflow_instance WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadSteps(ctx, q, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (r *workflowRepoPG) loadSteps(ctx context.Context, q queryable, w *Instance) error {
	rows, err := q.Query(ctx, `SELECT `+stepCols+` FROM workflow_step WHERE workflow_id = $1 ORDER BY step_order`, w.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return err
		}
		w.Steps = append(w.Steps, s)
	}
	return rows.Err()
}

func (r *workflowRepoPG) Update(ctx context.Context, w *Instance) error {
	q := r.conn(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE workflow_instance
		SET invoice_id = $2, current_step = $3, overall_status = $4, updated_at = now()
		WHERE id = $1`,
		w.ID, w.InvoiceID, w.CurrentStep, w.OverallStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	for _, s := range w.Steps {
		_, err := q.Exec(ctx, `
			UPDATE workflow_step
			SET status = $2, actual_duration_ms = $3, assigned_to = $4, completed_by = $5,
				started_at = $6, completed_at = $7, notes = $8
			WHERE id = $1`,
			s.ID, s.Status, durationMs(s.ActualDuration), s.AssignedTo, s.CompletedBy,
			s.StartedAt, s.CompletedAt, s.Notes)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *workflowRepoPG) List(ctx context.Context, f Filters) ([]*Instance, error) {
	q := r.conn(ctx)

	query := `SELECT ` + instanceCols + ` FROM workflow_instance WHERE 1=1`
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		query += ` AND overall_status = ` + next(f.Status)
	}
	if f.ClaimID != uuid.Nil {
		query += ` AND claim_id = ` + next(f.ClaimID)
	}
	if f.AssignedTo != "" {
		query += ` AND id IN (SELECT workflow_id FROM workflow_step WHERE assigned_to = ` + next(f.AssignedTo) + `)`
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ` + next(f.From)
	}
	if !f.To.IsZero() {
		query += ` AND created_at <= ` + next(f.To)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		w, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, w := range out {
		if err := r.loadSteps(ctx, q, w); err != nil {
			return nil, err
		}
	}
	return out, nil
}
