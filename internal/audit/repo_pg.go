package audit

import (
	"context"
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

type auditRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the Postgres-backed audit repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const auditCols = `id, actor, action, entity_type, entity_id, workflow_id, claim_id, outcome, detail, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID,
		&e.WorkflowID, &e.ClaimID, &e.Outcome, &e.Detail, &e.CreatedAt)
	return &e, err
}

func (r *auditRepoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO audit_entry (id, actor, action, entity_type, entity_id, workflow_id, claim_id, outcome, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		e.ID, e.Actor, e.Action, e.EntityType, e.EntityID,
		e.WorkflowID, e.ClaimID, e.Outcome, e.Detail).Scan(&e.CreatedAt)
}

func (r *auditRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *auditRepoPG) ListByWorkflow(ctx context.Context, workflowID string) ([]*Entry, error) {
	return r.list(ctx, `SELECT `+auditCols+` FROM audit_entry WHERE workflow_id = $1 ORDER BY created_at`, workflowID)
}

func (r *auditRepoPG) ListByClaim(ctx context.Context, claimID string) ([]*Entry, error) {
	return r.list(ctx, `SELECT `+auditCols+` FROM audit_entry WHERE claim_id = $1 ORDER BY created_at`, claimID)
}

func (r *auditRepoPG) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	return r.list(ctx, `SELECT `+auditCols+` FROM audit_entry ORDER BY created_at DESC LIMIT $1`, limit)
}

func (r *auditRepoPG) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM audit_entry WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
