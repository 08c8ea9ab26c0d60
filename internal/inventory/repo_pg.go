package inventory

import (
	"context"
	"errors"
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

type inventoryRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the Postgres-backed inventory repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &inventoryRepoPG{pool: pool}
}

func (r *inventoryRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const stockCols = `id, name, batch_number, quantity, reorder_level, unit, expires_at, updated_at`

func scanStockItem(row pgx.Row) (*StockItem, error) {
	var s StockItem
	err := row.Scan(&s.ID, &s.Name, &s.BatchNumber, &s.Quantity, &s.ReorderLevel,
		&s.Unit, &s.ExpiresAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, err
}

func (r *inventoryRepoPG) Upsert(ctx context.Context, item *StockItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO stock_item (id, name, batch_number, quantity, reorder_level, unit, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (name, batch_number) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			reorder_level = EXCLUDED.reorder_level,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		RETURNING id, updated_at`,
		item.ID, item.Name, item.BatchNumber, item.Quantity, item.ReorderLevel,
		item.Unit, item.ExpiresAt).Scan(&item.ID, &item.UpdatedAt)
}

func (r *inventoryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*StockItem, error) {
	return scanStockItem(r.conn(ctx).QueryRow(ctx, `SELECT `+stockCols+` FROM stock_item WHERE id = $1`, id))
}

func (r *inventoryRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*StockItem, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StockItem
	for rows.Next() {
		s, err := scanStockItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *inventoryRepoPG) ListLowStock(ctx context.Context) ([]*StockItem, error) {
	return r.list(ctx, `SELECT `+stockCols+` FROM stock_item WHERE quantity <= reorder_level ORDER BY name`)
}

func (r *inventoryRepoPG) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*StockItem, error) {
	return r.list(ctx, `SELECT `+stockCols+` FROM stock_item
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND quantity > 0
		ORDER BY expires_at`, cutoff)
}

func (r *inventoryRepoPG) AdjustQuantity(ctx context.Context, id uuid.UUID, delta int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE stock_item SET quantity = GREATEST(quantity + $2, 0), updated_at = now()
		WHERE id = $1`, id, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
