// Package inventory tracks pharmacy stock levels and batch expiry dates for
// the recurring low-stock and expiry checks.
package inventory

import (
	"time"

	"github.com/google/uuid"
)

// StockItem maps to the stock_item table. Quantity is tracked per batch so
// expiry checks can name the batch being discarded.
type StockItem struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	BatchNumber  string     `db:"batch_number" json:"batch_number"`
	Quantity     int        `db:"quantity" json:"quantity"`
	ReorderLevel int        `db:"reorder_level" json:"reorder_level"`
	Unit         string     `db:"unit" json:"unit"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// LowStock reports whether the item has fallen to or below its reorder level.
func (s *StockItem) LowStock() bool {
	return s.Quantity <= s.ReorderLevel
}
