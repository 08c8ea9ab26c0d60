package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/inventory"
	"github.com/clinicore/clinicore/internal/queue"
	"github.com/clinicore/clinicore/internal/realtime"
)

// Job types handled on the inventory queue.
const (
	TypeLowStockScan = "low_stock_scan"
	TypeExpiryScan   = "expiry_scan"
)

// expiryWindow is how far ahead the expiry scan looks.
const expiryWindow = 30 * 24 * time.Hour

// InventoryWorker scans stock levels and expiry dates, emailing the
// pharmacy and pushing real-time alerts to connected pharmacists.
type InventoryWorker struct {
	inventory  inventory.Repository
	manager    *queue.Manager
	realtime   *realtime.Service
	alertEmail string
	logger     zerolog.Logger
}

func NewInventoryWorker(repo inventory.Repository, manager *queue.Manager, rt *realtime.Service,
	alertEmail string, logger zerolog.Logger) *InventoryWorker {
	return &InventoryWorker{
		inventory:  repo,
		manager:    manager,
		realtime:   rt,
		alertEmail: alertEmail,
		logger:     logger.With().Str("worker", "inventory").Logger(),
	}
}

// Register attaches the worker's handlers to the manager.
func (w *InventoryWorker) Register(m *queue.Manager) {
	m.Register(queue.QueueInventory, TypeLowStockScan, w.handleLowStockScan)
	m.Register(queue.QueueInventory, TypeExpiryScan, w.handleExpiryScan)
}

func (w *InventoryWorker) handleLowStockScan(ctx context.Context, job *queue.Job) error {
	items, err := w.inventory.ListLowStock(ctx)
	if err != nil {
		return err
	}

	for _, item := range items {
		data := map[string]string{
			"item_name":     item.Name,
			"batch_number":  item.BatchNumber,
			"quantity":      strconv.Itoa(item.Quantity),
			"unit":          item.Unit,
			"reorder_level": strconv.Itoa(item.ReorderLevel),
		}
		if _, err := w.manager.Enqueue(ctx, queue.QueueNotifications, TypeDeliver, DeliveryPayload{
			Recipient:  w.alertEmail,
			TemplateID: "low-stock-alert",
			Data:       data,
		}); err != nil {
			return err
		}
		w.pushAlert("low_stock", "Low stock: "+item.Name, item.Name+" is at or below its reorder level.", data)
	}

	w.logger.Info().Int("items", len(items)).Msg("low stock scan complete")
	return nil
}

func (w *InventoryWorker) handleExpiryScan(ctx context.Context, job *queue.Job) error {
	cutoff := time.Now().UTC().Add(expiryWindow)
	items, err := w.inventory.ListExpiringBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, item := range items {
		expiry := ""
		if item.ExpiresAt != nil {
			expiry = item.ExpiresAt.Format("2006-01-02")
		}
		data := map[string]string{
			"item_name":    item.Name,
			"batch_number": item.BatchNumber,
			"quantity":     strconv.Itoa(item.Quantity),
			"unit":         item.Unit,
			"expiry_date":  expiry,
		}
		if _, err := w.manager.Enqueue(ctx, queue.QueueNotifications, TypeDeliver, DeliveryPayload{
			Recipient:  w.alertEmail,
			TemplateID: "stock-expiry-alert",
			Data:       data,
		}); err != nil {
			return err
		}
		w.pushAlert("stock_expiry", "Expiring stock: "+item.Name, item.Name+" expires on "+expiry+".", data)
	}

	w.logger.Info().Int("items", len(items)).Msg("expiry scan complete")
	return nil
}

// pushAlert notifies connected pharmacists and admins. Real-time delivery
// is best effort; the email path is the durable one.
func (w *InventoryWorker) pushAlert(alertType, title, message string, data map[string]string) {
	if w.realtime == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	err = w.realtime.SendNotification(realtime.Notification{
		Type:     alertType,
		Title:    title,
		Message:  message,
		Data:     raw,
		Priority: realtime.PriorityHigh,
	}, realtime.Target{Roles: []string{"PHARMACIST", "ADMIN"}})
	if err != nil {
		w.logger.Warn().Err(err).Str("alert", alertType).Msg("real-time alert not delivered")
	}
}
