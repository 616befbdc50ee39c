package fulfillment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/domain"
	"github.com/cursxzxc/meltowshop/internal/events"
)

// PaymentChecker polls the payment provider for settlement
type PaymentChecker interface {
	CheckSettled(ctx context.Context, invoiceID string) (bool, error)
}

// Inventory is the slice of the inventory store a worker may touch. The
// worker owns the reservation's terminal transition; nothing else marks
// an item sold or releases it on this path.
type Inventory interface {
	MarkSold(ctx context.Context, itemID string) error
	Release(ctx context.Context, itemID string) error
}

// Deliverer transfers the purchased artifact to the buyer and sends the
// expiry notice. Implemented by the chat transport.
type Deliverer interface {
	Deliver(ctx context.Context, res domain.Reservation) error
	NotifyExpired(ctx context.Context, res domain.Reservation)
	NotifyDeliveryFailed(ctx context.Context, res domain.Reservation)
}

// Outcome is the terminal result of one fulfillment run
type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
	OutcomeExpired        Outcome = "expired"
)

// OutcomeFunc is called exactly once per worker, after its terminal
// transition. The purchase session uses it to leave AwaitingPayment.
type OutcomeFunc func(res domain.Reservation, outcome Outcome)

// Manager spawns one worker goroutine per active reservation and resumes
// persisted reservations after a restart.
type Manager struct {
	checker   PaymentChecker
	inventory Inventory
	deliverer Deliverer
	publisher events.EventPublisher
	logger    *zap.Logger

	interval    time.Duration
	maxAttempts int
	onOutcome   OutcomeFunc

	wg sync.WaitGroup
}

// NewManager creates a fulfillment manager with the given polling policy
func NewManager(checker PaymentChecker, inventory Inventory, deliverer Deliverer,
	publisher events.EventPublisher, interval time.Duration, maxAttempts int,
	onOutcome OutcomeFunc, logger *zap.Logger) *Manager {
	return &Manager{
		checker:     checker,
		inventory:   inventory,
		deliverer:   deliverer,
		publisher:   publisher,
		logger:      logger,
		interval:    interval,
		maxAttempts: maxAttempts,
		onOutcome:   onOutcome,
	}
}

// Spawn starts the fulfillment worker for a freshly issued reservation
func (m *Manager) Spawn(ctx context.Context, res domain.Reservation) {
	m.spawn(ctx, res, m.maxAttempts)
}

// Resume restarts workers for reservations persisted before a restart.
// Reservations that are already expired, or that never got an invoice
// attached, are released immediately and the buyer is notified.
func (m *Manager) Resume(ctx context.Context, reservations []domain.Reservation) {
	now := time.Now()
	for _, res := range reservations {
		if res.InvoiceID == "" || res.Expired(now) {
			m.logger.Warn("Expiring stale reservation at startup",
				zap.String("item_id", res.ItemID),
				zap.String("invoice_id", res.InvoiceID),
			)
			m.expire(ctx, res, 0)
			continue
		}

		attempts := int(time.Until(res.ExpiresAt) / m.interval)
		if attempts < 1 {
			attempts = 1
		}
		m.logger.Info("Resuming fulfillment worker",
			zap.String("item_id", res.ItemID),
			zap.String("invoice_id", res.InvoiceID),
			zap.Int("attempts", attempts),
		)
		m.spawn(ctx, res, attempts)
	}
}

// Wait blocks until all spawned workers have terminated
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) spawn(ctx context.Context, res domain.Reservation, attempts int) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, res, attempts)
	}()
}

// run polls the provider until settlement or until the attempt budget is
// exhausted. Provider errors count as "not settled yet"; they neither
// shorten nor extend the budget.
func (m *Manager) run(ctx context.Context, res domain.Reservation, maxAttempts int) {
	logger := m.logger.With(
		zap.String("item_id", res.ItemID),
		zap.String("invoice_id", res.InvoiceID),
		zap.Int64("buyer_id", res.BuyerID),
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		logger.Info("Checking invoice settlement",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
		)

		settled, err := m.checker.CheckSettled(ctx, res.InvoiceID)
		if err != nil {
			logger.Warn("Settlement check failed, treating as unsettled", zap.Error(err))
			settled = false
		}

		if settled {
			logger.Info("Invoice settled", zap.Int("attempt", attempt))
			m.fulfill(ctx, res)
			return
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				// Shutdown mid-wait. The reservation stays persisted and
				// is resumed on the next start.
				logger.Info("Fulfillment worker stopped, reservation kept for resume")
				return
			case <-time.After(m.interval):
			}
		}
	}

	m.expire(ctx, res, maxAttempts)
}

// fulfill commits the sale and hands the artifact over. Once the item is
// marked sold the money has moved: a delivery failure afterwards leaves
// the item Sold and pages the operator via log and event, it never rolls
// the sale back.
func (m *Manager) fulfill(ctx context.Context, res domain.Reservation) {
	logger := m.logger.With(
		zap.String("item_id", res.ItemID),
		zap.String("invoice_id", res.InvoiceID),
		zap.Int64("buyer_id", res.BuyerID),
	)

	if err := m.inventory.MarkSold(ctx, res.ItemID); err != nil {
		logger.Error("PAID INVOICE BUT SALE COMMIT FAILED, manual reconciliation required",
			zap.Error(err),
		)
		m.publish(ctx, events.DeliveryFailedEvent{
			ItemID:     res.ItemID,
			BuyerID:    res.BuyerID,
			InvoiceID:  res.InvoiceID,
			Reason:     "sale commit failed: " + err.Error(),
			OccurredAt: time.Now(),
		})
		m.deliverer.NotifyDeliveryFailed(ctx, res)
		m.finish(res, OutcomeDeliveryFailed)
		return
	}

	if err := m.deliverer.Deliver(ctx, res); err != nil {
		logger.Error("PAID INVOICE BUT DELIVERY FAILED, manual reconciliation required",
			zap.Error(err),
		)
		m.publish(ctx, events.DeliveryFailedEvent{
			ItemID:     res.ItemID,
			BuyerID:    res.BuyerID,
			InvoiceID:  res.InvoiceID,
			Reason:     err.Error(),
			OccurredAt: time.Now(),
		})
		m.deliverer.NotifyDeliveryFailed(ctx, res)
		m.finish(res, OutcomeDeliveryFailed)
		return
	}

	m.publish(ctx, events.ItemSoldEvent{
		ItemID:     res.ItemID,
		Kind:       string(res.Kind),
		BuyerID:    res.BuyerID,
		InvoiceID:  res.InvoiceID,
		Amount:     res.Amount.String(),
		OccurredAt: time.Now(),
	})
	logger.Info("Purchase fulfilled")
	m.finish(res, OutcomeDelivered)
}

func (m *Manager) expire(ctx context.Context, res domain.Reservation, attempts int) {
	logger := m.logger.With(
		zap.String("item_id", res.ItemID),
		zap.String("invoice_id", res.InvoiceID),
	)

	if err := m.inventory.Release(ctx, res.ItemID); err != nil {
		logger.Error("Failed to release expired reservation", zap.Error(err))
	}
	m.publish(ctx, events.ReservationExpiredEvent{
		ItemID:     res.ItemID,
		BuyerID:    res.BuyerID,
		InvoiceID:  res.InvoiceID,
		Attempts:   attempts,
		OccurredAt: time.Now(),
	})
	m.deliverer.NotifyExpired(ctx, res)
	logger.Warn("Payment window expired, reservation released")
	m.finish(res, OutcomeExpired)
}

func (m *Manager) finish(res domain.Reservation, outcome Outcome) {
	if m.onOutcome != nil {
		m.onOutcome(res, outcome)
	}
}

func (m *Manager) publish(ctx context.Context, event interface{}) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("Failed to publish event", zap.Error(err))
	}
}
