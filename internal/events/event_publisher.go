package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventPublisher defines the interface for publishing shop lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, event interface{}) error
}

// Purchase lifecycle events
type ItemReservedEvent struct {
	ItemID     string    `json:"item_id"`
	Kind       string    `json:"kind"`
	BuyerID    int64     `json:"buyer_id"`
	Amount     string    `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ItemSoldEvent struct {
	ItemID     string    `json:"item_id"`
	Kind       string    `json:"kind"`
	BuyerID    int64     `json:"buyer_id"`
	InvoiceID  string    `json:"invoice_id"`
	Amount     string    `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ReservationExpiredEvent struct {
	ItemID     string    `json:"item_id"`
	BuyerID    int64     `json:"buyer_id"`
	InvoiceID  string    `json:"invoice_id"`
	Attempts   int       `json:"attempts"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ReservationReleasedEvent struct {
	ItemID     string    `json:"item_id"`
	BuyerID    int64     `json:"buyer_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

type DeliveryFailedEvent struct {
	ItemID     string    `json:"item_id"`
	BuyerID    int64     `json:"buyer_id"`
	InvoiceID  string    `json:"invoice_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ItemInvalidatedEvent struct {
	ItemID     string    `json:"item_id"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

type PriceChangedEvent struct {
	Target     string    `json:"target"` // "sessions" or a script name
	NewPrice   string    `json:"new_price"`
	OccurredAt time.Time `json:"occurred_at"`
}

// InMemoryEventPublisher keeps events in memory; used as a fallback when
// the broker is unreachable and as a test double.
type InMemoryEventPublisher struct {
	mu     sync.Mutex
	logger *zap.Logger
	events []interface{}
}

func NewEventPublisher(logger *zap.Logger) *InMemoryEventPublisher {
	return &InMemoryEventPublisher{
		logger: logger,
		events: make([]interface{}, 0),
	}
}

func (p *InMemoryEventPublisher) Publish(ctx context.Context, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.logger.Info("Event published (in-memory)", zap.Any("event", event))
	return nil
}

// Events returns a snapshot of everything published so far
func (p *InMemoryEventPublisher) Events() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]interface{}, len(p.events))
	copy(out, p.events)
	return out
}
