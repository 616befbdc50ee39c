package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/domain"
	"github.com/cursxzxc/meltowshop/internal/events"
	"github.com/cursxzxc/meltowshop/internal/fulfillment"
	"github.com/cursxzxc/meltowshop/internal/payment"
)

// Phase is where a buyer currently stands in the purchase conversation
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseChoosingKind    Phase = "choosing_kind"
	PhaseChoosingItem    Phase = "choosing_item"
	PhaseAwaitingPayment Phase = "awaiting_payment"
)

// EventKind classifies an inbound conversation event
type EventKind string

const (
	EventStartPurchase EventKind = "start_purchase"
	EventKindChosen    EventKind = "kind_chosen"
	EventItemChosen    EventKind = "item_chosen"
	EventCancel        EventKind = "cancel"
)

// Event is one buyer action, already decoded from the transport
type Event struct {
	Kind     EventKind
	ItemKind domain.ItemKind
	ItemID   string
}

// ReplyKind tells the transport layer what to render
type ReplyKind string

const (
	ReplyKindMenu       ReplyKind = "kind_menu"
	ReplyItemList       ReplyKind = "item_list"
	ReplyNothingForSale ReplyKind = "nothing_for_sale"
	ReplyInvoice        ReplyKind = "invoice"
	ReplyItemTaken      ReplyKind = "item_taken"
	ReplyItemBroken     ReplyKind = "item_broken"
	ReplyPriceMissing   ReplyKind = "price_missing"
	ReplyPaymentDown    ReplyKind = "payment_down"
	ReplyCancelled      ReplyKind = "cancelled"
	ReplyStillPaying    ReplyKind = "still_paying"
	ReplyUseMenu        ReplyKind = "use_menu"
)

// Reply is the flow's answer to one event. Items is set for listings,
// Invoice and Amount for a freshly issued invoice.
type Reply struct {
	Kind     ReplyKind
	ItemKind domain.ItemKind
	Items    []domain.InventoryItem
	Invoice  *payment.Invoice
	Amount   decimal.Decimal
}

// Inventory is the subset of the store the purchase flow drives
type Inventory interface {
	ListAvailable(ctx context.Context, kind domain.ItemKind) ([]domain.InventoryItem, error)
	Quote(ctx context.Context, kind domain.ItemKind, itemID string) (decimal.Decimal, error)
	Reserve(ctx context.Context, kind domain.ItemKind, itemID string, buyerID int64, amount decimal.Decimal, ttl time.Duration) (*domain.Reservation, error)
	AttachInvoice(ctx context.Context, itemID, invoiceID string) error
	Release(ctx context.Context, itemID string) error
	MarkInvalid(ctx context.Context, kind domain.ItemKind, itemID string) error
}

// Invoicer issues payment invoices
type Invoicer interface {
	CreateInvoice(ctx context.Context, amount decimal.Decimal, description string) (*payment.Invoice, error)
}

// SessionValidator checks a session file is functional before it is sold
type SessionValidator interface {
	ValidateSession(file string) error
}

// WorkerSpawner starts the fulfillment worker for an issued reservation
type WorkerSpawner interface {
	Spawn(ctx context.Context, res domain.Reservation)
}

// buyerState carries one buyer's conversation. Each buyer has their own
// lock so a slow turn (the invoice round trip) never stalls anyone else.
type buyerState struct {
	mu           sync.Mutex
	phase        Phase
	kind         domain.ItemKind
	awaitingItem string
}

// Flow is the per-buyer purchase state machine. One Flow serves all
// buyers; per-buyer state lives in an internal map guarded by mu, which
// is held only for map access. AwaitingPayment is left through Settle,
// which the fulfillment worker calls, or by starting a fresh purchase.
type Flow struct {
	mu     sync.Mutex
	buyers map[int64]*buyerState

	inventory Inventory
	invoicer  Invoicer
	validator SessionValidator
	spawner   WorkerSpawner
	publisher events.EventPublisher
	logger    *zap.Logger

	invoiceTTL time.Duration
}

// NewFlow wires the purchase state machine
func NewFlow(inv Inventory, invoicer Invoicer, validator SessionValidator,
	spawner WorkerSpawner, publisher events.EventPublisher,
	invoiceTTL time.Duration, logger *zap.Logger) *Flow {
	return &Flow{
		buyers:     make(map[int64]*buyerState),
		inventory:  inv,
		invoicer:   invoicer,
		validator:  validator,
		spawner:    spawner,
		publisher:  publisher,
		logger:     logger,
		invoiceTTL: invoiceTTL,
	}
}

// state returns the buyer's conversation, creating it on first contact.
// Only the map lookup runs under the flow lock.
func (f *Flow) state(buyerID int64) *buyerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.buyers[buyerID]
	if !ok {
		st = &buyerState{phase: PhaseIdle}
		f.buyers[buyerID] = st
	}
	return st
}

// Phase reports a buyer's current phase, Idle for unknown buyers
func (f *Flow) Phase(buyerID int64) Phase {
	st := f.state(buyerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.phase
}

// Handle dispatches one buyer event against the buyer's current phase.
// Events that make no sense in the current phase get a neutral reply and
// leave the state untouched. Only the acting buyer's state is locked, so
// unrelated buyers' turns proceed concurrently.
func (f *Flow) Handle(ctx context.Context, buyerID int64, ev Event) Reply {
	st := f.state(buyerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if ev.Kind == EventCancel {
		return f.cancel(st)
	}

	switch {
	case st.phase == PhaseIdle && ev.Kind == EventStartPurchase:
		st.phase = PhaseChoosingKind
		return Reply{Kind: ReplyKindMenu}

	case st.phase == PhaseChoosingKind && ev.Kind == EventKindChosen:
		return f.listItems(ctx, st, ev.ItemKind)

	case st.phase == PhaseChoosingItem && ev.Kind == EventItemChosen:
		return f.startPurchase(ctx, st, buyerID, ev.ItemID)

	case st.phase == PhaseAwaitingPayment && ev.Kind == EventStartPurchase:
		// the in-flight worker keeps owning the pending reservation;
		// a fresh purchase targets a different item
		st.phase = PhaseChoosingKind
		return Reply{Kind: ReplyKindMenu}

	case st.phase == PhaseAwaitingPayment:
		return Reply{Kind: ReplyStillPaying}

	default:
		return Reply{Kind: ReplyUseMenu}
	}
}

// Settle is the fulfillment worker's exit from AwaitingPayment. It only
// closes the conversation still waiting on that reservation's item; a
// buyer who has since moved on to a new purchase is left undisturbed.
func (f *Flow) Settle(buyerID int64, itemID string, outcome fulfillment.Outcome) {
	st := f.state(buyerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase != PhaseAwaitingPayment || st.awaitingItem != itemID {
		return
	}
	st.phase = PhaseIdle
	st.awaitingItem = ""
	f.logger.Info("Purchase conversation closed",
		zap.Int64("buyer_id", buyerID),
		zap.String("item_id", itemID),
		zap.String("outcome", string(outcome)),
	)
}

func (f *Flow) cancel(st *buyerState) Reply {
	if st.phase == PhaseAwaitingPayment {
		// the worker owns this reservation now
		return Reply{Kind: ReplyStillPaying}
	}
	st.phase = PhaseIdle
	return Reply{Kind: ReplyCancelled}
}

func (f *Flow) listItems(ctx context.Context, st *buyerState, kind domain.ItemKind) Reply {
	items, err := f.inventory.ListAvailable(ctx, kind)
	if err != nil {
		f.logger.Error("Failed to list inventory", zap.String("kind", string(kind)), zap.Error(err))
		st.phase = PhaseIdle
		return Reply{Kind: ReplyNothingForSale, ItemKind: kind}
	}
	if len(items) == 0 {
		st.phase = PhaseIdle
		return Reply{Kind: ReplyNothingForSale, ItemKind: kind}
	}
	st.phase = PhaseChoosingItem
	st.kind = kind
	return Reply{Kind: ReplyItemList, ItemKind: kind, Items: items}
}

// startPurchase runs the item-selection commit: quote, validate (for
// session files), reserve, invoice. Any failure before the invoice is
// issued leaves the buyer in ChoosingItem with a refreshed listing.
func (f *Flow) startPurchase(ctx context.Context, st *buyerState, buyerID int64, itemID string) Reply {
	kind := st.kind

	amount, err := f.inventory.Quote(ctx, kind, itemID)
	if err != nil {
		if errors.Is(err, domain.ErrPriceNotSet) {
			return f.relist(ctx, st, ReplyPriceMissing)
		}
		f.logger.Error("Failed to quote item", zap.String("item_id", itemID), zap.Error(err))
		return f.relist(ctx, st, ReplyItemTaken)
	}

	if kind == domain.KindSession {
		if err := f.validator.ValidateSession(itemID); err != nil {
			f.logger.Warn("Session failed pre-sale validation",
				zap.String("item_id", itemID),
				zap.Error(err),
			)
			if invErr := f.inventory.MarkInvalid(ctx, kind, itemID); invErr != nil {
				f.logger.Error("Failed to invalidate broken session",
					zap.String("item_id", itemID),
					zap.Error(invErr),
				)
			}
			f.publish(ctx, events.ItemInvalidatedEvent{
				ItemID:     itemID,
				Kind:       string(kind),
				Reason:     err.Error(),
				OccurredAt: time.Now(),
			})
			return f.relist(ctx, st, ReplyItemBroken)
		}
	}

	res, err := f.inventory.Reserve(ctx, kind, itemID, buyerID, amount, f.invoiceTTL)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyReserved),
			errors.Is(err, domain.ErrNotAvailable),
			errors.Is(err, domain.ErrItemNotFound):
			return f.relist(ctx, st, ReplyItemTaken)
		default:
			f.logger.Error("Failed to reserve item", zap.String("item_id", itemID), zap.Error(err))
			return f.relist(ctx, st, ReplyItemTaken)
		}
	}

	inv, err := f.invoicer.CreateInvoice(ctx, amount, fmt.Sprintf("Purchase of %s", itemID))
	if err != nil {
		f.logger.Error("Failed to create invoice, releasing reservation",
			zap.String("item_id", itemID),
			zap.Error(err),
		)
		if relErr := f.inventory.Release(ctx, itemID); relErr != nil {
			f.logger.Error("Failed to release after invoice failure",
				zap.String("item_id", itemID),
				zap.Error(relErr),
			)
		}
		f.publish(ctx, events.ReservationReleasedEvent{
			ItemID:     itemID,
			BuyerID:    buyerID,
			Reason:     "invoice creation failed",
			OccurredAt: time.Now(),
		})
		return f.relist(ctx, st, ReplyPaymentDown)
	}

	if err := f.inventory.AttachInvoice(ctx, itemID, inv.ID); err != nil {
		f.logger.Error("Failed to attach invoice", zap.String("item_id", itemID), zap.Error(err))
		if relErr := f.inventory.Release(ctx, itemID); relErr != nil {
			f.logger.Error("Failed to release after attach failure",
				zap.String("item_id", itemID),
				zap.Error(relErr),
			)
		}
		return f.relist(ctx, st, ReplyPaymentDown)
	}
	res.InvoiceID = inv.ID

	f.publish(ctx, events.ItemReservedEvent{
		ItemID:     itemID,
		Kind:       string(kind),
		BuyerID:    buyerID,
		Amount:     amount.String(),
		OccurredAt: time.Now(),
	})
	f.spawner.Spawn(ctx, *res)

	st.phase = PhaseAwaitingPayment
	st.awaitingItem = itemID
	return Reply{Kind: ReplyInvoice, ItemKind: kind, Invoice: inv, Amount: amount}
}

// relist refreshes the listing after a failed selection. An empty or
// unreadable listing sends the buyer back to Idle.
func (f *Flow) relist(ctx context.Context, st *buyerState, reason ReplyKind) Reply {
	items, err := f.inventory.ListAvailable(ctx, st.kind)
	if err != nil || len(items) == 0 {
		st.phase = PhaseIdle
		return Reply{Kind: reason, ItemKind: st.kind}
	}
	return Reply{Kind: reason, ItemKind: st.kind, Items: items}
}

func (f *Flow) publish(ctx context.Context, event interface{}) {
	if f.publisher == nil {
		return
	}
	if err := f.publisher.Publish(ctx, event); err != nil {
		f.logger.Warn("Failed to publish event", zap.Error(err))
	}
}
