package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemKind identifies which of the two catalogs an item belongs to
type ItemKind string

const (
	KindSession ItemKind = "session"
	KindScript  ItemKind = "script"
)

// ItemState is the sale lifecycle state of an inventory item
type ItemState string

const (
	StateAvailable ItemState = "available"
	StateReserved  ItemState = "reserved"
	StateSold      ItemState = "sold"
	StateInvalid   ItemState = "invalid"
)

// InventoryItem represents one sellable item. For session items the ID is
// the session filename; for scripts it is the catalog folder name. The
// PayloadRef points at the deliverable artifact and is owned by the
// catalog, not copied here.
type InventoryItem struct {
	ID          string
	Kind        ItemKind
	Price       decimal.Decimal
	State       ItemState
	Description string
	ImageRef    string
	PayloadRef  string
}

// Sellable reports whether the item can enter a new reservation
func (i *InventoryItem) Sellable() bool {
	return i.State == StateAvailable
}

// Domain errors
var (
	ErrItemNotFound         = &DomainError{Message: "item not found"}
	ErrNotAvailable         = &DomainError{Message: "item not available for sale"}
	ErrAlreadyReserved      = &DomainError{Message: "item already reserved"}
	ErrNoSuchReservation    = &DomainError{Message: "no active reservation for item"}
	ErrPriceNotSet          = &DomainError{Message: "item has no price configured"}
	ErrInvalidTransition    = &DomainError{Message: "invalid item state transition"}
	ErrSessionNotFunctional = &DomainError{Message: "session failed validation"}
)

// DomainError represents a domain-level error
type DomainError struct {
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

// Reservation is a temporary exclusive claim on one item pending payment.
// At most one live reservation exists per item; the inventory store
// enforces this, not the caller.
type Reservation struct {
	ID        string
	ItemID    string
	Kind      ItemKind
	BuyerID   int64
	InvoiceID string
	Amount    decimal.Decimal
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the reservation's payment window has passed
func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
