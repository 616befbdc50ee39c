package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/catalog"
	"github.com/cursxzxc/meltowshop/internal/domain"
	"github.com/cursxzxc/meltowshop/internal/events"
	"github.com/cursxzxc/meltowshop/internal/repository"
)

// ReservationRepository persists reservations across restarts
type ReservationRepository interface {
	SaveReservation(ctx context.Context, res *domain.Reservation) error
	UpdateReservationInvoice(ctx context.Context, itemID, invoiceID string) error
	DeleteReservation(ctx context.Context, itemID string) error
	ActiveReservations(ctx context.Context) ([]domain.Reservation, error)
}

// SettingsRepository stores runtime-configurable durable values
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// DefaultSessionPrice applies until an operator sets one
var DefaultSessionPrice = decimal.RequireFromString("0.5")

// Store tracks which items exist, their price, and their availability.
// All state transitions for an item are serialized behind a single mutex;
// the filesystem catalog and the reservation table are its durable
// backing. A session is "available" exactly when its file sits in the
// available holding area and no live reservation claims it.
type Store struct {
	mu        sync.Mutex
	catalog   *catalog.Catalog
	resRepo   ReservationRepository
	settings  SettingsRepository
	publisher events.EventPublisher
	logger    *zap.Logger

	// in-memory view of live reservations, keyed by item ID
	reserved map[string]*domain.Reservation
}

// New creates an inventory store on top of the catalog and repositories
func New(cat *catalog.Catalog, resRepo ReservationRepository, settings SettingsRepository, publisher events.EventPublisher, logger *zap.Logger) *Store {
	return &Store{
		catalog:   cat,
		resRepo:   resRepo,
		settings:  settings,
		publisher: publisher,
		logger:    logger,
		reserved:  make(map[string]*domain.Reservation),
	}
}

// LoadReservations rebuilds the in-memory reservation view from the
// durable table at startup and returns it, so fulfillment workers can be
// resumed. Expiry decisions are up to the caller.
func (s *Store) LoadReservations(ctx context.Context) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	persisted, err := s.resRepo.ActiveReservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}
	for i := range persisted {
		res := persisted[i]
		s.reserved[res.ItemID] = &res
	}
	return persisted, nil
}

// ListAvailable returns the available items of one kind in stable catalog
// scan order. Reserved, sold and invalid items are excluded. Script items
// whose price record is missing or unreadable are listed with a zero
// price; selecting them fails at quote time.
func (s *Store) ListAvailable(ctx context.Context, kind domain.ItemKind) ([]domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case domain.KindSession:
		return s.listSessions(ctx)
	case domain.KindScript:
		return s.listScripts()
	default:
		return nil, fmt.Errorf("unknown item kind %q", kind)
	}
}

func (s *Store) listSessions(ctx context.Context) ([]domain.InventoryItem, error) {
	files, err := s.catalog.Sessions()
	if err != nil {
		return nil, err
	}
	price, err := s.sessionPrice(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]domain.InventoryItem, 0, len(files))
	for _, file := range files {
		if _, held := s.reserved[file]; held {
			continue
		}
		items = append(items, domain.InventoryItem{
			ID:         file,
			Kind:       domain.KindSession,
			Price:      price,
			State:      domain.StateAvailable,
			PayloadRef: s.catalog.SessionPath(file),
		})
	}
	return items, nil
}

func (s *Store) listScripts() ([]domain.InventoryItem, error) {
	names, err := s.catalog.Scripts()
	if err != nil {
		return nil, err
	}

	items := make([]domain.InventoryItem, 0, len(names))
	for _, name := range names {
		if _, held := s.reserved[name]; held {
			continue
		}
		if status, _ := s.catalog.ScriptStatus(name); status != catalog.ScriptOnSale {
			continue
		}
		item := domain.InventoryItem{
			ID:    name,
			Kind:  domain.KindScript,
			State: domain.StateAvailable,
		}
		if price, err := s.catalog.ScriptPrice(name); err == nil {
			item.Price = price
		}
		if desc, ok := s.catalog.ScriptDescription(name); ok {
			item.Description = desc
		}
		if img, ok := s.catalog.ScriptImage(name); ok {
			item.ImageRef = img
		}
		items = append(items, item)
	}
	return items, nil
}

// Quote returns the current price for an item, or ErrPriceNotSet when a
// script has no readable price record. Prices are read from the durable
// stores on every call, never cached.
func (s *Store) Quote(ctx context.Context, kind domain.ItemKind, itemID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case domain.KindSession:
		return s.sessionPrice(ctx)
	case domain.KindScript:
		price, err := s.catalog.ScriptPrice(itemID)
		if err != nil {
			return decimal.Zero, domain.ErrPriceNotSet
		}
		return price, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown item kind %q", kind)
	}
}

// Reserve atomically claims an item for a buyer. Exactly one of two
// concurrent calls for the same item succeeds; the loser gets
// ErrAlreadyReserved. The claim is persisted immediately; the invoice is
// attached afterwards via AttachInvoice.
func (s *Store) Reserve(ctx context.Context, kind domain.ItemKind, itemID string, buyerID int64, amount decimal.Decimal, ttl time.Duration) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.reserved[itemID]; held {
		return nil, domain.ErrAlreadyReserved
	}
	if err := s.checkSellable(kind, itemID); err != nil {
		return nil, err
	}

	now := time.Now()
	res := &domain.Reservation{
		ID:        uuid.New().String(),
		ItemID:    itemID,
		Kind:      kind,
		BuyerID:   buyerID,
		Amount:    amount,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.resRepo.SaveReservation(ctx, res); err != nil {
		return nil, fmt.Errorf("persist reservation: %w", err)
	}
	s.reserved[itemID] = res

	s.logger.Info("Item reserved",
		zap.String("item_id", itemID),
		zap.String("kind", string(kind)),
		zap.Int64("buyer_id", buyerID),
	)
	return res, nil
}

// AttachInvoice records the issued invoice on a live reservation
func (s *Store) AttachInvoice(ctx context.Context, itemID, invoiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, held := s.reserved[itemID]
	if !held {
		return domain.ErrNoSuchReservation
	}
	if err := s.resRepo.UpdateReservationInvoice(ctx, itemID, invoiceID); err != nil {
		return fmt.Errorf("persist invoice id: %w", err)
	}
	res.InvoiceID = invoiceID
	return nil
}

// MarkSold transitions a reserved item to sold. For sessions the file
// move into the sold area is the commit point; if it fails the
// reservation stays live and the caller may retry. Reserved -> Sold is
// the only path to Sold.
func (s *Store) MarkSold(ctx context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, held := s.reserved[itemID]
	if !held {
		return domain.ErrNoSuchReservation
	}

	switch res.Kind {
	case domain.KindSession:
		if err := s.catalog.MoveSessionToSold(itemID); err != nil {
			return err
		}
	case domain.KindScript:
		if err := s.catalog.SetScriptStatus(itemID, catalog.ScriptSold); err != nil {
			return err
		}
	}

	if err := s.resRepo.DeleteReservation(ctx, itemID); err != nil {
		// The sale is committed; a stale row only costs a resumed worker
		// finding the item gone after restart.
		s.logger.Error("Failed to delete reservation after sale",
			zap.String("item_id", itemID),
			zap.Error(err),
		)
	}
	delete(s.reserved, itemID)

	s.logger.Info("Item sold",
		zap.String("item_id", itemID),
		zap.String("kind", string(res.Kind)),
		zap.Int64("buyer_id", res.BuyerID),
	)
	return nil
}

// Release drops a live reservation, returning the item to sale. Releasing
// an item with no active reservation is a no-op.
func (s *Store) Release(ctx context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.reserved[itemID]; !held {
		return nil
	}
	if err := s.resRepo.DeleteReservation(ctx, itemID); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	delete(s.reserved, itemID)

	s.logger.Info("Reservation released", zap.String("item_id", itemID))
	return nil
}

// MarkInvalid permanently removes an item from sale. It requires no
// reservation and clears any live one.
func (s *Store) MarkInvalid(ctx context.Context, kind domain.ItemKind, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case domain.KindSession:
		if err := s.catalog.MoveSessionToInvalid(itemID); err != nil {
			return err
		}
	case domain.KindScript:
		if err := s.catalog.SetScriptStatus(itemID, catalog.ScriptInvalid); err != nil {
			return err
		}
	}

	if _, held := s.reserved[itemID]; held {
		if err := s.resRepo.DeleteReservation(ctx, itemID); err != nil {
			s.logger.Error("Failed to delete reservation on invalidation",
				zap.String("item_id", itemID),
				zap.Error(err),
			)
		}
		delete(s.reserved, itemID)
	}

	s.logger.Warn("Item invalidated",
		zap.String("item_id", itemID),
		zap.String("kind", string(kind)),
	)
	return nil
}

// Reservation returns the live reservation for an item, if any
func (s *Store) Reservation(itemID string) (*domain.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, held := s.reserved[itemID]
	if !held {
		return nil, false
	}
	copied := *res
	return &copied, true
}

// OpenReservations lists all live reservations, for the ops API
func (s *Store) OpenReservations() []domain.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Reservation, 0, len(s.reserved))
	for _, res := range s.reserved {
		out = append(out, *res)
	}
	return out
}

// SetSessionPrice durably updates the price applied to all session items.
// Already-issued invoices keep their original amount.
func (s *Store) SetSessionPrice(ctx context.Context, price decimal.Decimal) error {
	if err := s.settings.SetSetting(ctx, repository.SettingSessionPrice, price.String()); err != nil {
		return err
	}
	s.publishPriceChange(ctx, "sessions", price)
	return nil
}

// SetScriptPrice durably updates one script's price record
func (s *Store) SetScriptPrice(ctx context.Context, name string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.catalog.SetScriptPrice(name, price); err != nil {
		return err
	}
	s.publishPriceChange(ctx, name, price)
	return nil
}

func (s *Store) publishPriceChange(ctx context.Context, target string, price decimal.Decimal) {
	if s.publisher == nil {
		return
	}
	event := events.PriceChangedEvent{
		Target:     target,
		NewPrice:   price.String(),
		OccurredAt: time.Now(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish price change", zap.String("target", target), zap.Error(err))
	}
}

func (s *Store) sessionPrice(ctx context.Context) (decimal.Decimal, error) {
	raw, ok, err := s.settings.GetSetting(ctx, repository.SettingSessionPrice)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return DefaultSessionPrice, nil
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse stored session price: %w", err)
	}
	return price, nil
}

// checkSellable verifies the item exists and sits in the available state.
// Callers hold the store mutex.
func (s *Store) checkSellable(kind domain.ItemKind, itemID string) error {
	switch kind {
	case domain.KindSession:
		files, err := s.catalog.Sessions()
		if err != nil {
			return err
		}
		for _, f := range files {
			if f == itemID {
				return nil
			}
		}
		return domain.ErrItemNotFound
	case domain.KindScript:
		names, err := s.catalog.Scripts()
		if err != nil {
			return err
		}
		for _, n := range names {
			if n == itemID {
				if status, _ := s.catalog.ScriptStatus(itemID); status != catalog.ScriptOnSale {
					return domain.ErrNotAvailable
				}
				return nil
			}
		}
		return domain.ErrItemNotFound
	default:
		return fmt.Errorf("unknown item kind %q", kind)
	}
}
