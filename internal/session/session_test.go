package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/domain"
	"github.com/cursxzxc/meltowshop/internal/events"
	"github.com/cursxzxc/meltowshop/internal/fulfillment"
	"github.com/cursxzxc/meltowshop/internal/payment"
)

// MockInventory is a mock implementation of Inventory
type MockInventory struct {
	mock.Mock
}

func (m *MockInventory) ListAvailable(ctx context.Context, kind domain.ItemKind) ([]domain.InventoryItem, error) {
	args := m.Called(ctx, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.InventoryItem), args.Error(1)
}

func (m *MockInventory) Quote(ctx context.Context, kind domain.ItemKind, itemID string) (decimal.Decimal, error) {
	args := m.Called(ctx, kind, itemID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockInventory) Reserve(ctx context.Context, kind domain.ItemKind, itemID string, buyerID int64, amount decimal.Decimal, ttl time.Duration) (*domain.Reservation, error) {
	args := m.Called(ctx, kind, itemID, buyerID, amount, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *MockInventory) AttachInvoice(ctx context.Context, itemID, invoiceID string) error {
	args := m.Called(ctx, itemID, invoiceID)
	return args.Error(0)
}

func (m *MockInventory) Release(ctx context.Context, itemID string) error {
	args := m.Called(ctx, itemID)
	return args.Error(0)
}

func (m *MockInventory) MarkInvalid(ctx context.Context, kind domain.ItemKind, itemID string) error {
	args := m.Called(ctx, kind, itemID)
	return args.Error(0)
}

// MockInvoicer is a mock implementation of Invoicer
type MockInvoicer struct {
	mock.Mock
}

func (m *MockInvoicer) CreateInvoice(ctx context.Context, amount decimal.Decimal, description string) (*payment.Invoice, error) {
	args := m.Called(ctx, amount, description)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Invoice), args.Error(1)
}

// MockValidator is a mock implementation of SessionValidator
type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) ValidateSession(file string) error {
	args := m.Called(file)
	return args.Error(0)
}

// MockSpawner is a mock implementation of WorkerSpawner
type MockSpawner struct {
	mock.Mock
}

func (m *MockSpawner) Spawn(ctx context.Context, res domain.Reservation) {
	m.Called(ctx, res)
}

type flowFixture struct {
	inv       *MockInventory
	invoicer  *MockInvoicer
	validator *MockValidator
	spawner   *MockSpawner
	pub       *events.InMemoryEventPublisher
	flow      *Flow
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	f := &flowFixture{
		inv:       new(MockInventory),
		invoicer:  new(MockInvoicer),
		validator: new(MockValidator),
		spawner:   new(MockSpawner),
		pub:       events.NewEventPublisher(zap.NewNop()),
	}
	f.flow = NewFlow(f.inv, f.invoicer, f.validator, f.spawner, f.pub, time.Hour, zap.NewNop())
	return f
}

func sessionItems(ids ...string) []domain.InventoryItem {
	items := make([]domain.InventoryItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, domain.InventoryItem{
			ID:    id,
			Kind:  domain.KindSession,
			Price: decimal.RequireFromString("0.5"),
			State: domain.StateAvailable,
		})
	}
	return items
}

// advance walks a buyer from Idle to ChoosingItem
func (f *flowFixture) advance(t *testing.T, buyerID int64, items []domain.InventoryItem) {
	t.Helper()
	ctx := context.Background()
	reply := f.flow.Handle(ctx, buyerID, Event{Kind: EventStartPurchase})
	require.Equal(t, ReplyKindMenu, reply.Kind)

	f.inv.On("ListAvailable", mock.Anything, domain.KindSession).Return(items, nil).Once()
	reply = f.flow.Handle(ctx, buyerID, Event{Kind: EventKindChosen, ItemKind: domain.KindSession})
	require.Equal(t, ReplyItemList, reply.Kind)
	require.Equal(t, items, reply.Items)
}

func TestFlow_HappyPathToInvoice(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()
	price := decimal.RequireFromString("0.5")
	res := &domain.Reservation{ID: "r1", ItemID: "a.session", Kind: domain.KindSession, BuyerID: 42, Amount: price}
	inv := &payment.Invoice{ID: "inv-1", PayURL: "https://t.me/CryptoBot?start=inv-1"}

	f.advance(t, 42, sessionItems("a.session", "b.session"))

	f.inv.On("Quote", mock.Anything, domain.KindSession, "a.session").Return(price, nil).Once()
	f.validator.On("ValidateSession", "a.session").Return(nil).Once()
	f.inv.On("Reserve", mock.Anything, domain.KindSession, "a.session", int64(42), price, time.Hour).Return(res, nil).Once()
	f.invoicer.On("CreateInvoice", mock.Anything, price, mock.Anything).Return(inv, nil).Once()
	f.inv.On("AttachInvoice", mock.Anything, "a.session", "inv-1").Return(nil).Once()
	f.spawner.On("Spawn", mock.Anything, mock.MatchedBy(func(r domain.Reservation) bool {
		return r.ItemID == "a.session" && r.InvoiceID == "inv-1"
	})).Once()

	reply := f.flow.Handle(ctx, 42, Event{Kind: EventItemChosen, ItemID: "a.session"})
	assert.Equal(t, ReplyInvoice, reply.Kind)
	require.NotNil(t, reply.Invoice)
	assert.Equal(t, "inv-1", reply.Invoice.ID)
	assert.Equal(t, PhaseAwaitingPayment, f.flow.Phase(42))

	f.inv.AssertExpectations(t)
	f.spawner.AssertExpectations(t)

	published := f.pub.Events()
	require.Len(t, published, 1)
	reserved, ok := published[0].(events.ItemReservedEvent)
	require.True(t, ok)
	assert.Equal(t, "a.session", reserved.ItemID)
}

func TestFlow_UnexpectedEventGetsNeutralReply(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	reply := f.flow.Handle(ctx, 1, Event{Kind: EventItemChosen, ItemID: "a.session"})
	assert.Equal(t, ReplyUseMenu, reply.Kind)
	assert.Equal(t, PhaseIdle, f.flow.Phase(1))

	reply = f.flow.Handle(ctx, 1, Event{Kind: EventKindChosen, ItemKind: domain.KindScript})
	assert.Equal(t, ReplyUseMenu, reply.Kind)
}

func TestFlow_EmptyListingReturnsToIdle(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	f.flow.Handle(ctx, 1, Event{Kind: EventStartPurchase})
	f.inv.On("ListAvailable", mock.Anything, domain.KindScript).Return([]domain.InventoryItem{}, nil).Once()

	reply := f.flow.Handle(ctx, 1, Event{Kind: EventKindChosen, ItemKind: domain.KindScript})
	assert.Equal(t, ReplyNothingForSale, reply.Kind)
	assert.Equal(t, PhaseIdle, f.flow.Phase(1))
}

func TestFlow_BrokenSessionInvalidatedAndRelisted(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()
	price := decimal.RequireFromString("0.5")

	f.advance(t, 7, sessionItems("bad.session", "good.session"))

	f.inv.On("Quote", mock.Anything, domain.KindSession, "bad.session").Return(price, nil).Once()
	f.validator.On("ValidateSession", "bad.session").Return(errors.New("not a sqlite file")).Once()
	f.inv.On("MarkInvalid", mock.Anything, domain.KindSession, "bad.session").Return(nil).Once()
	f.inv.On("ListAvailable", mock.Anything, domain.KindSession).Return(sessionItems("good.session"), nil).Once()

	reply := f.flow.Handle(ctx, 7, Event{Kind: EventItemChosen, ItemID: "bad.session"})
	assert.Equal(t, ReplyItemBroken, reply.Kind)
	require.Len(t, reply.Items, 1)
	assert.Equal(t, "good.session", reply.Items[0].ID)
	assert.Equal(t, PhaseChoosingItem, f.flow.Phase(7))
	f.inv.AssertExpectations(t)

	published := f.pub.Events()
	require.Len(t, published, 1)
	_, ok := published[0].(events.ItemInvalidatedEvent)
	assert.True(t, ok)
}

func TestFlow_ContestedItemOffersRemaining(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()
	price := decimal.RequireFromString("0.5")

	f.advance(t, 7, sessionItems("a.session", "b.session"))

	f.inv.On("Quote", mock.Anything, domain.KindSession, "a.session").Return(price, nil).Once()
	f.validator.On("ValidateSession", "a.session").Return(nil).Once()
	f.inv.On("Reserve", mock.Anything, domain.KindSession, "a.session", int64(7), price, time.Hour).
		Return(nil, domain.ErrAlreadyReserved).Once()
	f.inv.On("ListAvailable", mock.Anything, domain.KindSession).Return(sessionItems("b.session"), nil).Once()

	reply := f.flow.Handle(ctx, 7, Event{Kind: EventItemChosen, ItemID: "a.session"})
	assert.Equal(t, ReplyItemTaken, reply.Kind)
	assert.Equal(t, PhaseChoosingItem, f.flow.Phase(7))
	f.invoicer.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything, mock.Anything)
}

func TestFlow_InvoiceFailureReleasesReservation(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()
	price := decimal.RequireFromString("0.5")
	res := &domain.Reservation{ID: "r1", ItemID: "a.session", Kind: domain.KindSession, BuyerID: 7, Amount: price}

	f.advance(t, 7, sessionItems("a.session"))

	f.inv.On("Quote", mock.Anything, domain.KindSession, "a.session").Return(price, nil).Once()
	f.validator.On("ValidateSession", "a.session").Return(nil).Once()
	f.inv.On("Reserve", mock.Anything, domain.KindSession, "a.session", int64(7), price, time.Hour).Return(res, nil).Once()
	f.invoicer.On("CreateInvoice", mock.Anything, price, mock.Anything).
		Return(nil, &payment.ProviderError{Op: "createInvoice", Detail: "http status 502"}).Once()
	f.inv.On("Release", mock.Anything, "a.session").Return(nil).Once()
	f.inv.On("ListAvailable", mock.Anything, domain.KindSession).Return(sessionItems("a.session"), nil).Once()

	reply := f.flow.Handle(ctx, 7, Event{Kind: EventItemChosen, ItemID: "a.session"})
	assert.Equal(t, ReplyPaymentDown, reply.Kind)
	assert.Equal(t, PhaseChoosingItem, f.flow.Phase(7))
	f.inv.AssertExpectations(t)
	f.spawner.AssertNotCalled(t, "Spawn", mock.Anything, mock.Anything)
}

// awaitPayment walks a buyer all the way to AwaitingPayment on itemID
func (f *flowFixture) awaitPayment(t *testing.T, buyerID int64, itemID string) {
	t.Helper()
	ctx := context.Background()
	price := decimal.RequireFromString("0.5")
	res := &domain.Reservation{ID: "r-" + itemID, ItemID: itemID, Kind: domain.KindSession, BuyerID: buyerID, Amount: price}
	inv := &payment.Invoice{ID: "inv-" + itemID, PayURL: "u"}

	f.advance(t, buyerID, sessionItems(itemID))
	f.inv.On("Quote", mock.Anything, domain.KindSession, itemID).Return(price, nil).Once()
	f.validator.On("ValidateSession", itemID).Return(nil).Once()
	f.inv.On("Reserve", mock.Anything, domain.KindSession, itemID, buyerID, price, time.Hour).Return(res, nil).Once()
	f.invoicer.On("CreateInvoice", mock.Anything, price, mock.Anything).Return(inv, nil).Once()
	f.inv.On("AttachInvoice", mock.Anything, itemID, "inv-"+itemID).Return(nil).Once()
	f.spawner.On("Spawn", mock.Anything, mock.Anything).Once()

	reply := f.flow.Handle(ctx, buyerID, Event{Kind: EventItemChosen, ItemID: itemID})
	require.Equal(t, ReplyInvoice, reply.Kind)
	require.Equal(t, PhaseAwaitingPayment, f.flow.Phase(buyerID))
}

func TestFlow_AwaitingPaymentKeepsNonStartEventsOut(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	f.awaitPayment(t, 9, "a.session")

	for _, ev := range []Event{
		{Kind: EventKindChosen, ItemKind: domain.KindScript},
		{Kind: EventItemChosen, ItemID: "b.session"},
		{Kind: EventCancel},
	} {
		reply := f.flow.Handle(ctx, 9, ev)
		assert.Equal(t, ReplyStillPaying, reply.Kind)
	}
	assert.Equal(t, PhaseAwaitingPayment, f.flow.Phase(9))

	f.flow.Settle(9, "a.session", fulfillment.OutcomeDelivered)
	assert.Equal(t, PhaseIdle, f.flow.Phase(9))

	reply := f.flow.Handle(ctx, 9, Event{Kind: EventStartPurchase})
	assert.Equal(t, ReplyKindMenu, reply.Kind)
}

func TestFlow_AwaitingPaymentAllowsFreshPurchase(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	f.awaitPayment(t, 9, "a.session")

	// starting over opens the kind menu while the worker keeps the
	// pending reservation
	reply := f.flow.Handle(ctx, 9, Event{Kind: EventStartPurchase})
	assert.Equal(t, ReplyKindMenu, reply.Kind)
	assert.Equal(t, PhaseChoosingKind, f.flow.Phase(9))

	// the old reservation settling must not disturb the new conversation
	f.flow.Settle(9, "a.session", fulfillment.OutcomeExpired)
	assert.Equal(t, PhaseChoosingKind, f.flow.Phase(9))
}

func TestFlow_SettleClosesOnlyMatchingReservation(t *testing.T) {
	f := newFlowFixture(t)

	f.awaitPayment(t, 9, "a.session")

	f.flow.Settle(9, "other.session", fulfillment.OutcomeDelivered)
	assert.Equal(t, PhaseAwaitingPayment, f.flow.Phase(9))

	f.flow.Settle(9, "a.session", fulfillment.OutcomeDelivered)
	assert.Equal(t, PhaseIdle, f.flow.Phase(9))
}

func TestFlow_SlowInvoiceDoesNotBlockOtherBuyers(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()
	price := decimal.RequireFromString("0.5")
	res := &domain.Reservation{ID: "r1", ItemID: "a.session", Kind: domain.KindSession, BuyerID: 1, Amount: price}
	inv := &payment.Invoice{ID: "inv-1", PayURL: "u"}

	f.advance(t, 1, sessionItems("a.session"))
	f.inv.On("Quote", mock.Anything, domain.KindSession, "a.session").Return(price, nil).Once()
	f.validator.On("ValidateSession", "a.session").Return(nil).Once()
	f.inv.On("Reserve", mock.Anything, domain.KindSession, "a.session", int64(1), price, time.Hour).Return(res, nil).Once()

	entered := make(chan struct{})
	f.invoicer.On("CreateInvoice", mock.Anything, price, mock.Anything).
		Run(func(args mock.Arguments) {
			close(entered)
			time.Sleep(300 * time.Millisecond)
		}).
		Return(inv, nil).Once()
	f.inv.On("AttachInvoice", mock.Anything, "a.session", "inv-1").Return(nil).Once()
	f.spawner.On("Spawn", mock.Anything, mock.Anything).Once()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.flow.Handle(ctx, 1, Event{Kind: EventItemChosen, ItemID: "a.session"})
	}()

	<-entered
	start := time.Now()
	reply := f.flow.Handle(ctx, 2, Event{Kind: EventStartPurchase})
	elapsed := time.Since(start)

	assert.Equal(t, ReplyKindMenu, reply.Kind)
	assert.Less(t, elapsed, 150*time.Millisecond,
		"unrelated buyer's turn waited on another buyer's invoice call")
	<-done
}

func TestFlow_CancelReturnsToIdle(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	f.advance(t, 3, sessionItems("a.session"))
	reply := f.flow.Handle(ctx, 3, Event{Kind: EventCancel})
	assert.Equal(t, ReplyCancelled, reply.Kind)
	assert.Equal(t, PhaseIdle, f.flow.Phase(3))
}
