package payments_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/payments"
	"github.com/matheusmosca/variant-reservations/internal/storage/memory"
)

const reservationTTL = 10 * time.Minute

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) OrderPaid(ctx context.Context, order orders.Order) error {
	args := m.Called(order.ID)
	return args.Error(0)
}

// shop wires every use case on one memory store and one controllable clock.
type shop struct {
	store      *memory.Store
	manager    *inventory.ReservationManager
	assembler  *orders.Assembler
	checkout   *payments.Checkout
	reconciler *payments.Reconciler
	stub       *payments.StubProvider
	notifier   *MockNotifier

	mu  sync.Mutex
	now time.Time
}

func newShop(stock int) *shop {
	s := &shop{
		store:    memory.NewStore(),
		stub:     payments.NewStubProvider("http://localhost:8080/stub/pay"),
		notifier: new(MockNotifier),
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	s.notifier.On("OrderPaid", mock.Anything).Return(nil).Maybe()

	s.store.PutVariant(inventory.ProductVariant{
		ID: "v1", SKU: "TEE-BLK-M", Color: "black", Size: "M", StockTotal: stock, Price: 10000, Active: true,
	})
	s.manager = inventory.NewReservationManager(s.store, nil, nil, nil,
		inventory.WithClock(s.clock), inventory.WithTTL(reservationTTL))
	s.assembler = orders.NewAssembler(s.store, "CLP", nil, nil, orders.WithClock(s.clock))
	s.checkout = payments.NewCheckout(s.store, payments.NewRegistry(payments.StubProviderName, s.stub), "CLP", nil, nil, nil,
		payments.WithCheckoutClock(s.clock))
	s.reconciler = payments.NewReconciler(s.store, s.notifier, nil, nil, nil, payments.WithReconcilerClock(s.clock))
	return s
}

func (s *shop) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *shop) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

// checkedOutOrder is an order with an open payment session.
type checkedOutOrder struct {
	ReservationID string
	OrderID       string
	Reference     string
}

func (s *shop) placeOrder(ctx context.Context, qty int) (*checkedOutOrder, error) {
	res, err := s.manager.CreateReservation(ctx, "v1", qty)
	if err != nil {
		return nil, err
	}
	o, err := s.assembler.CreateOrUpdateOrder(ctx, orders.CreateOrderInput{
		ReservationID:  res.ID,
		Buyer:          orders.Buyer{Name: "Ana", Email: "ana@example.com", Phone: "+56911111111"},
		DeliveryMethod: "pickup",
	})
	if err != nil {
		return nil, err
	}
	intent, err := s.checkout.CreateIntent(ctx, payments.IntentInput{OrderID: o.ID})
	if err != nil {
		return nil, err
	}
	return &checkedOutOrder{ReservationID: res.ID, OrderID: o.ID, Reference: intent.Reference}, nil
}

func (s *shop) mustPlaceOrder(t *testing.T, qty int) *checkedOutOrder {
	t.Helper()
	o, err := s.placeOrder(context.Background(), qty)
	require.NoError(t, err)
	return o
}

func (s *shop) variant(t *testing.T) *inventory.ProductVariant {
	t.Helper()
	v, err := s.store.GetVariant(context.Background(), "v1")
	require.NoError(t, err)
	return v
}

func (s *shop) order(t *testing.T, id string) *orders.Order {
	t.Helper()
	o, err := s.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (s *shop) reservation(t *testing.T, id string) *inventory.StockReservation {
	t.Helper()
	r, err := s.store.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r
}

func notification(ref string, outcome payments.Outcome) payments.Notification {
	return payments.Notification{
		Provider:      payments.StubProviderName,
		Reference:     ref,
		Outcome:       outcome,
		CorrelationID: "pay-" + ref,
		RawStatus:     string(outcome),
	}
}
