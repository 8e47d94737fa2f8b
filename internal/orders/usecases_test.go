package orders_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/storage"
	"github.com/matheusmosca/variant-reservations/internal/storage/memory"
)

type fixture struct {
	store     *memory.Store
	manager   *inventory.ReservationManager
	assembler *orders.Assembler

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewStore(),
		now:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.PutVariant(inventory.ProductVariant{
		ID: "v1", SKU: "TEE-BLK-M", Color: "black", Size: "M", StockTotal: 5, Price: 12990, Active: true,
	})
	f.manager = inventory.NewReservationManager(f.store, nil, nil, nil,
		inventory.WithClock(f.clock), inventory.WithTTL(10*time.Minute))
	f.assembler = orders.NewAssembler(f.store, "CLP", nil, nil, orders.WithClock(f.clock))
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) reserve(t *testing.T, qty int) *inventory.StockReservation {
	t.Helper()
	r, err := f.manager.CreateReservation(context.Background(), "v1", qty)
	require.NoError(t, err)
	return r
}

func validInput(reservationID string) orders.CreateOrderInput {
	return orders.CreateOrderInput{
		ReservationID:   reservationID,
		Buyer:           orders.Buyer{Name: " Ana Pérez ", Email: "ana@example.com", Phone: "+56911111111"},
		DeliveryMethod:  "despacho",
		DeliveryAddress: "Av. Siempre Viva 742",
	}
}

func TestCreateOrUpdateOrder(t *testing.T) {
	f := newFixture(t)
	r := f.reserve(t, 2)

	o, err := f.assembler.CreateOrUpdateOrder(context.Background(), validInput(r.ID))

	require.NoError(t, err)
	assert.Equal(t, orders.StatusPendingPayment, o.Status)
	assert.Equal(t, r.ID, o.ReservationID)
	assert.Equal(t, orders.DeliveryShip, o.DeliveryMethod)
	assert.Equal(t, "Ana Pérez", o.Buyer.Name)
	assert.Equal(t, "CLP", o.Currency)
	assert.Equal(t, int64(25980), o.Total)
	require.Len(t, o.Items, 1)
	assert.Equal(t, orders.Item{
		VariantID: "v1", SKU: "TEE-BLK-M", Color: "black", Size: "M", Quantity: 2, UnitPrice: 12990, LineTotal: 25980,
	}, o.Items[0])
}

func TestCreateOrUpdateOrder_IsIdempotentPerReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.reserve(t, 1)

	first, err := f.assembler.CreateOrUpdateOrder(ctx, validInput(r.ID))
	require.NoError(t, err)

	in := validInput(r.ID)
	in.DeliveryMethod = "retiro"
	in.Notes = "after 6pm"
	second, err := f.assembler.CreateOrUpdateOrder(ctx, in)

	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, orders.DeliveryPickup, second.DeliveryMethod)
	assert.Empty(t, second.DeliveryAddress)

	stored, err := f.assembler.GetOrder(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "after 6pm", stored.Notes)
}

func TestCreateOrUpdateOrder_FreezesPrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.reserve(t, 1)

	o, err := f.assembler.CreateOrUpdateOrder(ctx, validInput(r.ID))
	require.NoError(t, err)

	admin := inventory.NewStockAdmin(f.store, nil, nil, nil)
	price := int64(99990)
	_, err = admin.UpdateVariant(ctx, "v1", inventory.VariantPatch{Price: &price})
	require.NoError(t, err)

	stored, err := f.assembler.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12990), stored.Total)
}

func TestCreateOrUpdateOrder_Validation(t *testing.T) {
	f := newFixture(t)
	r := f.reserve(t, 1)

	tests := []struct {
		name   string
		modify func(*orders.CreateOrderInput)
		want   error
	}{
		{name: "no reservation", modify: func(in *orders.CreateOrderInput) { in.ReservationID = " " }, want: orders.ErrMissingReservation},
		{name: "no name", modify: func(in *orders.CreateOrderInput) { in.Buyer.Name = "" }, want: orders.ErrMissingBuyer},
		{name: "no phone", modify: func(in *orders.CreateOrderInput) { in.Buyer.Phone = "  " }, want: orders.ErrMissingBuyer},
		{name: "bad email", modify: func(in *orders.CreateOrderInput) { in.Buyer.Email = "not-an-email" }, want: orders.ErrMissingBuyer},
		{name: "unknown delivery", modify: func(in *orders.CreateOrderInput) { in.DeliveryMethod = "teleport" }, want: orders.ErrInvalidDeliveryMethod},
		{name: "ship without address", modify: func(in *orders.CreateOrderInput) { in.DeliveryAddress = "" }, want: orders.ErrMissingAddress},
		{name: "unknown reservation", modify: func(in *orders.CreateOrderInput) { in.ReservationID = "nope" }, want: orders.ErrReservationNotFound},
		{name: "items mismatch", modify: func(in *orders.CreateOrderInput) {
			in.Items = []orders.ItemLine{{VariantID: "v1", Quantity: 2}}
		}, want: orders.ErrItemsMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput(r.ID)
			tt.modify(&in)

			_, err := f.assembler.CreateOrUpdateOrder(context.Background(), in)

			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateOrUpdateOrder_PickupNeedsNoAddress(t *testing.T) {
	f := newFixture(t)
	r := f.reserve(t, 1)

	in := validInput(r.ID)
	in.DeliveryMethod = "pickup"
	in.DeliveryAddress = ""
	o, err := f.assembler.CreateOrUpdateOrder(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, orders.DeliveryPickup, o.DeliveryMethod)
}

func TestCreateOrUpdateOrder_ExpiredReservation(t *testing.T) {
	f := newFixture(t)
	r := f.reserve(t, 1)
	f.advance(10 * time.Minute)

	_, err := f.assembler.CreateOrUpdateOrder(context.Background(), validInput(r.ID))

	assert.ErrorIs(t, err, orders.ErrReservationExpiredOrInactive)
}

func TestCreateOrUpdateOrder_OrderPastPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.reserve(t, 1)

	o, err := f.assembler.CreateOrUpdateOrder(ctx, validInput(r.ID))
	require.NoError(t, err)

	err = storage.WithTx(ctx, f.store, func(tx storage.Tx) error {
		locked, err := f.store.GetOrderForUpdate(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		locked.MarkFailed(f.clock(), "pay-1")
		return f.store.SaveOrderPayment(ctx, tx, locked)
	})
	require.NoError(t, err)

	_, err = f.assembler.CreateOrUpdateOrder(ctx, validInput(r.ID))

	var statusErr *orders.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.ErrorIs(t, err, orders.ErrOrderNotPending)
	assert.Equal(t, o.ID, statusErr.OrderID)
	assert.Equal(t, orders.StatusFailed, statusErr.Status)
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.assembler.GetOrder(context.Background(), "nope")

	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
}
