package inventory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/storage/memory"
)

func ptr[T any](v T) *T { return &v }

func TestStockAdmin_UpdateVariant(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedVariant(store, "v1", 5)
	admin := inventory.NewStockAdmin(store, nil, nil, nil)
	manager := newManager(store, newTestClock())

	_, err := manager.CreateReservation(ctx, "v1", 3)
	require.NoError(t, err)

	t.Run("changes price and flag", func(t *testing.T) {
		v, err := admin.UpdateVariant(ctx, "v1", inventory.VariantPatch{Price: ptr(int64(2500)), Active: ptr(true)})

		require.NoError(t, err)
		assert.Equal(t, int64(2500), v.Price)
		assert.Equal(t, int64(2500), getVariant(t, store, "v1").Price)
	})

	t.Run("total below reserved is refused", func(t *testing.T) {
		_, err := admin.UpdateVariant(ctx, "v1", inventory.VariantPatch{StockTotal: ptr(2)})

		var adjustErr *inventory.AdjustmentError
		require.True(t, errors.As(err, &adjustErr))
		assert.Equal(t, inventory.AdjustBelowReserved, adjustErr.Code)
		assert.Equal(t, 3, adjustErr.StockReserved)
		assert.Equal(t, 5, getVariant(t, store, "v1").StockTotal)
	})

	t.Run("total equal to reserved is fine", func(t *testing.T) {
		v, err := admin.UpdateVariant(ctx, "v1", inventory.VariantPatch{StockTotal: ptr(3)})

		require.NoError(t, err)
		assert.Equal(t, 0, v.Available())
	})

	t.Run("empty patch", func(t *testing.T) {
		_, err := admin.UpdateVariant(ctx, "v1", inventory.VariantPatch{})
		assert.ErrorIs(t, err, inventory.ErrInvalidPatch)
	})

	t.Run("negative price", func(t *testing.T) {
		_, err := admin.UpdateVariant(ctx, "v1", inventory.VariantPatch{Price: ptr(int64(-1))})
		assert.ErrorIs(t, err, inventory.ErrInvalidPatch)
	})

	t.Run("unknown variant", func(t *testing.T) {
		_, err := admin.UpdateVariant(ctx, "nope", inventory.VariantPatch{Active: ptr(false)})
		assert.ErrorIs(t, err, inventory.ErrVariantNotFound)
	})
}

func TestStockAdmin_AdjustStock(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedVariant(store, "v1", 5)
	admin := inventory.NewStockAdmin(store, nil, nil, nil)
	manager := newManager(store, newTestClock())

	_, err := manager.CreateReservation(ctx, "v1", 2)
	require.NoError(t, err)

	v, m, err := admin.AdjustStock(ctx, "v1", inventory.MovementInput{
		Type: inventory.MovementSaleOffline, Quantity: 2, Price: ptr(int64(9900)), Note: "fair",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v.StockTotal)
	assert.Equal(t, 2, v.StockReserved)
	assert.Equal(t, "SKU-v1", m.SKU)
	assert.Equal(t, inventory.MovementSaleOffline, m.MovementType)

	v, _, err = admin.AdjustStock(ctx, "v1", inventory.MovementInput{Type: inventory.MovementAdjustIn, Quantity: 4})
	require.NoError(t, err)
	assert.Equal(t, 7, v.StockTotal)

	_, _, err = admin.AdjustStock(ctx, "v1", inventory.MovementInput{Type: inventory.MovementAdjustOut, Quantity: 6})
	var adjustErr *inventory.AdjustmentError
	require.True(t, errors.As(err, &adjustErr))
	assert.Equal(t, inventory.AdjustBelowReserved, adjustErr.Code)

	_, _, err = admin.AdjustStock(ctx, "v1", inventory.MovementInput{Type: inventory.MovementAdjustOut, Quantity: 8})
	require.True(t, errors.As(err, &adjustErr))
	assert.Equal(t, inventory.AdjustNegative, adjustErr.Code)

	assert.Equal(t, 7, getVariant(t, store, "v1").StockTotal)

	movements, err := admin.ListMovements(ctx, inventory.MovementFilter{})
	require.NoError(t, err)
	assert.Len(t, movements, 2)
}

func TestStockAdmin_AdjustStockValidation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedVariant(store, "v1", 5)
	admin := inventory.NewStockAdmin(store, nil, nil, nil)

	tests := []struct {
		name string
		in   inventory.MovementInput
	}{
		{name: "offline sale without price", in: inventory.MovementInput{Type: inventory.MovementSaleOffline, Quantity: 1}},
		{name: "offline sale with zero price", in: inventory.MovementInput{Type: inventory.MovementSaleOffline, Quantity: 1, Price: ptr(int64(0))}},
		{name: "zero qty", in: inventory.MovementInput{Type: inventory.MovementAdjustIn}},
		{name: "unknown type", in: inventory.MovementInput{Type: "gift", Quantity: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := admin.AdjustStock(ctx, "v1", tt.in)
			assert.ErrorIs(t, err, inventory.ErrInvalidMovement)
		})
	}

	movements, err := admin.ListMovements(ctx, inventory.MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, movements)
	assert.Equal(t, 5, getVariant(t, store, "v1").StockTotal)
}

func TestStockAdmin_ListVariants(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedVariant(store, "v1", 5)
	store.PutVariant(inventory.ProductVariant{ID: "v2", SKU: "SKU-v2", Active: false})
	admin := inventory.NewStockAdmin(store, nil, nil, nil)

	active, err := admin.ListVariants(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "v1", active[0].ID)

	all, err := admin.ListVariants(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStockAdmin_ReleasesLapsedHoldsFirst(t *testing.T) {
	ctx := context.Background()

	// setup holds every unit and lets the hold lapse without a sweep.
	setup := func(t *testing.T) (*memory.Store, *inventory.StockAdmin) {
		t.Helper()
		store := memory.NewStore()
		seedVariant(store, "v1", 5)
		clock := newTestClock()
		manager := newManager(store, clock)
		_, err := manager.CreateReservation(ctx, "v1", 5)
		require.NoError(t, err)
		clock.Advance(time.Hour)
		return store, inventory.NewStockAdmin(store, manager, nil, nil)
	}

	t.Run("catalogue shows the units again", func(t *testing.T) {
		store, admin := setup(t)

		variants, err := admin.ListVariants(ctx, true)

		require.NoError(t, err)
		require.Len(t, variants, 1)
		assert.Equal(t, 5, variants[0].Available())
		assert.Zero(t, activeQuantity(store, "v1"))
	})

	t.Run("offline sale is not blocked by the lapsed hold", func(t *testing.T) {
		store, admin := setup(t)

		v, _, err := admin.AdjustStock(ctx, "v1", inventory.MovementInput{
			Type: inventory.MovementSaleOffline, Quantity: 2, Price: ptr(int64(9900)),
		})

		require.NoError(t, err)
		assert.Equal(t, 3, v.StockTotal)
		assert.Zero(t, v.StockReserved)
		assert.Equal(t, 3, getVariant(t, store, "v1").Available())
	})

	t.Run("total can drop below the lapsed hold", func(t *testing.T) {
		_, admin := setup(t)

		v, err := admin.UpdateVariant(ctx, "v1", inventory.VariantPatch{StockTotal: ptr(1)})

		require.NoError(t, err)
		assert.Equal(t, 1, v.StockTotal)
		assert.Zero(t, v.StockReserved)
	})
}

func TestStockAdmin_SalesSummary(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedVariant(store, "v1", 20)
	seedVariant(store, "v2", 20)
	admin := inventory.NewStockAdmin(store, nil, nil, nil)

	moves := []struct {
		variant string
		in      inventory.MovementInput
	}{
		{"v1", inventory.MovementInput{Type: inventory.MovementSaleOffline, Quantity: 2, Price: ptr(int64(9900))}},
		{"v2", inventory.MovementInput{Type: inventory.MovementSaleOffline, Quantity: 1, Price: ptr(int64(15000))}},
		{"v1", inventory.MovementInput{Type: inventory.MovementAdjustOut, Quantity: 3}},
		{"v2", inventory.MovementInput{Type: inventory.MovementAdjustIn, Quantity: 5, Price: ptr(int64(100))}},
	}
	for _, m := range moves {
		_, _, err := admin.AdjustStock(ctx, m.variant, m.in)
		require.NoError(t, err)
	}

	summary, err := admin.SalesSummary(ctx, inventory.MovementFilter{})
	require.NoError(t, err)
	assert.Equal(t, inventory.SalesSummary{UnitsSold: 3, Revenue: 2*9900 + 15000}, summary)

	future := time.Now().Add(time.Hour)
	summary, err = admin.SalesSummary(ctx, inventory.MovementFilter{From: future})
	require.NoError(t, err)
	assert.Zero(t, summary)

	_, err = admin.SalesSummary(ctx, inventory.MovementFilter{From: future, To: future.Add(-2 * time.Hour)})
	assert.ErrorIs(t, err, inventory.ErrInvalidPeriod)
}
