package orders

import (
	"context"

	"github.com/matheusmosca/variant-reservations/internal/inventory"
)

type Repository interface {
	// GetReservation reads a reservation without locking it.
	GetReservation(ctx context.Context, reservationID string) (*inventory.StockReservation, error)
	GetVariant(ctx context.Context, variantID string) (*inventory.ProductVariant, error)

	// UpsertPendingOrder inserts o, or overwrites buyer, delivery, items and total of the
	// order already bound to o.ReservationID while it is still pending_payment. When that
	// order is past pending it is returned unchanged together with storage.ErrConflict.
	UpsertPendingOrder(ctx context.Context, o *Order) (*Order, error)

	GetOrder(ctx context.Context, orderID string) (*Order, error)
}
