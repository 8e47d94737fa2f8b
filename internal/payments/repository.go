package payments

import (
	"context"

	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/storage"
)

// OrderStore is the order access used while opening a checkout.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)

	// GetReservation reads the reservation backing an order without locking it.
	GetReservation(ctx context.Context, reservationID string) (*inventory.StockReservation, error)

	// AssignReference sets the external reference unless one is set and returns the value
	// now stored. A reference already used by another order yields storage.ErrConflict.
	AssignReference(ctx context.Context, orderID, reference string) (string, error)

	// SetPaymentReference stores the gateway correlation id unless one is set.
	SetPaymentReference(ctx context.Context, orderID, paymentRef string) error
}

// Repository is what the reconciler locks and writes. Locks are taken in the order
// order, reservation, variant.
type Repository interface {
	storage.Beginner
	inventory.VariantStore
	inventory.ReservationStore

	FindOrderIDByReference(ctx context.Context, reference string) (string, error)
	GetOrderForUpdate(ctx context.Context, tx storage.Tx, orderID string) (*orders.Order, error)

	// SaveOrderPayment persists status, payment reference, review reason and paid_at.
	SaveOrderPayment(ctx context.Context, tx storage.Tx, o *orders.Order) error
}

// Notifier is told about orders that just became paid.
type Notifier interface {
	OrderPaid(ctx context.Context, order orders.Order) error
}
