package inventory

import (
	"context"
	"time"

	"github.com/matheusmosca/variant-reservations/internal/storage"
)

// VariantStore is the row-locking access the ledger needs.
type VariantStore interface {
	// GetVariantForUpdate loads the variant with an exclusive row lock held until tx ends.
	GetVariantForUpdate(ctx context.Context, tx storage.Tx, variantID string) (*ProductVariant, error)

	// SaveVariant persists counters, price and active flag of a variant locked in tx.
	SaveVariant(ctx context.Context, tx storage.Tx, v *ProductVariant) error
}

// ReservationStore is the reservation access shared by the manager and the reconciler.
type ReservationStore interface {
	InsertReservation(ctx context.Context, tx storage.Tx, r *StockReservation) error
	GetReservationForUpdate(ctx context.Context, tx storage.Tx, reservationID string) (*StockReservation, error)
	UpdateReservationStatus(ctx context.Context, tx storage.Tx, reservationID string, status ReservationStatus) error
}

// Repository is the persistence surface of the inventory use cases.
type Repository interface {
	storage.Beginner
	VariantStore
	ReservationStore

	GetVariant(ctx context.Context, variantID string) (*ProductVariant, error)
	ListVariants(ctx context.Context, activeOnly bool) ([]ProductVariant, error)

	// ListStaleReservationIDs returns active reservations with expires_at <= now, restricted
	// to variantIDs when given. Rows are not locked.
	ListStaleReservationIDs(ctx context.Context, now time.Time, variantIDs []string, limit int) ([]string, error)

	InsertMovement(ctx context.Context, tx storage.Tx, m *StockMovement) error
	ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error)

	// SalesSummary totals sale_offline movements in the filter's period. Limit is ignored.
	SalesSummary(ctx context.Context, filter MovementFilter) (SalesSummary, error)
}
