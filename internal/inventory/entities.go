package inventory

import (
	"time"
)

// ProductVariant is a sellable configuration of a product and owns its stock counters.
type ProductVariant struct {
	ID            string    `json:"id" db:"id"`
	SKU           string    `json:"sku" db:"sku"`
	Color         string    `json:"color" db:"color"`
	Size          string    `json:"size" db:"size"`
	EngravingCode string    `json:"engraving_code" db:"engraving_code"`
	EngravingName string    `json:"engraving_name" db:"engraving_name"`
	StockTotal    int       `json:"stock_total" db:"stock_total"`
	StockReserved int       `json:"stock_reserved" db:"stock_reserved"`
	Price         int64     `json:"price" db:"price"`
	Active        bool      `json:"active" db:"active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Available is the quantity that can still be held.
func (v *ProductVariant) Available() int {
	return v.StockTotal - v.StockReserved
}

// Hold moves qty units from available to reserved.
func (v *ProductVariant) Hold(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if available := v.Available(); qty > available {
		return &StockError{VariantID: v.ID, Requested: qty, Available: max(available, 0)}
	}
	v.StockReserved += qty
	return nil
}

// Release returns qty held units to the pool. The reserved counter never drops below zero.
func (v *ProductVariant) Release(qty int) {
	v.StockReserved = max(v.StockReserved-qty, 0)
}

// Consume removes qty units permanently, releasing the matching hold at the same time.
func (v *ProductVariant) Consume(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if v.StockReserved < qty || v.StockTotal < qty {
		return ErrInsufficientReserved
	}
	v.StockTotal -= qty
	v.StockReserved -= qty
	return nil
}

// ReservationStatus is the lifecycle state of a StockReservation.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationExpired  ReservationStatus = "expired"
	ReservationConsumed ReservationStatus = "consumed"
)

// StockReservation is a time-boxed hold on a quantity of one variant.
type StockReservation struct {
	ID        string            `json:"id" db:"id"`
	VariantID string            `json:"variant_id" db:"variant_id"`
	Quantity  int               `json:"quantity" db:"quantity"`
	Status    ReservationStatus `json:"status" db:"status"`
	ExpiresAt time.Time         `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// NewStockReservation creates an active reservation expiring ttl after now.
func NewStockReservation(id, variantID string, qty int, now time.Time, ttl time.Duration) *StockReservation {
	return &StockReservation{
		ID:        id,
		VariantID: variantID,
		Quantity:  qty,
		Status:    ReservationActive,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// IsLive reports whether the reservation still holds stock at instant now.
func (r *StockReservation) IsLive(now time.Time) bool {
	return r.Status == ReservationActive && r.ExpiresAt.After(now)
}

// IsStale reports whether the reservation is active but past its expiry.
func (r *StockReservation) IsStale(now time.Time) bool {
	return r.Status == ReservationActive && !r.ExpiresAt.After(now)
}

// MovementType classifies a manual stock movement.
type MovementType string

const (
	MovementSaleOffline MovementType = "sale_offline"
	MovementAdjustOut   MovementType = "adjust_out"
	MovementAdjustIn    MovementType = "adjust_in"
)

// StockMovement is an audit row for a manual change of stock_total.
type StockMovement struct {
	ID           string       `json:"id" db:"id"`
	VariantID    string       `json:"variant_id" db:"variant_id"`
	SKU          string       `json:"sku" db:"sku"`
	MovementType MovementType `json:"movement_type" db:"movement_type"`
	Quantity     int          `json:"qty" db:"qty"`
	Price        *int64       `json:"price,omitempty" db:"price"`
	Note         string       `json:"note,omitempty" db:"note"`
	OccurredAt   time.Time    `json:"occurred_at" db:"occurred_at"`
}

// MovementFilter narrows ListMovements and SalesSummary. Zero times are open bounds.
type MovementFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

// SalesSummary totals the offline sales recorded as stock movements.
type SalesSummary struct {
	UnitsSold int   `json:"units_sold"`
	Revenue   int64 `json:"revenue"`
}

func (s *SalesSummary) add(m StockMovement) {
	if m.MovementType != MovementSaleOffline {
		return
	}
	s.UnitsSold += m.Quantity
	if m.Price != nil {
		s.Revenue += int64(m.Quantity) * *m.Price
	}
}

// SummarizeSales folds movements into a SalesSummary, ignoring everything but offline sales.
func SummarizeSales(movements []StockMovement) SalesSummary {
	var s SalesSummary
	for _, m := range movements {
		s.add(m)
	}
	return s
}
