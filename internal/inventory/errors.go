package inventory

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrVariantNotFound      = errors.New("variant not found")
	ErrVariantInactive      = errors.New("variant inactive")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrInsufficientReserved = errors.New("reserved stock insufficient")
	ErrInvalidMovement      = errors.New("invalid movement")
	ErrInvalidPatch         = errors.New("invalid variant patch")
	ErrInvalidPeriod        = errors.New("invalid period")
	ErrNoItems              = errors.New("missing items")
	ErrInvalidItem          = errors.New("invalid item")
)

const (
	AdjustBelowReserved = "cannot_set_stock_below_reserved"
	AdjustNegative      = "cannot_go_negative"
)

// StockError reports a hold that could not be satisfied.
type StockError struct {
	VariantID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("out of stock for variant %s: requested=%d available=%d", e.VariantID, e.Requested, e.Available)
}

// AdjustmentError reports a manual change that would break the counters.
type AdjustmentError struct {
	Code          string
	StockReserved int
}

func (e *AdjustmentError) Error() string {
	return fmt.Sprintf("%s (stock_reserved=%d)", e.Code, e.StockReserved)
}
