package orders

import (
	"errors"
	"fmt"
)

var (
	ErrMissingReservation           = errors.New("missing reservation id")
	ErrMissingBuyer                 = errors.New("missing buyer data")
	ErrInvalidDeliveryMethod        = errors.New("invalid delivery method")
	ErrMissingAddress               = errors.New("missing delivery address")
	ErrReservationNotFound          = errors.New("reservation not found")
	ErrReservationExpiredOrInactive = errors.New("reservation expired or not active")
	ErrItemsMismatch                = errors.New("items do not match the reservation")
	ErrOrderNotFound                = errors.New("order not found")
)

// StatusError reports an order that is not in the status an operation requires.
type StatusError struct {
	OrderID  string
	Status   Status
	Expected Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("order %s is %s, expected %s", e.OrderID, e.Status, e.Expected)
}

// ErrOrderNotPending matches any *StatusError through errors.Is.
var ErrOrderNotPending = errors.New("order not pending")

func (e *StatusError) Is(target error) bool {
	return target == ErrOrderNotPending
}
