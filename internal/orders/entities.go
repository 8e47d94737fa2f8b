package orders

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusFailed         Status = "failed"
)

type DeliveryMethod string

const (
	DeliveryPickup DeliveryMethod = "pickup"
	DeliveryShip   DeliveryMethod = "ship"
)

var deliveryAliases = map[string]DeliveryMethod{
	"pickup":           DeliveryPickup,
	"pick_up":          DeliveryPickup,
	"retiro":           DeliveryPickup,
	"retira":           DeliveryPickup,
	"retirar":          DeliveryPickup,
	"retiro_en_tienda": DeliveryPickup,
	"ship":             DeliveryShip,
	"shipping":         DeliveryShip,
	"delivery":         DeliveryShip,
	"despacho":         DeliveryShip,
	"envio":            DeliveryShip,
	"envío":            DeliveryShip,
	"envio_por_pagar":  DeliveryShip,
	"envio por pagar":  DeliveryShip,
	"envío por pagar":  DeliveryShip,
}

// ParseDeliveryMethod normalizes the spellings clients send. ok is false for anything unknown.
func ParseDeliveryMethod(s string) (DeliveryMethod, bool) {
	m, ok := deliveryAliases[strings.ToLower(strings.TrimSpace(s))]
	return m, ok
}

type Buyer struct {
	Name  string `json:"name" db:"buyer_name"`
	Email string `json:"email" db:"buyer_email"`
	Phone string `json:"phone" db:"buyer_phone"`
}

// Item is a frozen order line. Prices are copied when the order is written and never
// follow later catalogue changes.
type Item struct {
	VariantID string `json:"variant_id"`
	SKU       string `json:"sku"`
	Color     string `json:"color,omitempty"`
	Size      string `json:"size,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

type Order struct {
	ID               string         `json:"id" db:"id"`
	ReservationID    string         `json:"reservation_id" db:"reservation_id"`
	Status           Status         `json:"status" db:"status"`
	Buyer            Buyer          `json:"buyer"`
	DeliveryMethod   DeliveryMethod `json:"delivery_method" db:"delivery_method"`
	DeliveryAddress  string         `json:"delivery_address,omitempty" db:"delivery_address"`
	Notes            string         `json:"notes,omitempty" db:"notes"`
	Items            []Item         `json:"items" db:"items"`
	Total            int64          `json:"total" db:"total"`
	Currency         string         `json:"currency" db:"currency"`
	Reference        string         `json:"reference,omitempty" db:"reference"`
	PaymentReference string         `json:"payment_reference,omitempty" db:"payment_reference"`
	ReviewReason     string         `json:"review_reason,omitempty" db:"review_reason"`
	PaidAt           *time.Time     `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// NeedsReview reports whether the order was flagged for an operator.
func (o *Order) NeedsReview() bool {
	return o.ReviewReason != ""
}

// Quantity is the total number of units across all lines.
func (o *Order) Quantity() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// SetPaymentReference stores the gateway correlation id unless one is already set.
func (o *Order) SetPaymentReference(ref string) {
	if o.PaymentReference == "" && ref != "" {
		o.PaymentReference = ref
	}
}

// MarkPaid transitions a pending order to paid.
func (o *Order) MarkPaid(now time.Time, paymentRef string) {
	o.Status = StatusPaid
	o.PaidAt = &now
	o.ReviewReason = ""
	o.SetPaymentReference(paymentRef)
	o.UpdatedAt = now
}

// MarkFailed transitions a pending order to failed.
func (o *Order) MarkFailed(now time.Time, paymentRef string) {
	o.Status = StatusFailed
	o.SetPaymentReference(paymentRef)
	o.UpdatedAt = now
}

// FlagForReview leaves the status untouched and records why an operator must look at it.
func (o *Order) FlagForReview(now time.Time, reason, paymentRef string) {
	o.ReviewReason = reason
	o.SetPaymentReference(paymentRef)
	o.UpdatedAt = now
}
