package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/orders"
)

// OrderPaidEvent is the read-only snapshot handed to downstream delivery (email, messaging).
type OrderPaidEvent struct {
	OrderID          string                `json:"order_id"`
	Reference        string                `json:"reference"`
	PaymentReference string                `json:"payment_reference,omitempty"`
	Buyer            orders.Buyer          `json:"buyer"`
	DeliveryMethod   orders.DeliveryMethod `json:"delivery_method"`
	DeliveryAddress  string                `json:"delivery_address,omitempty"`
	Notes            string                `json:"notes,omitempty"`
	Items            []orders.Item         `json:"items"`
	Total            int64                 `json:"total"`
	Currency         string                `json:"currency"`
	PaidAt           time.Time             `json:"paid_at"`
}

func NewOrderPaidEvent(o orders.Order) OrderPaidEvent {
	ev := OrderPaidEvent{
		OrderID:          o.ID,
		Reference:        o.Reference,
		PaymentReference: o.PaymentReference,
		Buyer:            o.Buyer,
		DeliveryMethod:   o.DeliveryMethod,
		DeliveryAddress:  o.DeliveryAddress,
		Notes:            o.Notes,
		Items:            append([]orders.Item(nil), o.Items...),
		Total:            o.Total,
		Currency:         o.Currency,
	}
	if o.PaidAt != nil {
		ev.PaidAt = *o.PaidAt
	}
	return ev
}

type OrderPaidNotifier interface {
	OrderPaid(ctx context.Context, order orders.Order) error
}

// LogNotifier only writes the event to the log. It is used when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) OrderPaid(ctx context.Context, order orders.Order) error {
	ev := NewOrderPaidEvent(order)
	logging.WithTrace(ctx, n.logger).Info("order_paid_notification",
		zap.String("order_id", ev.OrderID),
		zap.String("buyer_email", ev.Buyer.Email),
		zap.Int64("total", ev.Total),
		zap.String("delivery_method", string(ev.DeliveryMethod)))
	return nil
}

// Multi fans one notification out to several notifiers and joins their errors.
type Multi []OrderPaidNotifier

func (m Multi) OrderPaid(ctx context.Context, order orders.Order) error {
	var errs []error
	for _, n := range m {
		if err := n.OrderPaid(ctx, order); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
