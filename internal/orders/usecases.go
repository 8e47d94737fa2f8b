package orders

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/storage"
	"github.com/matheusmosca/variant-reservations/internal/telemetry"
)

// ItemLine is an item the client believes it is buying. When sent, it must agree
// with the reservation.
type ItemLine struct {
	VariantID string `json:"variant_id"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderInput struct {
	ReservationID   string     `json:"reservation_id"`
	Buyer           Buyer      `json:"buyer"`
	DeliveryMethod  string     `json:"delivery_method"`
	DeliveryAddress string     `json:"delivery_address"`
	Notes           string     `json:"notes"`
	Items           []ItemLine `json:"items"`
}

type Assembler struct {
	repository Repository
	currency   string
	now        func() time.Time
	tracer     trace.Tracer
	logger     *zap.Logger
}

type Option func(*Assembler)

func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler builds the order use cases. currency is stamped on every new order.
func NewAssembler(repository Repository, currency string, tracer trace.Tracer, logger *zap.Logger, opts ...Option) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Assembler{
		repository: repository,
		currency:   currency,
		now:        time.Now,
		tracer:     telemetry.TracerOrNoop(tracer),
		logger:     logger.With(zap.String("component", "orders")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreateOrUpdateOrder binds buyer and delivery data to a live reservation. Calling it
// again for the same reservation updates the same order.
func (a *Assembler) CreateOrUpdateOrder(ctx context.Context, in CreateOrderInput) (_ *Order, err error) {
	ctx, span := a.tracer.Start(ctx, "orders.CreateOrUpdateOrder",
		trace.WithAttributes(attribute.String("reservation.id", in.ReservationID)))
	defer func() { telemetry.End(span, err) }()

	method, err := validate(in)
	if err != nil {
		return nil, err
	}

	res, err := a.repository.GetReservation(ctx, in.ReservationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}

	now := a.now()
	if !res.IsLive(now) {
		return nil, ErrReservationExpiredOrInactive
	}

	variant, err := a.repository.GetVariant(ctx, res.VariantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variant %s: %w", res.VariantID, err)
	}

	item := Item{
		VariantID: variant.ID,
		SKU:       variant.SKU,
		Color:     variant.Color,
		Size:      variant.Size,
		Quantity:  res.Quantity,
		UnitPrice: variant.Price,
		LineTotal: variant.Price * int64(res.Quantity),
	}
	if err := matchItems(in.Items, item); err != nil {
		return nil, err
	}

	address := strings.TrimSpace(in.DeliveryAddress)
	if method == DeliveryPickup {
		address = ""
	}

	order := &Order{
		ID:              uuid.NewString(),
		ReservationID:   res.ID,
		Status:          StatusPendingPayment,
		Buyer:           trimBuyer(in.Buyer),
		DeliveryMethod:  method,
		DeliveryAddress: address,
		Notes:           strings.TrimSpace(in.Notes),
		Items:           []Item{item},
		Total:           item.LineTotal,
		Currency:        a.currency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	saved, err := a.repository.UpsertPendingOrder(ctx, order)
	if errors.Is(err, storage.ErrConflict) && saved != nil {
		return nil, &StatusError{OrderID: saved.ID, Status: saved.Status, Expected: StatusPendingPayment}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert order: %w", err)
	}

	span.SetAttributes(attribute.String("order.id", saved.ID), attribute.Int64("order.total", saved.Total))
	logging.WithTrace(ctx, a.logger).Info("order_upserted",
		zap.String("order_id", saved.ID),
		zap.String("reservation_id", saved.ReservationID),
		zap.Int64("total", saved.Total),
		zap.String("delivery_method", string(saved.DeliveryMethod)))
	return saved, nil
}

// GetOrder returns the order with its lines, or ErrOrderNotFound.
func (a *Assembler) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	ctx, span := a.tracer.Start(ctx, "orders.GetOrder",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	o, err := a.repository.GetOrder(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return o, nil
}

func validate(in CreateOrderInput) (DeliveryMethod, error) {
	if strings.TrimSpace(in.ReservationID) == "" {
		return "", ErrMissingReservation
	}
	b := trimBuyer(in.Buyer)
	if b.Name == "" || b.Email == "" || b.Phone == "" {
		return "", ErrMissingBuyer
	}
	if _, err := mail.ParseAddress(b.Email); err != nil {
		return "", fmt.Errorf("%w: invalid email", ErrMissingBuyer)
	}
	method, ok := ParseDeliveryMethod(in.DeliveryMethod)
	if !ok {
		return "", ErrInvalidDeliveryMethod
	}
	if method == DeliveryShip && strings.TrimSpace(in.DeliveryAddress) == "" {
		return "", ErrMissingAddress
	}
	return method, nil
}

func trimBuyer(b Buyer) Buyer {
	return Buyer{
		Name:  strings.TrimSpace(b.Name),
		Email: strings.TrimSpace(b.Email),
		Phone: strings.TrimSpace(b.Phone),
	}
}

// matchItems accepts no lines at all, or lines that add up to exactly the reserved item.
func matchItems(lines []ItemLine, reserved Item) error {
	if len(lines) == 0 {
		return nil
	}
	qty := 0
	for _, l := range lines {
		sameVariant := l.VariantID == reserved.VariantID || (l.VariantID == "" && l.SKU != "" && l.SKU == reserved.SKU)
		if !sameVariant || l.Quantity <= 0 {
			return ErrItemsMismatch
		}
		qty += l.Quantity
	}
	if qty != reserved.Quantity {
		return ErrItemsMismatch
	}
	return nil
}
