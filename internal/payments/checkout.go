package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/storage"
	"github.com/matheusmosca/variant-reservations/internal/telemetry"
)

const referenceAttempts = 3

var (
	ErrInvalidTotal     = errors.New("order total must be positive")
	ErrOrderUnderReview = errors.New("order is flagged for review")
)

type IntentInput struct {
	OrderID   string `json:"order_id"`
	ClientIP  string `json:"-"`
	UserAgent string `json:"-"`
}

type IntentResult struct {
	Provider    string `json:"provider"`
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirect_url"`
}

// Checkout opens payment sessions for pending orders.
type Checkout struct {
	orders    OrderStore
	providers *Registry
	currency  string
	now       func() time.Time
	tracer    trace.Tracer
	logger    *zap.Logger

	intentsCounter metric.Int64Counter
}

type CheckoutOption func(*Checkout)

// WithCheckoutClock replaces time.Now when deciding whether a reservation is still live.
func WithCheckoutClock(now func() time.Time) CheckoutOption {
	return func(c *Checkout) { c.now = now }
}

// NewCheckout builds the checkout use case. currency is used for orders stored without one.
func NewCheckout(store OrderStore, providers *Registry, currency string, tracer trace.Tracer, meter metric.Meter, logger *zap.Logger, opts ...CheckoutOption) *Checkout {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checkout{
		orders:         store,
		providers:      providers,
		currency:       currency,
		now:            time.Now,
		tracer:         telemetry.TracerOrNoop(tracer),
		logger:         logger.With(zap.String("component", "checkout")),
		intentsCounter: telemetry.Counter(telemetry.MeterOrNoop(meter), "payments.intents.created", "Payment intents opened"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewReference returns a fresh external order reference.
func NewReference() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORD-" + strings.ToUpper(hex[:12])
}

// CreateIntent assigns the order its external reference (once) and asks the default
// provider for a checkout URL. Only a pending order whose reservation still holds stock
// can be paid; a flagged order waits for an operator.
func (c *Checkout) CreateIntent(ctx context.Context, in IntentInput) (_ *IntentResult, err error) {
	ctx, span := c.tracer.Start(ctx, "payments.CreateIntent",
		trace.WithAttributes(attribute.String("order.id", in.OrderID)))
	defer func() { telemetry.End(span, err) }()

	logger := logging.WithTrace(ctx, c.logger)

	order, err := c.orders.GetOrder(ctx, in.OrderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order.Status != orders.StatusPendingPayment {
		return nil, &orders.StatusError{OrderID: order.ID, Status: order.Status, Expected: orders.StatusPendingPayment}
	}
	if order.NeedsReview() {
		return nil, fmt.Errorf("%w: %s", ErrOrderUnderReview, order.ReviewReason)
	}
	if order.Total <= 0 {
		return nil, ErrInvalidTotal
	}

	res, err := c.orders.GetReservation(ctx, order.ReservationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, orders.ErrReservationExpiredOrInactive
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}
	if !res.IsLive(c.now()) {
		return nil, orders.ErrReservationExpiredOrInactive
	}

	reference, err := c.assignReference(ctx, order)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.reference", reference))

	provider, err := c.providers.Default()
	if err != nil {
		return nil, err
	}

	currency := order.Currency
	if currency == "" {
		currency = c.currency
	}
	req := IntentRequest{
		Reference: reference,
		Amount:    order.Total,
		Currency:  currency,
		Payer: Payer{
			Name:    order.Buyer.Name,
			Email:   order.Buyer.Email,
			Phone:   order.Buyer.Phone,
			Address: order.DeliveryAddress,
		},
		ClientIP:  in.ClientIP,
		UserAgent: in.UserAgent,
	}
	for _, it := range order.Items {
		req.Items = append(req.Items, IntentItem{
			SKU:      it.SKU,
			Name:     strings.TrimSpace(it.SKU + " " + it.Color + " " + it.Size),
			Quantity: it.Quantity,
			Price:    it.UnitPrice,
		})
	}

	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		logger.Error("payment_intent_failed",
			zap.String("order_id", order.ID),
			zap.String("provider", provider.Name()),
			zap.Error(err))
		return nil, err
	}

	if intent.CorrelationID != "" {
		if err := c.orders.SetPaymentReference(ctx, order.ID, intent.CorrelationID); err != nil {
			return nil, fmt.Errorf("failed to store payment reference: %w", err)
		}
	}

	c.intentsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider.Name())))
	logger.Info("payment_intent_created",
		zap.String("order_id", order.ID),
		zap.String("reference", reference),
		zap.String("provider", provider.Name()),
		zap.Int64("amount", order.Total))

	return &IntentResult{Provider: provider.Name(), Reference: reference, RedirectURL: intent.RedirectURL}, nil
}

func (c *Checkout) assignReference(ctx context.Context, order *orders.Order) (string, error) {
	if order.Reference != "" {
		return order.Reference, nil
	}
	var err error
	for range referenceAttempts {
		var ref string
		ref, err = c.orders.AssignReference(ctx, order.ID, NewReference())
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			break
		}
	}
	return "", fmt.Errorf("failed to assign reference: %w", err)
}
