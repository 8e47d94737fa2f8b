package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/storage"
	"github.com/matheusmosca/variant-reservations/internal/telemetry"
)

// Result is what Finalize did with a notification.
type Result string

const (
	ResultNotFound         Result = "not_found"
	ResultIgnored          Result = "ignored"
	ResultAlreadyPaid      Result = "already_paid"
	ResultPaid             Result = "paid"
	ResultFailed           Result = "failed"
	ResultRejected         Result = "rejected"
	ResultFlaggedForReview Result = "flagged_for_review"
)

const (
	ReviewPaymentAfterExpiry     = "payment_after_reservation_expired"
	ReviewReservationNotFound    = "payment_without_reservation"
	ReviewInsufficientStockState = "payment_with_inconsistent_stock"
	ReviewPaymentAfterFailure    = "payment_after_order_failed"
)

// Reconciler turns at-least-once, unordered gateway notifications into exactly one
// terminal transition per order.
type Reconciler struct {
	repository Repository
	ledger     *inventory.Ledger
	notifier   Notifier
	outbox     PaidOutbox
	now        func() time.Time
	tracer     trace.Tracer
	logger     *zap.Logger

	resultsCounter   metric.Int64Counter
	anomaliesCounter metric.Int64Counter
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// MarkPaid is called inside the settling transaction once the order is paid.
type MarkPaid func(ctx context.Context, tx storage.Tx) error

// PaidOutbox delivers the order-paid event atomically with the payment transition.
// Publish runs settle, which commits or rolls back on its own and calls mark only for a
// paid order. The event goes out only if that transaction committed with the mark.
type PaidOutbox interface {
	Publish(ctx context.Context, reference string, settle func(mark MarkPaid) error) error
}

// WithPaidOutbox hands paid orders to outbox instead of calling the notifier after commit.
func WithPaidOutbox(outbox PaidOutbox) ReconcilerOption {
	return func(r *Reconciler) { r.outbox = outbox }
}

// NewReconciler builds the notification finalizer. notifier may be nil.
func NewReconciler(repository Repository, notifier Notifier, tracer trace.Tracer, meter metric.Meter, logger *zap.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter = telemetry.MeterOrNoop(meter)
	r := &Reconciler{
		repository: repository,
		ledger:     inventory.NewLedger(repository),
		notifier:   notifier,
		now:        time.Now,
		tracer:     telemetry.TracerOrNoop(tracer),
		logger:     logger.With(zap.String("component", "reconciler")),

		resultsCounter:   telemetry.Counter(meter, "payments.notifications", "Payment notifications by result"),
		anomaliesCounter: telemetry.Counter(meter, "payments.reconciliation.anomalies", "Payments flagged for manual review"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Finalize applies one notification. Only infrastructure failures are returned as errors;
// every business outcome is a Result.
func (r *Reconciler) Finalize(ctx context.Context, n Notification) (res Result, err error) {
	ctx, span := r.tracer.Start(ctx, "payments.Finalize",
		trace.WithAttributes(
			attribute.String("payment.provider", n.Provider),
			attribute.String("payment.reference", n.Reference),
			attribute.String("payment.outcome", string(n.Outcome)),
		))
	defer func() {
		span.SetAttributes(attribute.String("payment.result", string(res)))
		telemetry.End(span, err)
		if err == nil {
			r.resultsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(res))))
		}
	}()

	logger := logging.WithTrace(ctx, r.logger).With(
		zap.String("provider", n.Provider),
		zap.String("reference", n.Reference),
		zap.String("outcome", string(n.Outcome)),
		zap.String("correlation_id", n.CorrelationID),
	)

	orderID, err := r.repository.FindOrderIDByReference(ctx, n.Reference)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("payment_order_not_found")
		return ResultNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find order: %w", err)
	}
	logger = logger.With(zap.String("order_id", orderID))

	if n.Outcome != OutcomeSuccess && n.Outcome != OutcomeFailure {
		logger.Info("payment_notification_ignored", zap.String("status", n.RawStatus))
		return ResultIgnored, nil
	}

	var order *orders.Order
	settle := func(mark MarkPaid) error {
		return storage.WithTx(ctx, r.repository, func(tx storage.Tx) error {
			var err error
			order, res, err = r.settle(ctx, tx, orderID, n)
			if err != nil || res != ResultPaid || mark == nil {
				return err
			}
			return mark(ctx, tx)
		})
	}
	if r.outbox != nil {
		err = r.outbox.Publish(ctx, n.Reference, settle)
	} else {
		err = settle(nil)
	}
	if err != nil {
		logger.Error("payment_finalize_failed", zap.Error(err))
		return "", err
	}

	switch res {
	case ResultPaid:
		logger.Info("order_paid", zap.Int64("total", order.Total))
		if r.outbox == nil {
			r.notify(ctx, logger, *order)
		}
	case ResultAlreadyPaid:
		logger.Info("payment_duplicate_notification")
	case ResultFailed:
		logger.Info("order_payment_failed", zap.String("status", n.RawStatus))
	case ResultRejected:
		logger.Warn("payment_for_non_pending_order", zap.String("status", string(order.Status)))
	case ResultFlaggedForReview:
		r.anomaliesCounter.Add(ctx, 1)
		logger.Error("payment_reconciliation_anomaly", zap.String("review_reason", order.ReviewReason))
	}
	return res, nil
}

// settle locks the order and applies n to it inside tx.
func (r *Reconciler) settle(ctx context.Context, tx storage.Tx, orderID string, n Notification) (*orders.Order, Result, error) {
	order, err := r.repository.GetOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to lock order: %w", err)
	}

	switch order.Status {
	case orders.StatusPaid:
		return order, ResultAlreadyPaid, nil
	case orders.StatusPendingPayment:
	default:
		if n.Outcome != OutcomeSuccess {
			return order, ResultRejected, nil
		}
		// Captured after the order gave up its stock: someone has to refund or ship.
		order.FlagForReview(r.now(), ReviewPaymentAfterFailure, n.CorrelationID)
		return order, ResultFlaggedForReview, r.repository.SaveOrderPayment(ctx, tx, order)
	}

	var res Result
	if n.Outcome == OutcomeFailure {
		res, err = r.fail(ctx, tx, order, n)
	} else {
		res, err = r.pay(ctx, tx, order, n)
	}
	return order, res, err
}

// pay locks the reservation, then its variant. Stock is consumed only for a live hold.
func (r *Reconciler) pay(ctx context.Context, tx storage.Tx, order *orders.Order, n Notification) (Result, error) {
	now := r.now()

	res, err := r.repository.GetReservationForUpdate(ctx, tx, order.ReservationID)
	if errors.Is(err, storage.ErrNotFound) {
		order.FlagForReview(now, ReviewReservationNotFound, n.CorrelationID)
		return ResultFlaggedForReview, r.repository.SaveOrderPayment(ctx, tx, order)
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock reservation: %w", err)
	}

	switch {
	case res.Status == inventory.ReservationConsumed:
		// A concurrent notification already consumed the stock.
	case res.IsLive(now):
		if _, err := r.ledger.Consume(ctx, tx, res.VariantID, res.Quantity); err != nil {
			if errors.Is(err, inventory.ErrInsufficientReserved) {
				order.FlagForReview(now, ReviewInsufficientStockState, n.CorrelationID)
				return ResultFlaggedForReview, r.repository.SaveOrderPayment(ctx, tx, order)
			}
			return "", err
		}
		if err := r.repository.UpdateReservationStatus(ctx, tx, res.ID, inventory.ReservationConsumed); err != nil {
			return "", fmt.Errorf("failed to consume reservation: %w", err)
		}
	default:
		// Expired by clock or by status: the units may already be sold to someone else.
		order.FlagForReview(now, ReviewPaymentAfterExpiry, n.CorrelationID)
		return ResultFlaggedForReview, r.repository.SaveOrderPayment(ctx, tx, order)
	}

	order.MarkPaid(now, n.CorrelationID)
	if err := r.repository.SaveOrderPayment(ctx, tx, order); err != nil {
		return "", fmt.Errorf("failed to mark order paid: %w", err)
	}
	return ResultPaid, nil
}

// fail marks the order failed and gives back an active hold.
func (r *Reconciler) fail(ctx context.Context, tx storage.Tx, order *orders.Order, n Notification) (Result, error) {
	res, err := r.repository.GetReservationForUpdate(ctx, tx, order.ReservationID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return "", fmt.Errorf("failed to lock reservation: %w", err)
	case res.Status == inventory.ReservationActive:
		if err := inventory.ReleaseReservation(ctx, tx, r.ledger, r.repository, res); err != nil {
			return "", err
		}
	}

	order.MarkFailed(r.now(), n.CorrelationID)
	if err := r.repository.SaveOrderPayment(ctx, tx, order); err != nil {
		return "", fmt.Errorf("failed to mark order failed: %w", err)
	}
	return ResultFailed, nil
}

func (r *Reconciler) notify(ctx context.Context, logger *zap.Logger, order orders.Order) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.OrderPaid(ctx, order); err != nil {
		logger.Error("order_paid_notification_failed", zap.Error(err))
	}
}
