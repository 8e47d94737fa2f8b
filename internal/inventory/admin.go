package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/storage"
	"github.com/matheusmosca/variant-reservations/internal/telemetry"
)

const defaultMovementLimit = 200

// VariantPatch carries the fields an operator may change. Nil fields are left alone.
type VariantPatch struct {
	Price      *int64 `json:"price"`
	StockTotal *int   `json:"stock_total"`
	Active     *bool  `json:"active"`
}

func (p VariantPatch) empty() bool {
	return p.Price == nil && p.StockTotal == nil && p.Active == nil
}

// MovementInput is a manual stock movement.
type MovementInput struct {
	Type     MovementType `json:"movement_type"`
	Quantity int          `json:"qty"`
	Price    *int64       `json:"price"`
	Note     string       `json:"note"`
}

func (in MovementInput) validate() error {
	if in.Quantity <= 0 {
		return fmt.Errorf("%w: qty must be positive", ErrInvalidMovement)
	}
	switch in.Type {
	case MovementSaleOffline:
		if in.Price == nil || *in.Price <= 0 {
			return fmt.Errorf("%w: offline sale requires a positive price", ErrInvalidMovement)
		}
	case MovementAdjustIn, MovementAdjustOut:
		if in.Price != nil && *in.Price < 0 {
			return fmt.Errorf("%w: negative price", ErrInvalidMovement)
		}
	default:
		return fmt.Errorf("%w: unknown movement type %q", ErrInvalidMovement, in.Type)
	}
	return nil
}

// StockAdmin applies operator changes to the catalogue. Every change runs under the
// same variant row lock the ledger uses, after stale holds on the variant are released.
type StockAdmin struct {
	repository Repository
	expirer    Expirer
	now        func() time.Time
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewStockAdmin builds the catalogue use cases. expirer, usually the ReservationManager,
// may be nil when nothing holds stock.
func NewStockAdmin(repository Repository, expirer Expirer, tracer trace.Tracer, logger *zap.Logger) *StockAdmin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockAdmin{
		repository: repository,
		expirer:    expirer,
		now:        time.Now,
		tracer:     telemetry.TracerOrNoop(tracer),
		logger:     logger.With(zap.String("component", "stock_admin")),
	}
}

// ListVariants returns the catalogue. With activeOnly the inactive variants are hidden.
func (a *StockAdmin) ListVariants(ctx context.Context, activeOnly bool) ([]ProductVariant, error) {
	ctx, span := a.tracer.Start(ctx, "inventory.ListVariants",
		trace.WithAttributes(attribute.Bool("active_only", activeOnly)))
	defer span.End()

	a.releaseStale(ctx)
	variants, err := a.repository.ListVariants(ctx, activeOnly)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	return variants, nil
}

// UpdateVariant changes price, total stock or the active flag.
func (a *StockAdmin) UpdateVariant(ctx context.Context, variantID string, patch VariantPatch) (_ *ProductVariant, err error) {
	ctx, span := a.tracer.Start(ctx, "inventory.UpdateVariant",
		trace.WithAttributes(attribute.String("variant.id", variantID)))
	defer func() { telemetry.End(span, err) }()

	if patch.empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidPatch)
	}
	if patch.Price != nil && *patch.Price < 0 {
		return nil, fmt.Errorf("%w: negative price", ErrInvalidPatch)
	}
	if patch.StockTotal != nil && *patch.StockTotal < 0 {
		return nil, fmt.Errorf("%w: negative stock_total", ErrInvalidPatch)
	}

	a.releaseStale(ctx, variantID)

	var updated *ProductVariant
	err = storage.WithTx(ctx, a.repository, func(tx storage.Tx) error {
		v, err := NewLedger(a.repository).lock(ctx, tx, variantID)
		if err != nil {
			return err
		}
		if patch.StockTotal != nil {
			if *patch.StockTotal < v.StockReserved {
				return &AdjustmentError{Code: AdjustBelowReserved, StockReserved: v.StockReserved}
			}
			v.StockTotal = *patch.StockTotal
		}
		if patch.Price != nil {
			v.Price = *patch.Price
		}
		if patch.Active != nil {
			v.Active = *patch.Active
		}
		v.UpdatedAt = a.now()
		if err := a.repository.SaveVariant(ctx, tx, v); err != nil {
			return fmt.Errorf("failed to save variant: %w", err)
		}
		updated = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.WithTrace(ctx, a.logger).Info("variant_updated",
		zap.String("variant_id", updated.ID),
		zap.Int("stock_total", updated.StockTotal),
		zap.Int64("price", updated.Price),
		zap.Bool("active", updated.Active))
	return updated, nil
}

// AdjustStock records a manual movement and applies it to stock_total.
func (a *StockAdmin) AdjustStock(ctx context.Context, variantID string, in MovementInput) (_ *ProductVariant, _ *StockMovement, err error) {
	ctx, span := a.tracer.Start(ctx, "inventory.AdjustStock",
		trace.WithAttributes(
			attribute.String("variant.id", variantID),
			attribute.String("movement.type", string(in.Type)),
			attribute.Int("movement.qty", in.Quantity),
		))
	defer func() { telemetry.End(span, err) }()

	if err := in.validate(); err != nil {
		return nil, nil, err
	}

	a.releaseStale(ctx, variantID)

	var (
		variant  *ProductVariant
		movement *StockMovement
	)
	err = storage.WithTx(ctx, a.repository, func(tx storage.Tx) error {
		v, err := NewLedger(a.repository).lock(ctx, tx, variantID)
		if err != nil {
			return err
		}

		next := v.StockTotal
		if in.Type == MovementAdjustIn {
			next += in.Quantity
		} else {
			next -= in.Quantity
		}
		if next < 0 {
			return &AdjustmentError{Code: AdjustNegative, StockReserved: v.StockReserved}
		}
		if next < v.StockReserved {
			return &AdjustmentError{Code: AdjustBelowReserved, StockReserved: v.StockReserved}
		}

		now := a.now()
		v.StockTotal = next
		v.UpdatedAt = now
		if err := a.repository.SaveVariant(ctx, tx, v); err != nil {
			return fmt.Errorf("failed to save variant: %w", err)
		}

		m := &StockMovement{
			ID:           uuid.NewString(),
			VariantID:    v.ID,
			SKU:          v.SKU,
			MovementType: in.Type,
			Quantity:     in.Quantity,
			Price:        in.Price,
			Note:         in.Note,
			OccurredAt:   now,
		}
		if err := a.repository.InsertMovement(ctx, tx, m); err != nil {
			return fmt.Errorf("failed to record movement: %w", err)
		}

		variant, movement = v, m
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	logging.WithTrace(ctx, a.logger).Info("stock_moved",
		zap.String("variant_id", variant.ID),
		zap.String("movement_type", string(movement.MovementType)),
		zap.Int("qty", movement.Quantity),
		zap.Int("stock_total", variant.StockTotal))
	return variant, movement, nil
}

// SalesSummary reports units sold and revenue from offline sales between filter.From and
// filter.To.
func (a *StockAdmin) SalesSummary(ctx context.Context, filter MovementFilter) (_ SalesSummary, err error) {
	ctx, span := a.tracer.Start(ctx, "inventory.SalesSummary")
	defer func() { telemetry.End(span, err) }()

	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return SalesSummary{}, fmt.Errorf("%w: to is before from", ErrInvalidPeriod)
	}
	summary, err := a.repository.SalesSummary(ctx, filter)
	if err != nil {
		return SalesSummary{}, fmt.Errorf("failed to summarize sales: %w", err)
	}
	span.SetAttributes(
		attribute.Int("sales.units", summary.UnitsSold),
		attribute.Int64("sales.revenue", summary.Revenue),
	)
	return summary, nil
}

// releaseStale expires lapsed holds so availability reads and checks see them gone.
// It runs in its own transactions; a failure only leaves the holds for the sweeper.
func (a *StockAdmin) releaseStale(ctx context.Context, variantIDs ...string) {
	if a.expirer == nil {
		return
	}
	if _, err := a.expirer.ExpireStale(ctx, variantIDs...); err != nil {
		logging.WithTrace(ctx, a.logger).Warn("lazy_cleanup_failed", zap.Strings("variant_ids", variantIDs), zap.Error(err))
	}
}

// ListMovements returns the audit trail, newest first.
func (a *StockAdmin) ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error) {
	ctx, span := a.tracer.Start(ctx, "inventory.ListMovements")
	defer span.End()

	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = defaultMovementLimit
	}
	movements, err := a.repository.ListMovements(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	return movements, nil
}
