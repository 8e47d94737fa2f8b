package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/storage"
	"github.com/matheusmosca/variant-reservations/internal/telemetry"
)

const (
	DefaultReservationTTL = 15 * time.Minute
	defaultSweepBatch     = 500
)

// HoldRequest asks for qty units of one variant.
type HoldRequest struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"qty"`
}

// ReservationBatch is the result of one all-or-nothing reservation call.
type ReservationBatch struct {
	ExpiresAt    time.Time          `json:"expires_at"`
	Reservations []StockReservation `json:"reservations"`
}

// ReservationManager creates, expires and transitions stock reservations.
type ReservationManager struct {
	repository Repository
	ledger     *Ledger
	ttl        time.Duration
	batchSize  int
	now        func() time.Time
	tracer     trace.Tracer
	logger     *zap.Logger

	createdCounter  metric.Int64Counter
	conflictCounter metric.Int64Counter
	expiredCounter  metric.Int64Counter
}

type Option func(*ReservationManager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *ReservationManager) { m.now = now }
}

// WithTTL sets how long a new reservation holds stock.
func WithTTL(ttl time.Duration) Option {
	return func(m *ReservationManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSweepBatch bounds how many stale reservations one ExpireStale call handles.
func WithSweepBatch(n int) Option {
	return func(m *ReservationManager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// NewReservationManager builds the hold use cases with the default TTL and sweep batch;
// opts override them.
func NewReservationManager(
	repository Repository,
	tracer trace.Tracer,
	meter metric.Meter,
	logger *zap.Logger,
	opts ...Option,
) *ReservationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter = telemetry.MeterOrNoop(meter)

	m := &ReservationManager{
		repository: repository,
		ledger:     NewLedger(repository),
		ttl:        DefaultReservationTTL,
		batchSize:  defaultSweepBatch,
		now:        time.Now,
		tracer:     telemetry.TracerOrNoop(tracer),
		logger:     logger.With(zap.String("component", "reservations")),

		createdCounter:  telemetry.Counter(meter, "inventory.reservations.created", "Reservations created"),
		conflictCounter: telemetry.Counter(meter, "inventory.reservations.conflicts", "Holds rejected for lack of stock"),
		expiredCounter:  telemetry.Counter(meter, "inventory.reservations.expired", "Reservations expired and released"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ledger exposes the ledger bound to the same repository.
func (m *ReservationManager) Ledger() *Ledger {
	return m.ledger
}

// CreateReservation holds qty units of one variant.
func (m *ReservationManager) CreateReservation(ctx context.Context, variantID string, qty int) (*StockReservation, error) {
	batch, err := m.CreateReservations(ctx, []HoldRequest{{VariantID: variantID, Quantity: qty}})
	if err != nil {
		return nil, err
	}
	return &batch.Reservations[0], nil
}

// CreateReservations holds every requested line or none of them.
func (m *ReservationManager) CreateReservations(ctx context.Context, reqs []HoldRequest) (_ *ReservationBatch, err error) {
	ctx, span := m.tracer.Start(ctx, "inventory.CreateReservations",
		trace.WithAttributes(attribute.Int("reservation.lines", len(reqs))))
	defer func() { telemetry.End(span, err) }()

	logger := logging.WithTrace(ctx, m.logger)

	if len(reqs) == 0 {
		return nil, ErrNoItems
	}
	for _, r := range reqs {
		if r.VariantID == "" {
			return nil, ErrInvalidItem
		}
		if r.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
	}

	variantIDs := uniqueVariantIDs(reqs)
	if _, err := m.ExpireStale(ctx, variantIDs...); err != nil {
		logger.Warn("lazy_cleanup_failed", zap.Strings("variant_ids", variantIDs), zap.Error(err))
	}

	// Lock variants in ascending id order so concurrent batches cannot wait on each other in a cycle.
	order := make([]int, len(reqs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return reqs[order[a]].VariantID < reqs[order[b]].VariantID
	})

	now := m.now()
	out := make([]StockReservation, len(reqs))

	err = storage.WithTx(ctx, m.repository, func(tx storage.Tx) error {
		for _, i := range order {
			req := reqs[i]
			if _, err := m.ledger.TryHold(ctx, tx, req.VariantID, req.Quantity); err != nil {
				return err
			}
			res := NewStockReservation(uuid.NewString(), req.VariantID, req.Quantity, now, m.ttl)
			if err := m.repository.InsertReservation(ctx, tx, res); err != nil {
				return fmt.Errorf("failed to insert reservation: %w", err)
			}
			out[i] = *res
		}
		return nil
	})
	if err != nil {
		var stockErr *StockError
		if errors.As(err, &stockErr) {
			m.conflictCounter.Add(ctx, 1)
			logger.Info("reservation_rejected",
				zap.String("variant_id", stockErr.VariantID),
				zap.Int("requested", stockErr.Requested),
				zap.Int("available", stockErr.Available))
		}
		return nil, err
	}

	m.createdCounter.Add(ctx, int64(len(out)))
	for _, r := range out {
		logger.Info("reservation_created",
			zap.String("reservation_id", r.ID),
			zap.String("variant_id", r.VariantID),
			zap.Int("qty", r.Quantity),
			zap.Time("expires_at", r.ExpiresAt))
	}

	return &ReservationBatch{ExpiresAt: now.Add(m.ttl), Reservations: out}, nil
}

// ExpireStale releases every active reservation past its expiry, optionally only for the
// given variants. Each reservation is handled in its own transaction; running it again
// finds nothing left to do.
func (m *ReservationManager) ExpireStale(ctx context.Context, variantIDs ...string) (_ int, err error) {
	ctx, span := m.tracer.Start(ctx, "inventory.ExpireStale",
		trace.WithAttributes(attribute.StringSlice("variant_ids", variantIDs)))
	defer func() { telemetry.End(span, err) }()

	now := m.now()
	ids, err := m.repository.ListStaleReservationIDs(ctx, now, variantIDs, m.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale reservations: %w", err)
	}

	expired := 0
	var errs []error
	for _, id := range ids {
		done, err := m.expireOne(ctx, id, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		if done {
			expired++
		}
	}

	if expired > 0 {
		m.expiredCounter.Add(ctx, int64(expired))
		logging.WithTrace(ctx, m.logger).Info("reservations_expired", zap.Int("count", expired))
	}
	span.SetAttributes(attribute.Int("reservations.expired", expired))
	return expired, errors.Join(errs...)
}

// expireOne locks the reservation, then its variant. Another worker may have expired or
// consumed it since it was listed, so the state is checked again under the lock.
func (m *ReservationManager) expireOne(ctx context.Context, reservationID string, now time.Time) (bool, error) {
	done := false
	err := storage.WithTx(ctx, m.repository, func(tx storage.Tx) error {
		r, err := m.repository.GetReservationForUpdate(ctx, tx, reservationID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !r.IsStale(now) {
			return nil
		}
		if err := ReleaseReservation(ctx, tx, m.ledger, m.repository, r); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

// ReleaseReservation returns the hold of a locked active reservation and marks it expired.
func ReleaseReservation(ctx context.Context, tx storage.Tx, ledger *Ledger, store ReservationStore, r *StockReservation) error {
	if _, err := ledger.ReleaseHold(ctx, tx, r.VariantID, r.Quantity); err != nil {
		return err
	}
	if err := store.UpdateReservationStatus(ctx, tx, r.ID, ReservationExpired); err != nil {
		return fmt.Errorf("failed to expire reservation: %w", err)
	}
	r.Status = ReservationExpired
	return nil
}

func uniqueVariantIDs(reqs []HoldRequest) []string {
	seen := make(map[string]struct{}, len(reqs))
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if _, ok := seen[r.VariantID]; ok {
			continue
		}
		seen[r.VariantID] = struct{}{}
		out = append(out, r.VariantID)
	}
	sort.Strings(out)
	return out
}
