package payments

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultFinalizeTimeout = 30 * time.Second
	DefaultMaxInFlight     = 64
)

// Finalizer is the part of the reconciler the dispatcher drives.
type Finalizer interface {
	Finalize(ctx context.Context, n Notification) (Result, error)
}

// Dispatcher finalizes notifications in the background so the webhook can answer the
// gateway at once. At most maxInFlight finalizations run together.
type Dispatcher struct {
	finalizer Finalizer
	timeout   time.Duration
	slots     chan struct{}
	logger    *zap.Logger
	wg        sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

// WithMaxInFlight caps concurrent finalizations. Non-positive values keep the default.
func WithMaxInFlight(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.slots = make(chan struct{}, n)
		}
	}
}

func NewDispatcher(finalizer Finalizer, timeout time.Duration, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultFinalizeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		finalizer: finalizer,
		timeout:   timeout,
		slots:     make(chan struct{}, DefaultMaxInFlight),
		logger:    logger.With(zap.String("component", "dispatcher")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit starts finalizing n and reports whether it was accepted. When every slot is busy
// it waits for one while ctx lives, up to the dispatcher timeout. The work itself outlives
// the request: it keeps the trace but not the request's cancellation.
func (d *Dispatcher) Submit(ctx context.Context, n Notification) bool {
	if !d.acquire(ctx) {
		d.logger.Error("finalize_dropped",
			zap.String("reference", n.Reference),
			zap.String("provider", n.Provider),
			zap.Int("in_flight", cap(d.slots)))
		return false
	}
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		res, err := d.finalizer.Finalize(ctx, n)
		if err != nil {
			d.logger.Error("finalize_failed",
				zap.String("reference", n.Reference),
				zap.String("provider", n.Provider),
				zap.Error(err))
			return
		}
		d.logger.Debug("finalize_done", zap.String("reference", n.Reference), zap.String("result", string(res)))
	}()
	return true
}

func (d *Dispatcher) acquire(ctx context.Context) bool {
	select {
	case d.slots <- struct{}{}:
		return true
	default:
	}
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case d.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Wait blocks until every submitted notification is done or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
