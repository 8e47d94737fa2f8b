package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultSweepInterval = time.Minute

// Expirer is what the sweeper drives.
type Expirer interface {
	ExpireStale(ctx context.Context, variantIDs ...string) (int, error)
}

// Sweeper periodically expires stale reservations. Several processes may sweep the
// same database; each reservation is expired at most once.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper runs expirer.ExpireStale every interval once started.
func NewSweeper(expirer Expirer, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{expirer: expirer, interval: interval, logger: logger.With(zap.String("component", "sweeper"))}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper_started", zap.Duration("interval", s.interval))
	defer s.logger.Info("sweeper_stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.expirer.ExpireStale(ctx)
	if err != nil {
		s.logger.Error("sweep_failed", zap.Int("expired", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("sweep_done", zap.Int("expired", n))
	}
}
