package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/storage"
)

//go:embed schema.sql
var Schema string

type Config struct {
	URL              string
	MaxConns         int32
	MinConns         int32
	LockTimeout      time.Duration
	StatementTimeout time.Duration
	ConnectAttempts  int
}

// Store implements every repository interface on one pgx pool.
type Store struct {
	pool             *pgxpool.Pool
	lockTimeout      string
	statementTimeout string
}

// New opens the pool and waits for the database to answer.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 30
	}
	for i := 0; i < attempts; i++ {
		if err = pool.Ping(ctx); err == nil {
			logger.Info("database_connected", zap.Int32("max_conns", poolCfg.MaxConns))
			return NewFromPool(pool, cfg.LockTimeout, cfg.StatementTimeout), nil
		}
		logger.Info("database_waiting", zap.Int("attempt", i+1), zap.Int("of", attempts), zap.Error(err))
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempts, err)
}

func NewFromPool(pool *pgxpool.Pool, lockTimeout, statementTimeout time.Duration) *Store {
	return &Store{
		pool:             pool,
		lockTimeout:      millis(lockTimeout),
		statementTimeout: millis(statementTimeout),
	}
}

func millis(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapErr(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// BeginTx starts a transaction whose lock waits and statements are bounded, so a stalled
// caller cannot keep a row locked indefinitely.
func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`SELECT set_config('lock_timeout', $1, true), set_config('statement_timeout', $2, true)`,
		s.lockTimeout, s.statementTimeout,
	); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to set transaction timeouts: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func txOf(tx storage.Tx) (pgx.Tx, error) {
	t, ok := tx.(*pgTx)
	if !ok {
		return nil, fmt.Errorf("postgres: foreign transaction %T", tx)
	}
	return t.tx, nil
}

const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
	codeLockNotAvail    = "55P03"
	codeQueryCanceled   = "57014"
	codeDeadlock        = "40P01"
)

// ConstraintError reports a write rejected by a CHECK constraint.
type ConstraintError struct {
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint %s violated: %v", e.Constraint, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", storage.ErrConflict, pgErr.ConstraintName)
		case codeCheckViolation:
			return &ConstraintError{Constraint: pgErr.ConstraintName, Err: err}
		case codeLockNotAvail, codeQueryCanceled, codeDeadlock:
			return fmt.Errorf("%w: %s", storage.ErrTimeout, pgErr.Message)
		}
	}
	return err
}
