package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheusmosca/variant-reservations/internal/storage"
)

// Ledger mutates variant counters. Every call locks the variant row inside the caller's tx,
// so all stock mutations of one variant are serialized.
type Ledger struct {
	store VariantStore
}

// NewLedger returns a ledger that moves counters through store inside the caller's transaction.
func NewLedger(store VariantStore) *Ledger {
	return &Ledger{store: store}
}

// TryHold reserves qty units or fails with *StockError carrying the real availability.
func (l *Ledger) TryHold(ctx context.Context, tx storage.Tx, variantID string, qty int) (*ProductVariant, error) {
	v, err := l.lock(ctx, tx, variantID)
	if err != nil {
		return nil, err
	}
	if !v.Active {
		return nil, fmt.Errorf("%w: %s", ErrVariantInactive, variantID)
	}
	if err := v.Hold(qty); err != nil {
		return nil, err
	}
	if err := l.store.SaveVariant(ctx, tx, v); err != nil {
		return nil, fmt.Errorf("failed to save hold: %w", err)
	}
	return v, nil
}

// ReleaseHold gives qty units back, floored at zero reserved.
func (l *Ledger) ReleaseHold(ctx context.Context, tx storage.Tx, variantID string, qty int) (*ProductVariant, error) {
	v, err := l.lock(ctx, tx, variantID)
	if err != nil {
		return nil, err
	}
	v.Release(qty)
	if err := l.store.SaveVariant(ctx, tx, v); err != nil {
		return nil, fmt.Errorf("failed to save release: %w", err)
	}
	return v, nil
}

// Consume removes qty units from both total and reserved.
func (l *Ledger) Consume(ctx context.Context, tx storage.Tx, variantID string, qty int) (*ProductVariant, error) {
	v, err := l.lock(ctx, tx, variantID)
	if err != nil {
		return nil, err
	}
	if err := v.Consume(qty); err != nil {
		return nil, fmt.Errorf("consume %d of %s (total=%d reserved=%d): %w",
			qty, variantID, v.StockTotal, v.StockReserved, err)
	}
	if err := l.store.SaveVariant(ctx, tx, v); err != nil {
		return nil, fmt.Errorf("failed to save consumption: %w", err)
	}
	return v, nil
}

func (l *Ledger) lock(ctx context.Context, tx storage.Tx, variantID string) (*ProductVariant, error) {
	v, err := l.store.GetVariantForUpdate(ctx, tx, variantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock variant %s: %w", variantID, err)
	}
	return v, nil
}
