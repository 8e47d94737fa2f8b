package postgres

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/storage"
)

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(pgx.ErrNoRows), storage.ErrNotFound)
	assert.ErrorIs(t, mapErr(&pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "orders_reference_unique"}), storage.ErrConflict)
	assert.ErrorIs(t, mapErr(&pgconn.PgError{Code: codeLockNotAvail}), storage.ErrTimeout)
	assert.ErrorIs(t, mapErr(&pgconn.PgError{Code: codeDeadlock}), storage.ErrTimeout)

	var constraintErr *ConstraintError
	err := mapErr(&pgconn.PgError{Code: codeCheckViolation, ConstraintName: "variants_reserved_le_total"})
	assert.True(t, errors.As(err, &constraintErr))
	assert.Equal(t, "variants_reserved_le_total", constraintErr.Constraint)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapErr(other))
}

func TestMillis(t *testing.T) {
	assert.Equal(t, "0", millis(0))
	assert.Equal(t, "1500ms", millis(1500*time.Millisecond))
	assert.Equal(t, "5000ms", millis(5*time.Second))
}

func TestTxOf_ForeignTransaction(t *testing.T) {
	_, err := txOf(nil)
	assert.Error(t, err)
}

func TestUpsertVariantArgs(t *testing.T) {
	args := UpsertVariantArgs(inventory.ProductVariant{
		ID: "v1", SKU: "TEE", Color: "black", Size: "M", StockTotal: 5, StockReserved: 3, Price: 12990, Active: true,
	})

	assert.Equal(t, []any{"v1", "TEE", "black", "M", "", "", 5, int64(12990), true}, args)
	assert.Equal(t, len(args), strings.Count(UpsertVariantSQL, "$"))
}
