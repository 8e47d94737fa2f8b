package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/storage"
)

const variantColumns = `id, sku, color, size, engraving_code, engraving_name,
	stock_total, stock_reserved, price, active, created_at, updated_at`

func scanVariant(row pgx.Row) (*inventory.ProductVariant, error) {
	var v inventory.ProductVariant
	err := row.Scan(
		&v.ID, &v.SKU, &v.Color, &v.Size, &v.EngravingCode, &v.EngravingName,
		&v.StockTotal, &v.StockReserved, &v.Price, &v.Active, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	return &v, nil
}

// GetVariantForUpdate takes the exclusive row lock every stock mutation is serialized on.
func (s *Store) GetVariantForUpdate(ctx context.Context, tx storage.Tx, variantID string) (*inventory.ProductVariant, error) {
	pgTx, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	row := pgTx.QueryRow(ctx, `SELECT `+variantColumns+` FROM product_variants WHERE id = $1 FOR UPDATE`, variantID)
	return scanVariant(row)
}

func (s *Store) SaveVariant(ctx context.Context, tx storage.Tx, v *inventory.ProductVariant) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	tag, err := pgTx.Exec(ctx, `
		UPDATE product_variants
		SET stock_total = $2,
			stock_reserved = $3,
			price = $4,
			active = $5,
			updated_at = NOW()
		WHERE id = $1`,
		v.ID, v.StockTotal, v.StockReserved, v.Price, v.Active,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetVariant(ctx context.Context, variantID string) (*inventory.ProductVariant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+variantColumns+` FROM product_variants WHERE id = $1`, variantID)
	return scanVariant(row)
}

func (s *Store) ListVariants(ctx context.Context, activeOnly bool) ([]inventory.ProductVariant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+variantColumns+`
		FROM product_variants
		WHERE active OR NOT $1
		ORDER BY sku, id`, activeOnly)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []inventory.ProductVariant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, mapErr(rows.Err())
}

// UpsertVariantSQL writes catalogue data. Counters are only set on insert; an existing
// variant keeps its stock so reseeding never loses holds. Arguments come from UpsertVariantArgs.
const UpsertVariantSQL = `
	INSERT INTO product_variants
		(id, sku, color, size, engraving_code, engraving_name, stock_total, stock_reserved, price, active)
	VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
	ON CONFLICT (id) DO UPDATE SET
		sku = EXCLUDED.sku,
		color = EXCLUDED.color,
		size = EXCLUDED.size,
		engraving_code = EXCLUDED.engraving_code,
		engraving_name = EXCLUDED.engraving_name,
		price = EXCLUDED.price,
		active = EXCLUDED.active,
		updated_at = NOW()`

func UpsertVariantArgs(v inventory.ProductVariant) []any {
	return []any{v.ID, v.SKU, v.Color, v.Size, v.EngravingCode, v.EngravingName, v.StockTotal, v.Price, v.Active}
}

func (s *Store) UpsertVariant(ctx context.Context, v inventory.ProductVariant) error {
	_, err := s.pool.Exec(ctx, UpsertVariantSQL, UpsertVariantArgs(v)...)
	return mapErr(err)
}

const reservationColumns = `id, variant_id, quantity, status, expires_at, created_at`

func scanReservation(row pgx.Row) (*inventory.StockReservation, error) {
	var r inventory.StockReservation
	if err := row.Scan(&r.ID, &r.VariantID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *Store) InsertReservation(ctx context.Context, tx storage.Tx, r *inventory.StockReservation) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	_, err = pgTx.Exec(ctx, `
		INSERT INTO stock_reservations (id, variant_id, quantity, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.VariantID, r.Quantity, r.Status, r.ExpiresAt, r.CreatedAt,
	)
	return mapErr(err)
}

func (s *Store) GetReservationForUpdate(ctx context.Context, tx storage.Tx, reservationID string) (*inventory.StockReservation, error) {
	pgTx, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	row := pgTx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE id = $1 FOR UPDATE`, reservationID)
	return scanReservation(row)
}

func (s *Store) UpdateReservationStatus(ctx context.Context, tx storage.Tx, reservationID string, status inventory.ReservationStatus) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	tag, err := pgTx.Exec(ctx, `UPDATE stock_reservations SET status = $2 WHERE id = $1`, reservationID, status)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetReservation(ctx context.Context, reservationID string) (*inventory.StockReservation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE id = $1`, reservationID)
	return scanReservation(row)
}

// ListStaleReservationIDs compares against the caller's clock, not NOW(), so the
// application decides what "expired" means.
func (s *Store) ListStaleReservationIDs(ctx context.Context, now time.Time, variantIDs []string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	var filter []string
	if len(variantIDs) > 0 {
		filter = variantIDs
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM stock_reservations
		WHERE status = 'active'
			AND expires_at <= $1
			AND ($2::text[] IS NULL OR variant_id = ANY($2))
		ORDER BY expires_at
		LIMIT $3`,
		now, filter, limit,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect stale reservations: %w", mapErr(err))
	}
	return ids, nil
}

func (s *Store) InsertMovement(ctx context.Context, tx storage.Tx, m *inventory.StockMovement) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	_, err = pgTx.Exec(ctx, `
		INSERT INTO stock_movements (id, variant_id, sku, movement_type, qty, price, note, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		m.ID, m.VariantID, m.SKU, m.MovementType, m.Quantity, m.Price, m.Note, m.OccurredAt,
	)
	return mapErr(err)
}

func (s *Store) SalesSummary(ctx context.Context, filter inventory.MovementFilter) (inventory.SalesSummary, error) {
	var from, to *time.Time
	if !filter.From.IsZero() {
		from = &filter.From
	}
	if !filter.To.IsZero() {
		to = &filter.To
	}

	var out inventory.SalesSummary
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(qty), 0)::int, COALESCE(SUM(qty::bigint * COALESCE(price, 0)), 0)::bigint
		FROM stock_movements
		WHERE movement_type = 'sale_offline'
			AND ($1::timestamptz IS NULL OR occurred_at >= $1)
			AND ($2::timestamptz IS NULL OR occurred_at <= $2)`,
		from, to,
	).Scan(&out.UnitsSold, &out.Revenue)
	if err != nil {
		return inventory.SalesSummary{}, mapErr(err)
	}
	return out, nil
}

func (s *Store) ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.StockMovement, error) {
	var from, to *time.Time
	if !filter.From.IsZero() {
		from = &filter.From
	}
	if !filter.To.IsZero() {
		to = &filter.To
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, variant_id, sku, movement_type, qty, price, COALESCE(note, ''), occurred_at
		FROM stock_movements
		WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
			AND ($2::timestamptz IS NULL OR occurred_at <= $2)
		ORDER BY occurred_at DESC
		LIMIT $3`,
		from, to, limit,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []inventory.StockMovement
	for rows.Next() {
		var m inventory.StockMovement
		if err := rows.Scan(&m.ID, &m.VariantID, &m.SKU, &m.MovementType, &m.Quantity, &m.Price, &m.Note, &m.OccurredAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}
