package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/storage"
)

const orderColumns = `id, reservation_id, status, buyer_name, buyer_email, buyer_phone, delivery_method,
	COALESCE(delivery_address, ''), COALESCE(notes, ''), items, total, currency,
	COALESCE(reference, ''), COALESCE(payment_reference, ''), COALESCE(review_reason, ''),
	paid_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*orders.Order, error) {
	var (
		o     orders.Order
		items []byte
	)
	err := row.Scan(
		&o.ID, &o.ReservationID, &o.Status, &o.Buyer.Name, &o.Buyer.Email, &o.Buyer.Phone, &o.DeliveryMethod,
		&o.DeliveryAddress, &o.Notes, &items, &o.Total, &o.Currency,
		&o.Reference, &o.PaymentReference, &o.ReviewReason,
		&o.PaidAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("failed to decode items of order %s: %w", o.ID, err)
	}
	return &o, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
}

func (s *Store) FindOrderIDByReference(ctx context.Context, reference string) (string, error) {
	var id string
	if err := s.pool.QueryRow(ctx, `SELECT id FROM orders WHERE reference = $1`, reference).Scan(&id); err != nil {
		return "", mapErr(err)
	}
	return id, nil
}

func (s *Store) GetOrderForUpdate(ctx context.Context, tx storage.Tx, orderID string) (*orders.Order, error) {
	pgTx, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	return scanOrder(pgTx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
}

func (s *Store) SaveOrderPayment(ctx context.Context, tx storage.Tx, o *orders.Order) error {
	pgTx, err := txOf(tx)
	if err != nil {
		return err
	}
	tag, err := pgTx.Exec(ctx, `
		UPDATE orders
		SET status = $2,
			payment_reference = COALESCE(payment_reference, NULLIF($3, '')),
			review_reason = NULLIF($4, ''),
			paid_at = $5,
			updated_at = $6
		WHERE id = $1`,
		o.ID, o.Status, o.PaymentReference, o.ReviewReason, o.PaidAt, o.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpsertPendingOrder relies on the unique reservation_id constraint. The WHERE on the
// conflict branch keeps a paid or failed order untouched; RETURNING then yields no row.
func (s *Store) UpsertPendingOrder(ctx context.Context, o *orders.Order) (*orders.Order, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode items: %w", err)
	}

	saved, err := scanOrder(s.pool.QueryRow(ctx, `
		INSERT INTO orders
			(id, reservation_id, status, buyer_name, buyer_email, buyer_phone, delivery_method,
			 delivery_address, notes, items, total, currency, created_at, updated_at)
		VALUES ($1, $2, 'pending_payment', $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12, $12)
		ON CONFLICT (reservation_id) DO UPDATE SET
			buyer_name = EXCLUDED.buyer_name,
			buyer_email = EXCLUDED.buyer_email,
			buyer_phone = EXCLUDED.buyer_phone,
			delivery_method = EXCLUDED.delivery_method,
			delivery_address = EXCLUDED.delivery_address,
			notes = EXCLUDED.notes,
			items = EXCLUDED.items,
			total = EXCLUDED.total,
			currency = EXCLUDED.currency,
			updated_at = EXCLUDED.updated_at
		WHERE orders.status = 'pending_payment'
		RETURNING `+orderColumns,
		o.ID, o.ReservationID, o.Buyer.Name, o.Buyer.Email, o.Buyer.Phone, o.DeliveryMethod,
		o.DeliveryAddress, o.Notes, items, o.Total, o.Currency, o.CreatedAt,
	))
	if !errors.Is(err, storage.ErrNotFound) {
		return saved, err
	}

	existing, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE reservation_id = $1`, o.ReservationID))
	if err != nil {
		return nil, err
	}
	return existing, storage.ErrConflict
}

func (s *Store) AssignReference(ctx context.Context, orderID, reference string) (string, error) {
	var stored string
	err := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET reference = COALESCE(reference, $2)
		WHERE id = $1
		RETURNING reference`,
		orderID, reference,
	).Scan(&stored)
	if err != nil {
		return "", mapErr(err)
	}
	return stored, nil
}

func (s *Store) SetPaymentReference(ctx context.Context, orderID, paymentRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET payment_reference = COALESCE(payment_reference, NULLIF($2, ''))
		WHERE id = $1`,
		orderID, paymentRef,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
