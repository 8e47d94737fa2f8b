// Package memory is an in-process store with the same locking contract as the Postgres
// store: a row locked through a Tx stays locked until Commit or Rollback. It is only
// correct for a single process.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/storage"
)

var errTxDone = errors.New("transaction already finished")

type Store struct {
	mu sync.Mutex

	variants           map[string]inventory.ProductVariant
	reservations       map[string]inventory.StockReservation
	orders             map[string]orders.Order
	orderByReservation map[string]string
	orderByReference   map[string]string
	movements          []inventory.StockMovement

	locks map[string]chan struct{}
}

func NewStore() *Store {
	return &Store{
		variants:           make(map[string]inventory.ProductVariant),
		reservations:       make(map[string]inventory.StockReservation),
		orders:             make(map[string]orders.Order),
		orderByReservation: make(map[string]string),
		orderByReference:   make(map[string]string),
		locks:              make(map[string]chan struct{}),
	}
}

// PutVariant inserts or replaces a variant outside any transaction. Used for seeding.
func (s *Store) PutVariant(v inventory.ProductVariant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[v.ID] = v
}

// Reservations returns every reservation of a variant, in creation order.
func (s *Store) Reservations(variantID string) []inventory.StockReservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.StockReservation
	for _, r := range s.reservations {
		if r.VariantID == variantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Close() {}

type tx struct {
	store *Store
	held  map[string]chan struct{}
	done  bool

	variants     map[string]inventory.ProductVariant
	reservations map[string]inventory.StockReservation
	orders       map[string]orders.Order
	movements    []inventory.StockMovement
}

func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.newTx(), nil
}

func (s *Store) newTx() *tx {
	return &tx{
		store:        s,
		held:         make(map[string]chan struct{}),
		variants:     make(map[string]inventory.ProductVariant),
		reservations: make(map[string]inventory.StockReservation),
		orders:       make(map[string]orders.Order),
	}
}

// lock blocks until the row key is free or ctx ends. Locks are reentrant within one tx.
func (t *tx) lock(ctx context.Context, key string) error {
	if t.done {
		return errTxDone
	}
	if _, ok := t.held[key]; ok {
		return nil
	}

	t.store.mu.Lock()
	ch, ok := t.store.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.store.locks[key] = ch
	}
	t.store.mu.Unlock()

	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (t *tx) release() {
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
	t.done = true
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	s := t.store
	s.mu.Lock()
	for id, v := range t.variants {
		s.variants[id] = v
	}
	for id, r := range t.reservations {
		s.reservations[id] = r
	}
	for _, o := range t.orders {
		s.putOrderLocked(o)
	}
	s.movements = append(s.movements, t.movements...)
	s.mu.Unlock()

	t.release()
	return nil
}

// Rollback discards staged writes. After Commit it does nothing.
func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.release()
	return nil
}

func asTx(stx storage.Tx) (*tx, error) {
	t, ok := stx.(*tx)
	if !ok {
		return nil, fmt.Errorf("memory: foreign transaction %T", stx)
	}
	if t.done {
		return nil, errTxDone
	}
	return t, nil
}

func variantKey(id string) string     { return "variant:" + id }
func reservationKey(id string) string { return "reservation:" + id }
func orderKey(id string) string       { return "order:" + id }
func upsertKey(resID string) string   { return "order-res:" + resID }

func (s *Store) putOrderLocked(o orders.Order) {
	s.orders[o.ID] = o
	s.orderByReservation[o.ReservationID] = o.ID
	if o.Reference != "" {
		s.orderByReference[o.Reference] = o.ID
	}
}

func cloneOrder(o orders.Order) *orders.Order {
	o.Items = append([]orders.Item(nil), o.Items...)
	if o.PaidAt != nil {
		paid := *o.PaidAt
		o.PaidAt = &paid
	}
	return &o
}

// Variants

func (s *Store) GetVariantForUpdate(ctx context.Context, stx storage.Tx, variantID string) (*inventory.ProductVariant, error) {
	t, err := asTx(stx)
	if err != nil {
		return nil, err
	}
	if err := t.lock(ctx, variantKey(variantID)); err != nil {
		return nil, err
	}
	if v, ok := t.variants[variantID]; ok {
		return &v, nil
	}
	s.mu.Lock()
	v, ok := s.variants[variantID]
	s.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &v, nil
}

func (s *Store) SaveVariant(ctx context.Context, stx storage.Tx, v *inventory.ProductVariant) error {
	t, err := asTx(stx)
	if err != nil {
		return err
	}
	if _, ok := t.held[variantKey(v.ID)]; !ok {
		return fmt.Errorf("memory: variant %s saved without lock", v.ID)
	}
	if v.StockReserved < 0 || v.StockTotal < 0 || v.StockReserved > v.StockTotal {
		return fmt.Errorf("memory: variant %s violates stock constraints (total=%d reserved=%d)", v.ID, v.StockTotal, v.StockReserved)
	}
	t.variants[v.ID] = *v
	return nil
}

func (s *Store) GetVariant(ctx context.Context, variantID string) (*inventory.ProductVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[variantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &v, nil
}

func (s *Store) ListVariants(ctx context.Context, activeOnly bool) ([]inventory.ProductVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.ProductVariant, 0, len(s.variants))
	for _, v := range s.variants {
		if activeOnly && !v.Active {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SKU != out[j].SKU {
			return out[i].SKU < out[j].SKU
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Reservations

func (s *Store) InsertReservation(ctx context.Context, stx storage.Tx, r *inventory.StockReservation) error {
	t, err := asTx(stx)
	if err != nil {
		return err
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("memory: reservation %s quantity must be positive", r.ID)
	}
	s.mu.Lock()
	_, exists := s.reservations[r.ID]
	s.mu.Unlock()
	if _, staged := t.reservations[r.ID]; exists || staged {
		return storage.ErrConflict
	}
	if err := t.lock(ctx, reservationKey(r.ID)); err != nil {
		return err
	}
	t.reservations[r.ID] = *r
	return nil
}

func (s *Store) GetReservationForUpdate(ctx context.Context, stx storage.Tx, reservationID string) (*inventory.StockReservation, error) {
	t, err := asTx(stx)
	if err != nil {
		return nil, err
	}
	if err := t.lock(ctx, reservationKey(reservationID)); err != nil {
		return nil, err
	}
	if r, ok := t.reservations[reservationID]; ok {
		return &r, nil
	}
	s.mu.Lock()
	r, ok := s.reservations[reservationID]
	s.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &r, nil
}

func (s *Store) UpdateReservationStatus(ctx context.Context, stx storage.Tx, reservationID string, status inventory.ReservationStatus) error {
	r, err := s.GetReservationForUpdate(ctx, stx, reservationID)
	if err != nil {
		return err
	}
	t := stx.(*tx)
	r.Status = status
	t.reservations[reservationID] = *r
	return nil
}

func (s *Store) GetReservation(ctx context.Context, reservationID string) (*inventory.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListStaleReservationIDs(ctx context.Context, now time.Time, variantIDs []string, limit int) ([]string, error) {
	filter := make(map[string]struct{}, len(variantIDs))
	for _, id := range variantIDs {
		filter[id] = struct{}{}
	}

	s.mu.Lock()
	var stale []inventory.StockReservation
	for _, r := range s.reservations {
		if !r.IsStale(now) {
			continue
		}
		if _, ok := filter[r.VariantID]; len(filter) > 0 && !ok {
			continue
		}
		stale = append(stale, r)
	}
	s.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].ExpiresAt.Before(stale[j].ExpiresAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, len(stale))
	for i, r := range stale {
		ids[i] = r.ID
	}
	return ids, nil
}

// Movements

func (s *Store) InsertMovement(ctx context.Context, stx storage.Tx, m *inventory.StockMovement) error {
	t, err := asTx(stx)
	if err != nil {
		return err
	}
	t.movements = append(t.movements, *m)
	return nil
}

func (s *Store) ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.StockMovement, error) {
	s.mu.Lock()
	var out []inventory.StockMovement
	for _, m := range s.movements {
		if !filter.From.IsZero() && m.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && m.OccurredAt.After(filter.To) {
			continue
		}
		out = append(out, m)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) SalesSummary(ctx context.Context, filter inventory.MovementFilter) (inventory.SalesSummary, error) {
	filter.Limit = 0
	movements, err := s.ListMovements(ctx, filter)
	if err != nil {
		return inventory.SalesSummary{}, err
	}
	return inventory.SummarizeSales(movements), nil
}

// Orders

func (s *Store) GetOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) FindOrderIDByReference(ctx context.Context, reference string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.orderByReference[reference]
	if !ok {
		return "", storage.ErrNotFound
	}
	return id, nil
}

func (s *Store) GetOrderForUpdate(ctx context.Context, stx storage.Tx, orderID string) (*orders.Order, error) {
	t, err := asTx(stx)
	if err != nil {
		return nil, err
	}
	if err := t.lock(ctx, orderKey(orderID)); err != nil {
		return nil, err
	}
	if o, ok := t.orders[orderID]; ok {
		return cloneOrder(o), nil
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) SaveOrderPayment(ctx context.Context, stx storage.Tx, o *orders.Order) error {
	t, err := asTx(stx)
	if err != nil {
		return err
	}
	if _, ok := t.held[orderKey(o.ID)]; !ok {
		return fmt.Errorf("memory: order %s saved without lock", o.ID)
	}
	t.orders[o.ID] = *cloneOrder(*o)
	return nil
}

// UpsertPendingOrder serializes writers of the same reservation, then locks the order row
// so it cannot interleave with a reconciler holding that row.
func (s *Store) UpsertPendingOrder(ctx context.Context, o *orders.Order) (*orders.Order, error) {
	t := s.newTx()
	defer t.Rollback(ctx) //nolint:errcheck

	if err := t.lock(ctx, upsertKey(o.ReservationID)); err != nil {
		return nil, err
	}

	s.mu.Lock()
	existingID, exists := s.orderByReservation[o.ReservationID]
	s.mu.Unlock()

	if !exists {
		if err := t.lock(ctx, orderKey(o.ID)); err != nil {
			return nil, err
		}
		t.orders[o.ID] = *cloneOrder(*o)
		if err := t.Commit(ctx); err != nil {
			return nil, err
		}
		return cloneOrder(*o), nil
	}

	if err := t.lock(ctx, orderKey(existingID)); err != nil {
		return nil, err
	}
	current, err := s.GetOrder(ctx, existingID)
	if err != nil {
		return nil, err
	}
	if current.Status != orders.StatusPendingPayment {
		return current, storage.ErrConflict
	}

	current.Buyer = o.Buyer
	current.DeliveryMethod = o.DeliveryMethod
	current.DeliveryAddress = o.DeliveryAddress
	current.Notes = o.Notes
	current.Items = append([]orders.Item(nil), o.Items...)
	current.Total = o.Total
	current.Currency = o.Currency
	current.UpdatedAt = o.UpdatedAt
	t.orders[current.ID] = *cloneOrder(*current)
	if err := t.Commit(ctx); err != nil {
		return nil, err
	}
	return current, nil
}

func (s *Store) AssignReference(ctx context.Context, orderID, reference string) (string, error) {
	t := s.newTx()
	defer t.Rollback(ctx) //nolint:errcheck

	if err := t.lock(ctx, orderKey(orderID)); err != nil {
		return "", err
	}
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.Reference != "" {
		return o.Reference, nil
	}
	if err := t.lock(ctx, "reference:"+reference); err != nil {
		return "", err
	}

	s.mu.Lock()
	_, taken := s.orderByReference[reference]
	s.mu.Unlock()
	if taken {
		return "", storage.ErrConflict
	}

	o.Reference = reference
	t.orders[o.ID] = *o
	return reference, t.Commit(ctx)
}

func (s *Store) SetPaymentReference(ctx context.Context, orderID, paymentRef string) error {
	t := s.newTx()
	defer t.Rollback(ctx) //nolint:errcheck

	if err := t.lock(ctx, orderKey(orderID)); err != nil {
		return err
	}
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentReference != "" {
		return nil
	}
	o.PaymentReference = paymentRef
	t.orders[o.ID] = *o
	return t.Commit(ctx)
}
