package payments_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/payments"
	"github.com/matheusmosca/variant-reservations/internal/storage"
)

const getnetSecret = "webhook-secret"

func newPaymentsRouter(s *shop) (*gin.Engine, *payments.Dispatcher) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	registry := payments.NewRegistry(payments.StubProviderName, s.stub,
		payments.NewGetnetProvider(payments.GetnetConfig{SecretKey: getnetSecret}, s.stub))
	dispatcher := payments.NewDispatcher(s.reconciler, time.Second, zap.NewNop())
	payments.RegisterRoutes(r, s.checkout, registry, dispatcher, zap.NewNop())
	return r, dispatcher
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func drain(t *testing.T, d *payments.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestHandleCreateIntent(t *testing.T) {
	s := newShop(5)
	router, _ := newPaymentsRouter(s)

	res, err := s.manager.CreateReservation(context.Background(), "v1", 1)
	require.NoError(t, err)
	o, err := s.assembler.CreateOrUpdateOrder(context.Background(), orders.CreateOrderInput{
		ReservationID:  res.ID,
		Buyer:          orders.Buyer{Name: "Ana", Email: "ana@example.com", Phone: "1"},
		DeliveryMethod: "pickup",
	})
	require.NoError(t, err)

	w := postJSON(router, "/pay/create", fmt.Sprintf(`{"order_id":%q}`, o.ID))

	require.Equal(t, http.StatusOK, w.Code)
	var out payments.IntentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, payments.StubProviderName, out.Provider)
	assert.Regexp(t, `^ORD-[0-9A-F]{12}$`, out.Reference)
	assert.NotEmpty(t, out.RedirectURL)
}

func TestHandleCreateIntent_Errors(t *testing.T) {
	s := newShop(5)
	router, _ := newPaymentsRouter(s)

	w := postJSON(router, "/pay/create", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(router, "/pay/create", `{"order_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"order_not_found"}`, w.Body.String())

	o := s.mustPlaceOrder(t, 1)
	_, err := s.reconciler.Finalize(context.Background(), notification(o.Reference, payments.OutcomeFailure))
	require.NoError(t, err)

	w = postJSON(router, "/pay/create", fmt.Sprintf(`{"order_id":%q}`, o.OrderID))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"error":"order_not_pending","order_id":%q,"status":"failed"}`, o.OrderID), w.Body.String())

	late := s.mustPlaceOrder(t, 1)
	s.advance(reservationTTL)
	w = postJSON(router, "/pay/create", fmt.Sprintf(`{"order_id":%q}`, late.OrderID))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"reservation_expired_or_not_active"}`, w.Body.String())

	_, err = s.reconciler.Finalize(context.Background(), notification(late.Reference, payments.OutcomeSuccess))
	require.NoError(t, err)
	w = postJSON(router, "/pay/create", fmt.Sprintf(`{"order_id":%q}`, late.OrderID))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"order_under_review"}`, w.Body.String())
}

func TestHandleWebhook_FinalizesInBackground(t *testing.T) {
	s := newShop(5)
	router, dispatcher := newPaymentsRouter(s)
	o := s.mustPlaceOrder(t, 2)

	body := fmt.Sprintf(`{"reference":%q,"status":"approved","payment_ref":"p-1"}`, o.Reference)
	w := postJSON(router, "/webhooks/stub", body)
	w2 := postJSON(router, "/webhooks/stub", body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	assert.Equal(t, http.StatusOK, w2.Code)
	drain(t, dispatcher)

	assert.Equal(t, orders.StatusPaid, s.order(t, o.OrderID).Status)
	assert.Equal(t, 3, s.variant(t).StockTotal)
	s.notifier.AssertNumberOfCalls(t, "OrderPaid", 1)
}

func TestHandleWebhook_GetnetPayload(t *testing.T) {
	s := newShop(5)
	router, dispatcher := newPaymentsRouter(s)
	o := s.mustPlaceOrder(t, 1)

	signature := payments.NotificationSignature("42", "REJECTED", "2025-03-01T12:01:00-03:00", getnetSecret, false)
	body := fmt.Sprintf(`{"reference":%q,"requestId":42,"status":{"status":"REJECTED","date":"2025-03-01T12:01:00-03:00"},"signature":%q}`,
		o.Reference, signature)
	w := postJSON(router, "/webhooks/getnet", body)

	assert.Equal(t, http.StatusOK, w.Code)
	drain(t, dispatcher)
	assert.Equal(t, orders.StatusFailed, s.order(t, o.OrderID).Status)
	assert.Equal(t, 0, s.variant(t).StockReserved)
}

func TestHandleWebhook_ForgedGetnetPayloadChangesNothing(t *testing.T) {
	s := newShop(5)
	router, dispatcher := newPaymentsRouter(s)
	o := s.mustPlaceOrder(t, 1)

	for _, body := range []string{
		fmt.Sprintf(`{"reference":%q,"requestId":42,"status":{"status":"APPROVED"}}`, o.Reference),
		fmt.Sprintf(`{"reference":%q,"requestId":42,"status":{"status":"APPROVED"},"signature":%q}`,
			o.Reference, payments.NotificationSignature("42", "APPROVED", "", "guessed", false)),
	} {
		w := postJSON(router, "/webhooks/getnet", body)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	drain(t, dispatcher)

	assert.Equal(t, orders.StatusPendingPayment, s.order(t, o.OrderID).Status)
	assert.Equal(t, 5, s.variant(t).StockTotal)
	assert.Equal(t, 1, s.variant(t).StockReserved)
	s.notifier.AssertNotCalled(t, "OrderPaid", mock.Anything)
}

func TestHandleWebhook_AlwaysAcknowledges(t *testing.T) {
	s := newShop(5)
	router, dispatcher := newPaymentsRouter(s)

	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown provider", path: "/webhooks/paypal", body: `{"reference":"ORD-1","status":"approved"}`},
		{name: "garbage", path: "/webhooks/stub", body: `<xml/>`},
		{name: "no reference", path: "/webhooks/stub", body: `{"status":"approved"}`},
		{name: "unknown order", path: "/webhooks/stub", body: `{"reference":"ORD-NOPE","status":"approved"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(router, tt.path, tt.body)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"ok":true}`, w.Body.String())
		})
	}
	drain(t, dispatcher)
}

func TestHandleCreateIntent_StorageTimeout(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := new(MockOrderStore)
	store.On("GetOrder", "o1").Return(nil, fmt.Errorf("%w: canceling statement due to lock timeout", storage.ErrTimeout))
	registry := payments.NewRegistry(payments.StubProviderName, payments.NewStubProvider(""))
	checkout := payments.NewCheckout(store, registry, "BRL", nil, nil, zap.NewNop())
	r := gin.New()
	payments.RegisterRoutes(r, checkout, registry, payments.NewDispatcher(nil, time.Second, nil), zap.NewNop())

	w := postJSON(r, "/pay/create", `{"order_id":"o1"}`)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"storage_busy","retryable":true}`, w.Body.String())
	store.AssertExpectations(t)
}
