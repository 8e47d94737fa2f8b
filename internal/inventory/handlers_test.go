package inventory_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/storage"
	"github.com/matheusmosca/variant-reservations/internal/storage/memory"
)

func newInventoryRouter(store *memory.Store) *gin.Engine {
	return newInventoryRouterAt(store, newTestClock())
}

func newInventoryRouterAt(store *memory.Store, clock *testClock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	manager := newManager(store, clock)
	inventory.RegisterRoutes(r, manager, inventory.NewStockAdmin(store, manager, nil, nil), zap.NewNop())
	return r
}

func doJSON(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleReserve(t *testing.T) {
	store := memory.NewStore()
	seedVariant(store, "v1", 2)
	router := newInventoryRouter(store)

	w := doJSON(router, http.MethodPost, "/reserve", `{"variant_id":"v1","qty":2}`)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		ReservationID string                       `json:"reservation_id"`
		Reservations  []inventory.StockReservation `json:"reservations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.ReservationID)
	require.Len(t, body.Reservations, 1)
	assert.Equal(t, body.ReservationID, body.Reservations[0].ID)

	w = doJSON(router, http.MethodPost, "/reserve", `{"variant_id":"v1","qty":1}`)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"out_of_stock","variant_id":"v1","requested":1,"available":0}`, w.Body.String())
}

func TestHandleReserve_Items(t *testing.T) {
	store := memory.NewStore()
	seedVariant(store, "v1", 2)
	seedVariant(store, "v2", 2)
	router := newInventoryRouter(store)

	w := doJSON(router, http.MethodPost, "/reserve", `{"items":[{"variant_id":"v1","qty":1},{"variant_id":"v2","qty":2}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Reservations []inventory.StockReservation `json:"reservations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Reservations, 2)
}

func TestHandleReserve_BadInput(t *testing.T) {
	store := memory.NewStore()
	seedVariant(store, "v1", 2)
	router := newInventoryRouter(store)

	tests := []struct {
		name string
		body string
		code int
		err  string
	}{
		{name: "malformed", body: `{`, code: http.StatusBadRequest, err: "invalid_request"},
		{name: "empty", body: `{}`, code: http.StatusBadRequest, err: "invalid_request"},
		{name: "zero qty", body: `{"variant_id":"v1","qty":0}`, code: http.StatusBadRequest, err: "invalid_quantity"},
		{name: "unknown variant", body: `{"variant_id":"nope","qty":1}`, code: http.StatusNotFound, err: "variant_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPost, "/reserve", tt.body)

			assert.Equal(t, tt.code, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.err, body["error"])
		})
	}
}

func TestHandleListVariants(t *testing.T) {
	store := memory.NewStore()
	seedVariant(store, "v1", 4)
	store.PutVariant(inventory.ProductVariant{ID: "v2", SKU: "SKU-v2", Active: false})
	router := newInventoryRouter(store)

	w := doJSON(router, http.MethodGet, "/variants", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Variants []struct {
			ID             string `json:"id"`
			StockAvailable int    `json:"stock_available"`
		} `json:"variants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Variants, 1)
	assert.Equal(t, 4, body.Variants[0].StockAvailable)

	w = doJSON(router, http.MethodGet, "/admin/variants", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Variants, 2)
}

func TestHandleListVariants_LapsedHoldsAreAvailable(t *testing.T) {
	store := memory.NewStore()
	seedVariant(store, "v1", 3)
	clock := newTestClock()
	router := newInventoryRouterAt(store, clock)

	w := doJSON(router, http.MethodPost, "/reserve", `{"variant_id":"v1","qty":3}`)
	require.Equal(t, http.StatusOK, w.Code)
	clock.Advance(2 * time.Minute)

	w = doJSON(router, http.MethodGet, "/variants", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Variants []struct {
			StockAvailable int `json:"stock_available"`
		} `json:"variants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Variants, 1)
	assert.Equal(t, 3, body.Variants[0].StockAvailable)
}

func TestHandleAdminStock(t *testing.T) {
	store := memory.NewStore()
	seedVariant(store, "v1", 4)
	router := newInventoryRouter(store)

	w := doJSON(router, http.MethodPost, "/reserve", `{"variant_id":"v1","qty":3}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPatch, "/admin/variants/v1", `{"stock_total":2}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"cannot_set_stock_below_reserved","stock_reserved":3}`, w.Body.String())

	w = doJSON(router, http.MethodPost, "/admin/variants/v1/move", `{"movement_type":"adjust_in","qty":2,"note":"restock"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/admin/variants/v1/move", `{"movement_type":"sale_offline","qty":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodGet, "/admin/stock-movements?from=2000-01-01", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Movements []inventory.StockMovement `json:"movements"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Movements, 1)
	assert.Equal(t, "restock", body.Movements[0].Note)

	w = doJSON(router, http.MethodGet, "/admin/stock-movements?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSalesSummary(t *testing.T) {
	store := memory.NewStore()
	seedVariant(store, "v1", 10)
	router := newInventoryRouter(store)

	w := doJSON(router, http.MethodPost, "/admin/variants/v1/move", `{"movement_type":"sale_offline","qty":3,"price":5000}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/admin/sales-summary?from=2000-01-01", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"summary":{"units_sold":3,"revenue":15000}}`, w.Body.String())

	w = doJSON(router, http.MethodGet, "/admin/sales-summary?to=2000-01-01", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"summary":{"units_sold":0,"revenue":0}}`, w.Body.String())

	w = doJSON(router, http.MethodGet, "/admin/sales-summary?from=2001-01-01&to=2000-01-01", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodGet, "/admin/sales-summary?from=soon", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWriteError_StorageTimeoutIsRetryable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/reserve", nil)

	inventory.WriteError(c, zap.NewNop(), fmt.Errorf("failed to reserve: %w", storage.ErrTimeout))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"storage_busy","retryable":true}`, w.Body.String())
}
