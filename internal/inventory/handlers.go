package inventory

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/storage"
)

type reserveRequest struct {
	VariantID string        `json:"variant_id"`
	Quantity  int           `json:"qty"`
	Items     []HoldRequest `json:"items"`
}

func (r reserveRequest) lines() []HoldRequest {
	if len(r.Items) > 0 {
		return r.Items
	}
	if r.VariantID == "" && r.Quantity == 0 {
		return nil
	}
	return []HoldRequest{{VariantID: r.VariantID, Quantity: r.Quantity}}
}

type variantView struct {
	ProductVariant
	StockAvailable int `json:"stock_available"`
}

func viewsOf(variants []ProductVariant) []variantView {
	out := make([]variantView, 0, len(variants))
	for _, v := range variants {
		out = append(out, variantView{ProductVariant: v, StockAvailable: max(v.Available(), 0)})
	}
	return out
}

// RegisterRoutes mounts the public catalogue, the reserve endpoint and the admin endpoints.
func RegisterRoutes(r gin.IRouter, manager *ReservationManager, admin *StockAdmin, logger *zap.Logger) {
	r.GET("/variants", HandleListVariants(admin, true))
	r.POST("/reserve", HandleReserve(manager, logger))

	g := r.Group("/admin")
	g.GET("/variants", HandleListVariants(admin, false))
	g.PATCH("/variants/:id", HandleUpdateVariant(admin, logger))
	g.POST("/variants/:id/move", HandleAdjustStock(admin, logger))
	g.GET("/stock-movements", HandleListMovements(admin, logger))
	g.GET("/sales-summary", HandleSalesSummary(admin, logger))
}

// HandleReserve accepts a single line or an items array and holds them atomically.
func HandleReserve(m *ReservationManager, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reserveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}

		batch, err := m.CreateReservations(c.Request.Context(), req.lines())
		if err != nil {
			WriteError(c, logger, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"reservation_id": batch.Reservations[0].ID,
			"expires_at":     batch.ExpiresAt,
			"reservations":   batch.Reservations,
		})
	}
}

func HandleListVariants(a *StockAdmin, activeOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		variants, err := a.ListVariants(c.Request.Context(), activeOnly)
		if err != nil {
			WriteError(c, nil, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"variants": viewsOf(variants)})
	}
}

func HandleUpdateVariant(a *StockAdmin, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch VariantPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}

		v, err := a.UpdateVariant(c.Request.Context(), c.Param("id"), patch)
		if err != nil {
			WriteError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"variant": viewsOf([]ProductVariant{*v})[0]})
	}
}

func HandleAdjustStock(a *StockAdmin, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in MovementInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}

		v, m, err := a.AdjustStock(c.Request.Context(), c.Param("id"), in)
		if err != nil {
			WriteError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"variant":  viewsOf([]ProductVariant{*v})[0],
			"movement": m,
		})
	}
}

type movementQuery struct {
	From  string `form:"from"`
	To    string `form:"to"`
	Limit int    `form:"limit"`
}

// HandleListMovements accepts RFC 3339 timestamps or plain dates for from/to.
func HandleListMovements(a *StockAdmin, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q movementQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		from, errFrom := parseBound(q.From, false)
		to, errTo := parseBound(q.To, true)
		if errFrom != nil || errTo != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "from/to must be RFC3339 or YYYY-MM-DD"})
			return
		}

		movements, err := a.ListMovements(c.Request.Context(), MovementFilter{From: from, To: to, Limit: q.Limit})
		if err != nil {
			WriteError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"movements": movements})
	}
}

// HandleSalesSummary totals offline sales; from/to take the same formats as the movement list.
func HandleSalesSummary(a *StockAdmin, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, errFrom := parseBound(c.Query("from"), false)
		to, errTo := parseBound(c.Query("to"), true)
		if errFrom != nil || errTo != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "from/to must be RFC3339 or YYYY-MM-DD"})
			return
		}

		summary, err := a.SalesSummary(c.Request.Context(), MovementFilter{From: from, To: to})
		if err != nil {
			WriteError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"summary": summary})
	}
}

func parseBound(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// WriteError maps inventory errors to status codes and error codes. Unknown errors
// are logged and answered with 500.
func WriteError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		stockErr  *StockError
		adjustErr *AdjustmentError
	)
	switch {
	case errors.As(err, &stockErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "out_of_stock",
			"variant_id": stockErr.VariantID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})
	case errors.As(err, &adjustErr):
		c.JSON(http.StatusConflict, gin.H{"error": adjustErr.Code, "stock_reserved": adjustErr.StockReserved})
	case errors.Is(err, ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_quantity"})
	case errors.Is(err, ErrNoItems), errors.Is(err, ErrInvalidItem), errors.Is(err, ErrInvalidPeriod):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.Is(err, ErrInvalidMovement), errors.Is(err, ErrInvalidPatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_movement", "detail": err.Error()})
	case errors.Is(err, ErrVariantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "variant_not_found"})
	case errors.Is(err, ErrVariantInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "variant_inactive"})
	case errors.Is(err, ErrReservationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "reservation_not_found"})
	case errors.Is(err, storage.ErrTimeout):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_busy", "retryable": true})
	default:
		if logger != nil {
			logging.WithTrace(c.Request.Context(), logger).Error("request_failed",
				zap.String("route", c.FullPath()), zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
