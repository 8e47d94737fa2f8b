package orders

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/storage"
)

type createOrderRequest struct {
	ReservationID   string     `json:"reservation_id"`
	BuyerName       string     `json:"buyer_name"`
	BuyerEmail      string     `json:"buyer_email"`
	BuyerPhone      string     `json:"buyer_phone"`
	DeliveryMethod  string     `json:"delivery_method"`
	DeliveryAddress string     `json:"delivery_address"`
	Notes           string     `json:"notes"`
	Items           []ItemLine `json:"items"`
}

func (r createOrderRequest) input() CreateOrderInput {
	return CreateOrderInput{
		ReservationID:   r.ReservationID,
		Buyer:           Buyer{Name: r.BuyerName, Email: r.BuyerEmail, Phone: r.BuyerPhone},
		DeliveryMethod:  r.DeliveryMethod,
		DeliveryAddress: r.DeliveryAddress,
		Notes:           r.Notes,
		Items:           r.Items,
	}
}

// RegisterRoutes mounts order creation and lookup.
func RegisterRoutes(r gin.IRouter, a *Assembler, logger *zap.Logger) {
	r.POST("/orders", HandleCreateOrder(a, logger))
	r.GET("/orders/:id", HandleGetOrder(a, logger))
}

func HandleCreateOrder(a *Assembler, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}

		o, err := a.CreateOrUpdateOrder(c.Request.Context(), req.input())
		if err != nil {
			WriteError(c, logger, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"order_id": o.ID, "status": o.Status, "total": o.Total})
	}
}

func HandleGetOrder(a *Assembler, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := a.GetOrder(c.Request.Context(), c.Param("id"))
		if err != nil {
			WriteError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": o})
	}
}

// WriteError maps order errors to status codes and error codes.
func WriteError(c *gin.Context, logger *zap.Logger, err error) {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		c.JSON(http.StatusConflict, gin.H{"error": "order_not_pending", "order_id": statusErr.OrderID, "status": statusErr.Status})
	case errors.Is(err, ErrMissingReservation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.Is(err, ErrMissingBuyer):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_buyer_data"})
	case errors.Is(err, ErrInvalidDeliveryMethod):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_delivery_method"})
	case errors.Is(err, ErrMissingAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_delivery_address"})
	case errors.Is(err, ErrItemsMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "items_mismatch"})
	case errors.Is(err, ErrReservationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "reservation_not_found"})
	case errors.Is(err, ErrReservationExpiredOrInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "reservation_expired_or_not_active"})
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
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
