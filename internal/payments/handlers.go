package payments

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/storage"
)

const maxWebhookBody = 1 << 20

// RegisterRoutes mounts checkout and the provider webhooks.
func RegisterRoutes(r gin.IRouter, checkout *Checkout, providers *Registry, dispatcher *Dispatcher, logger *zap.Logger) {
	r.POST("/pay/create", HandleCreateIntent(checkout, logger))
	r.POST("/webhooks/:provider", HandleWebhook(providers, dispatcher, logger))
}

func HandleCreateIntent(checkout *Checkout, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in IntentInput
		if err := c.ShouldBindJSON(&in); err != nil || in.OrderID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": "order_id is required"})
			return
		}
		in.ClientIP = strings.TrimPrefix(c.ClientIP(), "::ffff:")
		in.UserAgent = strings.TrimSpace(c.Request.UserAgent())

		out, err := checkout.CreateIntent(c.Request.Context(), in)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// HandleWebhook always acknowledges with 200 so the gateway does not retry-storm;
// reconciliation happens in the dispatcher.
func HandleWebhook(providers *Registry, dispatcher *Dispatcher, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logging.WithTrace(c.Request.Context(), logger).With(zap.String("provider", c.Param("provider")))

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			log.Warn("webhook_body_unreadable", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}

		provider, err := providers.Get(c.Param("provider"))
		if err != nil {
			log.Warn("webhook_unknown_provider")
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}

		n, err := provider.ParseNotification(body)
		if err != nil {
			log.Warn("webhook_unparseable", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}

		log.Info("webhook_received",
			zap.String("reference", n.Reference),
			zap.String("outcome", string(n.Outcome)),
			zap.String("status", n.RawStatus))
		dispatcher.Submit(c.Request.Context(), n)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func writeError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		statusErr   *orders.StatusError
		providerErr *ProviderError
	)
	switch {
	case errors.As(err, &statusErr):
		c.JSON(http.StatusConflict, gin.H{"error": "order_not_pending", "order_id": statusErr.OrderID, "status": statusErr.Status})
	case errors.Is(err, orders.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
	case errors.Is(err, ErrOrderUnderReview):
		c.JSON(http.StatusConflict, gin.H{"error": "order_under_review"})
	case errors.Is(err, orders.ErrReservationExpiredOrInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "reservation_expired_or_not_active"})
	case errors.Is(err, ErrInvalidTotal):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.As(err, &providerErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment_provider_failed", "provider": providerErr.Provider})
	case errors.Is(err, storage.ErrTimeout):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_busy", "retryable": true})
	default:
		logging.WithTrace(c.Request.Context(), logger).Error("request_failed",
			zap.String("route", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
