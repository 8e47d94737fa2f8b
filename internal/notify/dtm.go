package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/payments"
	"github.com/matheusmosca/variant-reservations/internal/storage"
)

// Paths DTM calls back under the business URL.
const (
	DTMOrderPaidPath     = "/order-paid"
	DTMQueryPreparedPath = "/query-prepared"
)

var errNothingToPublish = fmt.Errorf("%w: order not paid", dtmcli.ErrFailure)

// BarrierStore writes the DTM barrier row in the caller's transaction.
type BarrierStore interface {
	InsertBarrier(ctx context.Context, tx storage.Tx, transType, gid, branchID, op, barrierID string) error
}

// PaidOrders resolves the order a message branch refers to.
type PaidOrders interface {
	FindOrderIDByReference(ctx context.Context, reference string) (string, error)
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
}

type orderPaidBranch struct {
	Reference string `json:"reference"`
}

// DTMOutbox publishes order-paid as a DTM 2-phase message. The message is prepared before
// the payment transaction runs and the barrier row is written inside it, so DTM delivers the
// branch exactly when the order was committed as paid, even if this process dies in between.
type DTMOutbox struct {
	server   string
	busiURL  string
	barriers BarrierStore
	newGid   func() string
	logger   *zap.Logger
}

func NewDTMOutbox(server, busiURL string, barriers BarrierStore, logger *zap.Logger) *DTMOutbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DTMOutbox{
		server:   server,
		busiURL:  busiURL,
		barriers: barriers,
		newGid:   uuid.NewString,
		logger:   logger.With(zap.String("component", "dtm_outbox")),
	}
}

func (o *DTMOutbox) Publish(ctx context.Context, reference string, settle func(mark payments.MarkPaid) error) error {
	gid := o.newGid()
	msg := dtmcli.NewMsg(o.server, gid).
		Add(o.busiURL+DTMOrderPaidPath, &orderPaidBranch{Reference: reference})

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	msg.BranchHeaders = map[string]string(carrier)

	err := msg.DoAndSubmit(o.busiURL+DTMQueryPreparedPath, func(bb *dtmcli.BranchBarrier) error {
		marked := false
		err := settle(func(ctx context.Context, tx storage.Tx) error {
			barrierID := fmt.Sprintf("%02d", bb.BarrierID+1)
			if err := o.barriers.InsertBarrier(ctx, tx, bb.TransType, bb.Gid, bb.BranchID, bb.Op, barrierID); err != nil {
				return err
			}
			marked = true
			return nil
		})
		if err != nil {
			return err
		}
		if !marked {
			return errNothingToPublish
		}
		return nil
	})
	if errors.Is(err, errNothingToPublish) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("order paid message %s: %w", gid, err)
	}
	logging.WithTrace(ctx, o.logger).Info("order_paid_message_submitted",
		zap.String("gid", gid), zap.String("reference", reference))
	return nil
}

// RegisterDTMRoutes mounts the message branch and the check DTM runs on a message whose
// sender went silent. db must reach the same database as the barrier writes.
func RegisterDTMRoutes(r gin.IRouter, db *sql.DB, lookup PaidOrders, notifier OrderPaidNotifier, logger *zap.Logger) {
	dtmcli.SetCurrentDBType(dtmcli.DBTypePostgres)
	r.POST(DTMOrderPaidPath, HandleOrderPaidBranch(lookup, notifier, logger))
	r.GET(DTMQueryPreparedPath, HandleQueryPrepared(db))
}

// HandleQueryPrepared reports whether the message's local transaction committed. A missing
// barrier is recorded as rolled back so a late commit can no longer slip through.
func HandleQueryPrepared(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		bb, err := dtmcli.BarrierFromQuery(c.Request.URL.Query())
		if err == nil {
			err = bb.QueryPrepared(db)
		}
		c.JSON(dtmcli.Result2HttpJSON(err))
	}
}

// HandleOrderPaidBranch delivers the event for a paid order. Errors answer 500 so DTM retries.
func HandleOrderPaidBranch(lookup PaidOrders, notifier OrderPaidNotifier, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logging.WithTrace(ctx, logger)

		var req orderPaidBranch
		if err := c.ShouldBindJSON(&req); err != nil || req.Reference == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		log = log.With(zap.String("reference", req.Reference))

		orderID, err := lookup.FindOrderIDByReference(ctx, req.Reference)
		var order *orders.Order
		if err == nil {
			order, err = lookup.GetOrder(ctx, orderID)
		}
		if errors.Is(err, storage.ErrNotFound) {
			log.Error("order_paid_branch_unknown_reference")
			c.JSON(http.StatusOK, gin.H{"dtm_result": dtmcli.ResultSuccess})
			return
		}
		if err != nil {
			log.Error("order_paid_branch_lookup_failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}

		if err := notifier.OrderPaid(ctx, *order); err != nil {
			log.Error("order_paid_branch_delivery_failed", zap.String("order_id", order.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delivery_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"dtm_result": dtmcli.ResultSuccess})
	}
}
