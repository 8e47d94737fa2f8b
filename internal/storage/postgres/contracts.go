package postgres

import (
	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/notify"
	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/payments"
)

var (
	_ inventory.Repository = (*Store)(nil)
	_ orders.Repository    = (*Store)(nil)
	_ payments.Repository  = (*Store)(nil)
	_ payments.OrderStore  = (*Store)(nil)
	_ notify.BarrierStore  = (*Store)(nil)
	_ notify.PaidOrders    = (*Store)(nil)
)
