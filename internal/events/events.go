package events

import (
	"github.com/example/orderflow/internal/datamodels/order"
	"github.com/example/orderflow/internal/datamodels/refund"
)

// Type 事件类型
type Type string

const (
	TypeStockReserved          Type = "StockReserved"
	TypeStockReservationFailed Type = "StockReservationFailed"
	TypePaymentProcessed       Type = "PaymentProcessed"
	TypeOrderCompleted         Type = "OrderCompleted"
	TypeOrderFailed            Type = "OrderFailed"
	TypeRefundProcessed        Type = "RefundProcessed"
	TypeRefundFailed           Type = "RefundFailed"
)

// Event 领域事件，OrderID 决定事件在总线上的分发通道
type Event interface {
	Type() Type
	OrderID() string
}

type StockReserved struct {
	Order *order.Order
}

func (e StockReserved) Type() Type      { return TypeStockReserved }
func (e StockReserved) OrderID() string { return e.Order.ID }

type StockReservationFailed struct {
	Order  *order.Order
	Reason string
}

func (e StockReservationFailed) Type() Type      { return TypeStockReservationFailed }
func (e StockReservationFailed) OrderID() string { return e.Order.ID }

type PaymentProcessed struct {
	Order            *order.Order
	Success          bool
	PaymentReference string
	FailureReason    string
}

func (e PaymentProcessed) Type() Type      { return TypePaymentProcessed }
func (e PaymentProcessed) OrderID() string { return e.Order.ID }

type OrderCompleted struct {
	Order *order.Order
}

func (e OrderCompleted) Type() Type      { return TypeOrderCompleted }
func (e OrderCompleted) OrderID() string { return e.Order.ID }

type OrderFailed struct {
	Order  *order.Order
	Reason string
}

func (e OrderFailed) Type() Type      { return TypeOrderFailed }
func (e OrderFailed) OrderID() string { return e.Order.ID }

type RefundProcessed struct {
	Refund *refund.Refund
	Order  *order.Order
}

func (e RefundProcessed) Type() Type      { return TypeRefundProcessed }
func (e RefundProcessed) OrderID() string { return e.Refund.OrderID }

type RefundFailed struct {
	Refund *refund.Refund
	Order  *order.Order
	Reason string
}

func (e RefundFailed) Type() Type      { return TypeRefundFailed }
func (e RefundFailed) OrderID() string { return e.Refund.OrderID }
