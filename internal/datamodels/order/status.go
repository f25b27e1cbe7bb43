package order

import (
	"errors"
	"fmt"
)

// Status 订单状态
type Status string

const (
	StatusPending                Status = "pending"
	StatusReservingStock         Status = "reserving_stock"
	StatusStockReserved          Status = "stock_reserved"
	StatusStockReservationFailed Status = "stock_reservation_failed"
	StatusProcessingPayment      Status = "processing_payment"
	StatusPaymentSucceeded       Status = "payment_succeeded"
	StatusPaymentFailed          Status = "payment_failed"
	StatusCompleted              Status = "completed"
	StatusCancelled              Status = "cancelled"
	StatusRefunded               Status = "refunded"
)

var (
	ErrIllegalTransition = errors.New("illegal order status transition")
	ErrUnknownStatus     = errors.New("unknown order status")
)

// transitions 合法的状态流转表，不在表里的状态都是终态
var transitions = map[Status][]Status{
	StatusPending:                {StatusReservingStock, StatusCancelled},
	StatusReservingStock:         {StatusStockReserved, StatusStockReservationFailed},
	StatusStockReserved:          {StatusProcessingPayment, StatusCancelled},
	StatusProcessingPayment:      {StatusPaymentSucceeded, StatusPaymentFailed},
	StatusPaymentSucceeded:       {StatusCompleted},
	StatusPaymentFailed:          {StatusCancelled},
	StatusStockReservationFailed: {StatusCancelled},
}

// InFlightStatuses 还没到终态的状态
func InFlightStatuses() []Status {
	var out []Status
	for _, st := range AllStatuses() {
		if !st.IsTerminal() {
			out = append(out, st)
		}
	}
	return out
}

// AllStatuses 返回全部状态，按流程顺序
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusReservingStock,
		StatusStockReserved,
		StatusStockReservationFailed,
		StatusProcessingPayment,
		StatusPaymentSucceeded,
		StatusPaymentFailed,
		StatusCompleted,
		StatusCancelled,
		StatusRefunded,
	}
}

// ParseStatus 解析状态字符串，未知值返回 ErrUnknownStatus
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// CanTransitionTo 判断 current -> target 是否合法
func CanTransitionTo(current, target Status) bool {
	for _, next := range transitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

func (s Status) CanTransitionTo(target Status) bool {
	return CanTransitionTo(s, target)
}

// IsTerminal 没有任何出边的状态
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Releasable 回滚时需要释放库存的状态
func (s Status) Releasable() bool {
	switch s {
	case StatusStockReserved, StatusProcessingPayment, StatusPaymentFailed:
		return true
	}
	return false
}
