package ports

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInsufficientStock 库存不足
var ErrInsufficientStock = errors.New("insufficient stock")

// StockService 库存预留 / 释放
type StockService interface {
	ReserveStock(ctx context.Context, productID int64, quantity int, orderID string) error
	// ReleaseStock 尽力而为，调用方只记录错误
	ReleaseStock(ctx context.Context, productID int64, quantity int, orderID string) error
}

type PaymentRequest struct {
	OrderID        string
	Amount         decimal.Decimal
	Currency       string
	CustomerEmail  string
	IdempotencyKey string // 同一次扣款的重试携带相同的 key
}

type PaymentResult struct {
	Success          bool
	PaymentReference string
	FailureReason    string
}

// PaymentGateway 扣款网关
//
// 实现必须按 IdempotencyKey 去重：相同 key 的请求返回第一次的结果，不再重复扣款。
type PaymentGateway interface {
	ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error)
}

type RefundResult struct {
	Success         bool
	RefundReference string
	ProcessedAt     time.Time
	FailureReason   string
}

// RefundGateway 退款网关
type RefundGateway interface {
	ProcessRefund(ctx context.Context, amount decimal.Decimal, paymentReference string) (RefundResult, error)
}
