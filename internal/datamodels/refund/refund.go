package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound    = errors.New("refund not found")
	ErrInvalidType = errors.New("invalid refund type")
)

// Type 退款类型
type Type string

const (
	TypeFull    Type = "full"
	TypePartial Type = "partial"
)

// ParseType 解析退款类型
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeFull, TypePartial:
		return Type(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// Status 退款状态 pending -> processing -> completed | failed
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Refund 退款记录，RefundID 是幂等键，一个键只会有一行
type Refund struct {
	ID               int64           `gorm:"primaryKey" json:"id"`
	RefundID         string          `gorm:"size:64;uniqueIndex;not null" json:"refund_id"`
	OrderID          string          `gorm:"type:char(36);index;not null" json:"order_id"`
	CustomerID       string          `gorm:"size:64;index;not null" json:"customer_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Type             Type            `gorm:"size:16;not null" json:"type"`
	Status           Status          `gorm:"size:16;index;not null" json:"status"`
	Reason           string          `gorm:"size:512" json:"reason,omitempty"`
	FailureReason    string          `gorm:"size:512" json:"failure_reason,omitempty"`
	GatewayReference string          `gorm:"size:64" json:"gateway_reference,omitempty"`
	ProcessedAt      *time.Time      `gorm:"index" json:"processed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Complete 标记成功
func (r *Refund) Complete(reference string, at time.Time) {
	r.Status = StatusCompleted
	r.GatewayReference = reference
	r.ProcessedAt = &at
}

// MarkFailed 标记失败
func (r *Refund) MarkFailed(reason string) {
	r.Status = StatusFailed
	r.FailureReason = reason
}

// Repository 退款仓储接口
type Repository interface {
	GetByRefundID(ctx context.Context, refundID string) (*Refund, error)
	// CreateIfAbsent 按 RefundID 插入，键已存在时不写入并返回 false
	CreateIfAbsent(ctx context.Context, r *Refund) (bool, error)
	// Save 写回状态、网关流水号、失败原因与处理时间
	Save(ctx context.Context, r *Refund) error
	ListByOrder(ctx context.Context, orderID string) ([]*Refund, error)
	// ListCompletedBetween 按处理时间区间 [from, to) 列出已完成退款
	ListCompletedBetween(ctx context.Context, from, to time.Time) ([]*Refund, error)
}
