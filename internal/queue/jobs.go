package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// 队列名
const (
	QueueOrderProcessing = "order-processing"
	QueueRefunds         = "refunds"
	QueueNotifications   = "notifications"
)

// StartOrderWorkflow 启动订单流程
type StartOrderWorkflow struct {
	OrderID string `json:"order_id"`
}

// ProcessRefund 退款任务，RefundID 为空时由处理方生成
type ProcessRefund struct {
	OrderID  string          `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
	Type     string          `json:"type"`
	Reason   string          `json:"reason,omitempty"`
	RefundID string          `json:"refund_id,omitempty"`
}

// SendNotification 通知任务
type SendNotification struct {
	OrderID       string          `json:"order_id"`
	CustomerID    string          `json:"customer_id"`
	Status        string          `json:"status"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Type          string          `json:"type"`
	Channel       string          `json:"channel"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// PublishJSON 序列化后投递
func PublishJSON(ctx context.Context, b Broker, queue string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", queue, err)
	}
	return b.Publish(ctx, queue, body)
}

// Decode 解析消息体，格式错误视为永久错误
func Decode(m Message, v interface{}) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return Permanent(fmt.Errorf("invalid %s message: %w", m.Queue, err))
	}
	return nil
}
