package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/orderflow/internal/datamodels/order"
	"github.com/example/orderflow/internal/queue"
)

// 通知类型
const (
	NotificationOrderCompleted = "order_completed"
	NotificationOrderFailed    = "order_failed"
)

// ErrUnknownChannel 没有注册的通知渠道
var ErrUnknownChannel = errors.New("unknown notification channel")

// NotificationChannel 通知渠道
type NotificationChannel interface {
	Send(ctx context.Context, n queue.SendNotification) error
}

// NotificationService 订单终态事件 -> 每个渠道一条通知任务；消费端按渠道发送
type NotificationService struct {
	broker   queue.Broker
	names    []string
	channels map[string]NotificationChannel
	log      *zap.Logger
}

// NewNotificationService 创建通知服务，names 为需要投递的渠道
func NewNotificationService(broker queue.Broker, names []string, log *zap.Logger) *NotificationService {
	if log == nil {
		log = zap.NewNop()
	}
	if len(names) == 0 {
		names = []string{"log"}
	}
	return &NotificationService{
		broker:   broker,
		names:    names,
		channels: map[string]NotificationChannel{"log": NewLogChannel(log)},
		log:      log,
	}
}

// Register 注册通知渠道
func (s *NotificationService) Register(name string, ch NotificationChannel) {
	s.channels[name] = ch
}

// OrderCompleted 订单完成通知
func (s *NotificationService) OrderCompleted(ctx context.Context, o *order.Order) error {
	return s.dispatch(ctx, o, NotificationOrderCompleted, "")
}

// OrderFailed 订单失败通知
func (s *NotificationService) OrderFailed(ctx context.Context, o *order.Order, reason string) error {
	return s.dispatch(ctx, o, NotificationOrderFailed, reason)
}

func (s *NotificationService) dispatch(ctx context.Context, o *order.Order, typ, reason string) error {
	for _, ch := range s.names {
		msg := queue.SendNotification{
			OrderID:       o.ID,
			CustomerID:    o.CustomerID,
			Status:        string(o.Status),
			TotalAmount:   o.TotalAmount,
			Type:          typ,
			Channel:       ch,
			FailureReason: reason,
		}
		if err := queue.PublishJSON(ctx, s.broker, queue.QueueNotifications, msg); err != nil {
			GetMonitor().RecordMQError()
			return fmt.Errorf("dispatch %s notification for order %s: %w", ch, o.ID, err)
		}
	}
	return nil
}

// Send 消费 SendNotification 任务
func (s *NotificationService) Send(ctx context.Context, n queue.SendNotification) error {
	ch, ok := s.channels[n.Channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, n.Channel)
	}
	return ch.Send(ctx, n)
}

// LogChannel 把通知写进日志
type LogChannel struct {
	log *zap.Logger
}

func NewLogChannel(log *zap.Logger) *LogChannel {
	return &LogChannel{log: log}
}

func (c *LogChannel) Send(ctx context.Context, n queue.SendNotification) error {
	c.log.Info("order notification",
		zap.String("order_id", n.OrderID),
		zap.String("customer_id", n.CustomerID),
		zap.String("status", n.Status),
		zap.String("total_amount", n.TotalAmount.StringFixed(2)),
		zap.String("type", n.Type),
		zap.String("message", FormatNotification(n)))
	return nil
}

// FormatNotification 通知文案
func FormatNotification(n queue.SendNotification) string {
	if n.Type == NotificationOrderCompleted {
		return fmt.Sprintf("Order %s completed successfully for customer %s. Total: $%s",
			n.OrderID, n.CustomerID, n.TotalAmount.StringFixed(2))
	}
	reason := n.FailureReason
	if reason == "" {
		reason = "Unknown"
	}
	return fmt.Sprintf("Order %s failed for customer %s. Status: %s. Reason: %s",
		n.OrderID, n.CustomerID, n.Status, reason)
}
