package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/orderflow/internal/datamodels/order"
	"github.com/example/orderflow/internal/events"
)

type subscription struct {
	typ  events.Type
	name string
	h    events.Handler
}

// Subscribe 注册统计与通知订阅，启动时调用一次。notify 可为 nil。
// 订单流程本身由队列任务驱动，不挂在总线上。
func Subscribe(bus events.Bus, analytics *AnalyticsService, notify *NotificationService, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}

	table := []subscription{
		// 统计
		{events.TypeOrderCompleted, "analytics.completed", func(ctx context.Context, e events.Event) error {
			ev, ok := e.(events.OrderCompleted)
			if !ok {
				return unexpected(e)
			}
			return analytics.RecordOrderCompleted(ctx, ev.Order)
		}},
		{events.TypeOrderFailed, "analytics.failed", func(ctx context.Context, e events.Event) error {
			ev, ok := e.(events.OrderFailed)
			if !ok {
				return unexpected(e)
			}
			return analytics.RecordOrderFailed(ctx, ev.Order)
		}},
		{events.TypeRefundProcessed, "analytics.refund", func(ctx context.Context, e events.Event) error {
			ev, ok := e.(events.RefundProcessed)
			if !ok {
				return unexpected(e)
			}
			return analytics.RecordRefund(ctx, ev.Refund, ev.Order)
		}},
		{events.TypeRefundFailed, "analytics.refund_failed", func(ctx context.Context, e events.Event) error {
			ev, ok := e.(events.RefundFailed)
			if !ok {
				return unexpected(e)
			}
			return analytics.RecordRefundFailed(ctx, ev.Refund, ev.Reason)
		}},
	}

	if notify != nil {
		table = append(table,
			subscription{events.TypeOrderCompleted, "notification.completed", func(ctx context.Context, e events.Event) error {
				ev, ok := e.(events.OrderCompleted)
				if !ok {
					return unexpected(e)
				}
				return notify.OrderCompleted(ctx, ev.Order)
			}},
			subscription{events.TypeOrderFailed, "notification.failed", func(ctx context.Context, e events.Event) error {
				ev, ok := e.(events.OrderFailed)
				if !ok {
					return unexpected(e)
				}
				return notify.OrderFailed(ctx, ev.Order, ev.Reason)
			}},
		)
	}

	for _, s := range table {
		bus.Subscribe(s.typ, s.name, tolerateStale(s.name, s.h, log))
	}
}

// tolerateStale 重复投递时状态已经前进，记录日志后视为成功
func tolerateStale(name string, h events.Handler, log *zap.Logger) events.Handler {
	return func(ctx context.Context, e events.Event) error {
		err := h(ctx, e)
		if errors.Is(err, order.ErrIllegalTransition) {
			log.Info("stale event ignored",
				zap.String("subscriber", name),
				zap.String("type", string(e.Type())),
				zap.String("order_id", e.OrderID()),
				zap.Error(err))
			return nil
		}
		return err
	}
}

func unexpected(e events.Event) error {
	return fmt.Errorf("unexpected event payload %T for %s", e, e.Type())
}
