package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/orderflow/internal/datamodels/order"
	"github.com/example/orderflow/internal/datamodels/refund"
	"github.com/example/orderflow/internal/queue"
	"github.com/example/orderflow/internal/service"
)

// Worker 消费 order-processing / refunds / notifications 三个队列
type Worker struct {
	broker   queue.Broker
	workflow *service.WorkflowCoordinator
	refunds  *service.RefundProcessor
	notify   *service.NotificationService
	workers  int
	log      *zap.Logger
}

// New 创建 Worker，notify 为 nil 时不消费通知队列
func New(
	broker queue.Broker,
	workflow *service.WorkflowCoordinator,
	refunds *service.RefundProcessor,
	notify *service.NotificationService,
	workers int,
	log *zap.Logger,
) *Worker {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		broker:   broker,
		workflow: workflow,
		refunds:  refunds,
		notify:   notify,
		workers:  workers,
		log:      log,
	}
}

// Run 阻塞直到 ctx 结束或某个消费者出错
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.broker.Consume(ctx, queue.QueueOrderProcessing, w.workers, w.instrument(w.HandleOrderWorkflow))
	})
	g.Go(func() error {
		return w.broker.Consume(ctx, queue.QueueRefunds, w.workers, w.instrument(w.HandleRefund))
	})
	if w.notify != nil {
		g.Go(func() error {
			return w.broker.Consume(ctx, queue.QueueNotifications, 1, w.instrument(w.HandleNotification))
		})
	}
	w.log.Info("worker started", zap.Int("workers", w.workers))
	return g.Wait()
}

// HandleOrderWorkflow StartOrderWorkflow 任务：把订单推进到终态，
// 出错时任务失败由队列重投，重投后从已提交的状态继续
func (w *Worker) HandleOrderWorkflow(ctx context.Context, m queue.Message) error {
	var job queue.StartOrderWorkflow
	if err := queue.Decode(m, &job); err != nil {
		return err
	}
	err := w.workflow.Resume(ctx, job.OrderID)
	if errors.Is(err, order.ErrNotFound) {
		return queue.Permanent(err)
	}
	return err
}

// HandleRefund ProcessRefund 任务
func (w *Worker) HandleRefund(ctx context.Context, m queue.Message) error {
	var job queue.ProcessRefund
	if err := queue.Decode(m, &job); err != nil {
		return err
	}
	typ, err := refund.ParseType(job.Type)
	if err != nil {
		return queue.Permanent(err)
	}
	_, err = w.refunds.Process(ctx, service.RefundRequest{
		OrderID:  job.OrderID,
		Amount:   job.Amount,
		Type:     typ,
		Reason:   job.Reason,
		RefundID: job.RefundID,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrOrderNotRefundable),
		errors.Is(err, service.ErrInvalidRefundAmount),
		errors.Is(err, refund.ErrInvalidType):
		return queue.Permanent(err)
	default:
		return err
	}
}

// HandleNotification SendNotification 任务
func (w *Worker) HandleNotification(ctx context.Context, m queue.Message) error {
	var job queue.SendNotification
	if err := queue.Decode(m, &job); err != nil {
		return err
	}
	if err := w.notify.Send(ctx, job); err != nil {
		if errors.Is(err, service.ErrUnknownChannel) {
			return queue.Permanent(err)
		}
		return err
	}
	return nil
}

// instrument 记录处理结果到监控
func (w *Worker) instrument(h queue.Handler) queue.Handler {
	return func(ctx context.Context, m queue.Message) error {
		err := h(ctx, m)
		if err == nil {
			service.GetMonitor().RecordWorkerProcessed()
			return nil
		}
		service.GetMonitor().RecordWorkerFailed()
		fields := []zap.Field{zap.String("queue", m.Queue), zap.Int("attempt", m.Attempt), zap.Error(err)}
		if queue.IsPermanent(err) {
			w.log.Warn("job rejected", fields...)
		} else {
			w.log.Error("job failed", fields...)
		}
		return err
	}
}
