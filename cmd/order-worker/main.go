package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/orderflow/internal/config"
	"github.com/example/orderflow/internal/events"
	"github.com/example/orderflow/internal/infra/mq"
	"github.com/example/orderflow/internal/infra/redis"
	"github.com/example/orderflow/internal/lock"
	"github.com/example/orderflow/internal/logger"
	"github.com/example/orderflow/internal/ports"
	"github.com/example/orderflow/internal/queue"
	"github.com/example/orderflow/internal/repository/mysql"
	redisrepo "github.com/example/orderflow/internal/repository/redis"
	"github.com/example/orderflow/internal/service"
	"github.com/example/orderflow/internal/worker"
)

func init() {
	// 初始化监控
	_ = service.GetMonitor()
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（yaml）")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	zl, err := logger.Init(cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := mysql.Init(cfg.Database)
	redisClient := redis.Init(cfg.Redis)
	mqConn := mq.Init(cfg.RabbitMQ)

	broker := queue.NewRabbitBroker(mqConn, queue.Policy{Window: cfg.Workflow.RetryWindow}, zl)
	defer broker.Close()

	bus := events.NewAsyncBus(events.Options{
		Lanes:       cfg.Workflow.EventLanes,
		MaxAttempts: cfg.Workflow.EventMaxAttempts,
		Backoff:     200 * time.Millisecond,
		Logger:      zl,
		OnGiveUp: func(e events.Event, subscriber string, err error) {
			service.GetMonitor().RecordEventDropped()
			zl.Error("event dropped after retries",
				zap.String("event", string(e.Type())), zap.String("order_id", e.OrderID()),
				zap.String("subscriber", subscriber), zap.Error(err))
		},
	})

	// 模拟的外部能力，随机源按进程启动时间播种
	rnd := ports.NewRand(time.Now().UnixNano())
	stock := ports.NewSimulatedStock(cfg.Simulation.Stock, rnd, zl)
	payments := ports.NewSimulatedPayment(cfg.Simulation.Payment, rnd, zl)
	refundGateway := ports.NewSimulatedRefund(cfg.Simulation.Refund, rnd, zl)

	orderRepo := mysql.NewOrderRepository(db)
	refundRepo := mysql.NewRefundRepository(db)

	workflow := service.NewWorkflowCoordinator(orderRepo, stock, payments, bus,
		lock.NewRedisLocker(redisClient, cfg.Workflow.LockTTL, zl), cfg.Workflow, zl)
	refunds := service.NewRefundProcessor(orderRepo, refundRepo, refundGateway, bus, zl)
	analytics := service.NewAnalyticsService(
		redisrepo.NewKpiRepository(redisClient, cfg.Analytics.Retention),
		redisrepo.NewLeaderboardRepository(redisClient),
		orderRepo, refundRepo, cfg.Analytics, zl)
	notify := service.NewNotificationService(broker, cfg.Notifications.Channels, zl)

	service.Subscribe(bus, analytics, notify, zl)
	// 通道协程不跟随信号退出，停机时先把已发布的事件处理完
	bus.Start(context.Background())
	defer bus.Close()

	orders := service.NewOrderService(orderRepo, refundRepo, broker, zl)
	go sweepStale(ctx, orders, cfg.Workflow, zl)

	w := worker.New(broker, workflow, refunds, notify, cfg.Workflow.Workers, zl)
	zl.Info("order worker started", zap.Int("workers", cfg.Workflow.Workers), zap.Int("lanes", cfg.Workflow.EventLanes))
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		zl.Fatal("worker stopped", zap.Error(err))
	}

	// 等待已发布的事件处理完
	bus.Wait()
	zl.Info("order worker stopped", zap.Any("stats", service.GetMonitor().GetStats()))
}

// sweepStale 定期把停滞的未终态订单重新投递，覆盖投递失败与重投窗口耗尽的订单
func sweepStale(ctx context.Context, orders *service.OrderService, cfg config.WorkflowConfig, zl *zap.Logger) {
	if cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := orders.RedispatchStale(ctx, cfg.StaleAfter, cfg.SweepBatch)
			if err != nil {
				zl.Error("stale order sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zl.Info("stale orders redispatched", zap.Int("count", n))
			}
		}
	}
}
