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
	"github.com/example/orderflow/internal/datamodels/kpi"
	"github.com/example/orderflow/internal/infra/redis"
	"github.com/example/orderflow/internal/logger"
	"github.com/example/orderflow/internal/repository/mysql"
	redisrepo "github.com/example/orderflow/internal/repository/redis"
	"github.com/example/orderflow/internal/service"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（yaml）")
	from := flag.String("from", "", "起始日期 YYYY-MM-DD，默认昨天")
	to := flag.String("to", "", "结束日期 YYYY-MM-DD，默认今天")
	interval := flag.Duration("interval", 0, "定时回放间隔，0 表示只执行一次")
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

	db := mysql.Init(cfg.Database)
	redisClient := redis.Init(cfg.Redis)
	orderRepo := mysql.NewOrderRepository(db)
	refundRepo := mysql.NewRefundRepository(db)
	analytics := service.NewAnalyticsService(
		redisrepo.NewKpiRepository(redisClient, cfg.Analytics.Retention),
		redisrepo.NewLeaderboardRepository(redisClient),
		orderRepo, refundRepo, cfg.Analytics, zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		start, end := *from, *to
		if start == "" || end == "" {
			today := kpi.DateOf(time.Now(), cfg.Analytics.Location())
			if start == "" {
				start = today.AddDays(-1).String()
			}
			if end == "" {
				end = today.String()
			}
		}
		res, err := analytics.Reconcile(ctx, start, end)
		if err != nil {
			zl.Error("kpi reconcile failed", zap.String("from", start), zap.String("to", end), zap.Error(err))
			return
		}
		zl.Info("kpi reconcile done",
			zap.String("from", start), zap.String("to", end),
			zap.Int("orders", res.Orders), zap.Int("refunds", res.Refunds),
			zap.Int("applied", res.Applied), zap.Int("duplicates", res.Duplicates))
	}

	// 立即执行一次
	run()
	if *interval <= 0 {
		return
	}

	zl.Info("kpi reconcile scheduled", zap.Duration("interval", *interval))
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
