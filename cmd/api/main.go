package main

import (
	"flag"
	"log"
	"time"

	"github.com/kataras/iris/v12"
	"go.uber.org/zap"

	"github.com/example/orderflow/internal/auth"
	"github.com/example/orderflow/internal/config"
	"github.com/example/orderflow/internal/infra/mq"
	"github.com/example/orderflow/internal/infra/redis"
	"github.com/example/orderflow/internal/logger"
	"github.com/example/orderflow/internal/queue"
	"github.com/example/orderflow/internal/repository/mysql"
	redisrepo "github.com/example/orderflow/internal/repository/redis"
	"github.com/example/orderflow/internal/server"
	"github.com/example/orderflow/internal/service"
	"github.com/example/orderflow/internal/shard"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（yaml），为空时只用默认值和环境变量")
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

	// 初始化基础设施
	db := mysql.Init(cfg.Database)
	redisClient := redis.Init(cfg.Redis)
	mqConn := mq.Init(cfg.RabbitMQ)

	broker := queue.NewRabbitBroker(mqConn, queue.Policy{Window: cfg.Workflow.RetryWindow}, zl)
	defer broker.Close()

	// 仓储与服务
	orderRepo := mysql.NewOrderRepository(db)
	refundRepo := mysql.NewRefundRepository(db)
	orderSvc := service.NewOrderService(orderRepo, refundRepo, broker, zl)
	analyticsSvc := service.NewAnalyticsService(
		redisrepo.NewKpiRepository(redisClient, cfg.Analytics.Retention),
		redisrepo.NewLeaderboardRepository(redisClient),
		orderRepo, refundRepo, cfg.Analytics, zl)
	tokens := auth.NewTokenCache(redisClient, shard.NewRing([]string{"auth-0", "auth-1", "auth-2"}, 0), 10*time.Minute)

	app := iris.New()
	server.RegisterRoutes(app, server.Deps{
		Config:    cfg,
		Orders:    orderSvc,
		Analytics: analyticsSvc,
		Tokens:    tokens,
		DB:        db,
		Redis:     redisClient,
		Log:       zl,
	})

	addr := cfg.Server.Addr()
	zl.Info("api server listening", zap.String("addr", addr))
	if err := app.Run(iris.Addr(addr)); err != nil && err != iris.ErrServerClosed {
		zl.Fatal("failed to run api server", zap.Error(err))
	}
}
