package server

import (
	"errors"
	"time"

	"github.com/kataras/iris/v12"
	radix "github.com/mediocregopher/radix/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/orderflow/internal/auth"
	"github.com/example/orderflow/internal/config"
	"github.com/example/orderflow/internal/datamodels/kpi"
	"github.com/example/orderflow/internal/datamodels/order"
	"github.com/example/orderflow/internal/datamodels/refund"
	"github.com/example/orderflow/internal/middleware"
	"github.com/example/orderflow/internal/service"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Deps HTTP 层依赖，DB / Redis 只用于健康检查，可为空
type Deps struct {
	Config    *config.Config
	Orders    *service.OrderService
	Analytics *service.AnalyticsService
	Tokens    *auth.TokenCache
	DB        *gorm.DB
	Redis     radix.Client
	Log       *zap.Logger
}

// RegisterRoutes 注册所有 HTTP 路由
func RegisterRoutes(app *iris.Application, deps Deps) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Tokens == nil {
		deps.Tokens = auth.NewTokenCache(nil, nil, 0)
	}
	ordersSvc := deps.Orders
	analyticsSvc := deps.Analytics

	api := app.Party("/api")

	// 健康检查
	api.Get("/health", func(ctx iris.Context) {
		checks := iris.Map{}
		healthy := true
		if deps.DB != nil {
			if sqlDB, err := deps.DB.DB(); err != nil || sqlDB.PingContext(ctx.Request().Context()) != nil {
				checks["database"] = "down"
				healthy = false
			} else {
				checks["database"] = "ok"
			}
		}
		if deps.Redis != nil {
			if err := deps.Redis.Do(radix.Cmd(nil, "PING")); err != nil {
				checks["redis"] = "down"
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		}
		if !healthy {
			ctx.StopWithJSON(iris.StatusServiceUnavailable, iris.Map{"code": iris.StatusServiceUnavailable, "msg": "unhealthy", "data": checks})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "msg": "ok", "data": checks})
	})

	// 运行指标
	api.Get("/monitor", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"code": 0, "data": service.GetMonitor().GetStats()})
	})

	// ---------- 订单 ----------

	api.Post("/orders", middleware.RateLimit(deps.Config.RateLimit), func(ctx iris.Context) {
		var req service.CreateOrderRequest
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		o, err := ordersSvc.Create(ctx.Request().Context(), req)
		if err != nil {
			if o != nil {
				// 已落库但流程没投递出去，同一订单号重试或停滞扫描会补投
				deps.Log.Error("order created without workflow", zap.String("order_id", o.ID), zap.Error(err))
			}
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": o})
	})

	api.Get("/orders", func(ctx iris.Context) {
		limit := ctx.URLParamIntDefault("limit", defaultListLimit)
		if limit <= 0 {
			limit = defaultListLimit
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		list, err := ordersSvc.ListRecent(ctx.Request().Context(), ctx.URLParam("customer_id"), limit)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	api.Get("/orders/{id:string}", func(ctx iris.Context) {
		o, err := ordersSvc.Get(ctx.Request().Context(), ctx.Params().Get("id"))
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": o})
	})

	api.Get("/orders/{id:string}/refunds", func(ctx iris.Context) {
		list, err := ordersSvc.ListRefunds(ctx.Request().Context(), ctx.Params().Get("id"))
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	api.Get("/refunds/{refund_id:string}", func(ctx iris.Context) {
		r, err := ordersSvc.GetRefund(ctx.Request().Context(), ctx.Params().Get("refund_id"))
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": r})
	})

	// ---------- 统计 ----------

	analytics := api.Party("/v1/analytics")

	analytics.Get("/daily/{date:string}", func(ctx iris.Context) {
		report, err := analyticsSvc.DailyReport(ctx.Request().Context(), ctx.Params().Get("date"))
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": report})
	})

	analytics.Get("/leaderboard/{date:string}", func(ctx iris.Context) {
		date := ctx.Params().Get("date")
		limit := service.ClampLimit(ctx.URLParamIntDefault("limit", 10))
		entries, err := analyticsSvc.TopCustomers(ctx.Request().Context(), date, limit)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": iris.Map{
			"date":         date,
			"limit":        limit,
			"leaderboard":  entries,
			"generated_at": time.Now().UTC(),
		}})
	})

	analytics.Get("/leaderboard/{date:string}/customers/{id:string}", func(ctx iris.Context) {
		entry, err := analyticsSvc.CustomerRank(ctx.Request().Context(), ctx.Params().Get("date"), ctx.Params().Get("id"))
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": entry})
	})

	analytics.Get("/kpis", func(ctx iris.Context) {
		report, err := analyticsSvc.KpisForRange(ctx.Request().Context(), ctx.URLParam("start_date"), ctx.URLParam("end_date"))
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": report})
	})

	RegisterAdminRoutes(api, deps)
}

// fail 把领域错误映射成 HTTP 状态码
func fail(ctx iris.Context, err error) {
	code := statusOf(err)
	ctx.StopWithJSON(code, iris.Map{"code": code, "msg": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, order.ErrInvalidOrder),
		errors.Is(err, refund.ErrInvalidType),
		errors.Is(err, service.ErrInvalidRefundAmount),
		errors.Is(err, kpi.ErrInvalidDate),
		errors.Is(err, kpi.ErrInvalidRange):
		return iris.StatusBadRequest
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, refund.ErrNotFound),
		errors.Is(err, kpi.ErrNotFound):
		return iris.StatusNotFound
	case errors.Is(err, service.ErrOrderNotRefundable),
		errors.Is(err, order.ErrDuplicateNumber):
		return iris.StatusConflict
	default:
		return iris.StatusInternalServerError
	}
}
