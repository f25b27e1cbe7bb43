package middleware

import (
	"github.com/kataras/iris/v12"
	"golang.org/x/time/rate"

	"github.com/example/orderflow/internal/config"
)

// NewLimiter 按配置创建令牌桶，RPS <= 0 表示不限流
func NewLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.RPS <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(cfg.RPS), burst)
}

// RateLimitMiddleware 限流中间件
func RateLimitMiddleware(limiter *rate.Limiter) iris.Handler {
	return func(ctx iris.Context) {
		if !limiter.Allow() {
			ctx.StopWithJSON(iris.StatusTooManyRequests, iris.Map{
				"code": iris.StatusTooManyRequests,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}
		ctx.Next()
	}
}

// RateLimit 写接口限流
func RateLimit(cfg config.RateLimitConfig) iris.Handler {
	return RateLimitMiddleware(NewLimiter(cfg))
}
