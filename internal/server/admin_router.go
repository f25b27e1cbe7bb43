package server

import (
	"github.com/kataras/iris/v12"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/orderflow/internal/datamodels/refund"
	"github.com/example/orderflow/internal/middleware"
	"github.com/example/orderflow/internal/service"
)

type refundRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Type     string          `json:"type"`
	Reason   string          `json:"reason"`
	RefundID string          `json:"refund_id"`
}

type reconcileRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// RegisterAdminRoutes 需要管理员 token 的接口：发起退款、统计回放
func RegisterAdminRoutes(api iris.Party, deps Deps) {
	admin := requireAdmin(deps)

	api.Post("/orders/{id:string}/refunds", admin, middleware.RateLimit(deps.Config.RateLimit), func(ctx iris.Context) {
		var req refundRequest
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		typ, err := refund.ParseType(req.Type)
		if err != nil {
			fail(ctx, err)
			return
		}
		refundID, err := deps.Orders.RequestRefund(ctx.Request().Context(), service.RefundRequest{
			OrderID:  ctx.Params().Get("id"),
			Amount:   req.Amount,
			Type:     typ,
			Reason:   req.Reason,
			RefundID: req.RefundID,
		})
		if err != nil {
			fail(ctx, err)
			return
		}
		deps.Log.Info("refund accepted",
			zap.String("refund_id", refundID), zap.String("operator", ctx.Values().GetString("subject")))
		ctx.StatusCode(iris.StatusAccepted)
		ctx.JSON(iris.Map{"code": 0, "msg": "queued", "data": iris.Map{"refund_id": refundID}})
	})

	api.Post("/v1/analytics/reconcile", admin, func(ctx iris.Context) {
		var req reconcileRequest
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		if req.EndDate == "" {
			req.EndDate = req.StartDate
		}
		res, err := deps.Analytics.Reconcile(ctx.Request().Context(), req.StartDate, req.EndDate)
		if err != nil {
			fail(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": res})
	})
}

// requireAdmin 校验 Authorization 头，非管理员返回 403
func requireAdmin(deps Deps) iris.Handler {
	return func(ctx iris.Context) {
		token := ctx.GetHeader("Authorization")
		if token == "" {
			ctx.StopWithJSON(401, iris.Map{"code": 401, "msg": "missing token"})
			return
		}
		claims, err := deps.Tokens.Resolve(ctx.Request().Context(), deps.Config.JWT, token)
		if err != nil {
			ctx.StopWithJSON(401, iris.Map{"code": 401, "msg": "invalid token"})
			return
		}
		if !claims.IsAdmin() {
			ctx.StopWithJSON(403, iris.Map{"code": 403, "msg": "admin role required"})
			return
		}
		ctx.Values().Set("subject", claims.Subject)
		ctx.Next()
	}
}
