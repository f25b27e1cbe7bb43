package redis

import (
	"fmt"
	"time"

	"github.com/example/orderflow/internal/datamodels/kpi"
)

const (
	kpiDailyKey         = "kpi:daily:%s"           // date，KPI 计数 hash
	kpiCustomersKey     = "kpi:customers:daily:%s" // date，当天出现过的客户
	kpiOrdersKey        = "kpi:orders:daily:%s"    // date，已计入的订单（去重）
	kpiRefundsKey       = "kpi:refunds:daily:%s"   // date，已计入的退款（去重）
	leaderboardDailyKey = "leaderboard:daily:%s"   // date，客户消费排行，分数为分

	defaultRetention = 30 * 24 * time.Hour
)

func dailyKey(d kpi.Date) string       { return fmt.Sprintf(kpiDailyKey, d) }
func customersKey(d kpi.Date) string   { return fmt.Sprintf(kpiCustomersKey, d) }
func ordersKey(d kpi.Date) string      { return fmt.Sprintf(kpiOrdersKey, d) }
func refundsKey(d kpi.Date) string     { return fmt.Sprintf(kpiRefundsKey, d) }
func leaderboardKey(d kpi.Date) string { return fmt.Sprintf(leaderboardDailyKey, d) }
