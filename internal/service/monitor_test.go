package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonitorStats(t *testing.T) {
	m := &Monitor{}
	m.RecordOrderCompleted()
	m.RecordOrderCompleted()
	m.RecordOrderCompleted()
	m.RecordOrderFailed()
	m.RecordWorkerProcessed()
	m.RecordWorkerFailed()
	m.RecordAnalyticsError()

	stats := m.GetStats()
	orders := stats["orders"].(map[string]interface{})
	assert.Equal(t, int64(3), orders["completed"])
	assert.Equal(t, float64(75), orders["completion_rate"])

	errs := stats["errors"].(map[string]interface{})
	assert.Equal(t, int64(1), errs["analytics"])
	assert.Equal(t, int64(1), errs["redis"])
	assert.Equal(t, int64(1), errs["worker"])

	perf := stats["performance"].(map[string]interface{})
	assert.Equal(t, float64(50), perf["worker_success_rate"])

	m.Reset()
	assert.Equal(t, int64(0), m.OrdersCompleted)
}
