package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kataras/iris/v12"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/orderflow/internal/config"
)

func newApp(t *testing.T, cfg config.RateLimitConfig) *iris.Application {
	t.Helper()
	app := iris.New()
	app.Get("/ping", RateLimit(cfg), func(ctx iris.Context) {
		ctx.JSON(iris.Map{"code": 0})
	})
	require.NoError(t, app.Build())
	return app
}

func hit(app *iris.Application) int {
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	return rec.Code
}

func TestRateLimitRejectsAfterBurst(t *testing.T) {
	app := newApp(t, config.RateLimitConfig{RPS: 0.001, Burst: 2})

	assert.Equal(t, http.StatusOK, hit(app))
	assert.Equal(t, http.StatusOK, hit(app))
	assert.Equal(t, http.StatusTooManyRequests, hit(app))
}

func TestRateLimitDisabled(t *testing.T) {
	app := newApp(t, config.RateLimitConfig{})
	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusOK, hit(app))
	}
}

func TestNewLimiterDefaultsBurst(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{RPS: 5})
	assert.Equal(t, 5, l.Burst())

	l = NewLimiter(config.RateLimitConfig{RPS: 0.5})
	assert.Equal(t, 1, l.Burst())
}
