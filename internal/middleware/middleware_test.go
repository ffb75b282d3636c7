package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) (*gin.Engine, *PrometheusMiddleware) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMiddleware("test", reg, reg)

	r := gin.New()
	r.Use(NewRequestLogger(nil).Handler(), pm.Handler())
	r.GET("/ok", func(c *gin.Context) {
		_, exists := c.Get(TraceIDKey)
		assert.True(t, exists, "trace-id установлен до обработчика")
		c.String(http.StatusOK, "ok")
	})
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	pm.RegisterMetricsEndpoint(r)
	return r, pm
}

func TestPrometheusMiddleware_CountsErrors(t *testing.T) {
	r, pm := newRouter(t)

	for _, path := range []string{"/ok", "/fail", "/fail", "/nowhere"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.reqErrors.WithLabelValues("GET", "/fail", "400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.reqErrors.WithLabelValues("GET", "unmatched", "404")))
	assert.Zero(t, testutil.ToFloat64(pm.reqInflight))
}

func TestPrometheusMiddleware_MetricsEndpoint(t *testing.T) {
	r, _ := newRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "test_http_request_duration_seconds"))
}

func TestPrometheusMiddleware_CountsAdminCommands(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMiddleware("test", reg, reg)

	r := gin.New()
	r.Use(pm.Handler())
	r.POST("/session/:command", func(c *gin.Context) {
		if c.Param("command") == "start_now" {
			c.Status(http.StatusOK)
			return
		}
		c.Status(http.StatusConflict)
	})

	for _, cmd := range []string{"start_now", "pause", "pause"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/session/"+cmd, nil))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.commands.WithLabelValues("start_now", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.commands.WithLabelValues("pause", "409")), "отклонённые команды тоже считаются")
}
