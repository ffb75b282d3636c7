package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedPath метка для запросов мимо маршрутов, чтобы не плодить серии
const unmatchedPath = "unmatched"

// PrometheusMiddleware HTTP-метрики API авторитета:
//
//	<ns>_http_request_duration_seconds{method,path,status}
//	<ns>_http_requests_inflight
//	<ns>_http_request_errors_total{method,path,status}
//	<ns>_admin_commands_total{command,status}
//
// Последняя серия считает вызовы POST /api/admin/session/:command по
// имени команды, включая отклонённые.
type PrometheusMiddleware struct {
	gatherer    prometheus.Gatherer
	reqDuration *prometheus.HistogramVec
	reqInflight prometheus.Gauge
	reqErrors   *prometheus.CounterVec
	commands    *prometheus.CounterVec
}

// NewPrometheusMiddleware создаёт коллекторы с пространством имён service и
// регистрирует их в reg (nil: не регистрировать). gatherer отдаётся на /metrics.
func NewPrometheusMiddleware(service string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *PrometheusMiddleware {
	labels := []string{"method", "path", "status"}
	pm := &PrometheusMiddleware{
		gatherer: gatherer,
		reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: service,
			Name:      "http_request_duration_seconds",
			Help:      "Длительность HTTP-запросов к API сессии.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}, labels),
		reqInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: service,
			Name:      "http_requests_inflight",
			Help:      "Запросы в обработке.",
		}),
		reqErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: service,
			Name:      "http_request_errors_total",
			Help:      "Ответы 4xx/5xx.",
		}, labels),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: service,
			Name:      "admin_commands_total",
			Help:      "Административные команды сессии по результату.",
		}, []string{"command", "status"}),
	}
	if reg != nil {
		reg.MustRegister(pm.reqDuration, pm.reqInflight, pm.reqErrors, pm.commands)
	}
	return pm
}

// Handler middleware для router.Use()
func (pm *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pm.reqInflight.Inc()
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		pm.reqInflight.Dec()

		code := c.Writer.Status()
		status := strconv.Itoa(code)
		path := c.FullPath()
		if path == "" {
			path = unmatchedPath
		}

		pm.reqDuration.WithLabelValues(c.Request.Method, path, status).Observe(elapsed.Seconds())
		if code >= 400 {
			pm.reqErrors.WithLabelValues(c.Request.Method, path, status).Inc()
		}
		if cmd := c.Param("command"); cmd != "" {
			pm.commands.WithLabelValues(cmd, status).Inc()
		}
	}
}

// RegisterMetricsEndpoint вешает GET /metrics на r
func (pm *PrometheusMiddleware) RegisterMetricsEndpoint(r gin.IRoutes) {
	h := promhttp.Handler()
	if pm.gatherer != nil {
		h = promhttp.HandlerFor(pm.gatherer, promhttp.HandlerOpts{})
	}
	r.GET("/metrics", gin.WrapH(h))
}
