package api

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/invulnerable/scancore/internal/metrics"
)

// MetricsHandler exposes the Prometheus collectors registered in
// metrics.Service under GET /metrics.
type MetricsHandler struct {
	handler echo.HandlerFunc
}

func NewMetricsHandler(svc *metrics.Service) *MetricsHandler {
	h := promhttp.HandlerFor(svc.Registry, promhttp.HandlerOpts{})
	return &MetricsHandler{
		handler: echo.WrapHandler(h),
	}
}

// Metrics handles GET /metrics
func (h *MetricsHandler) Metrics(c echo.Context) error {
	return h.handler(c)
}
