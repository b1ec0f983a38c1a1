package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandler serves liveness/readiness endpoints. The orchestrator core
// has no external dependencies to probe, so both endpoints are static.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// Health handles GET /health
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ready",
	})
}
