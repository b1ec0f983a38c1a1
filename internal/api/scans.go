package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/invulnerable/scancore/internal/metrics"
	"github.com/invulnerable/scancore/internal/models"
	"github.com/invulnerable/scancore/internal/queue"
	"github.com/invulnerable/scancore/internal/registry"
)

// ScanHandler is the thin façade in front of the registry and the queue: it
// never touches the filesystem, the network, or a worker process directly.
type ScanHandler struct {
	logger        *zap.Logger
	registry      *registry.Registry
	queue         *queue.Queue
	metrics       *metrics.Service
	retryAfterSec int
}

func NewScanHandler(logger *zap.Logger, reg *registry.Registry, q *queue.Queue, m *metrics.Service, retryAfterSec int) *ScanHandler {
	return &ScanHandler{
		logger:        logger,
		registry:      reg,
		queue:         q,
		metrics:       m,
		retryAfterSec: retryAfterSec,
	}
}

type startScanRequest struct {
	RepoURL    string `json:"repoUrl"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// StartScan handles POST /api/v1/scans.
func (h *ScanHandler) StartScan(c echo.Context) error {
	var req startScanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validateRepoURL(req.RepoURL); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	scanID := uuid.NewString()
	rec, err := h.registry.Create(scanID, req.RepoURL)
	if err != nil {
		h.logger.Error("failed to register scan", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to register scan")
	}

	job := models.Job{ScanID: scanID, RepoURL: req.RepoURL, WebhookURL: req.WebhookURL}
	if !h.queue.Enqueue(job) {
		h.metrics.ObserveRejected()
		h.registry.SetError(scanID, models.ScanError{
			Code:    models.ErrUnknown,
			Message: "Queue is full",
		})
		c.Response().Header().Set("Retry-After", strconv.Itoa(h.retryAfterSec))
		return echo.NewHTTPError(http.StatusTooManyRequests, "scan queue is full, try again later")
	}

	h.metrics.ObserveAdmitted()
	h.logger.Info("scan queued", zap.String("scan_id", scanID), zap.String("repo_url", req.RepoURL))
	return c.JSON(http.StatusAccepted, rec)
}

// GetScan handles GET /api/v1/scans/:id.
func (h *ScanHandler) GetScan(c echo.Context) error {
	scanID := c.Param("id")
	rec := h.registry.Get(scanID)
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "scan not found")
	}
	return c.JSON(http.StatusOK, rec)
}
