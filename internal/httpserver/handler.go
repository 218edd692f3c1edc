package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	contracthttp "subscan/contracts/http"
	"subscan/internal/repository"
	"subscan/internal/service"
	"subscan/pkg/logger"
	"subscan/pkg/outbox"
)

// OutboxAdmin exposes failed outbox events for inspection and replay.
type OutboxAdmin interface {
	GetFailedEvents(ctx context.Context, limit int) ([]*outbox.Event, error)
	ReplayEvent(ctx context.Context, eventID int64) error
}

// Handler serves the pipeline's trigger endpoints.
type Handler struct {
	scans           *service.ScanService
	ingestion       *service.IngestionService
	dispatcher      *service.DispatcherService
	classifier      *service.ClassificationService
	sweeper         *service.SweeperService
	watchdog        *service.WatchdogService
	outbox          OutboxAdmin
	runTimeout time.Duration
	logger          *zap.Logger
}

func NewHandler(
	scans *service.ScanService,
	ingestion *service.IngestionService,
	dispatcher *service.DispatcherService,
	classifier *service.ClassificationService,
	sweeper *service.SweeperService,
	watchdog *service.WatchdogService,
	outbox OutboxAdmin,
	runTimeout time.Duration,
	logger *zap.Logger,
) *Handler {
	if runTimeout <= 0 {
		runTimeout = 10 * time.Minute
	}
	return &Handler{
		scans:           scans,
		ingestion:       ingestion,
		dispatcher:      dispatcher,
		classifier:      classifier,
		sweeper:         sweeper,
		watchdog:        watchdog,
		outbox:          outbox,
		runTimeout: runTimeout,
		logger:          logger,
	}
}

// CreateScan handles POST /v1/scans
func (h *Handler) CreateScan(c *gin.Context) {
	var req contracthttp.CreateScanRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	job, err := h.scans.Create(c.Request.Context(), req.UserID)
	if err != nil {
		h.internalError(c, "failed to create scan", err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// GetScan handles GET /v1/scans/:scan_id
func (h *Handler) GetScan(c *gin.Context) {
	job, err := h.scans.Get(c.Request.Context(), c.Param("scan_id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
		return
	}
	if err != nil {
		h.internalError(c, "failed to load scan", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Ingest handles POST|GET /v1/ingest. Ingestion runs detached from the
// request; progress is visible through GET /v1/scans/:scan_id.
func (h *Handler) Ingest(c *gin.Context) {
	var req contracthttp.IngestRequest
	if err := c.ShouldBind(&req); err != nil || req.ScanID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scan_id is required"})
		return
	}

	h.background(c, "Ingestion failed", func(ctx context.Context) error {
		_, err := h.ingestion.Run(ctx, req.ScanID, req.AccessToken)
		return err
	})

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "accepted",
		"scan_id": req.ScanID,
	})
}

// Dispatch handles POST|GET /v1/dispatch
func (h *Handler) Dispatch(c *gin.Context) {
	summary, err := h.dispatcher.Run(c.Request.Context())
	if err != nil {
		h.internalError(c, "dispatch failed", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Classify handles POST /v1/classify. The batch runs after the response is
// written; progress is visible through GET /v1/scans/:scan_id.
func (h *Handler) Classify(c *gin.Context) {
	var req contracthttp.ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if len(req.ScanIDs) != len(req.UserIDs) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scan_ids and user_ids must have the same length"})
		return
	}

	h.background(c, "Classification batch failed", func(ctx context.Context) error {
		_, err := h.classifier.Classify(ctx, req)
		return err
	})

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "accepted",
		"scan_ids": req.ScanIDs,
	})
}

// Sweep handles POST|GET /v1/sweep
func (h *Handler) Sweep(c *gin.Context) {
	summary, err := h.sweeper.Run(c.Request.Context())
	if err != nil {
		h.internalError(c, "sweep failed", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Watchdog handles POST|GET /v1/watchdog
func (h *Handler) Watchdog(c *gin.Context) {
	report, err := h.watchdog.Run(c.Request.Context())
	if err != nil {
		h.internalError(c, "watchdog failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// FailedEvents handles GET /admin/outbox/failed?limit=100
func (h *Handler) FailedEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	events, err := h.outbox.GetFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.internalError(c, "failed to list events", err)
		return
	}
	if events == nil {
		events = []*outbox.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ReplayEvent handles POST /admin/outbox/replay {"event_id": 42}
func (h *Handler) ReplayEvent(c *gin.Context) {
	var req contracthttp.ReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.EventID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required"})
		return
	}

	err := h.outbox.ReplayEvent(c.Request.Context(), req.EventID)
	if errors.Is(err, outbox.ErrEventNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		h.internalError(c, "failed to replay event", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "replayed",
		"event_id": req.EventID,
	})
}

// background runs fn detached from the request, keeping its trace values.
func (h *Handler) background(c *gin.Context, msg string, fn func(ctx context.Context) error) {
	bg := context.WithoutCancel(c.Request.Context())
	go func() {
		ctx, cancel := context.WithTimeout(bg, h.runTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.WithTrace(ctx, h.logger).Error(msg, zap.Error(err))
		}
	}()
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	logger.WithTrace(c.Request.Context(), h.logger).Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}
