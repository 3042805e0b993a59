package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kurihiro0119/devcohort/internal/aggregator"
	"github.com/kurihiro0119/devcohort/internal/cohort"
	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
	"github.com/kurihiro0119/devcohort/internal/syncjob"
)

// SyncRunner starts sync jobs and reports their status
type SyncRunner interface {
	Start(ctx context.Context, jobType domain.JobType, p cohort.Params) (*domain.SyncJob, <-chan error, error)
	Status(ctx context.Context) (*syncjob.Status, error)
}

// Handler handles API requests
type Handler struct {
	aggregator aggregator.Aggregator
	runner     SyncRunner
	params     cohort.Params
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates a new API handler. params are the configured sync
// parameters that request overrides are applied to.
func NewHandler(agg aggregator.Aggregator, runner SyncRunner, params cohort.Params, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		aggregator: agg,
		runner:     runner,
		params:     params,
		logger:     logger,
		now:        time.Now,
	}
}

// TriggerSync starts a sync job in the background
// POST /api/v1/sync/:type
func (h *Handler) TriggerSync(c *gin.Context) {
	jobType, ok := domain.ParseJobType(c.Param("type"))
	if !ok {
		respondError(c, apperrors.NewBadRequestError("sync type must be users, repos or all"))
		return
	}

	var overrides cohort.Overrides
	if err := c.ShouldBindJSON(&overrides); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, apperrors.NewBadRequestError("invalid overrides: "+err.Error()))
		return
	}
	params, err := overrides.Apply(h.params)
	if err != nil {
		respondError(c, err)
		return
	}

	// the job outlives the request
	job, _, err := h.runner.Start(context.WithoutCancel(c.Request.Context()), jobType, params)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"data": job,
	})
}

// GetSyncStatus returns the latest job and whether a sync is running
// GET /api/v1/sync/status
func (h *Handler) GetSyncStatus(c *gin.Context) {
	status, err := h.runner.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": status,
	})
}

// GetPanel returns monthly statistics per tier
// GET /api/v1/panel?start=YYYY-MM[-DD]&end=YYYY-MM[-DD]
func (h *Handler) GetPanel(c *gin.Context) {
	start, end, err := h.parsePanelRange(c)
	if err != nil {
		respondError(c, err)
		return
	}

	panel, err := h.aggregator.Panel(c.Request.Context(), start, end)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": panel,
	})
}

// GetFindings returns the pre/post comparison
// GET /api/v1/findings
func (h *Handler) GetFindings(c *gin.Context) {
	findings, err := h.aggregator.Findings(c.Request.Context(), h.now())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": findings,
	})
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// parsePanelRange reads start and end. Without them the panel covers the
// last twelve months up to now.
func (h *Handler) parsePanelRange(c *gin.Context) (time.Time, time.Time, error) {
	now := h.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -11, 0)
	end := now

	if s := c.Query("start"); s != "" {
		t, err := ParseDate(s)
		if err != nil {
			return start, end, err
		}
		start = t
	}
	if s := c.Query("end"); s != "" {
		t, err := ParseDate(s)
		if err != nil {
			return start, end, err
		}
		end = t
	}
	return start, end, nil
}

// ParseDate accepts YYYY-MM-DD or YYYY-MM
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", aggregator.MonthLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperrors.NewBadRequestError("invalid date " + s + ": use YYYY-MM-DD or YYYY-MM")
}

// respondError sends an error response
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		_ = c.Error(err)
		appErr = apperrors.NewInternalError("internal server error", err)
	}

	status := http.StatusInternalServerError
	switch appErr.Code {
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeUnauthorized:
		status = http.StatusUnauthorized
	case apperrors.ErrCodeBadRequest:
		status = http.StatusBadRequest
	case apperrors.ErrCodeConflict:
		status = http.StatusConflict
	case apperrors.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	case apperrors.ErrCodeUpstreamUnavailable:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}
