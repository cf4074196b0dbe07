package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/freqsearch/internal/models"
	"github.com/yourusername/freqsearch/internal/service"
)

// BacktestAPI is the application surface the gateway exposes. The service
// layer implements it.
type BacktestAPI interface {
	Submit(ctx context.Context, req *service.SubmitRequest) (*models.BacktestJob, error)
	SubmitBatch(ctx context.Context, reqs []*service.SubmitRequest) ([]service.BatchItemResult, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.BacktestJob, error)
	GetResult(ctx context.Context, jobID uuid.UUID) (*models.BacktestResult, error)
	Query(ctx context.Context, q *models.BacktestResultQuery) ([]*models.BacktestJob, int, error)
	Cancel(ctx context.Context, jobID uuid.UUID) error
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// BacktestHandler serves the /api/v1 backtest routes.
type BacktestHandler struct {
	backtests BacktestAPI
	log       *logrus.Entry
}

// NewBacktestHandler creates the route handler set.
func NewBacktestHandler(backtests BacktestAPI, baseLogger *logrus.Logger) *BacktestHandler {
	return &BacktestHandler{
		backtests: backtests,
		log:       baseLogger.WithField("component", "api"),
	}
}

// Submit handles POST /backtests.
func (h *BacktestHandler) Submit(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	job, err := h.backtests.Submit(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// BatchRequest wraps the submissions of POST /backtests/batch.
type BatchRequest struct {
	Submissions []*service.SubmitRequest `json:"submissions"`
}

// SubmitBatch handles POST /backtests/batch. Items succeed or fail
// independently; the response preserves submission order.
func (h *BacktestHandler) SubmitBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	results, err := h.backtests.SubmitBatch(c.Request.Context(), req.Submissions)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// GetJob handles GET /backtests/:id.
func (h *BacktestHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.backtests.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetResult handles GET /backtests/:id/result.
func (h *BacktestHandler) GetResult(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	result, err := h.backtests.GetResult(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Cancel handles POST /backtests/:id/cancel and returns the updated job.
func (h *BacktestHandler) Cancel(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.backtests.Cancel(ctx, jobID); err != nil {
		h.respondError(c, err)
		return
	}

	job, err := h.backtests.GetJob(ctx, jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Query handles GET /backtests with filter and pagination parameters.
func (h *BacktestHandler) Query(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobs, total, err := h.backtests.Query(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*models.BacktestJob{}
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":      jobs,
		"total":     total,
		"page":      q.Page,
		"page_size": q.PageSize,
	})
}

// QueueStats handles GET /queue/stats.
func (h *BacktestHandler) QueueStats(c *gin.Context) {
	stats, err := h.backtests.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *BacktestHandler) jobID(c *gin.Context) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return uuid.Nil, false
	}
	return jobID, true
}

// respondError maps domain errors onto HTTP statuses.
func (h *BacktestHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotYetAvailable),
		errors.Is(err, models.ErrAlreadyTerminal),
		errors.Is(err, models.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.log.WithError(err).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseQuery(c *gin.Context) (*models.BacktestResultQuery, error) {
	q := &models.BacktestResultQuery{}

	if err := parseUUIDParam(c, "strategy_id", &q.StrategyID); err != nil {
		return nil, err
	}
	if err := parseUUIDParam(c, "optimization_run_id", &q.OptimizationRunID); err != nil {
		return nil, err
	}
	if raw := c.Query("status"); raw != "" {
		status := models.JobStatus(raw)
		if !status.IsValid() {
			return nil, models.NewValidationError("status", "unknown job status "+strconv.Quote(raw))
		}
		q.Status = &status
	}
	if err := parseFloatParam(c, "min_sharpe", &q.MinSharpe); err != nil {
		return nil, err
	}
	if err := parseFloatParam(c, "min_profit_pct", &q.MinProfitPct); err != nil {
		return nil, err
	}
	if err := parseFloatParam(c, "max_drawdown_pct", &q.MaxDrawdownPct); err != nil {
		return nil, err
	}
	if raw := c.Query("min_trades"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, models.NewValidationError("min_trades", "must be an integer")
		}
		q.MinTrades = &v
	}
	if err := parseTimeParam(c, "created_after", &q.CreatedAfter); err != nil {
		return nil, err
	}
	if err := parseTimeParam(c, "created_before", &q.CreatedBefore); err != nil {
		return nil, err
	}

	q.OrderBy = c.Query("order_by")
	q.Ascending = c.Query("ascending") == "true"
	if raw := c.Query("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, models.NewValidationError("page", "must be an integer")
		}
		q.Page = v
	}
	if raw := c.Query("page_size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, models.NewValidationError("page_size", "must be an integer")
		}
		q.PageSize = v
	}
	return q, nil
}

func parseUUIDParam(c *gin.Context, name string, dst **uuid.UUID) error {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return models.NewValidationError(name, "must be a UUID")
	}
	*dst = &id
	return nil
}

func parseFloatParam(c *gin.Context, name string, dst **float64) error {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return models.NewValidationError(name, "must be a number")
	}
	*dst = &v
	return nil
}

func parseTimeParam(c *gin.Context, name string, dst **time.Time) error {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	v, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return models.NewValidationError(name, "must be an RFC3339 timestamp")
	}
	*dst = &v
	return nil
}
