// Package api implements the competitor-scout HTTP API.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/database"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/eventbus"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/pipeline"
)

// DefaultHeartbeatInterval is how often an idle event stream gets a comment line.
const DefaultHeartbeatInterval = 15 * time.Second

// DefaultLogLimit is the number of log entries returned when no limit is given.
const DefaultLogLimit = 100

// RunService is the orchestrator surface the API drives.
type RunService interface {
	StartRun(ctx context.Context, req domain.RunRequest) (domain.KeywordRun, error)
	Cancel(keyword string) error
	Status(ctx context.Context, keyword string) (domain.KeywordRun, error)
	Subscribe(ctx context.Context, keyword string) (*eventbus.Subscription, error)
	Results(ctx context.Context, keyword string) ([]domain.ResultPair, error)
	Logs(keyword string, limit int) ([]domain.LogEntry, error)
	DeleteResults(ctx context.Context, keyword string) (int, error)
	ListRuns(ctx context.Context, limit int) ([]domain.KeywordRun, error)
	Dashboard(ctx context.Context) (domain.DashboardStats, error)
	Defaults() domain.RunConfig
}

// Handler serves the run endpoints.
type Handler struct {
	runs      RunService
	log       logger.Logger
	heartbeat time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithHeartbeat sets the event stream heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewHandler creates a Handler.
func NewHandler(runs RunService, log logger.Logger, opts ...Option) *Handler {
	h := &Handler{
		runs:      runs,
		log:       log.With(logger.String("component", "api")),
		heartbeat: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the API under /api/v1.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")

	runs := v1.Group("/runs")
	runs.POST("", h.StartRun)
	runs.GET("", h.ListRuns)
	runs.GET("/:keyword", h.GetStatus)
	runs.DELETE("/:keyword", h.CancelRun)
	runs.GET("/:keyword/events", h.StreamEvents)
	runs.GET("/:keyword/results", h.GetResults)
	runs.DELETE("/:keyword/results", h.DeleteResults)
	runs.GET("/:keyword/logs", h.GetLogs)

	v1.DELETE("/results", h.DeleteManyResults)
	v1.GET("/dashboard", h.GetDashboard)
	v1.GET("/config/defaults", h.GetDefaults)
}

// StartRun handles POST /api/v1/runs.
func (h *Handler) StartRun(c *gin.Context) {
	var req domain.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	run, err := h.runs.StartRun(c.Request.Context(), req)
	if err != nil {
		h.respondServiceError(c, "start run", err)
		return
	}

	c.JSON(http.StatusAccepted, run)
}

// ListRuns handles GET /api/v1/runs.
func (h *Handler) ListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(database.DefaultListLimit)))
	if err != nil || limit <= 0 {
		limit = database.DefaultListLimit
	}

	runs, err := h.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		h.respondServiceError(c, "list runs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetStatus handles GET /api/v1/runs/:keyword.
func (h *Handler) GetStatus(c *gin.Context) {
	run, err := h.runs.Status(c.Request.Context(), c.Param("keyword"))
	if err != nil {
		h.respondServiceError(c, "get status", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// CancelRun handles DELETE /api/v1/runs/:keyword.
func (h *Handler) CancelRun(c *gin.Context) {
	keyword := c.Param("keyword")
	if err := h.runs.Cancel(keyword); err != nil {
		h.respondServiceError(c, "cancel run", err)
		return
	}

	h.log.Info("Run cancellation requested", logger.String("keyword", keyword))
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// GetResults handles GET /api/v1/runs/:keyword/results. Query parameters
// page, page_size, sort_by and sort_desc select the page.
func (h *Handler) GetResults(c *gin.Context) {
	query, err := parseResultQuery(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	pairs, err := h.runs.Results(c.Request.Context(), c.Param("keyword"))
	if err != nil {
		h.respondServiceError(c, "get results", err)
		return
	}

	c.JSON(http.StatusOK, domain.PageResults(pairs, query))
}

func parseResultQuery(c *gin.Context) (domain.ResultQuery, error) {
	query := domain.DefaultResultQuery()

	ints := []struct {
		name   string
		target *int
	}{
		{"page", &query.Page},
		{"page_size", &query.PageSize},
	}
	for _, p := range ints {
		raw, ok := c.GetQuery(p.name)
		if !ok {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return query, &domain.ValidationError{Field: p.name, Message: "must be an integer"}
		}
		*p.target = v
	}
	if raw, ok := c.GetQuery("sort_by"); ok {
		query.SortBy = domain.ResultSort(raw)
	}
	if raw, ok := c.GetQuery("sort_desc"); ok {
		desc, err := strconv.ParseBool(raw)
		if err != nil {
			return query, &domain.ValidationError{Field: "sort_desc", Message: "must be a boolean"}
		}
		query.SortDesc = desc
	}
	return query, query.Validate()
}

// GetLogs handles GET /api/v1/runs/:keyword/logs.
func (h *Handler) GetLogs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(DefaultLogLimit)))
	if err != nil || limit <= 0 {
		limit = DefaultLogLimit
	}

	logs, err := h.runs.Logs(c.Param("keyword"), limit)
	if err != nil {
		h.respondServiceError(c, "get logs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":  logs,
		"count": len(logs),
	})
}

// DeleteResults handles DELETE /api/v1/runs/:keyword/results.
func (h *Handler) DeleteResults(c *gin.Context) {
	keyword := c.Param("keyword")
	deleted, err := h.runs.DeleteResults(c.Request.Context(), keyword)
	if err != nil {
		h.respondServiceError(c, "delete results", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "deleted",
		"keyword":      keyword,
		"runs_deleted": deleted,
	})
}

type deleteManyRequest struct {
	Keywords []string `json:"keywords" binding:"required,min=1"`
}

// DeleteManyResults handles DELETE /api/v1/results. Keywords that cannot be
// deleted are reported with the reason and do not stop the others.
func (h *Handler) DeleteManyResults(c *gin.Context) {
	var req deleteManyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	deleted := []string{}
	failed := map[string]string{}
	for _, keyword := range req.Keywords {
		if _, err := h.runs.DeleteResults(c.Request.Context(), keyword); err != nil {
			status := StatusFor(err)
			if status >= http.StatusInternalServerError {
				h.log.Error("Request failed", logger.String("operation", "delete results"), logger.Error(err))
				failed[keyword] = http.StatusText(status)
				continue
			}
			failed[keyword] = err.Error()
			continue
		}
		deleted = append(deleted, keyword)
	}

	c.JSON(http.StatusOK, gin.H{
		"deleted_keywords": deleted,
		"failed":           failed,
	})
}

// GetDashboard handles GET /api/v1/dashboard.
func (h *Handler) GetDashboard(c *gin.Context) {
	stats, err := h.runs.Dashboard(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "get dashboard", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetDefaults handles GET /api/v1/config/defaults.
func (h *Handler) GetDefaults(c *gin.Context) {
	c.JSON(http.StatusOK, h.runs.Defaults())
}

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, domain.ErrRunNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, pipeline.ErrShuttingDown) {
		return http.StatusServiceUnavailable
	}
	switch domain.Classify(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAlreadyRunning:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondServiceError(c *gin.Context, op string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", logger.String("operation", op), logger.Error(err))
		respondError(c, status, op+" failed: "+http.StatusText(status))
		return
	}
	respondError(c, status, err.Error())
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
