package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"delogo/config"
	"delogo/scheduler"
	"delogo/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	taskManager *task.Manager
	scheduler   *scheduler.Scheduler
	cfg         *config.Config
	logger      *zap.Logger
	// jobCtx outlives the request that triggers a manual sweep run
	jobCtx context.Context
}

func NewHandler(tm *task.Manager, sch *scheduler.Scheduler, cfg *config.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		taskManager: tm,
		scheduler:   sch,
		cfg:         cfg,
		logger:      logger,
		jobCtx:      context.Background(),
	}
}

type TaskRequest struct {
	UserID       string        `json:"userId" binding:"required"`
	InputRef     string        `json:"inputRef" binding:"required"`
	OriginalName string        `json:"originalName"`
	Regions      []task.Region `json:"regions"`
	CreditCost   int           `json:"creditCost"`
	IsFree       bool          `json:"isFree"`
}

// handleCreateTask validates a submission and starts the external job.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.taskManager.Submit(c.Request.Context(), task.SubmitRequest{
		UserID:           req.UserID,
		InputRef:         req.InputRef,
		OriginalName:     req.OriginalName,
		Regions:          req.Regions,
		QuotedCreditCost: req.CreditCost,
		IsFree:           req.IsFree,
	})
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field, "details": verr.Problems})
		return
	case err != nil:
		h.logger.Error("submit failed", zap.String("trace_id", GetTraceID(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"taskId":        res.TaskID,
		"status":        res.Status,
		"estimatedTime": int(res.EstimatedTime.Seconds()),
	})
}

// handleGetTaskStatus returns the best known state of a task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	view, err := h.taskManager.Status(c.Request.Context(), c.Param("taskId"))
	if errors.Is(err, task.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleCancelTask cancels a processing or retry-pending task.
func (h *Handler) handleCancelTask(c *gin.Context) {
	ok, err := h.taskManager.Cancel(c.Request.Context(), c.Param("taskId"))
	if errors.Is(err, task.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "Task cannot be cancelled in its current state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancelled"})
}

// handleGetFile serves a persisted artifact.
func (h *Handler) handleGetFile(c *gin.Context) {
	name := filepath.Base(c.Param("filename"))
	path := filepath.Join(h.cfg.ArtifactDir, name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	c.File(path)
}

func (h *Handler) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Jobs())
}

func (h *Handler) lookupJob(c *gin.Context) (*scheduler.Job, bool) {
	j, err := h.scheduler.Job(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return j, true
}

// handleRunJob triggers a sweep in the background.
func (h *Handler) handleRunJob(c *gin.Context) {
	j, ok := h.lookupJob(c)
	if !ok {
		return
	}
	if j.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "Job is already running"})
		return
	}
	go j.Trigger(h.jobCtx)
	c.JSON(http.StatusAccepted, gin.H{"message": "Job triggered", "job": j.Name()})
}

func (h *Handler) handleStartJob(c *gin.Context) {
	j, ok := h.lookupJob(c)
	if !ok {
		return
	}
	if err := j.Start(h.jobCtx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, j.Info())
}

func (h *Handler) handleStopJob(c *gin.Context) {
	j, ok := h.lookupJob(c)
	if !ok {
		return
	}
	j.Stop()
	c.JSON(http.StatusOK, j.Info())
}
