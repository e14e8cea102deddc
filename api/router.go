package api

import (
	"context"
	"net/http"

	"delogo/config"
	"delogo/scheduler"
	"delogo/task"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter wires the HTTP surface. jobCtx is handed to sweeps started or
// triggered over HTTP and should be cancelled on shutdown.
func SetupRouter(jobCtx context.Context, tm *task.Manager, sch *scheduler.Scheduler, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(TraceMiddleware(), RecoveryMiddleware(logger), LoggingMiddleware(logger))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", traceHeader)
	corsCfg.ExposeHeaders = []string{traceHeader}
	r.Use(cors.New(corsCfg))

	h := NewHandler(tm, sch, cfg, logger)
	if jobCtx != nil {
		h.jobCtx = jobCtx
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Persisted artifacts; names are unguessable task ids
	r.GET("/files/:filename", h.handleGetFile)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)

		v1.GET("/scheduler/jobs", h.handleListJobs)
		v1.POST("/scheduler/jobs/:name/run", h.handleRunJob)
		v1.POST("/scheduler/jobs/:name/start", h.handleStartJob)
		v1.POST("/scheduler/jobs/:name/stop", h.handleStopJob)
	}
	return r
}
