package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/fieldmesh/coremachine/internal/http/handlers"
	httpMW "github.com/fieldmesh/coremachine/internal/http/middleware"
	"github.com/fieldmesh/coremachine/internal/platform/logger"
)

// RouterConfig wires every handler spec §6 names onto its route. A nil
// handler is simply not mounted, so a partially-wired app (e.g. a
// worker-only process with no HTTP surface) can still call NewRouter.
type RouterConfig struct {
	JobHandler        *httpH.JobHandler
	PlatformHandler   *httpH.PlatformHandler
	HealthHandler     *httpH.HealthHandler
	DeadLetterHandler *httpH.DeadLetterHandler
}

func NewRouter(log *logger.Logger, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("coremachine"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/health", cfg.HealthHandler.HealthCheck)
	}

	if cfg.JobHandler != nil {
		r.POST("/jobs/submit/:job_type", cfg.JobHandler.SubmitJob)
		r.GET("/jobs/status/:job_id", cfg.JobHandler.GetJobStatus)
		r.GET("/jobs", cfg.JobHandler.ListJobs)
		r.GET("/tasks", cfg.JobHandler.ListTasks)
	}

	if cfg.PlatformHandler != nil {
		r.POST("/platform/submit", cfg.PlatformHandler.Submit)
	}

	if cfg.DeadLetterHandler != nil {
		r.GET("/tasks/dead-letter", cfg.DeadLetterHandler.ListDeadLetters)
	}

	return r
}
