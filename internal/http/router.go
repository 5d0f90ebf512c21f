package http

import (
	"log/slog"
	"os"
	"time"

	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/cache"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/http/handlers"
	"github.com/liwenXtrace/BackendInterview-RedisJobQueue/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const maxJobBodyBytes = 1 << 20 // 1 MiB

func NewRouter(log *slog.Logger, queue handlers.JobsQueue, ping func() error, prom *observability.Prom, reg *prometheus.Registry) *gin.Engine {
	cfgEnv := os.Getenv("APP_ENV")

	if cfgEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// middleware

	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("jobqueue-api"))
	r.Use(RequestID())
	r.Use(RequestLogger(log))

	if prom != nil {
		r.Use(prom.GinHandleMiddleware())
	}

	// Routes
	h := handlers.NewHealthHandler(ping)
	r.GET("/ping", h.Ping)
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	if reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	// terminal job views are immutable; a short cache absorbs pollers
	views := cache.New(30 * time.Second)

	jobsHandler := handlers.NewJobsHandler(queue, views)

	r.POST("/jobs", MaxBodyBytes(maxJobBodyBytes), jobsHandler.CreateJob)
	r.GET("/jobs/:id", jobsHandler.GetJob)

	return r
}
