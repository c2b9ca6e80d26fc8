package mockllm

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/convoload/convoload/pkg/config"
	"github.com/convoload/convoload/pkg/health"
	"github.com/convoload/convoload/pkg/logging"
	"github.com/convoload/convoload/pkg/metrics"
	"github.com/convoload/convoload/pkg/tracing"
)

// NewRouter wires the mock inference service into a gin engine with the
// full middleware chain: recovery, CORS, metrics, tracing, request logging.
func NewRouter(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics, ts *tracing.TracingService, svc *Service) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}))
	router.Use(m.PrometheusMiddleware())
	if ts != nil {
		router.Use(ts.TracingMiddleware())
	}
	router.Use(requestLogger(logger))

	healthSvc := health.NewService(logger, nil)
	healthSvc.RegisterChecker("simulation", health.NewCustomChecker("simulation", svc.simulationCheck))

	router.GET("/", svc.HandleInfo)
	router.GET("/health", healthSvc.Handler())
	router.GET("/health/live", healthSvc.LivenessHandler())
	router.GET("/health/ready", healthSvc.ReadinessHandler())
	router.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := router.Group("/v1beta")
	{
		models := v1.Group("/models/:model")
		{
			models.POST("/generate", svc.HandleGenerate)
			models.POST("/streamGenerate", svc.HandleStreamGenerate)
			models.POST("/embeddings", svc.HandleEmbeddings)
			models.POST("/countTokens", svc.HandleCountTokens)
		}
	}

	admin := router.Group("/admin")
	{
		admin.POST("/chaos/latency", svc.handleChaosLatency)
		admin.POST("/chaos/errors", svc.handleChaosErrors)
		admin.POST("/reset", svc.handleChaosReset)
	}

	return router
}

// requestLogger logs one line per completed request, skipping the probe
// endpoints that would otherwise drown the output.
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/health/live" || c.FullPath() == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		logger.LogRequest(c.Request.Context(), c.Request.Method, c.FullPath(), c.ClientIP(), c.Writer.Status(), time.Since(start))
	}
}
