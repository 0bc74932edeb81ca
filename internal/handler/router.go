package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/apranova/lms-workspace/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	AllowOrigins []string
	Verifier     auth.TokenVerifier
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
}

func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowCredentials: true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.Use(auth.Middleware(cfg.Verifier, func(c *gin.Context, status int, msg string) {
		h.errorResponse(c, status, msg, nil)
	}))
	h.Register(api)
	return router
}

func (h *Handler) Register(api *gin.RouterGroup) {
	ws := api.Group("/workspaces")
	{
		ws.POST("/provision", h.Provision)
		ws.GET("/provision-stream", h.ProvisionStream)
		ws.GET("/provision-ws", h.ProvisionSocket)
		ws.POST("/heartbeat", h.Heartbeat)
		ws.GET("/:studentId", h.Get)
		ws.POST("/:studentId/start", h.Start)
		ws.POST("/:studentId/stop", h.Stop)
		ws.POST("/:studentId/reset", h.Reset)
		ws.DELETE("/:studentId", h.Delete)
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = fmt.Sprintf("%.8s", uuid.New().String())
		}
		c.Header("X-Request-ID", id)
		c.Set("requestID", id)
		c.Next()
	}
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("requestID"),
		)
	}
}
