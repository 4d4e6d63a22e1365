package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnChecker is satisfied by *mq.Publisher.
type ConnChecker interface {
	IsConnected() bool
}

// Options carries the optional readiness dependencies and extra handlers.
type Options struct {
	DB        Pinger
	Publisher ConnChecker
	Admin     *AdminHandler
	Messages  *MessageHandler
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(accounts *AccountHandler, opts Options, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if opts.DB != nil {
			if err := opts.DB.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
				return
			}
		}
		if opts.Publisher != nil && !opts.Publisher.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	acct := r.Group("/accounts")
	{
		acct.GET("", accounts.List)
		acct.GET("/:id", accounts.Get)
		acct.PUT("/:id/credential", accounts.SaveCredential)
		acct.POST("/:id/reauth", accounts.ClearReauth)
		if opts.Messages != nil {
			acct.GET("/:id/messages", opts.Messages.List)
			acct.GET("/:id/stats", opts.Messages.Stats)
		}
	}

	if opts.Admin != nil {
		admin := r.Group("/admin")
		admin.POST("/outbox/replay", opts.Admin.ReplayOutboxEvent)
		admin.POST("/outbox/replay-failed", opts.Admin.ReplayFailedEvents)
	}

	return &Router{Engine: r}
}

// Server wraps the engine for graceful shutdown.
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
