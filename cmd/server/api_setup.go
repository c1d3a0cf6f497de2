package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jgirmay/presenced/internal/health"
	"github.com/jgirmay/presenced/pkg/config"
	"github.com/jgirmay/presenced/pkg/http/handlers"
	"github.com/jgirmay/presenced/pkg/services/rate_limiting"
)

// NewPublicRouter builds the client-facing presence API
func NewPublicRouter(c *Components, cfg *config.Config, logger *zap.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(handlers.RequestLogger(logger))
	router.Use(middleware.Recoverer)

	presenceHandlers := handlers.NewPresenceHandlers(
		c.Engine,
		c.Filter,
		c.Gate,
		c.Registry.RelationshipRepository,
		cfg.Server.IngestTimeout,
		logger,
	)
	var ingest []func(http.Handler) http.Handler
	if c.Limiter != nil {
		ingest = append(ingest, rate_limiting.Middleware(c.Limiter, rate_limiting.MiddlewareConfig{
			Logger:  logger.Named("ratelimit"),
			Metrics: c.Metrics,
		}))
	}
	handlers.RegisterPresenceRoutes(router, presenceHandlers, c.Stream, ingest...)

	logger.Info("[INIT] public routes registered",
		zap.Strings("routes", []string{
			"POST /presence/signals",
			"GET /presence/{userID}",
			"POST /presence/bulk",
			"GET /presence/stream",
			"POST /presence/notify-check",
			"PUT /presence/{userID}/visibility",
			"PUT|DELETE /presence/relationships/memberships",
			"PUT|DELETE /presence/relationships/contacts",
		}))
	return router
}

// NewOpsEngine builds the operator surface: health, metrics and cluster admin
func NewOpsEngine(c *Components, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	health.NewHealthHandler(c.Health).RegisterRoutes(engine)

	var raftStatus health.RaftStatus
	if c.RaftNode != nil {
		raftStatus = c.RaftNode
	}
	health.NewClusterHandler(c.Store, c.ShardMap, raftStatus, logger).RegisterRoutes(engine)

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(c.Prometheus, promhttp.HandlerOpts{})))
	engine.GET("/api/stream/clients", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"connections":   c.Stream.GetClientCount(),
			"subscriptions": c.Fanout.Count(),
			"contexts":      c.Fanout.Contexts(),
			"clients":       c.Stream.Clients(),
		})
	})
	return engine
}
