// Package api exposes the ops surface over HTTP: health, pipeline
// status, recent decisions, and the admin controls (kill switch, manual
// flatten, cutoff overrides). The trading loop never depends on this
// layer; stopping the server does not stop the pipeline.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"equities-trading-bot/config"
	"equities-trading-bot/internal/auth"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/database"
	"equities-trading-bot/internal/engine"
	"equities-trading-bot/internal/eod"
	"equities-trading-bot/internal/events"
	"equities-trading-bot/internal/ratelimit"
	"equities-trading-bot/internal/risk"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is the HTTP ops server.
type Server struct {
	cfg        *config.Config
	router     *gin.Engine
	httpServer *http.Server

	engine    *engine.Engine
	risk      *risk.Manager
	flattener *eod.Flattener
	db        *database.DB
	store     *coord.Store
	limiter   *ratelimit.Limiter
	jwt       *auth.JWTManager
	hub       *wsHub
	logger    zerolog.Logger
}

// NewServer builds the server and registers its routes.
func NewServer(cfg *config.Config, eng *engine.Engine, riskMgr *risk.Manager, flattener *eod.Flattener, db *database.DB, store *coord.Store, limiter *ratelimit.Limiter, bus *events.EventBus, logger zerolog.Logger) *Server {
	if !cfg.LoggingConfig.JSONFormat {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		engine:    eng,
		risk:      riskMgr,
		flattener: flattener,
		db:        db,
		store:     store,
		limiter:   limiter,
		jwt:       auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration),
		hub:       newWSHub(logger),
		logger:    logger.With().Str("component", "api").Logger(),
	}
	if bus != nil {
		bus.SubscribeAll(s.hub.broadcastEvent)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())
	s.router.Use(s.corsMiddleware())
	s.registerRoutes()
	return s
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if origins := s.cfg.ServerConfig.AllowedOrigins; origins != "" && origins != "*" {
		corsConfig.AllowOrigins = strings.Split(origins, ",")
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	return cors.New(corsConfig)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.logger.Debug().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).Dur("elapsed", time.Since(start)).Msg("Request")
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/login", s.handleLogin)
		v1.GET("/status", s.handleStatus)
		v1.GET("/signals/recent", s.handleRecentSignals)
		v1.GET("/suppressions", s.handleSuppressions)
		v1.GET("/positions", s.handlePositions)
	}

	admin := v1.Group("/admin")
	if s.cfg.AuthConfig.Enabled {
		admin.Use(auth.Middleware(s.jwt))
	}
	{
		admin.POST("/killswitch", s.handleKillSwitch)
		admin.POST("/flatten", s.handleFlatten)
		admin.PUT("/cutoff", s.handleSetCutoff)
		admin.DELETE("/cutoff", s.handleClearCutoff)
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ServerConfig.Host, s.cfg.ServerConfig.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.ServerConfig.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := time.Duration(s.cfg.ServerConfig.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
