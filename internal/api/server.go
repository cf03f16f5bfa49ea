// Package api wires the gin engine: middleware stack, Anthropic-compatible
// routes and the optional management API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroProxyAPI/internal/api/handlers"
	"github.com/router-for-me/KiroProxyAPI/internal/api/middleware"
	"github.com/router-for-me/KiroProxyAPI/internal/config"
	"github.com/router-for-me/KiroProxyAPI/internal/credential"
	"github.com/router-for-me/KiroProxyAPI/internal/logging"
)

// Server is the HTTP front of the proxy.
type Server struct {
	engine *gin.Engine
	server *http.Server
	cfg    *config.Config
}

// NewServer builds the engine with the full middleware stack and routes.
func NewServer(cfg *config.Config, engine handlers.Engine, pool *credential.Pool, store handlers.PrioritySetter) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	middleware.SetMetricsEnabled(cfg.MetricsEnabled)

	router.Use(logging.GinLogrusLogger())
	router.Use(logging.GinLogrusRecovery())
	router.Use(middleware.PrometheusMiddleware())
	router.Use(middleware.RequestDecompression())
	router.Use(corsMiddleware())

	s := &Server{
		engine: router,
		cfg:    cfg,
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: router,
		},
	}
	s.setupRoutes(engine, pool, store)
	return s
}

func (s *Server) setupRoutes(engine handlers.Engine, pool *credential.Pool, store handlers.PrioritySetter) {
	messages := handlers.NewMessagesHandler(engine)
	tokens := handlers.NewTokensHandler(s.cfg)
	auth := middleware.APIKeyAuth(s.cfg.APIKey)

	v1 := s.engine.Group("/v1")
	v1.Use(auth)
	{
		v1.GET("/models", handlers.Models)
		v1.POST("/messages", messages.Messages)
		v1.POST("/messages/count_tokens", tokens.CountTokens)
	}

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "credentials": pool.Size()})
	})
	s.engine.GET("/metrics", middleware.MetricsHandler())

	if s.cfg.AdminEnabled() {
		admin := handlers.NewAdminHandler(pool, store)
		group := s.engine.Group("/api/admin")
		group.Use(middleware.AdminAuth(s.cfg.AdminAPIKey))
		{
			group.GET("/credentials", admin.ListCredentials)
			group.POST("/credentials/:id/disabled", admin.SetDisabled)
			group.POST("/credentials/:id/priority", admin.SetPriority)
			group.POST("/credentials/:id/reset", admin.ResetFailures)
		}
	}
}

// Handler exposes the underlying engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	log.Infof("listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// corsMiddleware allows cross-origin requests; desktop clients talk to the
// proxy from arbitrary origins.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := strings.TrimSpace(c.GetHeader("Origin")); origin != "" {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "*")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
