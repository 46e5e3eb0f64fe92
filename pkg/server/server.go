// Package server exposes the memloom service over HTTP: ingest, query,
// outbound pull, corrections, admin, and a websocket event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/memloom/memloom"
	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/server/handlers"
)

// Server is the HTTP front end over a memloom Service.
type Server struct {
	cfg    *config.Config
	svc    memloom.Service
	logger *slog.Logger
	router *gin.Engine
	http   *http.Server
}

// New builds a server. Call Setup before Start.
func New(cfg *config.Config, svc memloom.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, svc: svc, logger: logger}
}

// Setup builds the router and the underlying http.Server.
func (s *Server) Setup() {
	gin.SetMode(s.cfg.Server.Mode)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.logger))

	s.routes()

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler: s.router,
	}
}

func (s *Server) routes() {
	ingest := handlers.NewIngestHandler(s.svc)
	queries := handlers.NewQueryHandler(s.svc)
	outbound := handlers.NewOutboundHandler(s.svc)
	admin := handlers.NewAdminHandler(s.svc)
	stream := handlers.NewStreamHandler(s.svc, s.logger)

	s.router.GET("/health", admin.Health)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/interactions", ingest.ReportInteraction)
		v1.POST("/events/external", ingest.ReportExternalEvent)

		v1.POST("/query", queries.Query)
		v1.POST("/query/nl", queries.QueryNL)
		v1.POST("/context", queries.GetContext)
		v1.POST("/context/block", queries.ContextBlock)

		v1.POST("/outbound/probes", outbound.Probes)
		v1.POST("/outbound/starters", outbound.Starters)
		v1.POST("/outbound/:id/delivered", outbound.Delivered)
		v1.POST("/outbound/:id/resolve", outbound.Resolve)

		v1.POST("/corrections", admin.Correction)
		v1.GET("/edges/:id/provenance", admin.Provenance)
		v1.GET("/snapshot", admin.Snapshot)

		v1.GET("/stream", stream.Stream)
	}
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Stop runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server stopping")
	return s.http.Shutdown(ctx)
}

// requestLogger logs one line per request through the service logger.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
		)
	}
}
