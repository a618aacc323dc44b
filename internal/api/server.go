package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/privyscan/privyscan/internal/collab"
	"github.com/privyscan/privyscan/internal/config"
	"github.com/privyscan/privyscan/internal/health"
	"github.com/privyscan/privyscan/internal/logger"
)

// Server is the HTTP surface of the scan engine.
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	http   *http.Server
	log    *logger.Logger
}

// NewServer assembles the router: recovery, CORS, auth, then the scan API
// under /api/v1.
func NewServer(cfg *config.Config, resolver collab.PrincipalResolver, handler *ScanHandler, checker *health.Checker, log *logger.Logger) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if origin == "" {
				return true
			}
			return strings.Contains(origin, "localhost")
		},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Accept", "X-Tenant-ID", "X-User-ID", "X-Roles", "X-Device-Fingerprint"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	engine.GET("/healthz", func(c *gin.Context) {
		if checker == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		status := checker.Check(c.Request.Context())
		code := http.StatusOK
		if status.Overall == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	apiV1 := engine.Group("/api/v1")
	apiV1.Use(requireAuth(resolver, log))
	handler.RegisterRoutes(apiV1)

	return &Server{
		cfg:    cfg,
		engine: engine,
		log:    log,
		http: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "port", s.cfg.Port)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
