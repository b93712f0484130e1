// Package opsweb is the server's operational HTTP surface: liveness,
// readiness, version, and Prometheus metrics. It carries no domain API —
// every data-plane operation goes through the MCP tool-call pipeline
// instead (internal/registry), never through a REST endpoint.
package opsweb

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thearchitectit/guardrail-mcp/internal/cache"
	"github.com/thearchitectit/guardrail-mcp/internal/config"
	"github.com/thearchitectit/guardrail-mcp/internal/database"
	metricsPkg "github.com/thearchitectit/guardrail-mcp/internal/metrics"
	loggingMiddleware "github.com/thearchitectit/guardrail-mcp/internal/middleware"
)

// Server wraps the Echo server exposing operational endpoints.
type Server struct {
	echo    *echo.Echo
	cfg     *config.Config
	db      *database.DB
	cache   *cache.Client
	version string
}

// NewServer creates the ops HTTP server.
func NewServer(cfg *config.Config, db *database.DB, cacheClient *cache.Client, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		cfg:     cfg,
		db:      db,
		cache:   cacheClient,
		version: version,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestID())
	s.echo.Use(correlationIDMiddleware())
	s.echo.Use(panicRecoveryMiddleware())
	s.echo.Use(metricsPkg.PrometheusMiddleware())
	s.echo.Use(loggingMiddleware.RequestLogger())
	s.echo.Use(securityHeadersMiddleware())
	s.echo.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: s.cfg.RequestTimeout,
	}))
	s.echo.Use(middleware.BodyLimit("1M"))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health/live", s.healthLive)
	s.echo.GET("/health/ready", s.healthReady)
	s.echo.GET("/version", s.versionInfo)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Start starts the server
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func correlationIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()

			correlationID := req.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = res.Header().Get(echo.HeaderXRequestID)
			}
			res.Header().Set("X-Correlation-ID", correlationID)
			c.Set("correlation_id", correlationID)

			ctx := context.WithValue(req.Context(), correlationIDContextKey{}, correlationID)
			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}

type correlationIDContextKey struct{}

func panicRecoveryMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			defer func() {
				if r := recover(); r != nil {
					err, ok := r.(error)
					if !ok {
						err = echo.NewHTTPError(http.StatusInternalServerError, r)
					}

					metricsPkg.RecordPanic(c.Path())

					slog.Error("panic recovered",
						"error", err,
						"path", c.Path(),
						"method", c.Request().Method,
						"correlation_id", c.Get("correlation_id"),
						"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
						"stack", string(debug.Stack()),
					)

					c.Error(err)
				}
			}()
			return next(c)
		}
	}
}

func securityHeadersMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			csp := "default-src 'self'; " +
				"script-src 'self'; " +
				"style-src 'self' 'unsafe-inline'; " +
				"img-src 'self' data:; " +
				"font-src 'self'; " +
				"connect-src 'self'; " +
				"frame-ancestors 'none'; " +
				"base-uri 'self'; " +
				"form-action 'self'"

			c.Response().Header().Set("Content-Security-Policy", csp)
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")
			c.Response().Header().Set("X-XSS-Protection", "1; mode=block")
			c.Response().Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			c.Response().Header().Set("Permissions-Policy", "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()")

			return next(c)
		}
	}
}

func (s *Server) versionInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":   s.version,
		"service":   "guardrail-mcp",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) healthLive(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) healthReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.HealthCheckTimeout)
	defer cancel()

	if err := s.db.HealthCheck(ctx); err != nil {
		slog.Error("readiness check failed - database", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "not ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}

	if err := s.cache.HealthCheck(ctx); err != nil {
		slog.Error("readiness check failed - cache", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "not ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
