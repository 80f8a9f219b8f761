// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/tsviz/backend/internal/upload"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	UploadMgr    *upload.Manager
	Version      string
	PushInterval time.Duration
}

// Handlers holds all handler instances
type Handlers struct {
	Health   HealthHandler
	Upload   UploadHandler
	Progress ProgressHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:   NewHealthHandler(deps.Version, deps.UploadMgr.Jobs()),
		Upload:   NewUploadHandler(deps.UploadMgr),
		Progress: NewProgressHandler(deps.UploadMgr.Jobs(), deps.PushInterval),
	}
}

// RegisterRoutes registers all API routes under /api
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	g := e.Group("/api")

	// Health check
	g.GET("/health", handlers.Health.HandleHealth)

	// Uploads
	g.POST("/upload", handlers.Upload.HandleUpload)
	g.POST("/upload-stream", handlers.Upload.HandleUploadStream)
	g.POST("/upload-chunk/init", handlers.Upload.HandleInitChunked)
	g.POST("/upload-chunk", handlers.Upload.HandleUploadChunk)
	g.POST("/upload-chunk/complete", handlers.Upload.HandleCompleteChunked)
	g.GET("/uploads", handlers.Upload.HandleListUploads)

	// Progress and results
	g.GET("/upload-progress/:id", handlers.Progress.HandleProgress)
	g.GET("/upload-progress-sse/:id", handlers.Progress.HandleProgressSSE)
	g.GET("/ws/upload-progress/:id", handlers.Progress.HandleProgressWS)
	g.GET("/upload-result/:id", handlers.Progress.HandleResult)
}

// MiddlewareOptions selects the common middleware
type MiddlewareOptions struct {
	RequestLogging bool
	Gzip           bool
	GzipLevel      int
	BodyLimit      string
	CORS           bool
	AllowOrigins   []string
}

// SetupMiddleware configures common middleware and the error handler
func SetupMiddleware(e *echo.Echo, opts MiddlewareOptions) {
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !opts.RequestLogging {
				return true
			}
			return isPollPath(c.Request().URL.Path)
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	if opts.Gzip {
		e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
			Level: opts.GzipLevel,
			Skipper: func(c echo.Context) bool {
				return isPushPath(c.Request().URL.Path) ||
					c.Request().Header.Get(echo.HeaderAccept) == "text/event-stream"
			},
		}))
	}

	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	if opts.CORS {
		origins := opts.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}
}

// isPollPath reports endpoints clients hit repeatedly.
func isPollPath(path string) bool {
	return strings.Contains(path, "/upload-progress") ||
		strings.HasPrefix(path, "/api/upload-result/") ||
		path == "/api/health"
}

func isPushPath(path string) bool {
	return strings.Contains(path, "/upload-progress-sse/") ||
		strings.Contains(path, "/ws/")
}
