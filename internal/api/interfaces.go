// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"github.com/labstack/echo/v4"
)

// UploadHandler handles single-shot and chunked uploads
type UploadHandler interface {
	HandleUpload(c echo.Context) error
	HandleUploadStream(c echo.Context) error
	HandleInitChunked(c echo.Context) error
	HandleUploadChunk(c echo.Context) error
	HandleCompleteChunked(c echo.Context) error
	HandleListUploads(c echo.Context) error
}

// ProgressHandler exposes job progress and results
type ProgressHandler interface {
	HandleProgress(c echo.Context) error
	HandleProgressSSE(c echo.Context) error
	HandleProgressWS(c echo.Context) error
	HandleResult(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}
