// handlers_upload.go - Single-shot and chunked upload handlers
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/tsviz/backend/internal/upload"
)

// UploadHandlerImpl implements the UploadHandler interface
type UploadHandlerImpl struct {
	uploadManager *upload.Manager
}

// NewUploadHandler creates a new upload handler instance
func NewUploadHandler(uploadMgr *upload.Manager) UploadHandler {
	return &UploadHandlerImpl{
		uploadManager: uploadMgr,
	}
}

// HandleUpload accepts a multipart file and returns the analyzed result
// once processing has finished.
func (h *UploadHandlerImpl) HandleUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no file provided", err)
	}

	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open uploaded file", err)
	}
	defer src.Close()

	job, err := h.uploadManager.ProcessSingle(c.Request().Context(), file.Filename, src)
	if err != nil {
		return fromUploadError("failed to process file", err)
	}
	if job.Result == nil {
		return NewInternalError("processing finished without a result", nil)
	}

	return c.JSON(http.StatusOK, job.Result)
}

// HandleUploadStream accepts a multipart file and processes it in the
// background. Progress is observed through the job id.
func (h *UploadHandlerImpl) HandleUploadStream(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no file provided", err)
	}

	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open uploaded file", err)
	}
	defer src.Close()

	job, err := h.uploadManager.StartStream(file.Filename, src)
	if err != nil {
		return fromUploadError("failed to store file", err)
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// HandleInitChunked declares a chunked upload and returns its id
func (h *UploadHandlerImpl) HandleInitChunked(c echo.Context) error {
	var req initChunkedRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	if err := req.validate(); err != nil {
		return err
	}

	job, err := h.uploadManager.Init(upload.InitRequest{
		Name:         req.Name,
		Size:         req.Size,
		ChunkSize:    req.ChunkSize,
		Encoding:     req.Encoding,
		OriginalSize: req.OriginalSize,
	})
	if err != nil {
		return fromUploadError("failed to initialize upload", err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"uploadId":    job.ID,
		"totalChunks": job.TotalChunks,
		"chunkSize":   job.ChunkSize,
	})
}

// HandleUploadChunk accepts a single chunk of a chunked upload
func (h *UploadHandlerImpl) HandleUploadChunk(c echo.Context) error {
	req, err := parseChunkForm(c)
	if err != nil {
		return err
	}

	file, err := c.FormFile("chunk")
	if err != nil {
		return NewBadRequestError("no chunk provided", err)
	}

	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open chunk", err)
	}
	defer src.Close()

	if _, err := h.uploadManager.ReceiveChunk(req.UploadID, req.Index, req.Total, src); err != nil {
		return fromUploadError("failed to save chunk", err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// HandleCompleteChunked verifies that every chunk arrived and starts merging.
// A gap is reported in the body with ok=false so clients can resend.
func (h *UploadHandlerImpl) HandleCompleteChunked(c echo.Context) error {
	var req completeChunkedRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}

	if err := req.validate(); err != nil {
		return err
	}

	_, err := h.uploadManager.Complete(req.UploadID, req.Total)
	var missing *upload.MissingChunksError
	switch {
	case errors.As(err, &missing):
		return c.JSON(http.StatusOK, map[string]interface{}{
			"ok":      false,
			"error":   upload.CodeMissingChunks,
			"missing": missing.Missing,
		})
	case err != nil:
		return fromUploadError("failed to complete upload", err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// HandleListUploads returns every known job, oldest first
func (h *UploadHandlerImpl) HandleListUploads(c echo.Context) error {
	return c.JSON(http.StatusOK, h.uploadManager.Jobs().List())
}

// Request types

type initChunkedRequest struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	ChunkSize    int64  `json:"chunkSize"`
	Encoding     string `json:"encoding"`
	OriginalSize int64  `json:"originalSize"`
}

func (r *initChunkedRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return NewValidationError("name")
	}
	if r.Size <= 0 {
		return NewBadRequestError("size must be positive", nil)
	}
	if r.ChunkSize < 0 {
		return NewBadRequestError("chunkSize must not be negative", nil)
	}
	return nil
}

type uploadChunkRequest struct {
	UploadID string
	Index    int
	Total    int
}

// parseChunkForm reads the multipart fields sent next to a chunk. total is
// optional.
func parseChunkForm(c echo.Context) (uploadChunkRequest, error) {
	req := uploadChunkRequest{UploadID: c.FormValue("uploadId")}
	if req.UploadID == "" {
		return req, NewValidationError("uploadId")
	}

	index, err := strconv.Atoi(c.FormValue("index"))
	if err != nil {
		return req, NewBadRequestError("invalid index", err)
	}
	req.Index = index

	if raw := c.FormValue("total"); raw != "" {
		total, err := strconv.Atoi(raw)
		if err != nil || total < 0 {
			return req, NewBadRequestError("invalid total", err)
		}
		req.Total = total
	}
	return req, nil
}

type completeChunkedRequest struct {
	UploadID string `json:"uploadId"`
	Total    int    `json:"total"`
}

func (r *completeChunkedRequest) validate() error {
	if r.UploadID == "" {
		return NewValidationError("uploadId")
	}
	if r.Total < 0 {
		return NewBadRequestError("total must not be negative", nil)
	}
	return nil
}
