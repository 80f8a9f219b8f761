// handlers_progress.go - Job progress read surfaces: poll, SSE, WebSocket and result
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tsviz/backend/internal/models"
	"github.com/tsviz/backend/internal/upload"
)

// DefaultPushInterval is the cadence of SSE and WebSocket snapshots.
const DefaultPushInterval = 500 * time.Millisecond

const mimeMsgpack = "application/msgpack"

// ProgressHandlerImpl implements the ProgressHandler interface. Every
// endpoint only reads the job store.
type ProgressHandlerImpl struct {
	jobs     *upload.JobStore
	interval time.Duration
	upgrader websocket.Upgrader
}

// NewProgressHandler creates a progress handler. A non-positive interval
// uses DefaultPushInterval.
func NewProgressHandler(jobs *upload.JobStore, interval time.Duration) ProgressHandler {
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	return &ProgressHandlerImpl{
		jobs:     jobs,
		interval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// HandleProgress returns the current snapshot of a job
func (h *ProgressHandlerImpl) HandleProgress(c echo.Context) error {
	id := c.Param("id")
	job, ok := h.jobs.Get(id)
	if !ok {
		return NewNotFoundError("upload", id)
	}
	return c.JSON(http.StatusOK, job.Snapshot())
}

// HandleProgressSSE pushes snapshots as server-sent events until the job is
// done or failed, or the client goes away.
func (h *ProgressHandlerImpl) HandleProgressSSE(c echo.Context) error {
	id := c.Param("id")
	job, ok := h.jobs.Get(id)
	if !ok {
		return NewNotFoundError("upload", id)
	}

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		if err := h.sendSSEData(c, job.Snapshot()); err != nil {
			return nil
		}
		if job.Status.Terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		job, ok = h.jobs.Get(id)
		if !ok {
			// evicted while streaming
			return nil
		}
	}
}

func (h *ProgressHandlerImpl) sendSSEData(c echo.Context, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", jsonData); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// HandleProgressWS pushes the same snapshots over a WebSocket and closes
// normally once the job reaches a terminal state.
func (h *ProgressHandlerImpl) HandleProgressWS(c echo.Context) error {
	id := c.Param("id")
	job, ok := h.jobs.Get(id)
	if !ok {
		return NewNotFoundError("upload", id)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		c.Logger().Warnf("[WebSocket] upgrade failed: %v", err)
		return nil
	}
	defer ws.Close()

	// Reader only notices the peer closing; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteJSON(job.Snapshot()); err != nil {
			c.Logger().Debugf("[WebSocket] write failed for %s: %v", id, err)
			return nil
		}
		if job.Status.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status))
			ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return nil
		}

		select {
		case <-gone:
			return nil
		case <-ticker.C:
		}

		job, ok = h.jobs.Get(id)
		if !ok {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "job removed")
			ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return nil
		}
	}
}

// HandleResult returns the analyzed result of a finished job. Jobs that are
// not done answer 202 with their status.
func (h *ProgressHandlerImpl) HandleResult(c echo.Context) error {
	id := c.Param("id")
	job, ok := h.jobs.Get(id)
	if !ok {
		return NewNotFoundError("upload", id)
	}

	if job.Status != models.JobStatusDone || job.Result == nil {
		resp := map[string]interface{}{
			"status":  job.Status,
			"percent": job.Percent,
		}
		if job.Error != "" {
			resp["error"] = job.Error
		}
		return c.JSON(http.StatusAccepted, resp)
	}

	if acceptsMsgpack(c.Request()) {
		data, err := msgpack.Marshal(job.Result)
		if err != nil {
			return NewInternalError("failed to encode result", err)
		}
		return c.Blob(http.StatusOK, mimeMsgpack, data)
	}
	return c.JSON(http.StatusOK, job.Result)
}

func acceptsMsgpack(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get(echo.HeaderAccept), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(mt, mimeMsgpack) || strings.EqualFold(mt, "application/x-msgpack") {
			return true
		}
	}
	return false
}
