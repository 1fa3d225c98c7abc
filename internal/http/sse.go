package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/events"
	"github.com/fyrsmithlabs/specflow/internal/store"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// handleEvents streams run progress via Server-Sent Events.
//
// The handler subscribes before looking the run up, so a run that finishes
// in between still ends the stream with its finished event. The connection
// stays open until the run finishes, the client disconnects or the server
// shuts down.
//
// Example:
//
//	GET /api/v1/runs/{id}/events
//
//	event: step
//	data: {"type":"step","run_id":"...","step_id":"extract","attempt":1,"status":"failed",...}
//
//	event: finished
//	data: {"type":"finished","run_id":"...","status":"completed","attempts":4,...}
func (s *Server) handleEvents(c echo.Context) error {
	if s.events == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "event streaming is not configured")
	}
	ctx := c.Request().Context()
	runID := c.Param("id")

	sub, err := s.events.Subscribe(ctx, runID)
	if err != nil {
		s.logger.Error(ctx, "subscribing to run events failed", zap.String("run.id", runID), zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream unavailable")
	}
	defer func() { _ = sub.Close() }()

	run, err := s.lookupRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "loading run failed")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	res.WriteHeader(http.StatusOK)

	if run.Status != workflow.RunRunning {
		at := run.FinishedAt
		if at.IsZero() {
			at = time.Now()
		}
		return writeEvent(res, events.FinishedEvent(run, at))
	}
	res.Flush()
	defer s.metrics.StreamOpened(ctx)()

	// Heartbeat to prevent proxy timeouts
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := writeEvent(res, e); err != nil {
				return nil
			}
			if e.Terminal() {
				return nil
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
				return nil
			}
			res.Flush()

		case <-ctx.Done():
			// Client disconnected
			return nil

		case <-s.runCtx.Done():
			return nil
		}
	}
}

func writeEvent(res *echo.Response, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
