package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/RawleySM/agentic-context-engine/internal/transcript"
)

// handleEvents streams a run's transcript events via Server-Sent Events.
//
// The handler subscribes to the run's NATS subject and forwards each
// published event to the client. The connection stays open until the run
// finalizes or the client disconnects.
//
// Example:
//
//	GET /api/v1/runs/{run_id}/events
//
//	event: phase-transition
//	data: {"seq":4,"run_id":"r-1","kind":"phase-transition",...}
//
//	event: run-finalized
//	data: {"seq":12,"run_id":"r-1","kind":"run-finalized",...}
func (s *Server) handleEvents(c echo.Context) error {
	if s.nc == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream not configured")
	}
	runID := c.Param("run_id")

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	msgChan := make(chan *nats.Msg, 10)
	sub, err := s.nc.ChanSubscribe(transcript.SubjectForRun(runID), msgChan)
	if err != nil {
		s.logger.Error("event subscription failed", zap.String("run_id", runID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "event subscription failed")
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Heartbeat ticker to prevent proxy timeouts
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			kind := eventKind(msg.Data)
			fmt.Fprintf(c.Response(), "event: %s\n", kind)
			fmt.Fprintf(c.Response(), "data: %s\n\n", string(msg.Data))
			c.Response().Flush()

			if kind == string(transcript.KindRunFinalized) {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// eventKind extracts the kind field from a marshaled event without
// decoding the whole payload.
func eventKind(data []byte) string {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Kind == "" {
		return "message"
	}
	return probe.Kind
}
