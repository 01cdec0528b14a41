// Package http exposes the run inspection API: health, replayed run state,
// transcript reads with resume-from-sequence, live event streaming over
// SSE, and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/RawleySM/agentic-context-engine/internal/transcript"
)

// Server provides HTTP endpoints for inspecting runs.
type Server struct {
	echo     *echo.Echo
	recorder transcript.Recorder
	nc       *nats.Conn
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string
}

// NewServer creates the inspection server. The NATS connection is optional;
// without it the SSE endpoint reports the stream as unavailable.
func NewServer(recorder transcript.Recorder, nc *nats.Conn, logger *zap.Logger, cfg *Config) (*Server, error) {
	if recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		cfg = &Config{Addr: "localhost:9090"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		recorder: recorder,
		nc:       nc,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/runs/:run_id/state", s.handleRunState)
	v1.GET("/runs/:run_id/transcript", s.handleTranscript)
	v1.GET("/runs/:run_id/events", s.handleEvents)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// TranscriptResponse is the response body for GET
// /api/v1/runs/:run_id/transcript.
type TranscriptResponse struct {
	RunID  string             `json:"run_id"`
	Events []transcript.Event `json:"events"`
	NextAt uint64             `json:"next_at"`
}

// handleTranscript returns a run's events from the given sequence number.
// A consumer resumes by passing the last sequence it has seen plus one.
func (s *Server) handleTranscript(c echo.Context) error {
	runID := c.Param("run_id")
	var fromSeq uint64
	if raw := c.QueryParam("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be a non-negative integer")
		}
		fromSeq = parsed
	}

	events, err := s.recorder.Read(c.Request().Context(), runID, fromSeq)
	if err != nil {
		if errors.Is(err, transcript.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		s.logger.Error("transcript read failed", zap.String("run_id", runID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "transcript read failed")
	}

	next := fromSeq
	if len(events) > 0 {
		next = events[len(events)-1].Seq + 1
	}
	return c.JSON(http.StatusOK, TranscriptResponse{RunID: runID, Events: events, NextAt: next})
}

// handleRunState replays the full transcript and returns the folded state.
func (s *Server) handleRunState(c echo.Context) error {
	runID := c.Param("run_id")
	events, err := s.recorder.Read(c.Request().Context(), runID, 0)
	if err != nil {
		if errors.Is(err, transcript.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		s.logger.Error("transcript read failed", zap.String("run_id", runID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "transcript read failed")
	}

	state, err := transcript.Replay(events)
	if err != nil {
		s.logger.Error("replay failed", zap.String("run_id", runID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "transcript replay failed")
	}
	return c.JSON(http.StatusOK, state)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
