// Package http provides the HTTP API for specflow.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/events"
	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/orchestrator"
	"github.com/fyrsmithlabs/specflow/internal/sanitize"
	"github.com/fyrsmithlabs/specflow/internal/store"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// RunStore reads persisted runs.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*workflow.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*workflow.RunRecord, error)
	CountRuns(ctx context.Context) (map[workflow.RunStatus]int, error)
}

// EventSource streams the events of one run.
type EventSource interface {
	Subscribe(ctx context.Context, runID string) (*events.Subscription, error)
}

// Server provides HTTP endpoints for specflow.
type Server struct {
	echo    *echo.Echo
	orch    atomic.Pointer[orchestrator.Orchestrator]
	store   RunStore
	events  EventSource
	metrics *HTTPMetrics
	logger  *logging.Logger
	config  *Config

	// runCtx parents every run started over HTTP; Shutdown cancels it.
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu     sync.Mutex
	active map[string]*orchestrator.Handle
	wg     sync.WaitGroup

	heartbeat time.Duration
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string

	// RunConfig is the config map handed to every run started over HTTP.
	RunConfig map[string]any
	// Default folders for runs whose request omits them.
	InputFolder  string
	OutputFolder string
}

// Option configures a Server.
type Option func(*Server)

// WithStore serves run history from st. Without a store only runs started
// by this server are visible.
func WithStore(st RunStore) Option {
	return func(s *Server) { s.store = st }
}

// WithEvents enables GET /api/v1/runs/:id/events.
func WithEvents(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

// WithHTTPMetrics records OpenTelemetry request metrics.
func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server that starts runs on orch.
func NewServer(orch *orchestrator.Orchestrator, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:      e,
		logger:    logger.Named("http"),
		config:    cfg,
		runCtx:    runCtx,
		cancelRun: cancel,
		active:    make(map[string]*orchestrator.Handle),
		heartbeat: 30 * time.Second,
	}
	s.orch.Store(orch)
	for _, opt := range opts {
		opt(s)
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}

	s.registerRoutes()

	return s, nil
}

// requestLogger tags the request context with its id and logs one line per
// request.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), requestID)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/manifest", s.handleManifest)
	v1.GET("/runs", s.handleListRuns)
	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/events", s.handleEvents)
}

// SetOrchestrator replaces the orchestrator used for new runs. Runs already
// in flight keep the one they started on.
func (s *Server) SetOrchestrator(orch *orchestrator.Orchestrator) {
	if orch != nil {
		s.orch.Store(orch)
	}
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	resp := StatusResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Manifest: s.orch.Load().Graph().Name,
		Services: map[string]string{"store": "disabled", "events": "disabled"},
		Counts:   s.countRuns(ctx),
	}
	if s.store != nil {
		resp.Services["store"] = "ok"
		if resp.Counts.Completed < 0 {
			resp.Services["store"] = "degraded"
			resp.Status = "degraded"
		}
	}
	if s.events != nil {
		resp.Services["events"] = "ok"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleManifest(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.Load().Graph())
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.InputFolder == "" {
		req.InputFolder = s.config.InputFolder
	}
	if req.OutputFolder == "" {
		req.OutputFolder = s.config.OutputFolder
	}
	if req.InputFolder == "" || req.OutputFolder == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "input_folder and output_folder are required")
	}
	input, err := sanitize.ValidatePath(req.InputFolder, "")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "input_folder: "+err.Error())
	}
	output, err := sanitize.ValidatePath(req.OutputFolder, "")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "output_folder: "+err.Error())
	}

	orch := s.orch.Load()
	wc, err := orch.NewContext(s.config.RunConfig, map[string]any{
		"input_folder":  input,
		"output_folder": output,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h := orch.Start(s.runCtx, wc)
	s.track(h)
	s.metrics.RunStarted(c.Request().Context(), orch.Graph().Name)
	s.logger.Info(c.Request().Context(), "run started", zap.String("run.id", h.RunID))

	return c.JSON(http.StatusAccepted, StartRunResponse{
		RunID:  h.RunID,
		Status: workflow.RunRunning,
		Links: map[string]string{
			"self":   "/api/v1/runs/" + h.RunID,
			"events": "/api/v1/runs/" + h.RunID + "/events",
		},
	})
}

// track keeps h visible until it finishes and, when a store is configured,
// until the store holds its final record.
func (s *Server) track(h *orchestrator.Handle) {
	s.mu.Lock()
	s.active[h.RunID] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-h.Done()
		if s.store == nil {
			return
		}
		s.mu.Lock()
		delete(s.active, h.RunID)
		s.mu.Unlock()
	}()
}

func (s *Server) handle(runID string) (*orchestrator.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.active[runID]
	return h, ok
}

// lookupRun returns the freshest record of runID.
func (s *Server) lookupRun(ctx context.Context, runID string) (*workflow.RunRecord, error) {
	if h, ok := s.handle(runID); ok {
		return h.Latest(), nil
	}
	if s.store == nil {
		return nil, store.ErrNotFound
	}
	return s.store.GetRun(ctx, runID)
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.lookupRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "loading run failed", zap.String("run.id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading run failed")
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleListRuns(c echo.Context) error {
	var q ListRunsQuery
	if err := c.Bind(&q); err != nil || q.Limit < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
	}
	if q.Limit == 0 {
		q.Limit = 50
	}

	runs, err := s.listRuns(c.Request().Context(), q.Limit)
	if err != nil {
		s.logger.Error(c.Request().Context(), "listing runs failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing runs failed")
	}

	resp := RunsResponse{Runs: make([]RunSummary, 0, len(runs))}
	for _, r := range runs {
		resp.Runs = append(resp.Runs, summarize(r))
	}
	return c.JSON(http.StatusOK, resp)
}

// listRuns merges in-flight runs with stored ones, newest first.
func (s *Server) listRuns(ctx context.Context, limit int) ([]*workflow.RunRecord, error) {
	byID := make(map[string]*workflow.RunRecord)
	if s.store != nil {
		stored, err := s.store.ListRuns(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range stored {
			byID[r.RunID] = r
		}
	}
	s.mu.Lock()
	for id, h := range s.active {
		byID[id] = h.Latest()
	}
	s.mu.Unlock()

	runs := make([]*workflow.RunRecord, 0, len(byID))
	for _, r := range byID {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown cancels in-flight runs, stops the listener and waits for the runs
// to record their final state.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	s.cancelRun()

	err := s.echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("waiting for runs: %w", ctx.Err()))
	}
	return err
}
