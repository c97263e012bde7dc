// Package api serves the loop over HTTP: turns, the live event stream,
// usage totals and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/thane-toolloop/internal/agent"
	"github.com/nugget/thane-toolloop/internal/buildinfo"
	"github.com/nugget/thane-toolloop/internal/connwatch"
	"github.com/nugget/thane-toolloop/internal/events"
	"github.com/nugget/thane-toolloop/internal/usage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxRequestBody bounds a turn request.
const maxRequestBody = 4 << 20

// TurnRunner runs one turn. *agent.Dispatcher satisfies it.
type TurnRunner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Outcome, error)
}

// UsageReader reports accounting totals. *usage.Store satisfies it.
type UsageReader interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter reports the reachability of dependencies.
type HealthReporter interface {
	Status() []connwatch.Status
}

// ToolLister lists the tools offered to the model. *tools.Registry
// satisfies it.
type ToolLister interface {
	List() []map[string]any
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	runner  TurnRunner
	usage   UsageReader
	tools   ToolLister
	health  HealthReporter
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
	now     func() time.Time
}

// NewServer creates a new API server. Use the Set methods for the
// optional collaborators before Start.
func NewServer(address string, port int, runner TurnRunner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		logger:  logger.With("component", "api"),
		now:     time.Now,
	}
}

// SetUsage enables GET /v1/usage.
func (s *Server) SetUsage(u UsageReader) { s.usage = u }

// SetTools enables GET /v1/tools.
func (s *Server) SetTools(t ToolLister) { s.tools = t }

// SetHealth adds dependency status to GET /health.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// SetEventBus enables GET /v1/events.
func (s *Server) SetEventBus(bus *events.Bus) { s.bus = bus }

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withLogging(mux)
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Current(), s.logger)
}

// HealthResponse is the body returned by GET /health. Status is
// "degraded" when any watched service is unreachable.
type HealthResponse struct {
	Status   string             `json:"status"`
	Services []connwatch.Status `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	if s.health != nil {
		resp.Services = s.health.Status()
		for _, svc := range resp.Services {
			if !svc.Ready {
				resp.Status = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		s.errorResponse(w, http.StatusNotFound, "tools not available")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": s.tools.List()}, s.logger)
}

// handleTurn runs one turn.
// POST /v1/turn {"message": "what's the weather in Oslo?", "model": "qwen3:4b"}
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	out, err := s.runner.Run(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrNoModel):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		s.logger.Debug("client went away during turn", "session_id", req.SessionID)
		return
	default:
		s.logger.Error("turn failed", "session_id", req.SessionID, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "turn failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// UsageResponse is the body returned by GET /v1/usage.
type UsageResponse struct {
	Start   time.Time                 `json:"start"`
	End     time.Time                 `json:"end"`
	Total   *usage.Summary            `json:"total"`
	ByModel map[string]*usage.Summary `json:"by_model"`
}

// handleUsage reports totals for a window. The window defaults to the
// last 24 hours; ?since=<duration> or ?start/end=<RFC3339> override it.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking not enabled")
		return
	}

	start, end, err := s.usageWindow(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, UsageResponse{Start: start, End: end, Total: total, ByModel: byModel}, s.logger)
}

func (s *Server) usageWindow(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	end := s.now()
	start := end.Add(-24 * time.Hour)

	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid since %q", v)
		}
		start = end.Add(-d)
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start %q", v)
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end %q", v)
		}
		end = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.New("start must be before end")
	}
	return start, end, nil
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
