// Package api exposes the engine over HTTP and WebSocket. The server is a
// thin boundary: it decodes requests, delegates to the orchestrator, and
// reports outcomes. It holds no market data and fetches nothing itself.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/portfolio-engine/internal/orchestrator"
	"github.com/atlas-desktop/portfolio-engine/internal/workers"
	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Config configures the HTTP server.
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	WebSocketPath  string
	AllowedOrigins []string
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		WebSocketPath:  "/ws",
		AllowedOrigins: []string{"*"},
	}
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger     *zap.Logger
	config     *Config
	engine     *orchestrator.Orchestrator
	pool       *workers.Pool
	hub        *Hub
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	metrics    *apiMetrics

	mu sync.Mutex
}

// NewServer creates the server and registers its routes.
func NewServer(logger *zap.Logger, config *Config, engine *orchestrator.Orchestrator, pool *workers.Pool) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		logger:  logger,
		config:  config,
		engine:  engine,
		pool:    pool,
		hub:     NewHub(logger),
		router:  mux.NewRouter(),
		metrics: newAPIMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Router exposes the mux for tests and embedding.
func (s *Server) Router() *mux.Router { return s.router }

// Hub exposes the WebSocket hub so callers can broadcast.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods("GET")

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/optimize", s.instrument("optimize", s.handleOptimize)).Methods("POST")
	v1.HandleFunc("/optimize/batch", s.instrument("optimize_batch", s.handleOptimizeBatch)).Methods("POST")
	v1.HandleFunc("/frontier", s.instrument("frontier", s.handleFrontier)).Methods("POST")
	v1.HandleFunc("/forecast", s.instrument("forecast", s.handleForecast)).Methods("POST")
	v1.HandleFunc("/regime", s.instrument("regime", s.handleRegime)).Methods("POST")
	v1.HandleFunc("/anomalies", s.instrument("anomalies", s.handleAnomalies)).Methods("POST")

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start runs the hub and serves HTTP until the listener fails.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	if s.pool != nil {
		s.pool.Start()
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("api server listening", zap.String("addr", addr))
	return srv.ListenAndServe()
}

// Stop drains connections and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.pool != nil {
		if err := s.pool.Stop(); err != nil {
			s.logger.Warn("worker pool stop", zap.Error(err))
		}
	}
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.engine.Optimize(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.solves.WithLabelValues(string(req.Method), string(resp.Result.Status)).Inc()
	s.hub.BroadcastCompletion(resp.Event)
	s.writeJSON(w, http.StatusOK, resp)
}

// batchItem is one entry of a batch response; exactly one of the two fields
// is set.
type batchItem struct {
	Response *orchestrator.Response `json:"response,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

func (s *Server) handleOptimizeBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []orchestrator.Request
	if !s.decode(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 {
		s.writeJSON(w, http.StatusOK, []batchItem{})
		return
	}

	items := make([]batchItem, len(reqs))
	run := func(ctx context.Context, i int) error {
		resp, err := s.engine.Optimize(ctx, reqs[i])
		if err != nil {
			items[i] = batchItem{Error: err.Error()}
			return nil // per-item errors stay in the item
		}
		s.metrics.solves.WithLabelValues(string(reqs[i].Method), string(resp.Result.Status)).Inc()
		s.hub.BroadcastCompletion(resp.Event)
		items[i] = batchItem{Response: resp}
		return nil
	}

	if s.pool != nil && s.pool.IsRunning() {
		if err := s.pool.Map(r.Context(), len(reqs), run); err != nil {
			s.writeError(w, err)
			return
		}
	} else {
		for i := range reqs {
			_ = run(r.Context(), i)
		}
	}
	s.writeJSON(w, http.StatusOK, items)
}

// frontierRequest wraps an optimization request with a point count.
type frontierRequest struct {
	orchestrator.Request
	Points int `json:"points"`
}

func (s *Server) handleFrontier(w http.ResponseWriter, r *http.Request) {
	var req frontierRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Points <= 0 {
		req.Points = 20
	}
	points, err := s.engine.Frontier(r.Context(), req.Request, req.Points)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !s.decode(w, r, &req) {
		return
	}
	forecasts, warnings, err := s.engine.Forecast(r.Context(), req.Histories)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"forecasts": forecasts,
		"warnings":  warnings,
	})
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !s.decode(w, r, &req) {
		return
	}
	state, err := s.engine.DetectRegime(r.Context(), req.Histories)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !s.decode(w, r, &req) {
		return
	}
	events, err := s.engine.ScanAnomalies(req.Histories, time.Now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"anomalies": events})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(uuid.NewString(), s.hub, conn)
	s.hub.register <- client
	s.metrics.wsClients.Inc()

	go client.WritePump()
	go func() {
		defer s.metrics.wsClients.Dec()
		client.ReadPump()
	}()
}

// instrument wraps a handler with request counting and latency observation.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.requests.WithLabelValues(route, fmt.Sprintf("%d", rec.status)).Inc()
		s.metrics.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps engine error types onto HTTP statuses. Validation and data
// problems are the caller's fault; anything else is ours.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var (
		insufficient *types.InsufficientDataError
		history      *types.InsufficientHistoryError
		quality      *types.DataQualityError
		infeasible   *types.InfeasibleConstraintsError
		singular     *types.SingularCovarianceError
	)
	switch {
	case errors.As(err, &insufficient), errors.As(err, &history), errors.As(err, &quality):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &infeasible):
		status = http.StatusBadRequest
	case errors.As(err, &singular):
		status = http.StatusUnprocessableEntity
	}

	s.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", zap.Error(err))
	}
}
