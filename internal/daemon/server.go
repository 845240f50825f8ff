// Package daemon exposes the runner over HTTP: NDJSON turn streaming, a
// WebSocket event feed, health, and metrics.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/datasage-ai/datasage/internal/agent"
	"github.com/datasage-ai/datasage/internal/config"
	"github.com/datasage-ai/datasage/internal/dataset"
	"github.com/datasage-ai/datasage/internal/observability"
	"github.com/datasage-ai/datasage/internal/session"
)

// Server wires HTTP transport onto the runner.
type Server struct {
	cfg      config.ServerConfig
	runner   *agent.Runner
	store    *Store
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// NewServer builds the daemon server.
func NewServer(cfg config.ServerConfig, runner *agent.Runner, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		runner:  runner,
		store:   NewStore(),
		metrics: metrics,
		logger:  logger.Named("daemon"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Store exposes the session store for bootstrap wiring.
func (s *Server) Store() *Store { return s.store }

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSessionRoutes)
	if s.cfg.MetricsEnabled && s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.store.Len(),
	})
}

type createSessionRequest struct {
	Title         string                  `json:"title,omitempty"`
	Datasets      map[string]datasetBody  `json:"datasets,omitempty"`
	ActiveDataset string                  `json:"active_dataset,omitempty"`
	Reference     string                  `json:"reference,omitempty"`
}

type datasetBody struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	sess := s.store.Create()
	sess.Title = req.Title
	sess.Reference = req.Reference
	for name, body := range req.Datasets {
		sess.Datasets[name] = &dataset.Dataset{Name: name, Columns: body.Columns, Rows: body.Rows}
	}
	if req.ActiveDataset != "" {
		sess.ActiveDataset = req.ActiveDataset
	}

	s.logger.Info("session created",
		zap.String("session", sess.ID), zap.Int("datasets", len(sess.Datasets)))
	writeJSON(w, http.StatusCreated, map[string]any{"id": sess.ID})
}

// handleSessionRoutes dispatches /v1/sessions/{id}/turns and /stream.
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	sess, err := s.store.Get(parts[0])
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}

	switch parts[1] {
	case "turns":
		s.handleTurn(w, r, sess)
	case "stream":
		s.handleWebSocket(w, r, sess)
	default:
		http.NotFound(w, r)
	}
}

type turnRequest struct {
	Message string `json:"message"`
}

// handleTurn runs one turn and streams its events as NDJSON, flushing per
// event so consumers see deltas live.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message is required"})
		return
	}

	s.metrics.IncActiveStreams("http")
	defer s.metrics.DecActiveStreams("http")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for event := range s.runner.Run(r.Context(), sess, req.Message) {
		if err := enc.Encode(event); err != nil {
			s.metrics.RecordTransportError("http", "encode")
			s.logger.Warn("event encode failed", zap.Error(err))
			// Drain so the turn finishes and history stays consistent.
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleWebSocket upgrades and serves turns over one socket: each client
// text message starts a turn, each event goes out as one JSON frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.RecordTransportError("websocket", "upgrade")
		return
	}
	defer conn.Close()

	s.metrics.IncActiveStreams("websocket")
	defer s.metrics.DecActiveStreams("websocket")

	log := s.logger.With(zap.String("session", sess.ID))
	for {
		var req turnRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.metrics.RecordTransportError("websocket", "read")
			}
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			continue
		}

		events := s.runner.Run(r.Context(), sess, req.Message)
		for event := range events {
			if err := conn.WriteJSON(event); err != nil {
				s.metrics.RecordTransportError("websocket", "write")
				log.Warn("websocket write failed", zap.Error(err))
				// Drain the turn so session history reflects everything
				// that actually executed.
				for range events {
				}
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
