// Package server exposes the live channel over WebSocket and the incident
// query/update API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/broadcast"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/store"
	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 * 1024
	defaultPlaceID = "default"
)

// Service is the part of the detection service the server talks to
type Service interface {
	Broadcaster() *broadcast.Broadcaster
	Store() *store.Store
	UpdateStatus(ctx context.Context, id int64, status types.Status) (types.DetectionEvent, error)

	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
	MetricsHandler(w http.ResponseWriter, r *http.Request)
}

// Server serves /ws, /api/incidents and the operations endpoints
type Server struct {
	svc       Service
	outputDir string
	upgrader  websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	// sessions live until Stop cancels ctx; Shutdown does not close
	// hijacked connections. stopping guards sessions.Add against Wait.
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	stopping bool
	sessions sync.WaitGroup
}

// New creates a server. outputDir, when set, is served under /output/.
func New(svc Service, outputDir string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		svc:       svc,
		outputDir: outputDir,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/incidents", s.handleIncidents)
	mux.HandleFunc("POST /api/incidents/{id}/status", s.handleUpdateStatus)

	mux.HandleFunc("/health", s.svc.LivenessHandler)
	mux.HandleFunc("/readiness", s.svc.ReadinessHandler)
	mux.HandleFunc("/metrics", s.svc.MetricsHandler)

	if s.outputDir != "" {
		mux.Handle("GET /output/", http.StripPrefix("/output/", http.FileServer(http.Dir(s.outputDir))))
	}

	return s.enableCORS(mux)
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("http server listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/ws", "/api/incidents", "/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every live session and shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("stopping http server")
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}

	slog.Info("http server stopped")
	return err
}

// beginSession counts a new websocket session unless Stop has begun
func (s *Server) beginSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	placeID := r.URL.Query().Get("place_id")
	if placeID == "" {
		placeID = defaultPlaceID
	}

	incidents := s.svc.Store().All()
	if incidents == nil {
		incidents = []types.DetectionEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"placeId":   placeID,
	})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid incident id %q", r.PathValue("id")))
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := types.ParseStatus(body.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev, err := s.svc.UpdateStatus(r.Context(), id, status)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, store.ErrNotDurable):
		slog.Warn("status updated in memory only", "id", id, "error", err)
	default:
		slog.Error("failed to update status", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update status")
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
