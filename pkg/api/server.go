package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vjranagit/heartwatch/pkg/coordinator"
	"github.com/vjranagit/heartwatch/pkg/storage"
)

// Server implements the HTTP API server
type Server struct {
	store    storage.SampleStore
	writer   *storage.Writer
	coord    *coordinator.Coordinator
	gate     *coordinator.PermissionGate
	logger   *slog.Logger
	addr     string
	server   *http.Server
	registry *prometheus.Registry

	// Timeout bounds reading a request and writing its response
	Timeout time.Duration
}

// NewServer creates a new API server
func NewServer(addr string, store storage.SampleStore, writer *storage.Writer, coord *coordinator.Coordinator, gate *coordinator.PermissionGate, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:    store,
		writer:   writer,
		coord:    coord,
		gate:     gate,
		logger:   logger,
		addr:     addr,
		registry: prometheus.NewRegistry(),
		Timeout:  30 * time.Second,
	}
	s.registerMetrics()

	return s
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/samples", s.handleSamples)
	mux.HandleFunc("/api/v1/samples/latest", s.handleLatest)
	mux.HandleFunc("/api/v1/reading", s.handleReading)
	mux.HandleFunc("/api/v1/permission", s.handlePermission)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.Timeout,
		WriteTimeout: s.Timeout,
	}

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleSamples lists the stored history, or queues a reset on DELETE
func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		samples, err := s.store.AllOrdered(r.Context())
		if err != nil {
			s.logger.Error("history query failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Query failed: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, samples)

	case http.MethodDelete:
		if err := s.writer.DeleteAll(); err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Reset failed: %v", err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleLatest returns the most recent stored sample
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sample, ok, err := s.store.MostRecent(r.Context())
	if err != nil {
		s.logger.Error("latest query failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Query failed: %v", err))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "No samples stored")
		return
	}

	writeJSON(w, http.StatusOK, sample)
}

// handleReading returns the coordinator's cached reading
func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Reading())
}

type permissionRequest struct {
	Granted *bool `json:"granted"`
}

// handlePermission reports or sets the sensor permission
func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req permissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
			return
		}
		if req.Granted == nil {
			writeError(w, http.StatusBadRequest, "Missing field: granted")
			return
		}
		s.gate.Set(*req.Granted)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{
		"granted": s.gate.Granted(),
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
