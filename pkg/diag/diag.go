// Package diag is the minimal HTTP surface every worker exposes: health,
// status, metrics, and a wake endpoint that injects a synthetic queue
// message for testing.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/pkg/metrics"
	"github.com/emberpress/emberpress/pkg/mid"
)

// PendingFunc reports the worker's queue backlog.
type PendingFunc func(ctx context.Context) (uint64, error)

// WakeFunc publishes a synthetic message for the given operation.
type WakeFunc func(ctx context.Context, op string) error

// Server is one worker's diagnostic HTTP server.
type Server struct {
	service string
	started time.Time
	reg     *metrics.Registry
	pending PendingFunc
	wake    WakeFunc
	log     *slog.Logger
	srv     *http.Server
}

// New builds a Server for a worker. pending and wake may be nil for workers
// without a queue (the collector's schedule-driven mode).
func New(service string, port int, reg *metrics.Registry, pending PendingFunc, wake WakeFunc, log *slog.Logger) *Server {
	s := &Server{
		service: service,
		started: time.Now(),
		reg:     reg,
		pending: pending,
		wake:    wake,
		log:     log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /wake", s.handleWake)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	handler := mid.Chain(mux,
		mid.Recover(log),
		mid.Logger(log),
		mid.OTel(service),
	)
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in a goroutine until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("diag server", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": s.service})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"service": s.service,
		"uptime":  time.Since(s.started).String(),
	}
	if s.pending != nil {
		if pending, err := s.pending(r.Context()); err == nil {
			status["queue_pending"] = pending
		} else {
			status["queue_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// wakeRequest names the operation to inject.
type wakeRequest struct {
	Operation string `json:"operation"`
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	if s.wake == nil {
		http.Error(w, "wake not supported", http.StatusNotImplemented)
		return
	}
	var req wakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	switch req.Operation {
	case domain.OpProcessTopic, domain.OpGenerateMarkdown, domain.OpPublishSite, "collect":
	default:
		http.Error(w, "unknown operation", http.StatusBadRequest)
		return
	}
	if err := s.wake(r.Context(), req.Operation); err != nil {
		s.log.Error("wake failed", "operation", req.Operation, "error", err)
		http.Error(w, "wake failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"injected": req.Operation})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
