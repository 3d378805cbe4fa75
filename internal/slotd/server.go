// Package slotd implements the Slot Coordinator daemon: a loopback-only HTTP
// service guarding a fixed-size pool of global execution slots, shared
// across every orchestrator invocation on the machine.
package slotd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"han/internal/logging"
	"han/internal/sweep"
)

// cleanupInterval matches the fixed 5-second periodic sweep schedule.
const cleanupInterval = "*/5 * * * * *"

// Server is the slot coordinator's HTTP surface.
type Server struct {
	pool    *Pool
	sweeper *sweep.Sweeper
	logger  *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	inFlight sync.WaitGroup
	draining atomic.Bool
}

// New creates a Server backed by a pool of n slots.
func New(n int, logger *slog.Logger) (*Server, error) {
	logger = logging.Default(logger).With("component", "slotd")

	sweeper, err := sweep.New(logger)
	if err != nil {
		return nil, fmt.Errorf("create sweeper: %w", err)
	}

	pool := NewPool(n, logger)
	if err := sweeper.AddJob("slot-cleanup", cleanupInterval, pool.Cleanup); err != nil {
		sweeper.Stop()
		return nil, fmt.Errorf("schedule slot cleanup: %w", err)
	}

	return &Server{pool: pool, sweeper: sweeper, logger: logger}, nil
}

func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "daemon is draining", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/acquire", s.handleAcquire)
	mux.HandleFunc("/release", s.handleRelease)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type acquireRequest struct {
	SessionID string `json:"session_id"`
	HookName  string `json:"hook_name"`
	Plugin    string `json:"plugin_name,omitempty"`
	PID       int    `json:"pid"`
}

type acquireResponse struct {
	Granted    bool `json:"granted"`
	SlotID     int  `json:"slot_id"`
	InUseCount int  `json:"in_use_count"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res := s.pool.Acquire(req.SessionID, req.HookName, req.Plugin, req.PID)
	writeJSON(w, acquireResponse{Granted: res.Granted, SlotID: res.SlotID, InUseCount: res.InUseCount})
}

type releaseRequest struct {
	SlotID int `json:"slot_id"`
	PID    int `json:"pid"`
}

type releaseResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res := s.pool.Release(req.SlotID, req.PID)
	writeJSON(w, releaseResponse{Success: res.Success, Reason: res.Reason})
}

type heartbeatRequest struct {
	SlotID int `json:"slot_id"`
	PID    int `json:"pid"`
}

type heartbeatResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	writeJSON(w, heartbeatResponse{Success: s.pool.Heartbeat(req.SlotID, req.PID)})
}

type statusHolder struct {
	SlotID    int    `json:"slot_id"`
	SessionID string `json:"session_id"`
	Hook      string `json:"hook_name"`
	Plugin    string `json:"plugin_name,omitempty"`
	PID       int    `json:"pid"`
	HeldForMs int64  `json:"held_for_ms"`
}

type statusResponse struct {
	Total     int            `json:"total"`
	Available int            `json:"available"`
	Holders   []statusHolder `json:"holders"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, available, held := s.pool.Status()
	resp := statusResponse{Total: total, Available: available, Holders: make([]statusHolder, 0, len(held))}
	for _, h := range held {
		resp.Holders = append(resp.Holders, statusHolder{
			SlotID: h.SlotID, SessionID: h.SessionID, Hook: h.Hook,
			Plugin: h.Plugin, PID: h.PID, HeldForMs: h.HeldForMs,
		})
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Serve starts the HTTP server on listener and blocks until it stops.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.trackingMiddleware(s.buildMux()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("slot coordinator starting", "addr", listener.Addr().String())
	err := srv.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP starts the server on a loopback TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Stop drains in-flight requests then gracefully shuts down the server and
// its cleanup sweeper.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)
	s.inFlight.Wait()

	if err := s.sweeper.Stop(); err != nil {
		s.logger.Warn("error stopping sweeper", "error", err)
	}

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("slot coordinator stopping")
	return srv.Shutdown(ctx)
}
