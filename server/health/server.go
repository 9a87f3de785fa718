// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves liveness, readiness and cluster status endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/bucketd/cluster"
	"github.com/absmach/bucketd/storage"
)

// Config holds health check server configuration.
type Config struct {
	Address          string
	ShutdownTimeout  time.Duration
	NodeID           string
	RegistrationPath string
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config      Config
	dir         cluster.Directory
	retries     storage.RetryStore
	deadLetters storage.DeadLetterStore
	logger      *slog.Logger
	server      *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. The retry and dead letter stores
// are optional.
func New(cfg Config, dir cluster.Directory, retries storage.RetryStore, deadLetters storage.DeadLetterStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RegistrationPath == "" {
		cfg.RegistrationPath = cluster.BucketActionPath
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:      cfg,
		dir:         dir,
		retries:     retries,
		deadLetters: deadLetters,
		logger:      logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/cluster/status", s.handleClusterStatus)
	return mux
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady returns 200 OK when the membership directory answers. A path
// nobody registered under yet still counts as ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.dir == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "membership directory not initialized",
		})
		return
	}

	if _, err := s.dir.ListChildren(r.Context(), s.config.RegistrationPath); err != nil && !errors.Is(err, cluster.ErrNoNode) {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// ClusterStatusResponse represents cluster health information.
type ClusterStatusResponse struct {
	NodeID      string   `json:"node_id"`
	Candidates  []string `json:"candidates"`
	NodeCount   int      `json:"node_count"`
	RetryQueue  int      `json:"retry_queue"`
	DeadLetters int      `json:"dead_letters"`
	Details     string   `json:"details,omitempty"`
}

// handleClusterStatus returns the registered candidates and queue depths.
func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	response := ClusterStatusResponse{NodeID: s.config.NodeID, Candidates: []string{}}
	var errs []error

	if s.dir != nil {
		nodes, err := s.dir.ListChildren(ctx, s.config.RegistrationPath)
		switch {
		case errors.Is(err, cluster.ErrNoNode):
		case err != nil:
			errs = append(errs, err)
		default:
			response.Candidates = nodes
		}
	}
	response.NodeCount = len(response.Candidates)

	if s.retries != nil {
		n, err := s.retries.Count(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		response.RetryQueue = n
	}
	if s.deadLetters != nil {
		n, err := s.deadLetters.Count(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		response.DeadLetters = n
	}

	status := http.StatusOK
	if err := errors.Join(errs...); err != nil {
		status = http.StatusServiceUnavailable
		response.Details = err.Error()
	}
	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
