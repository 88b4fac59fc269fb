// Copyright Contributors to the Agent Platform project

// Package server hosts the operator's admin HTTP surface. It exposes
// liveness and readiness endpoints only; the run-creation API lives in the
// external submission tools, which share the schema in internal/server/types.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	agentsv1 "github.com/5dlabs/platform-sub001/api/v1"
	"github.com/5dlabs/platform-sub001/internal/server/types"
)

var log = ctrl.Log.WithName("server")

// Options holds the server configuration
type Options struct {
	// Address is the address the server listens on (e.g., ":8084")
	Address string
}

// Server is the admin HTTP server. It implements manager.Runnable so the
// manager starts it alongside the controllers and drains it on shutdown.
type Server struct {
	opts       Options
	httpServer *http.Server
	reader     client.Reader
}

// New creates a new Server backed by the given cluster reader. The reader
// is only used by the readiness probe; construction happens after the
// operator configuration has already been loaded and validated.
func New(opts Options, reader client.Reader) *Server {
	return &Server{
		opts:   opts,
		reader: reader,
	}
}

// Start runs the HTTP server and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              s.opts.Address,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting admin HTTP server", "address", s.opts.Address)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		log.Info("Shutting down admin HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", s.healthHandler)
	r.Get("/ready", s.readyHandler)

	return r
}

// healthHandler reports process liveness
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{Status: "healthy"})
}

// readyHandler reports readiness once the cluster API answers a List
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var runs agentsv1.DocsRunList
	if err := s.reader.List(ctx, &runs, client.Limit(1)); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{
			Error:   "not ready",
			Message: err.Error(),
			Code:    http.StatusServiceUnavailable,
		})
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ready"})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
