package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pgbranch/internal/config"
	"pgbranch/internal/project"
)

// Server represents the HTTP API server
type Server struct {
	cfg    *config.Config
	mgr    *project.Manager
	port   int
	router *chi.Mux
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, mgr *project.Manager, port int) *Server {
	s := &Server{
		cfg:  cfg,
		mgr:  mgr,
		port: port,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// Provisioning waits on control-plane operations, so allow longer than a plain CRUD call
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Use(securityHeadersMiddleware)

	if len(s.cfg.API.AllowedOrigins) > 0 {
		r.Use(corsMiddleware(s.cfg.API.AllowedOrigins))
	}

	// 20 requests per second per client with burst of 40
	rateLimiter := NewRateLimiter(20, 40)
	r.Use(rateLimiter.Middleware)

	// Health check (no auth required)
	r.Get("/api/health", s.healthHandler)

	r.Route("/api", func(r chi.Router) {
		if s.cfg.API.Token != "" || s.cfg.API.RequireToken {
			r.Use(s.authMiddleware)
		}

		// Branches
		r.Get("/branches", s.listBranches)
		r.Post("/branches", s.provisionBranch)
		r.Delete("/branches/{name}", s.deleteBranch)

		// Schema
		r.Post("/migrate", s.migrate)
		r.Post("/schema", s.checkSchema)

		// History
		r.Get("/provisions", s.listProvisions)
		r.Post("/provisions/prune", s.pruneProvisions)
	})

	s.router = r
}

// Start starts the HTTP server with graceful shutdown
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Must outlast the request timeout above
		WriteTimeout: 6 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Printf("API server listening on :%d", s.port)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Printf("Received %v signal, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			// Force close if graceful shutdown fails
			srv.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
