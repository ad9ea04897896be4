// Package web exposes the export engine over HTTP and websocket.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/blockedby/tg-export/internal/export"
	"github.com/blockedby/tg-export/internal/telegram"
)

// Config holds server configuration
type Config struct {
	Port int
}

// Engine is the export surface the handlers drive.
type Engine interface {
	Create(name string, opts export.Options) *export.Job
	Controller(id string) (*export.Controller, error)
	Snapshots() []export.Snapshot
	Delete(id string) error
}

// TelegramStatus reports the session state for the status endpoint.
type TelegramStatus interface {
	GetStatus() telegram.Status
}

// Server represents the HTTP server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *Config
	listener   net.Listener
	hub        *Hub

	engine Engine
	tg     TelegramStatus
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config, engine Engine, tg TelegramStatus, hub *Hub) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		config: cfg,
		hub:    hub,
		engine: engine,
		tg:     tg,
	}

	srv.setupMiddleware()
	srv.setupRoutes()
	return srv
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
}

func (s *Server) setupRoutes() {
	if s.hub != nil {
		s.router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(s.hub, w, r)
		})
	}

	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.router.Route("/api/export", func(r chi.Router) {
		r.Post("/create", s.createJob)
		r.Get("/tasks", s.listJobs)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Delete("/", s.deleteJob)
			r.Post("/start", s.startJob)
			r.Post("/pause", s.pauseJob)
			r.Post("/resume", s.resumeJob)
			r.Post("/cancel", s.cancelJob)
			r.Post("/retry", s.retryJob)
			r.Post("/retry_file/{itemId}", s.retryFile)
			r.Post("/verify", s.verifyJob)
			r.Post("/scan", s.scanJob)
			r.Post("/concurrency", s.setConcurrency)
			r.Post("/tdl-mode", s.setDelegated)
			r.Get("/downloads", s.getDownloads)
			r.Post("/download/{itemId}/pause", s.pauseItem)
			r.Post("/download/{itemId}/resume", s.resumeItem)
			r.Post("/download/{itemId}/cancel", s.cancelItem)
		})
	})

	s.router.Get("/api/telegram/status", s.telegramStatus)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.Serve(listener)
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler tree (tests).
func (s *Server) Router() http.Handler {
	return s.router
}

// BaseURL returns the server's base URL
func (s *Server) BaseURL() string {
	if s.listener != nil {
		return fmt.Sprintf("http://%s", s.listener.Addr().String())
	}
	return fmt.Sprintf("http://localhost:%d", s.config.Port)
}
