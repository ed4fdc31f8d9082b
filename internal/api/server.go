package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"latencyarb/internal/config"
	"latencyarb/pkg/types"
)

// TradeEventSource is implemented by the Router: the live trade event
// stream the server fans out to every connected dashboard client.
type TradeEventSource interface {
	Events() <-chan types.TradeEvent
}

// Server runs the HTTP/WebSocket API for the dashboard
type Server struct {
	cfg      config.DashboardConfig
	provider StatusProvider
	events   TradeEventSource
	fullCfg  config.Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server. provider may also implement
// TradeEventSource (the Router does), in which case its trade events are
// streamed; it is accepted as StatusProvider so callers only need to
// satisfy the narrower interface their tests build.
func NewServer(
	cfg config.DashboardConfig,
	provider StatusProvider,
	fullCfg config.Config,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, fullCfg, hub, logger)

	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	// Serve static files (web dashboard)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s := &Server{
		cfg:      cfg,
		provider: provider,
		fullCfg:  fullCfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
	if events, ok := provider.(TradeEventSource); ok {
		s.events = events
	}
	return s
}

// Start starts the API server and hub
func (s *Server) Start() error {
	// Start WebSocket hub
	go s.hub.Run()

	// Start event consumer
	go s.consumeEvents()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents reads trade events from the Router and broadcasts them.
func (s *Server) consumeEvents() {
	if s.events == nil {
		return
	}
	for evt := range s.events.Events() {
		s.hub.BroadcastEvent(NewTradeDashboardEvent(evt))
	}
}
