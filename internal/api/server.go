// Package api serves the local JSON API used by the options page and
// tooling to configure budgets and read statistics.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/rollover"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr string
	Token      string // optional bearer token
}

// Server represents the local API HTTP server.
type Server struct {
	config     Config
	store      storage.Store
	engine     *policy.Engine
	aggregator *rollover.Aggregator
	status     StatusProvider
	server     *http.Server
	router     *mux.Router
	listener   net.Listener // Optional pre-created listener (for systemd socket activation)
	logger     zerolog.Logger
}

// NewServer creates a new API server. status may be nil.
func NewServer(cfg Config, store storage.Store, engine *policy.Engine, aggregator *rollover.Aggregator, status StatusProvider, logger zerolog.Logger) *Server {
	s := &Server{
		config:     cfg,
		store:      store,
		engine:     engine,
		aggregator: aggregator,
		status:     status,
		router:     mux.NewRouter(),
		logger:     logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	systemHandler := NewSystemHandler(s.engine, s.status, s.logger)
	s.router.HandleFunc("/health", systemHandler.GetHealth).Methods("GET")

	apiRouter := s.router.PathPrefix("/api").Subrouter()
	apiRouter.Use(TokenMiddleware(s.config.Token))

	budgetHandler := NewBudgetHandler(s.store.Budgets(), s.aggregator, s.logger)
	apiRouter.HandleFunc("/sites", budgetHandler.ListSites).Methods("GET")
	apiRouter.HandleFunc("/sites/{site}", budgetHandler.GetSite).Methods("GET")
	apiRouter.HandleFunc("/sites/{site}", budgetHandler.PutSite).Methods("PUT")
	apiRouter.HandleFunc("/sites/{site}", budgetHandler.DeleteSite).Methods("DELETE")
	apiRouter.HandleFunc("/global", budgetHandler.GetGlobal).Methods("GET")
	apiRouter.HandleFunc("/global", budgetHandler.PutGlobal).Methods("PUT")
	apiRouter.HandleFunc("/global/websites", budgetHandler.AddGlobalWebsite).Methods("POST")
	apiRouter.HandleFunc("/global/websites/{site}", budgetHandler.RemoveGlobalWebsite).Methods("DELETE")

	statsHandler := NewStatisticsHandler(s.store.Statistics(), s.aggregator, s.logger)
	apiRouter.HandleFunc("/statistics/daily", statsHandler.Daily).Methods("GET")
	apiRouter.HandleFunc("/statistics/history", statsHandler.History).Methods("GET")

	apiRouter.HandleFunc("/status", systemHandler.GetStatus).Methods("GET")
	apiRouter.HandleFunc("/check", systemHandler.Check).Methods("GET")
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.config.ListenAddr).
		Bool("token", s.config.Token != "").
		Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}
