package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/sugarmesh/glucolink/internal/gateway"
	"github.com/sugarmesh/glucolink/internal/status"
	"github.com/sugarmesh/glucolink/internal/storage"
)

// SyncService is the engine surface the API drives.
type SyncService interface {
	Connect(ctx context.Context, email, password, region, profileID string) (string, bool, error)
	Disconnect(ctx context.Context, id string)
	Read(ctx context.Context, id string) (gateway.Reading, error)
	Status() status.Snapshot
}

// Config holds the API server configuration.
type Config struct {
	ListenAddr string

	// DefaultProfileID is used for entry queries that do not name a profile.
	DefaultProfileID string
}

// Server exposes the session lifecycle over HTTP.
type Server struct {
	config  Config
	service SyncService
	entries storage.EntryStore
	server  *http.Server
	router  *mux.Router
	logger  zerolog.Logger

	// listener overrides ListenAddr when the socket comes from systemd.
	listener net.Listener
}

// NewServer creates the API server.
func NewServer(cfg Config, service SyncService, entries storage.EntryStore, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		config:  cfg,
		service: service,
		entries: entries,
		router:  router,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // connect can run the full bounded window
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetListener provides a pre-bound listener (socket activation).
func (s *Server) SetListener(l net.Listener) {
	s.listener = l
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/session/connect", s.handleConnect).Methods("POST")
	s.router.HandleFunc("/session/read", s.handleRead).Methods("GET")
	s.router.HandleFunc("/session/disconnect", s.handleDisconnect).Methods("POST")
	s.router.HandleFunc("/session/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/entries", s.handleEntries).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
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
