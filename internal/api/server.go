package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/craigderington/realmtunnel/internal/storage"
	"github.com/craigderington/realmtunnel/internal/tunnel"
	"github.com/craigderington/realmtunnel/pkg/types"
)

// ConfigSource is the configuration the API serves and reloads
type ConfigSource interface {
	tunnel.ServerSource
	Reload() (*types.AppConfig, error)
}

// HistoryStore serves recorded status snapshots
type HistoryStore interface {
	History(ctx context.Context, serverID string, limit int) ([]storage.StatusEvent, error)
}

// Server represents the API server
type Server struct {
	addr    string
	manager *tunnel.Manager
	config  ConfigSource
	history HistoryStore
	router  *mux.Router
	server  *http.Server
	logger  zerolog.Logger

	metrics     *Metrics
	ws          *WebSocketManager
	auth        *AuthMiddleware
	limiter     *RateLimiter
	unsubscribe func()
}

// Config holds server configuration
type Config struct {
	Addr    string
	Logger  zerolog.Logger
	Manager *tunnel.Manager
	Config  ConfigSource
	History HistoryStore // Optional status history

	// AuthSecret enables bearer-token auth when non-empty
	AuthSecret string

	// Command rate limit per server, defaults to 2/s with a burst of 5
	RateLimit float64
	RateBurst int
}

// NewServer creates a new API server
func NewServer(config Config) *Server {
	s := &Server{
		addr:    config.Addr,
		manager: config.Manager,
		config:  config.Config,
		history: config.History,
		router:  mux.NewRouter(),
		logger:  config.Logger.With().Str("component", "api").Logger(),
	}
	// A nil *SQLiteStore must not become a non-nil interface
	if st, ok := config.History.(*storage.SQLiteStore); ok && st == nil {
		s.history = nil
	}

	s.metrics = NewMetrics(s.manager)
	s.unsubscribe = s.manager.Bus().Subscribe(s.metrics.ObserveStatus)
	s.ws = NewWebSocketManager(s.manager.Bus(), s.logger)
	s.ws.Start()
	s.limiter = NewRateLimiter(config.RateLimit, config.RateBurst, func(r *http.Request) string {
		return mux.Vars(r)["id"]
	})
	if config.AuthSecret != "" {
		s.auth = NewAuthMiddleware(config.AuthSecret, 0)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Connect can wait for every probe of a server
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// Apply CORS and request ids to main router first
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, NewAPIError(ErrCodeNotFound, "Route not found"))
	})

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Middleware
	api.Use(s.loggingMiddleware)
	api.Use(s.metrics.Middleware)
	if s.auth != nil {
		api.Use(s.auth.Middleware)
	}

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")

	// Server operations
	api.HandleFunc("/servers", s.handleListServers).Methods("GET", "OPTIONS")
	api.HandleFunc("/servers/{id}", s.handleGetServer).Methods("GET", "OPTIONS")
	api.HandleFunc("/servers/{id}/metrics", s.handleGetServerMetrics).Methods("GET", "OPTIONS")
	api.HandleFunc("/servers/{id}/history", s.handleGetServerHistory).Methods("GET", "OPTIONS")

	// Commands are rate limited per server
	commands := api.PathPrefix("/servers/{id}").Subrouter()
	commands.Use(s.limiter.Middleware)
	commands.HandleFunc("/connect", s.handleConnect).Methods("POST", "OPTIONS")
	commands.HandleFunc("/disconnect", s.handleDisconnect).Methods("POST", "OPTIONS")
	commands.HandleFunc("/reconnect", s.handleReconnect).Methods("POST", "OPTIONS")

	api.HandleFunc("/config/reload", s.handleReloadConfig).Methods("POST", "OPTIONS")

	// Status stream
	api.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Starting API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and the tunnel manager. The
// manager is shut down even when the HTTP server misses the deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down API server")

	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
	}
	if err := s.manager.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown tunnel manager: %w", err))
	}

	s.Close()
	return errors.Join(errs...)
}

// Close stops background work started by NewServer
func (s *Server) Close() {
	s.ws.Stop()
	s.limiter.Stop()
	s.unsubscribe()
}

// requestIDMiddleware assigns every request an id, honouring X-Request-ID
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create response writer to capture status code
		rw := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Str("request_id", RequestID(r.Context())).
			Msg("HTTP request")
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// respondJSON writes data as a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
