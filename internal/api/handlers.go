package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/craigderington/realmtunnel/internal/config"
	"github.com/craigderington/realmtunnel/internal/tunnel"
	"github.com/craigderington/realmtunnel/pkg/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// ServerView is one server as reported by the list and get endpoints.
// Config is nil for servers that are active but no longer configured.
type ServerView struct {
	ID       string               `json:"id"`
	Config   *types.ServerConfig  `json:"config,omitempty"`
	Status   types.StatusSnapshot `json:"status"`
	Problems []string             `json:"problems,omitempty"`
}

// ReloadResult is returned by the config reload endpoint
type ReloadResult struct {
	Version   int                    `json:"version"`
	Servers   int                    `json:"servers"`
	Reconcile tunnel.ReconcileResult `json:"reconcile"`
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"time":           time.Now().UTC(),
		"active_servers": s.manager.Registry().Len(),
		"ws_clients":     s.ws.ClientCount(),
	})
}

func (s *Server) view(snap types.StatusSnapshot) ServerView {
	v := ServerView{ID: snap.ServerID, Status: snap}
	if srv, ok := s.config.Server(snap.ServerID); ok {
		v.Config = &srv
		v.Problems = config.ValidateServer(srv)
	}
	return v
}

// handleListServers returns every configured server with its current status
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	statuses := s.manager.Statuses()

	views := make([]ServerView, len(statuses))
	for i, snap := range statuses {
		views[i] = s.view(snap)
	}

	s.respondJSON(w, http.StatusOK, views)
}

// known reports whether a server is configured or still active
func (s *Server) known(serverID string) bool {
	if _, ok := s.config.Server(serverID); ok {
		return true
	}
	_, ok := s.manager.Registry().Get(serverID)
	return ok
}

// handleGetServer returns one server's status
func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["id"]

	if !s.known(serverID) {
		s.ServerNotFound(w, r, serverID)
		return
	}

	s.respondJSON(w, http.StatusOK, s.view(s.manager.Status(serverID)))
}

// handleConnect brings up a server's tunnels and returns the first attempt's snapshot
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.connect(w, r, "connect", s.manager.Connect)
}

// handleReconnect restarts a server's tunnels
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.connect(w, r, "reconnect", s.manager.Reconnect)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request, command string, run func(string) (types.StatusSnapshot, error)) {
	serverID := mux.Vars(r)["id"]

	srv, ok := s.config.Server(serverID)
	if !ok {
		s.metrics.Commands.WithLabelValues(command, "not_found").Inc()
		s.ServerNotFound(w, r, serverID)
		return
	}
	if problems := config.ValidateServer(srv); len(problems) > 0 {
		s.metrics.Commands.WithLabelValues(command, "invalid").Inc()
		s.InvalidServerConfig(w, r, serverID, problems)
		return
	}

	snap, err := run(serverID)
	switch {
	case err == nil:
	case errors.Is(err, tunnel.ErrAlreadyConnected):
		s.metrics.Commands.WithLabelValues(command, "conflict").Inc()
		s.AlreadyConnected(w, r, serverID, string(snap.State))
		return
	case errors.Is(err, tunnel.ErrServerNotFound):
		s.metrics.Commands.WithLabelValues(command, "not_found").Inc()
		s.ServerNotFound(w, r, serverID)
		return
	case errors.Is(err, tunnel.ErrInvalidServer):
		s.metrics.Commands.WithLabelValues(command, "invalid").Inc()
		s.InvalidServerConfig(w, r, serverID, []string{err.Error()})
		return
	case errors.Is(err, tunnel.ErrSupervisorStopped):
		s.metrics.Commands.WithLabelValues(command, "cancelled").Inc()
		s.ConnectCancelled(w, r, serverID)
		return
	case errors.Is(err, tunnel.ErrManagerClosed):
		s.metrics.Commands.WithLabelValues(command, "closed").Inc()
		s.ManagerClosed(w, r)
		return
	default:
		s.logger.Error().Err(err).Str("server", serverID).Msg("Failed to " + command)
		s.InternalError(w, r, "Failed to "+command+" server: "+err.Error())
		return
	}

	s.metrics.Commands.WithLabelValues(command, string(snap.State)).Inc()
	s.logger.Info().
		Str("server", serverID).
		Str("state", string(snap.State)).
		Str("request_id", RequestID(r.Context())).
		Msg("Server " + command + " requested")

	s.respondJSON(w, http.StatusOK, snap)
}

// handleDisconnect tears down a server's tunnels; it never fails
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["id"]

	snap := s.manager.Disconnect(serverID)
	s.metrics.Commands.WithLabelValues("disconnect", string(snap.State)).Inc()
	s.logger.Info().Str("server", serverID).Msg("Server disconnected")

	s.respondJSON(w, http.StatusOK, snap)
}

// handleGetServerMetrics returns per-tunnel forwarder counters
func (s *Server) handleGetServerMetrics(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["id"]

	if !s.known(serverID) {
		s.ServerNotFound(w, r, serverID)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"server_id": serverID,
		"tunnels":   s.manager.Stats(serverID),
	})
}

// handleGetServerHistory returns recorded status snapshots, newest first
func (s *Server) handleGetServerHistory(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["id"]

	if s.history == nil {
		s.HistoryUnavailable(w, r)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.BadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	events, err := s.history.History(r.Context(), serverID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("server", serverID).Msg("Failed to read history")
		s.InternalError(w, r, "Failed to read status history")
		return
	}

	s.respondJSON(w, http.StatusOK, events)
}

// handleReloadConfig re-reads the configuration file and reconciles active servers
func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.config.Reload()
	if err != nil {
		s.logger.Error().Err(err).Msg("Config reload failed")
		s.ConfigReloadError(w, r, err.Error())
		return
	}

	result := s.manager.Reconcile()
	s.logger.Info().
		Strs("removed", result.Removed).
		Strs("restarted", result.Restarted).
		Msg("Configuration reloaded")

	s.respondJSON(w, http.StatusOK, ReloadResult{
		Version:   cfg.Version,
		Servers:   len(cfg.Servers),
		Reconcile: result,
	})
}

// handleWebSocket streams every status snapshot, starting with the current ones
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.ws.HandleWebSocket(w, r, s.manager.Statuses())
}
