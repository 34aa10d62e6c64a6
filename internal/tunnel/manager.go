package tunnel

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/craigderington/realmtunnel/pkg/types"
)

// ServerSource supplies server definitions. Server names are server ids.
type ServerSource interface {
	Server(name string) (types.ServerConfig, bool)
	Servers() []types.ServerConfig
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	Forwarder ForwarderConfig
	Retry     RetryPolicy
	Bus       *StatusBus
	Registry  *Registry
	Logger    zerolog.Logger

	// Validate, when set, is run on every server before it is connected,
	// including restarts triggered by Reconcile
	Validate func(types.ServerConfig) error
}

// ReconcileResult lists the servers touched by Reconcile
type ReconcileResult struct {
	Removed   []string `json:"removed"`
	Restarted []string `json:"restarted"`
}

// Manager is the command surface over the tunnel core
type Manager struct {
	source    ServerSource
	forwarder *PortForwarder
	policy    RetryPolicy
	bus       *StatusBus
	registry  *Registry
	validate  func(types.ServerConfig) error
	log       zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewManager creates a new tunnel manager
func NewManager(source ServerSource, opts Options) *Manager {
	if opts.Bus == nil {
		opts.Bus = NewStatusBus()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	opts.Forwarder.Logger = opts.Logger

	return &Manager{
		source:    source,
		forwarder: NewPortForwarder(opts.Forwarder),
		policy:    opts.Retry.withDefaults(),
		bus:       opts.Bus,
		registry:  opts.Registry,
		validate:  opts.Validate,
		log:       opts.Logger,
	}
}

// Bus returns the status bus snapshots are published on
func (m *Manager) Bus() *StatusBus {
	return m.bus
}

// Registry returns the registry of active supervisors
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Connect brings up every tunnel of a configured server. The first attempt
// runs synchronously; its outcome is returned as a snapshot. Partial or total
// bind failures are reported in the snapshot, not as an error. A server whose
// supervisor gave up after the retry budget is replaced by a fresh one.
func (m *Manager) Connect(serverID string) (types.StatusSnapshot, error) {
	srv, ok := m.source.Server(serverID)
	if !ok {
		return types.DisconnectedSnapshot(serverID), fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	if err := m.check(srv); err != nil {
		return types.DisconnectedSnapshot(serverID), err
	}

	sup := NewSupervisor(types.NewTunnelSet(srv), m.forwarder, m.policy, m.bus, m.log)

	claimed, err := m.claim(serverID, sup)
	if err == nil && !claimed && m.releaseExhausted(serverID) {
		claimed, err = m.claim(serverID, sup)
	}
	if err != nil {
		sup.cancel()
		return types.DisconnectedSnapshot(serverID), err
	}
	if !claimed {
		sup.cancel()
		return m.Status(serverID), fmt.Errorf("%w: %s", ErrAlreadyConnected, serverID)
	}

	m.log.Info().Str("server", serverID).Str("host", srv.Host).Int("tunnels", len(srv.Tunnels)).Msg("connecting")
	return sup.Start()
}

// check rejects servers whose ports do not fit a TCP port or that fail the
// configured validator
func (m *Manager) check(srv types.ServerConfig) error {
	if err := srv.CheckPorts(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidServer, err)
	}
	if m.validate != nil {
		if err := m.validate(srv); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidServer, err)
		}
	}
	return nil
}

// claim stores sup as the server's supervisor unless one is already present
func (m *Manager) claim(serverID string, sup *Supervisor) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrManagerClosed
	}
	return m.registry.Claim(serverID, sup), nil
}

// releaseExhausted stops and removes the server's supervisor if it gave up
// reconnecting. It reports whether the slot was freed.
func (m *Manager) releaseExhausted(serverID string) bool {
	old, ok := m.registry.Get(serverID)
	if !ok {
		return true
	}
	if !old.Exhausted() {
		return false
	}
	if err := old.Stop(); err != nil {
		m.log.Warn().Err(err).Str("server", serverID).Msg("errors while closing tunnels")
	}
	m.log.Info().Str("server", serverID).Msg("replacing supervisor that exhausted its retries")
	m.registry.RemoveIf(serverID, old)
	return true
}

// Disconnect tears down a server's tunnels and publishes a disconnected
// snapshot. It never fails; unknown servers are reported as disconnected.
func (m *Manager) Disconnect(serverID string) types.StatusSnapshot {
	if sup, ok := m.registry.Get(serverID); ok {
		if err := sup.Stop(); err != nil {
			m.log.Warn().Err(err).Str("server", serverID).Msg("errors while closing tunnels")
		}
		m.registry.RemoveIf(serverID, sup)
		m.log.Info().Str("server", serverID).Msg("disconnected")
	}

	snap := types.DisconnectedSnapshot(serverID)
	m.bus.Publish(snap)
	return snap
}

// Reconnect disconnects a server and connects it again with its current configuration
func (m *Manager) Reconnect(serverID string) (types.StatusSnapshot, error) {
	m.Disconnect(serverID)
	return m.Connect(serverID)
}

// Status returns the server's current snapshot, synthesizing a disconnected
// one when the server has no supervisor
func (m *Manager) Status(serverID string) types.StatusSnapshot {
	if sup, ok := m.registry.Get(serverID); ok {
		return sup.Status()
	}
	return types.DisconnectedSnapshot(serverID)
}

// Statuses returns a snapshot for every configured server, followed by any
// active server that is no longer configured
func (m *Manager) Statuses() []types.StatusSnapshot {
	servers := m.source.Servers()
	seen := make(map[string]bool, len(servers))
	statuses := make([]types.StatusSnapshot, 0, len(servers))

	for _, srv := range servers {
		if seen[srv.Name] {
			continue
		}
		seen[srv.Name] = true
		statuses = append(statuses, m.Status(srv.Name))
	}
	for _, id := range m.registry.IDs() {
		if !seen[id] {
			statuses = append(statuses, m.Status(id))
		}
	}
	return statuses
}

// Stats returns traffic counters for the server's live tunnels
func (m *Manager) Stats(serverID string) []types.MappingStats {
	if sup, ok := m.registry.Get(serverID); ok {
		return sup.Stats()
	}
	return []types.MappingStats{}
}

// Reconcile aligns active servers with the configuration: servers that were
// removed are disconnected and servers whose tunnels changed are restarted.
func (m *Manager) Reconcile() ReconcileResult {
	result := ReconcileResult{Removed: []string{}, Restarted: []string{}}

	for _, id := range m.registry.IDs() {
		sup, ok := m.registry.Get(id)
		if !ok {
			continue
		}

		srv, configured := m.source.Server(id)
		if !configured {
			m.Disconnect(id)
			result.Removed = append(result.Removed, id)
			continue
		}

		if !reflect.DeepEqual(types.NewTunnelSet(srv), sup.TunnelSet()) {
			if _, err := m.Reconnect(id); err != nil {
				m.log.Warn().Err(err).Str("server", id).Msg("restart after config change failed")
			}
			result.Restarted = append(result.Restarted, id)
		}
	}

	sort.Strings(result.Removed)
	sort.Strings(result.Restarted)
	return result
}

// Shutdown stops every supervisor and refuses further connects
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, id := range m.registry.IDs() {
		sup, ok := m.registry.Remove(id)
		if !ok {
			continue
		}
		if err := sup.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop tunnels for %s: %w", id, err))
		}
		m.bus.Publish(types.DisconnectedSnapshot(id))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}
	return nil
}
