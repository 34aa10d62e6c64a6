package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ConnectionState represents the lifecycle state of a server or one of its mappings
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// Valid reports whether s is one of the known connection states
func (s ConnectionState) Valid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateError:
		return true
	}
	return false
}

// PortMapping binds one local port to one remote endpoint.
// LocalPort 0 asks the OS for an ephemeral port.
type PortMapping struct {
	LocalPort  uint16 `json:"local_port"`
	RemoteHost string `json:"remote_host"`
	RemotePort uint16 `json:"remote_port"`
	Label      string `json:"label,omitempty"`
}

// Address returns the remote host:port the mapping forwards to
func (m PortMapping) Address() string {
	return net.JoinHostPort(m.RemoteHost, strconv.Itoa(int(m.RemotePort)))
}

// LocalAddress returns the listen address for the mapping on the given bind host
func (m PortMapping) LocalAddress(bind string) string {
	return net.JoinHostPort(bind, strconv.Itoa(int(m.LocalPort)))
}

func (m PortMapping) String() string {
	if m.Label != "" {
		return fmt.Sprintf("%s (%d -> %s)", m.Label, m.LocalPort, m.Address())
	}
	return fmt.Sprintf("%d -> %s", m.LocalPort, m.Address())
}

// TunnelSet is the ordered collection of mappings that belong to one server
type TunnelSet struct {
	ServerID string        `json:"server_id"`
	Mappings []PortMapping `json:"mappings"`
}

// NewTunnelSet builds the tunnel set for a configured server.
// Every tunnel forwards to the server's host.
func NewTunnelSet(srv ServerConfig) TunnelSet {
	set := TunnelSet{
		ServerID: srv.Name,
		Mappings: make([]PortMapping, 0, len(srv.Tunnels)),
	}
	for _, t := range srv.Tunnels {
		set.Mappings = append(set.Mappings, PortMapping{
			LocalPort:  uint16(t.LocalPort),
			RemoteHost: srv.Host,
			RemotePort: uint16(t.RemotePort),
			Label:      t.Name,
		})
	}
	return set
}

// Validate checks that the set can be brought up
func (ts TunnelSet) Validate() error {
	if ts.ServerID == "" {
		return errors.New("server id is required")
	}
	if len(ts.Mappings) == 0 {
		return fmt.Errorf("server %s has no tunnels", ts.ServerID)
	}
	for i, m := range ts.Mappings {
		if m.RemoteHost == "" {
			return fmt.Errorf("tunnel %d: remote host is required", i)
		}
		if m.RemotePort == 0 {
			return fmt.Errorf("tunnel %d: remote port is required", i)
		}
	}
	return nil
}

// MappingStatus is the reported state of one mapping inside a snapshot
type MappingStatus struct {
	Index     int             `json:"index"`
	Label     string          `json:"label,omitempty"`
	LocalPort uint16          `json:"local_port"`
	State     ConnectionState `json:"state"`
	Error     string          `json:"error,omitempty"`
}

// StatusSnapshot is an immutable view of a server's tunnels at one instant
type StatusSnapshot struct {
	ServerID     string          `json:"server_id"`
	State        ConnectionState `json:"state"`
	Mappings     []MappingStatus `json:"mappings"`
	LastError    string          `json:"last_error,omitempty"`
	RetryAttempt int             `json:"retry_attempt"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// DisconnectedSnapshot returns the snapshot reported for a server with no active tunnels
func DisconnectedSnapshot(serverID string) StatusSnapshot {
	return StatusSnapshot{
		ServerID:  serverID,
		State:     StateDisconnected,
		Mappings:  []MappingStatus{},
		Timestamp: time.Now(),
	}
}

// Clone returns a deep copy so callers may not mutate published snapshots
func (s StatusSnapshot) Clone() StatusSnapshot {
	out := s
	out.Mappings = make([]MappingStatus, len(s.Mappings))
	copy(out.Mappings, s.Mappings)
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		out.NextRetryAt = &t
	}
	return out
}

// MappingStats reports traffic counters for one live mapping
type MappingStats struct {
	Index         int       `json:"index"`
	Label         string    `json:"label,omitempty"`
	LocalAddr     string    `json:"local_addr"`
	RemoteAddr    string    `json:"remote_addr"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	Connections   int64     `json:"connections"`
	ActiveConns   int64     `json:"active_connections"`
	Errors        int64     `json:"errors"`
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
}
