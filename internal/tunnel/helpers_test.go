package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/craigderington/realmtunnel/pkg/types"
)

// MockDialer is a Dialer for tests
type MockDialer struct {
	dials    atomic.Int64
	dialFunc func(ctx context.Context, network, address string) (net.Conn, error)
}

func (m *MockDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	m.dials.Add(1)
	if m.dialFunc != nil {
		return m.dialFunc(ctx, network, address)
	}
	return nil, errors.New("no dial function configured")
}

// startEchoServer starts a TCP echo server on an ephemeral loopback port
func startEchoServer(t *testing.T) net.Listener {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create echo server: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
				if tcp, ok := c.(*net.TCPConn); ok {
					tcp.CloseWrite()
				}
			}(conn)
		}
	}()

	return ln
}

// closedPort returns a loopback port nothing listens on
func closedPort(t *testing.T) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return uint16(port)
}

func listenerPort(ln net.Listener) uint16 {
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// mappingTo returns an ephemeral-local mapping to the given loopback port
func mappingTo(port uint16, label string) types.PortMapping {
	return types.PortMapping{
		LocalPort:  0,
		RemoteHost: "127.0.0.1",
		RemotePort: port,
		Label:      label,
	}
}

// portFree reports whether a loopback port can be bound right now
func portFree(port uint16) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// roundTrip writes payload through addr, half-closes and reads the echo
func roundTrip(t *testing.T, addr string, payload []byte) []byte {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect to forwarder: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Write concurrently so large payloads cannot fill every socket buffer
	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
		writeErr <- err
	}()

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Failed to read from connection: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("Failed to write to connection: %v", err)
	}
	return got
}

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// fastPolicy keeps retry tests quick
func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		Backoff: BackoffConfig{
			Initial:    5 * time.Millisecond,
			Max:        20 * time.Millisecond,
			Multiplier: 2,
		},
		MaxRetries:     maxRetries,
		RetryOnPartial: true,
	}
}
