package tunnel

import (
	"bytes"
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/craigderington/realmtunnel/pkg/types"
)

func newTestForwarder(cfg ForwarderConfig) *PortForwarder {
	cfg.Logger = zerolog.Nop()
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = time.Second
	}
	return NewPortForwarder(cfg)
}

func TestForwarderConfigDefaults(t *testing.T) {
	cfg := ForwarderConfig{}.withDefaults()

	if cfg.ProbeTimeout != 5*time.Second {
		t.Errorf("ProbeTimeout = %v, want 5s", cfg.ProbeTimeout)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress = %q, want 127.0.0.1", cfg.BindAddress)
	}
	if cfg.DrainTimeout != 10*time.Second {
		t.Errorf("DrainTimeout = %v, want 10s", cfg.DrainTimeout)
	}
	if _, ok := cfg.Dialer.(*net.Dialer); !ok {
		t.Errorf("Dialer = %T, want *net.Dialer", cfg.Dialer)
	}
}

func TestBindForwardsBytes(t *testing.T) {
	echo := startEchoServer(t)
	f := newTestForwarder(ForwarderConfig{})

	h, err := f.Bind(context.Background(), mappingTo(listenerPort(echo), "echo"))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer h.Close()

	if h.Mapping().LocalPort == 0 {
		t.Error("Expected ephemeral local port to be recorded in mapping")
	}

	payload := []byte("hello world \x00\x01\x02\xff")
	got := roundTrip(t, h.LocalAddr(), payload)
	if !bytes.Equal(got, payload) {
		t.Errorf("Expected %q, got %q", payload, got)
	}

	ok := waitFor(t, time.Second, func() bool {
		s := h.Stats()
		return s.BytesSent == int64(len(payload)) && s.BytesReceived == int64(len(payload)) && s.ActiveConns == 0
	})
	if !ok {
		s := h.Stats()
		t.Errorf("unexpected stats: sent=%d received=%d active=%d", s.BytesSent, s.BytesReceived, s.ActiveConns)
	}
	if h.Stats().Connections != 1 {
		t.Errorf("Connections = %d, want 1", h.Stats().Connections)
	}
}

func TestBindLargePayload(t *testing.T) {
	echo := startEchoServer(t)
	f := newTestForwarder(ForwarderConfig{})

	h, err := f.Bind(context.Background(), mappingTo(listenerPort(echo), "echo"))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer h.Close()

	payload := bytes.Repeat([]byte("realm"), 200_000)
	got := roundTrip(t, h.LocalAddr(), payload)
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: sent %d bytes, got %d", len(payload), len(got))
	}
}

func TestBindUnreachableNeverListens(t *testing.T) {
	port := closedPort(t)
	local := closedPort(t)
	f := newTestForwarder(ForwarderConfig{})

	m := types.PortMapping{LocalPort: local, RemoteHost: "127.0.0.1", RemotePort: port, Label: "dead"}
	h, err := f.Bind(context.Background(), m)
	if err == nil {
		h.Close()
		t.Fatal("Bind() succeeded against a closed port")
	}
	if !errors.Is(err, ErrRemoteUnreachable) {
		t.Errorf("error = %v, want ErrRemoteUnreachable", err)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Errorf("error = %v, want wrapped ECONNREFUSED", err)
	}

	var me *MappingError
	if !errors.As(err, &me) || me.Mapping != m {
		t.Errorf("expected MappingError for %v, got %#v", m, err)
	}
	if !portFree(local) {
		t.Errorf("local port %d was bound despite failed probe", local)
	}
}

func TestBindProbeTimeout(t *testing.T) {
	dialer := &MockDialer{dialFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newTestForwarder(ForwarderConfig{Dialer: dialer, ProbeTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := f.Bind(context.Background(), mappingTo(9, "slow"))
	if !errors.Is(err, ErrRemoteUnreachable) {
		t.Fatalf("error = %v, want ErrRemoteUnreachable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want wrapped deadline", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("probe took %v, expected it to honour the timeout", elapsed)
	}
}

func TestBindProbeCancelled(t *testing.T) {
	dialer := &MockDialer{dialFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newTestForwarder(ForwarderConfig{Dialer: dialer, ProbeTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.Bind(ctx, mappingTo(9, "cancelled"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestBindPortInUse(t *testing.T) {
	echo := startEchoServer(t)

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to occupy port: %v", err)
	}
	defer occupied.Close()

	f := newTestForwarder(ForwarderConfig{})
	m := mappingTo(listenerPort(echo), "busy")
	m.LocalPort = listenerPort(occupied)

	_, err = f.Bind(context.Background(), m)
	if !errors.Is(err, ErrBindFailed) {
		t.Errorf("error = %v, want ErrBindFailed", err)
	}
}

func TestRemoteDialFailureClosesLocal(t *testing.T) {
	echo := startEchoServer(t)
	probed := false
	dialer := &MockDialer{dialFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
		if !probed {
			probed = true
			var d net.Dialer
			return d.DialContext(ctx, network, address)
		}
		return nil, errors.New("remote went away")
	}}
	f := newTestForwarder(ForwarderConfig{Dialer: dialer})

	h, err := f.Bind(context.Background(), mappingTo(listenerPort(echo), "flaky"))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer h.Close()

	conn, err := net.Dial("tcp", h.LocalAddr())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("Expected local connection to be closed after dial failure")
	}
	if !waitFor(t, time.Second, func() bool { return h.Stats().Errors == 1 }) {
		t.Errorf("Errors = %d, want 1", h.Stats().Errors)
	}

	// Listener keeps serving after an individual connection failure
	select {
	case <-h.Done():
		t.Error("handle stopped after a per-connection failure")
	default:
	}
}

func TestCloseReleasesPortAndConnections(t *testing.T) {
	echo := startEchoServer(t)
	f := newTestForwarder(ForwarderConfig{DrainTimeout: 2 * time.Second})

	h, err := f.Bind(context.Background(), mappingTo(listenerPort(echo), "close"))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	port := h.Mapping().LocalPort

	// An idle client that never sends EOF
	conn, err := net.Dial("tcp", h.LocalAddr())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	if !waitFor(t, time.Second, func() bool { return h.Stats().ActiveConns == 1 }) {
		t.Fatal("connection never became active")
	}

	start := time.Now()
	if err := h.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Close() took %v, expected in-flight connections to be force closed", time.Since(start))
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v after normal close", h.Err())
	}
	if h.Stats().ActiveConns != 0 {
		t.Errorf("ActiveConns = %d after close", h.Stats().ActiveConns)
	}

	select {
	case <-h.Done():
	default:
		t.Error("Done() not closed after Close()")
	}
	if !portFree(port) {
		t.Errorf("port %d still bound after Close()", port)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("client connection still open after Close()")
	}
}

func TestUnexpectedListenerDeath(t *testing.T) {
	echo := startEchoServer(t)
	f := newTestForwarder(ForwarderConfig{})

	h, err := f.Bind(context.Background(), mappingTo(listenerPort(echo), "dies"))
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer h.Close()

	h.listener.Close()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after listener died")
	}
	if h.Err() == nil {
		t.Error("Err() = nil after unexpected listener death")
	}
}

func TestSpliceErrorClosesPair(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a2.Close()
	defer b2.Close()

	done := make(chan error, 1)
	go func() {
		done <- splice(context.Background(), a1, b1, nil, nil)
	}()

	// Abort one leg; the other must be dragged down with it
	b2.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not return after one leg failed")
	}

	a2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := a2.Read(make([]byte, 1)); err == nil {
		t.Error("peer leg still open after the other leg failed")
	}
}

func TestSpliceCancel(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a2.Close()
	defer b2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- splice(ctx, a1, b1, nil, nil)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not return after cancellation")
	}
}
