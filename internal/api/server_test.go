package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/craigderington/realmtunnel/internal/config"
	"github.com/craigderington/realmtunnel/internal/storage"
	"github.com/craigderington/realmtunnel/internal/tunnel"
	"github.com/craigderington/realmtunnel/pkg/types"
)

type testEnv struct {
	server  *Server
	manager *tunnel.Manager
	store   *config.Store
}

// startEchoServer returns the port of a loopback server that echoes every connection
func startEchoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start echo server: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// freePort returns a loopback port that was free a moment ago
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func echoServer(t *testing.T, name string) types.ServerConfig {
	t.Helper()
	return types.ServerConfig{
		Name:       name,
		Host:       "127.0.0.1",
		ServerType: types.ServerTypeWorld,
		Tunnels: []types.TunnelConfig{
			{LocalPort: freePort(t), RemotePort: startEchoServer(t), Name: "World"},
		},
	}
}

func newTestEnv(t *testing.T, cfg Config, servers ...types.ServerConfig) *testEnv {
	t.Helper()

	store := config.NewStore(filepath.Join(t.TempDir(), config.DefaultFileName), zerolog.Nop())
	autoConnect := false
	if err := store.Save(&types.AppConfig{Version: config.CurrentVersion, AutoConnect: &autoConnect, Servers: servers}); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	manager := tunnel.NewManager(store, tunnel.Options{
		Forwarder: tunnel.ForwarderConfig{ProbeTimeout: time.Second},
		Retry: tunnel.RetryPolicy{
			Backoff:        tunnel.BackoffConfig{Initial: time.Hour, Max: time.Hour, Multiplier: 2},
			MaxRetries:     2,
			RetryOnPartial: true,
		},
		Logger:   zerolog.Nop(),
		Validate: config.CheckServer,
	})

	cfg.Manager = manager
	cfg.Config = store
	cfg.Logger = zerolog.Nop()
	srv := NewServer(cfg)

	t.Cleanup(func() {
		manager.Shutdown()
		srv.Close()
	})

	return &testEnv{server: srv, manager: manager, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func serverPath(id, action string) string {
	p := "/api/v1/servers/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{})

	w := env.do(t, "GET", "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}

	body := decode[map[string]interface{}](t, w)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	env := newTestEnv(t, Config{})

	req := httptest.NewRequest("GET", serverPath("nope", ""), nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
	apiErr := decode[APIError](t, w)
	if apiErr.RequestID != "req-123" {
		t.Errorf("error request_id = %q, want req-123", apiErr.RequestID)
	}
}

func TestListServers(t *testing.T) {
	a := echoServer(t, "BattleNet Server")
	b := echoServer(t, "WorldServer 1")
	b.ServerType = ""
	env := newTestEnv(t, Config{}, a, b)

	w := env.do(t, "GET", "/api/v1/servers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	views := decode[[]ServerView](t, w)
	if len(views) != 2 {
		t.Fatalf("Expected 2 servers, got %d", len(views))
	}
	if views[0].ID != "BattleNet Server" || views[1].ID != "WorldServer 1" {
		t.Errorf("unexpected order: %s, %s", views[0].ID, views[1].ID)
	}
	for _, v := range views {
		if v.Status.State != types.StateDisconnected {
			t.Errorf("%s state = %s, want disconnected", v.ID, v.Status.State)
		}
		if v.Config == nil {
			t.Errorf("%s has no config", v.ID)
		}
	}
	if len(views[0].Problems) != 0 {
		t.Errorf("valid server reported problems: %v", views[0].Problems)
	}
	if len(views[1].Problems) != 1 {
		t.Errorf("Expected one problem for missing server type, got %v", views[1].Problems)
	}
}

func TestGetServerNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})

	for _, path := range []string{serverPath("missing", ""), serverPath("missing", "metrics")} {
		w := env.do(t, "GET", path, "")
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, w.Code)
		}
		if apiErr := decode[APIError](t, w); apiErr.Code != ErrCodeServerNotFound {
			t.Errorf("%s: code = %s, want %s", path, apiErr.Code, ErrCodeServerNotFound)
		}
	}
}

func TestConnectLifecycle(t *testing.T) {
	srv := echoServer(t, "WorldServer 1")
	env := newTestEnv(t, Config{}, srv)

	w := env.do(t, "POST", serverPath(srv.Name, "connect"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("connect: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	snap := decode[types.StatusSnapshot](t, w)
	if snap.State != types.StateConnected {
		t.Fatalf("connect state = %s (%s)", snap.State, snap.LastError)
	}

	// Traffic flows through the tunnel
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Tunnels[0].LocalPort)))
	if err != nil {
		t.Fatalf("Failed to dial tunnel: %v", err)
	}
	conn.Write([]byte("ping"))
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Errorf("echo = %q, %v", buf, err)
	}
	conn.Close()

	w = env.do(t, "POST", serverPath(srv.Name, "connect"), "")
	if w.Code != http.StatusConflict {
		t.Fatalf("second connect: expected 409, got %d", w.Code)
	}
	if apiErr := decode[APIError](t, w); apiErr.Code != ErrCodeAlreadyConnected {
		t.Errorf("code = %s, want %s", apiErr.Code, ErrCodeAlreadyConnected)
	}

	w = env.do(t, "GET", serverPath(srv.Name, "metrics"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	stats := decode[struct {
		Tunnels []types.MappingStats `json:"tunnels"`
	}](t, w)
	if len(stats.Tunnels) != 1 || stats.Tunnels[0].Connections < 1 {
		t.Errorf("unexpected tunnel stats: %+v", stats.Tunnels)
	}

	w = env.do(t, "GET", serverPath(srv.Name, ""), "")
	if view := decode[ServerView](t, w); view.Status.State != types.StateConnected {
		t.Errorf("get state = %s, want connected", view.Status.State)
	}

	w = env.do(t, "POST", serverPath(srv.Name, "disconnect"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("disconnect: expected 200, got %d", w.Code)
	}
	snap = decode[types.StatusSnapshot](t, w)
	if snap.State != types.StateDisconnected || len(snap.Mappings) != 0 {
		t.Errorf("disconnect snapshot = %+v", snap)
	}

	// Ports are free again
	w = env.do(t, "POST", serverPath(srv.Name, "connect"), "")
	if snap := decode[types.StatusSnapshot](t, w); snap.State != types.StateConnected {
		t.Errorf("reconnect after disconnect state = %s (%s)", snap.State, snap.LastError)
	}

	w = env.do(t, "POST", serverPath(srv.Name, "reconnect"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("reconnect: expected 200, got %d", w.Code)
	}
	if snap := decode[types.StatusSnapshot](t, w); snap.State != types.StateConnected {
		t.Errorf("reconnect state = %s (%s)", snap.State, snap.LastError)
	}
}

func TestConnectErrors(t *testing.T) {
	invalid := echoServer(t, "Broken")
	invalid.ServerType = ""
	env := newTestEnv(t, Config{}, invalid)

	w := env.do(t, "POST", serverPath("missing", "connect"), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown server: expected 404, got %d", w.Code)
	}

	w = env.do(t, "POST", serverPath("Broken", "connect"), "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid server: expected 400, got %d", w.Code)
	}
	apiErr := decode[APIError](t, w)
	if apiErr.Code != ErrCodeInvalidServerConfig || len(apiErr.Details) != 1 {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if env.manager.Registry().Len() != 0 {
		t.Error("invalid server was connected")
	}

	valid := echoServer(t, "Late")
	env2 := newTestEnv(t, Config{}, valid)
	env2.manager.Shutdown()
	w = env2.do(t, "POST", serverPath("Late", "connect"), "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("closed manager: expected 503, got %d", w.Code)
	}
}

func TestDisconnectUnknownServer(t *testing.T) {
	env := newTestEnv(t, Config{})

	w := env.do(t, "POST", serverPath("ghost", "disconnect"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if snap := decode[types.StatusSnapshot](t, w); snap.ServerID != "ghost" || snap.State != types.StateDisconnected {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCommandRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 0.001, RateBurst: 5})

	for i := 0; i < 5; i++ {
		if w := env.do(t, "POST", serverPath("a", "disconnect"), ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}

	w := env.do(t, "POST", serverPath("a", "disconnect"), "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
	if apiErr := decode[APIError](t, w); apiErr.Code != ErrCodeRateLimit {
		t.Errorf("code = %s", apiErr.Code)
	}

	// Buckets are per server
	if w := env.do(t, "POST", serverPath("b", "disconnect"), ""); w.Code != http.StatusOK {
		t.Errorf("other server: expected 200, got %d", w.Code)
	}

	// Reads are not limited
	for i := 0; i < 10; i++ {
		if w := env.do(t, "GET", "/api/v1/servers", ""); w.Code != http.StatusOK {
			t.Fatalf("list %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, Config{})
	if w := env.do(t, "GET", serverPath("a", "history"), ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no store: expected 503, got %d", w.Code)
	}

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	env = newTestEnv(t, Config{History: store})
	now := time.Now()
	for i, st := range []types.ConnectionState{types.StateConnecting, types.StateConnected, types.StateDisconnected} {
		snap := types.DisconnectedSnapshot("a")
		snap.State = st
		snap.Timestamp = now.Add(time.Duration(i) * time.Second)
		if err := store.Record(t.Context(), snap); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	w := env.do(t, "GET", serverPath("a", "history")+"?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	events := decode[[]storage.StatusEvent](t, w)
	if len(events) != 2 || events[0].State != types.StateDisconnected {
		t.Errorf("history = %+v", events)
	}

	if w := env.do(t, "GET", serverPath("a", "history")+"?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

func TestHistoryNilStore(t *testing.T) {
	var store *storage.SQLiteStore
	env := newTestEnv(t, Config{History: store})

	if w := env.do(t, "GET", serverPath("a", "history"), ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestReloadConfig(t *testing.T) {
	keep := echoServer(t, "Keep")
	drop := echoServer(t, "Drop")
	env := newTestEnv(t, Config{}, keep, drop)

	for _, name := range []string{"Keep", "Drop"} {
		if w := env.do(t, "POST", serverPath(name, "connect"), ""); w.Code != http.StatusOK {
			t.Fatalf("connect %s: got %d", name, w.Code)
		}
	}

	data, err := os.ReadFile(env.store.Path())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	// Keep the first server only
	idx := bytes.Index(data, []byte("  - name: Drop"))
	if idx < 0 {
		t.Fatalf("Drop not found in:\n%s", data)
	}
	if err := os.WriteFile(env.store.Path(), data[:idx], 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	w := env.do(t, "POST", "/api/v1/config/reload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	result := decode[ReloadResult](t, w)
	if result.Servers != 1 || len(result.Reconcile.Removed) != 1 || result.Reconcile.Removed[0] != "Drop" {
		t.Errorf("reload result = %+v", result)
	}
	if _, ok := env.manager.Registry().Get("Drop"); ok {
		t.Error("Drop still active after reload")
	}
	if _, ok := env.manager.Registry().Get("Keep"); !ok {
		t.Error("Keep was disconnected by reload")
	}

	if err := os.WriteFile(env.store.Path(), []byte("servers: nope\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	w = env.do(t, "POST", "/api/v1/config/reload", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("broken file: expected 422, got %d", w.Code)
	}
	if _, ok := env.manager.Registry().Get("Keep"); !ok {
		t.Error("failed reload disconnected Keep")
	}
}

func TestPrometheusMetrics(t *testing.T) {
	srv := echoServer(t, "WorldServer 1")
	env := newTestEnv(t, Config{}, srv)

	env.do(t, "POST", serverPath(srv.Name, "connect"), "")

	w := env.do(t, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`realmtunnel_server_state{server="WorldServer 1",state="connected"} 1`,
		`realmtunnel_tunnel_bytes_sent_total{server="WorldServer 1",tunnel="World"}`,
		`realmtunnel_commands_total{command="connect",result="connected"} 1`,
		`realmtunnel_http_requests_total`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Config{AuthSecret: "secret"})

	w := env.do(t, "OPTIONS", serverPath("a", "connect"), "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestShutdownStopsTunnelsWhenHTTPDeadlineExpires(t *testing.T) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	srv := echoServer(t, "WorldServer 1")
	env := newTestEnv(t, Config{Addr: addr}, srv)

	if w := env.do(t, "POST", serverPath(srv.Name, "connect"), ""); w.Code != http.StatusOK {
		t.Fatalf("connect: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	go env.server.Start()

	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("API server never listened: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer conn.Close()

	// A half-written request keeps the connection busy
	if _, err := conn.Write([]byte("GET /api/v1/health HTTP/1.1\r\n")); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.server.Shutdown(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() error = %v, want context.Canceled", err)
	}

	if n := env.manager.Registry().Len(); n != 0 {
		t.Errorf("%d servers still active after Shutdown()", n)
	}
	ln, lerr := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Tunnels[0].LocalPort)))
	if lerr != nil {
		t.Errorf("tunnel port still bound after Shutdown(): %v", lerr)
	} else {
		ln.Close()
	}
	if _, err := env.manager.Connect(srv.Name); !errors.Is(err, tunnel.ErrManagerClosed) {
		t.Errorf("Connect() after Shutdown() error = %v, want ErrManagerClosed", err)
	}
}
