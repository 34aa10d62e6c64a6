package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/craigderington/realmtunnel/pkg/types"
)

const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultDrainTimeout = 10 * time.Second
	DefaultBindAddress  = "127.0.0.1"
)

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ForwarderStats contains statistics for a forwarder
type ForwarderStats struct {
	BytesSent     int64
	BytesReceived int64
	Connections   int64
	ActiveConns   int64
	Errors        int64
	StartedAt     time.Time
	LastActivity  time.Time
}

// ForwarderConfig configures a PortForwarder
type ForwarderConfig struct {
	// ProbeTimeout bounds the reachability probe and every outbound dial
	ProbeTimeout time.Duration
	BindAddress  string
	Dialer       Dialer
	// DrainTimeout bounds how long Close waits for spliced connections
	DrainTimeout time.Duration
	Logger       zerolog.Logger
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// PortForwarder binds mappings to local listeners that bridge to the remote end
type PortForwarder struct {
	cfg ForwarderConfig
}

// NewPortForwarder creates a forwarder with the given configuration
func NewPortForwarder(cfg ForwarderConfig) *PortForwarder {
	return &PortForwarder{cfg: cfg.withDefaults()}
}

// Probe opens and immediately closes a connection to the mapping's remote endpoint
func (f *PortForwarder) Probe(ctx context.Context, m types.PortMapping) error {
	probeCtx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()

	conn, err := f.cfg.Dialer.DialContext(probeCtx, "tcp", m.Address())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("connection timeout after %s: %w", f.cfg.ProbeTimeout, err)
		}
		return err
	}
	conn.Close()
	return nil
}

// Bind probes the remote endpoint and, only if it answers, starts listening on
// the local port. ctx bounds the probe and the bind, not the returned handle.
func (f *PortForwarder) Bind(ctx context.Context, m types.PortMapping) (*ForwarderHandle, error) {
	log := f.cfg.Logger.With().Str("mapping", m.String()).Logger()

	if err := f.Probe(ctx, m); err != nil {
		log.Debug().Err(err).Msg("reachability probe failed")
		return nil, unreachable(m, err)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", m.LocalAddress(f.cfg.BindAddress))
	if err != nil {
		log.Debug().Err(err).Msg("local bind failed")
		return nil, bindFailed(m, err)
	}

	// Record the actual port when an ephemeral one was requested
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		m.LocalPort = uint16(tcpAddr.Port)
	}

	h := newForwarderHandle(f.cfg, m, listener, log)
	go h.acceptLoop()

	log.Debug().Str("local_addr", h.LocalAddr()).Msg("forwarder listening")
	return h, nil
}

// ForwarderHandle is one live local listener. It must be closed by its owner.
type ForwarderHandle struct {
	mapping  types.PortMapping
	listener net.Listener
	dialer   Dialer
	log      zerolog.Logger

	dialTimeout  time.Duration
	drainTimeout time.Duration

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	connections   atomic.Int64
	activeConns   atomic.Int64
	errors        atomic.Int64
	lastActivity  atomic.Int64
	startedAt     time.Time

	activeWG sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closing   atomic.Bool
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
	closeErr  error
}

func newForwarderHandle(cfg ForwarderConfig, m types.PortMapping, listener net.Listener, log zerolog.Logger) *ForwarderHandle {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	h := &ForwarderHandle{
		mapping:      m,
		listener:     listener,
		dialer:       cfg.Dialer,
		log:          log,
		dialTimeout:  cfg.ProbeTimeout,
		drainTimeout: cfg.DrainTimeout,
		startedAt:    now,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	h.lastActivity.Store(now.UnixNano())
	return h
}

// Mapping returns the mapping served, with the bound local port filled in
func (h *ForwarderHandle) Mapping() types.PortMapping {
	return h.mapping
}

// LocalAddr returns the local listening address
func (h *ForwarderHandle) LocalAddr() string {
	return h.listener.Addr().String()
}

// Done is closed once the handle stops accepting connections
func (h *ForwarderHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the error that stopped the accept loop, or nil if the handle
// is running or was closed normally
func (h *ForwarderHandle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *ForwarderHandle) acceptLoop() {
	defer close(h.done)

	var delay time.Duration
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.closing.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				h.errMu.Lock()
				h.err = fmt.Errorf("listener on %s closed unexpectedly: %w", h.LocalAddr(), err)
				h.errMu.Unlock()
				h.log.Warn().Err(err).Msg("listener stopped unexpectedly")
				return
			}

			h.errors.Add(1)
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			h.log.Debug().Err(err).Dur("retry_in", delay).Msg("accept failed")
			select {
			case <-time.After(delay):
				continue
			case <-h.ctx.Done():
				return
			}
		}
		delay = 0

		h.activeWG.Add(1)
		go h.handleConnection(conn)
	}
}

// handleConnection bridges one accepted local connection to a fresh remote connection
func (h *ForwarderHandle) handleConnection(local net.Conn) {
	defer h.activeWG.Done()

	h.connections.Add(1)
	h.activeConns.Add(1)
	defer h.activeConns.Add(-1)

	dialCtx, cancel := context.WithTimeout(h.ctx, h.dialTimeout)
	remote, err := h.dialer.DialContext(dialCtx, "tcp", h.mapping.Address())
	cancel()
	if err != nil {
		h.errors.Add(1)
		h.log.Debug().Err(err).Str("client", local.RemoteAddr().String()).Msg("remote dial failed")
		local.Close()
		return
	}

	err = splice(h.ctx, local, remote, h.countSent, h.countReceived)
	if err != nil && h.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		h.errors.Add(1)
		h.log.Debug().Err(err).Str("client", local.RemoteAddr().String()).Msg("connection ended with error")
	}
}

func (h *ForwarderHandle) countSent(n int64) {
	h.bytesSent.Add(n)
	h.lastActivity.Store(time.Now().UnixNano())
}

func (h *ForwarderHandle) countReceived(n int64) {
	h.bytesReceived.Add(n)
	h.lastActivity.Store(time.Now().UnixNano())
}

// Stats returns the current forwarder statistics
func (h *ForwarderHandle) Stats() ForwarderStats {
	return ForwarderStats{
		BytesSent:     h.bytesSent.Load(),
		BytesReceived: h.bytesReceived.Load(),
		Connections:   h.connections.Load(),
		ActiveConns:   h.activeConns.Load(),
		Errors:        h.errors.Load(),
		StartedAt:     h.startedAt,
		LastActivity:  time.Unix(0, h.lastActivity.Load()),
	}
}

// Close stops accepting, force-closes in-flight connections and waits for
// them to finish, at most the drain timeout. It is safe to call repeatedly.
func (h *ForwarderHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		err := h.listener.Close()
		h.cancel()

		// Every activeWG.Add happens on the accept loop
		<-h.done

		drained := make(chan struct{})
		go func() {
			h.activeWG.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-time.After(h.drainTimeout):
			h.closeErr = fmt.Errorf("timeout waiting for connections on %s to close", h.LocalAddr())
			return
		}

		if err != nil && !errors.Is(err, net.ErrClosed) {
			h.closeErr = err
		}
	})
	return h.closeErr
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
