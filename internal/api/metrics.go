package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/craigderington/realmtunnel/internal/tunnel"
	"github.com/craigderington/realmtunnel/pkg/types"
)

var allStates = []types.ConnectionState{
	types.StateDisconnected,
	types.StateConnecting,
	types.StateConnected,
	types.StateError,
}

// Metrics holds all Prometheus metrics for the daemon
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Tunnel metrics
	ServerState  *prometheus.GaugeVec
	StatusEvents *prometheus.CounterVec
	Commands     *prometheus.CounterVec
}

// NewMetrics creates a private registry and registers all metrics on it
func NewMetrics(manager *tunnel.Manager) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newForwarderCollector(manager),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realmtunnel_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realmtunnel_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realmtunnel_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),
		ServerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realmtunnel_server_state",
				Help: "1 for the server's current connection state, 0 otherwise",
			},
			[]string{"server", "state"},
		),
		StatusEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realmtunnel_status_events_total",
				Help: "Total number of published status snapshots",
			},
			[]string{"server", "state"},
		),
		Commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realmtunnel_commands_total",
				Help: "Total number of connect/disconnect commands by result",
			},
			[]string{"command", "result"},
		),
	}
}

// ObserveStatus records a published snapshot
func (m *Metrics) ObserveStatus(snap types.StatusSnapshot) {
	m.StatusEvents.WithLabelValues(snap.ServerID, string(snap.State)).Inc()
	for _, st := range allStates {
		v := 0.0
		if st == snap.State {
			v = 1
		}
		m.ServerState.WithLabelValues(snap.ServerID, string(st)).Set(v)
	}
}

// Middleware records request count, latency and size per route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		m.HTTPResponseSize.WithLabelValues(r.Method, endpoint).Observe(float64(wrapped.size))
	})
}

// Handler returns the Prometheus exposition handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// forwarderCollector exports live forwarder counters at scrape time
type forwarderCollector struct {
	manager *tunnel.Manager

	bytesSent     *prometheus.Desc
	bytesReceived *prometheus.Desc
	connections   *prometheus.Desc
	active        *prometheus.Desc
	errors        *prometheus.Desc
}

func newForwarderCollector(manager *tunnel.Manager) *forwarderCollector {
	labels := []string{"server", "tunnel"}
	return &forwarderCollector{
		manager: manager,
		bytesSent: prometheus.NewDesc("realmtunnel_tunnel_bytes_sent_total",
			"Bytes forwarded from local clients to the remote endpoint", labels, nil),
		bytesReceived: prometheus.NewDesc("realmtunnel_tunnel_bytes_received_total",
			"Bytes forwarded from the remote endpoint to local clients", labels, nil),
		connections: prometheus.NewDesc("realmtunnel_tunnel_connections_total",
			"Accepted local connections", labels, nil),
		active: prometheus.NewDesc("realmtunnel_tunnel_active_connections",
			"Currently spliced connections", labels, nil),
		errors: prometheus.NewDesc("realmtunnel_tunnel_errors_total",
			"Accept, dial and copy errors", labels, nil),
	}
}

func (c *forwarderCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.connections
	ch <- c.active
	ch <- c.errors
}

func (c *forwarderCollector) Collect(ch chan<- prometheus.Metric) {
	for _, id := range c.manager.Registry().IDs() {
		for _, st := range c.manager.Stats(id) {
			name := st.Label
			if name == "" {
				name = strconv.Itoa(st.Index)
			}
			ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(st.BytesSent), id, name)
			ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(st.BytesReceived), id, name)
			ch <- prometheus.MustNewConstMetric(c.connections, prometheus.CounterValue, float64(st.Connections), id, name)
			ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(st.ActiveConns), id, name)
			ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(st.Errors), id, name)
		}
	}
}

// responseRecorder wraps http.ResponseWriter to capture status code and size
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// Hijack lets the WebSocket upgrader take over wrapped connections
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not implement http.Hijacker")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
