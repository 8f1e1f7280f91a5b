// Package metric provides Prometheus metrics collection and monitoring.
package metric

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

// Metrics contains the Prometheus metrics server and registered custom metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	httpServer *http.Server
	config     Config
	registry   *prometheus.Registry

	peerLinks           prometheus.Gauge
	iceRestarts         prometheus.Counter
	peerResets          prometheus.Counter
	sessionReconnects   prometheus.Counter
	signalSendFailures  prometheus.Counter
	staleSignals        prometheus.Counter
	webSocketConnection prometheus.Gauge
	pendingSignals      prometheus.Gauge
	cpuUsage            prometheus.Gauge
	memoryUsage         prometheus.Gauge
}

// New creates a new Metrics instance and registers its collectors on a
// dedicated registry.
func New(config Config) *Metrics {
	m := &Metrics{
		config:   config,
		registry: prometheus.NewRegistry(),
		peerLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_peer_links",
			Help: "Current number of peer links.",
		}),
		iceRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_ice_restarts_total",
			Help: "Number of ICE restarts initiated.",
		}),
		peerResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_peer_resets_total",
			Help: "Number of peer links torn down and rebuilt.",
		}),
		sessionReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_session_reconnects_total",
			Help: "Number of session-level reconnects.",
		}),
		signalSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_signal_send_failures_total",
			Help: "Number of signals that could not be sent after all retries.",
		}),
		staleSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_stale_signals_total",
			Help: "Number of duplicate or out-of-date signals dropped.",
		}),
		webSocketConnection: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_websocket_connections",
			Help: "Current number of WebSocket connections.",
		}),
		pendingSignals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_signals",
			Help: "Signals stored by the relay and not yet acknowledged.",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percentage",
			Help: "CPU usage percentage.",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_bytes",
			Help: "Current memory usage in bytes.",
		}),
	}
	m.registry.MustRegister(
		m.peerLinks,
		m.iceRestarts,
		m.peerResets,
		m.sessionReconnects,
		m.signalSendFailures,
		m.staleSignals,
		m.webSocketConnection,
		m.pendingSignals,
		m.cpuUsage,
		m.memoryUsage,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Start initializes and starts the metrics HTTP server.
func (m *Metrics) Start() {
	if m == nil || m.config.Port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	m.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Starting metrics server on port %d at path %s", m.config.Port, m.config.Path)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("error occurs in metrics server: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (m *Metrics) Stop() error {
	if m != nil && m.httpServer != nil {
		log.Printf("Stopping metrics server on port %d", m.config.Port)
		return m.httpServer.Close()
	}
	return nil
}

// CollectSystemMetrics samples cpu and memory usage until ctx is done.
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(m.config.SystemInterval)
	defer ticker.Stop()
	for {
		m.sampleSystem()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Metrics) sampleSystem() {
	if percents, err := cpu.Percent(0, false); err != nil {
		log.Printf("failed to read cpu usage: %v", err)
	} else if len(percents) > 0 {
		m.cpuUsage.Set(percents[0])
	}
	if vm, err := mem.VirtualMemory(); err != nil {
		log.Printf("failed to read memory usage: %v", err)
	} else {
		m.memoryUsage.Set(float64(vm.Used))
	}
}

// SetPeerLinks records the number of live peer links.
func (m *Metrics) SetPeerLinks(n int) {
	if m == nil {
		return
	}
	m.peerLinks.Set(float64(n))
}

// IncrementICERestarts counts an ICE restart.
func (m *Metrics) IncrementICERestarts() {
	if m == nil {
		return
	}
	m.iceRestarts.Inc()
}

// IncrementPeerResets counts a full peer link reset.
func (m *Metrics) IncrementPeerResets() {
	if m == nil {
		return
	}
	m.peerResets.Inc()
}

// IncrementSessionReconnects counts a session-level reconnect.
func (m *Metrics) IncrementSessionReconnects() {
	if m == nil {
		return
	}
	m.sessionReconnects.Inc()
}

// IncrementSignalSendFailures counts a signal dropped after retries.
func (m *Metrics) IncrementSignalSendFailures() {
	if m == nil {
		return
	}
	m.signalSendFailures.Inc()
}

// IncrementStaleSignals counts a duplicate or outdated signal.
func (m *Metrics) IncrementStaleSignals() {
	if m == nil {
		return
	}
	m.staleSignals.Inc()
}

// IncrementWebSocketConnections increments the WebSocket connection count.
func (m *Metrics) IncrementWebSocketConnections() {
	if m == nil {
		return
	}
	m.webSocketConnection.Inc()
}

// DecrementWebSocketConnections decrements the WebSocket connection count.
func (m *Metrics) DecrementWebSocketConnections() {
	if m == nil {
		return
	}
	m.webSocketConnection.Dec()
}

// SetPendingSignals records the number of unacknowledged relay signals.
func (m *Metrics) SetPendingSignals(n int) {
	if m == nil {
		return
	}
	m.pendingSignals.Set(float64(n))
}
