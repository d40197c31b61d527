package testcluster

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics manages Prometheus metrics for supervised processes.
type Metrics struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	// Process metrics
	ProcessesStarted *prometheus.CounterVec
	ProcessesLive    prometheus.Gauge
	ProcessExits     *prometheus.CounterVec
	StartupSeconds   *prometheus.HistogramVec

	// Topology metrics
	PartitionCommands *prometheus.CounterVec
	TopologyMoves     *prometheus.CounterVec
}

// DefaultMetrics is shared by every Metacluster that does not configure its own.
var DefaultMetrics = NewMetrics()

// NewMetrics creates a new metrics manager with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ProcessesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tc_processes_started_total",
			Help: "Total number of spawned server and proxy processes",
		}, []string{"kind"}),

		ProcessesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tc_processes_live",
			Help: "Number of supervised processes currently registered",
		}),

		ProcessExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tc_process_exits_total",
			Help: "Total process terminations by how they ended",
		}, []string{"kind", "reason"}),

		StartupSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tc_process_startup_seconds",
			Help:    "Time from spawn until all ports and the UUID were discovered",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),

		PartitionCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tc_partition_commands_total",
			Help: "Total partition commands sent",
		}, []string{"op", "status"}),

		TopologyMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tc_topology_moves_total",
			Help: "Total process moves between clusters",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.ProcessesStarted,
		m.ProcessesLive,
		m.ProcessExits,
		m.StartupSeconds,
		m.PartitionCommands,
		m.TopologyMoves,
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Start begins serving /metrics on addr until ctx is done or Stop is called.
func (m *Metrics) Start(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	m.mu.Lock()
	m.server = srv
	m.listener = ln
	m.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	return nil
}

// Addr returns the address the metrics server listens on, or "" if not started.
func (m *Metrics) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Stop stops the metrics server.
func (m *Metrics) Stop() {
	m.mu.Lock()
	srv := m.server
	m.server = nil
	m.listener = nil
	m.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func (m *Metrics) processStarted(kind Kind) {
	m.ProcessesStarted.WithLabelValues(kind.String()).Inc()
	m.ProcessesLive.Inc()
}

// processEnded records a termination. reason is "stopped", "killed",
// "closed" or "failed".
func (m *Metrics) processEnded(kind Kind, reason string) {
	m.ProcessExits.WithLabelValues(kind.String(), reason).Inc()
	m.ProcessesLive.Dec()
}

func (m *Metrics) observeStartup(kind Kind, d time.Duration) {
	m.StartupSeconds.WithLabelValues(kind.String()).Observe(d.Seconds())
}

func (m *Metrics) observePartition(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PartitionCommands.WithLabelValues(op, status).Inc()
}

func (m *Metrics) observeMove(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.TopologyMoves.WithLabelValues(result).Inc()
}
