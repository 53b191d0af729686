// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for device sessions. Both providers are optional; sessions run fine with
// the noop implementations.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Prometheus configuration
	MetricsPath string // HTTP path for metrics endpoint (default: /metrics)
	MetricsPort int    // Port for metrics server (default: 9090)

	// Metric options
	Namespace        string    // Prometheus namespace (default: meross)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Custom histogram buckets for latency

	// Labels to add to all metrics
	ConstLabels prometheus.Labels
}

// MetricsProvider records what a device session does: requests on either
// transport, inbound pushes, liveness flips, transport switches, and the
// persistence and auth edge cases.
type MetricsProvider interface {
	// Request/response traffic
	RecordRequest(ctx context.Context, namespace, transport, status string, duration time.Duration)
	RecordPush(ctx context.Context, namespace, transport string)
	RecordPoll(ctx context.Context, device string)

	// Session state
	RecordOnline(ctx context.Context, device string, online bool)
	RecordTransportSwitch(ctx context.Context, device, from, to, reason string)

	// Edge cases
	RecordAuthMismatch(ctx context.Context, device string)
	RecordPersist(ctx context.Context, device, status string)

	// Management
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus
type PrometheusMetricsProvider struct {
	config MetricsConfig
	server *http.Server

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	pushTotal       *prometheus.CounterVec
	pollTotal       *prometheus.CounterVec

	online          *prometheus.GaugeVec
	transportSwitch *prometheus.CounterVec

	authMismatchTotal *prometheus.CounterVec
	persistTotal      *prometheus.CounterVec
}

// NewMetricsProvider creates a new Prometheus metrics provider
func NewMetricsProvider(config MetricsConfig) (MetricsProvider, error) {
	// Set defaults
	if config.Namespace == "" {
		config.Namespace = "meross"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsPort == 0 {
		config.MetricsPort = 9090
	}
	if config.HistogramBuckets == nil {
		// Default buckets for milliseconds
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}

	// Add service labels to const labels
	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		config.ConstLabels["environment"] = config.Environment
	}

	provider := &PrometheusMetricsProvider{config: config}
	provider.initializeMetrics()

	if err := provider.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return provider, nil
}

// initializeMetrics creates all metric collectors
func (p *PrometheusMetricsProvider) initializeMetrics() {
	p.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "request_duration_milliseconds",
			Help:        "Duration of device requests in milliseconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"namespace", "transport", "status"},
	)

	p.requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "request_total",
			Help:        "Total number of device requests",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"namespace", "transport", "status"},
	)

	p.pushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "push_total",
			Help:        "Total number of unsolicited device pushes received",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"namespace", "transport"},
	)

	p.pollTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "poll_total",
			Help:        "Total number of polling cycles issued",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"device"},
	)

	p.online = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "device_online",
			Help:        "Device liveness (1=online, 0=offline)",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"device"},
	)

	p.transportSwitch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "transport_switch_total",
			Help:        "Total number of active transport switches",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"device", "from", "to", "reason"},
	)

	p.authMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "auth_mismatch_total",
			Help:        "Total number of messages whose signature did not match the configured key",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"device"},
	)

	p.persistTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "persist_total",
			Help:        "Total number of descriptor persistence attempts",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"device", "status"},
	)
}

// registerMetrics registers all metrics with Prometheus
func (p *PrometheusMetricsProvider) registerMetrics() error {
	collectors := []prometheus.Collector{
		p.requestDuration,
		p.requestTotal,
		p.pushTotal,
		p.pollTotal,
		p.online,
		p.transportSwitch,
		p.authMismatchTotal,
		p.persistTotal,
	}

	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			// Check if already registered
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// RecordRequest records a request/response exchange
func (p *PrometheusMetricsProvider) RecordRequest(ctx context.Context, namespace, transport, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.requestDuration.WithLabelValues(namespace, transport, status).Observe(ms)
	p.requestTotal.WithLabelValues(namespace, transport, status).Inc()
}

// RecordPush records an unsolicited inbound push
func (p *PrometheusMetricsProvider) RecordPush(ctx context.Context, namespace, transport string) {
	p.pushTotal.WithLabelValues(namespace, transport).Inc()
}

// RecordPoll records one polling cycle
func (p *PrometheusMetricsProvider) RecordPoll(ctx context.Context, device string) {
	p.pollTotal.WithLabelValues(device).Inc()
}

// RecordOnline records the device's liveness state
func (p *PrometheusMetricsProvider) RecordOnline(ctx context.Context, device string, online bool) {
	v := 0.0
	if online {
		v = 1.0
	}
	p.online.WithLabelValues(device).Set(v)
}

// RecordTransportSwitch records an active transport change
func (p *PrometheusMetricsProvider) RecordTransportSwitch(ctx context.Context, device, from, to, reason string) {
	p.transportSwitch.WithLabelValues(device, from, to, reason).Inc()
}

// RecordAuthMismatch records a message that failed signature verification
func (p *PrometheusMetricsProvider) RecordAuthMismatch(ctx context.Context, device string) {
	p.authMismatchTotal.WithLabelValues(device).Inc()
}

// RecordPersist records a descriptor persistence attempt
func (p *PrometheusMetricsProvider) RecordPersist(ctx context.Context, device, status string) {
	p.persistTotal.WithLabelValues(device, status).Inc()
}

// Start starts the metrics HTTP server
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, promhttp.Handler())

	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.config.MetricsPort),
		Handler: mux,
	}

	go func() {
		_ = p.server.ListenAndServe()
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}

// NoopMetricsProvider discards all measurements.
type NoopMetricsProvider struct{}

// NewNoopMetricsProvider creates a metrics provider that records nothing.
func NewNoopMetricsProvider() MetricsProvider { return NoopMetricsProvider{} }

func (NoopMetricsProvider) RecordRequest(ctx context.Context, namespace, transport, status string, duration time.Duration) {
}
func (NoopMetricsProvider) RecordPush(ctx context.Context, namespace, transport string)  {}
func (NoopMetricsProvider) RecordPoll(ctx context.Context, device string)                {}
func (NoopMetricsProvider) RecordOnline(ctx context.Context, device string, online bool) {}
func (NoopMetricsProvider) RecordTransportSwitch(ctx context.Context, device, from, to, reason string) {
}
func (NoopMetricsProvider) RecordAuthMismatch(ctx context.Context, device string)    {}
func (NoopMetricsProvider) RecordPersist(ctx context.Context, device, status string) {}
func (NoopMetricsProvider) Start(ctx context.Context) error                          { return nil }
func (NoopMetricsProvider) Shutdown(ctx context.Context) error                       { return nil }
