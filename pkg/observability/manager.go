package observability

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/intelliclaw/gateway/pkg/config"
)

// Manager owns the metrics and tracing lifecycles.
type Manager struct {
	cfg            config.ObservabilityConfig
	tracerProvider trace.TracerProvider
	metrics        *GatewayMetrics
	mu             sync.RWMutex
}

func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Initialize builds the exporters. Must run before the HTTP server
// starts serving the metrics endpoint.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitGlobalTracer(ctx, TracerConfig{
		Enabled:      m.cfg.IsTracingEnabled(),
		Exporter:     m.cfg.TracingExporter,
		Endpoint:     m.cfg.TracingEndpoint,
		SamplingRate: m.cfg.SamplingRate,
		ServiceName:  m.cfg.ServiceName,
	})
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	if m.cfg.IsMetricsEnabled() {
		metrics, err := InitMetrics(ctx)
		if err != nil {
			return err
		}
		m.metrics = metrics
		SetGlobalMetrics(metrics)
	}

	return nil
}

func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tracerProvider == nil {
		return GetTracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

func (m *Manager) Metrics() *GatewayMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

func (m *Manager) MetricsEnabled() bool {
	return m.cfg.IsMetricsEnabled()
}

func (m *Manager) MetricsEndpoint() string {
	return m.cfg.MetricsPath
}

// MetricsHandler serves the Prometheus scrape endpoint. The OTel
// prometheus exporter registers against the default registry.
func (m *Manager) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return spt.Shutdown(ctx)
	}
	return nil
}
