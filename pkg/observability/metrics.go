// Package observability wires OpenTelemetry metrics (Prometheus exporter)
// and optional tracing for the gateway.
package observability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records gateway instrumentation events. A nil *GatewayMetrics
// is a valid no-op receiver so call sites never branch.
type Metrics interface {
	RecordToolCall(ctx context.Context, tool, outcome string, duration time.Duration, err error)
	RecordValidationError(ctx context.Context)
	RecordApprovalsPending(ctx context.Context, pending int64)
	RecordChatRequest(ctx context.Context, provider string, duration time.Duration, tokens int, err error)
	RecordFailover(ctx context.Context, from, to string)
	RecordWebhookDelivery(ctx context.Context, event string, ok bool)
	RecordRateLimited(ctx context.Context, scope string)
}

// GatewayMetrics backs the Metrics interface with OTel instruments and
// keeps an in-process per-tool snapshot for the admin API.
type GatewayMetrics struct {
	toolCalls        metric.Int64Counter
	toolDuration     metric.Float64Histogram
	validationErrors metric.Int64Counter
	approvalsPending metric.Int64Gauge
	chatRequests     metric.Int64Counter
	chatTokens       metric.Int64Counter
	failovers        metric.Int64Counter
	webhookDelivered metric.Int64Counter
	rateLimited      metric.Int64Counter

	mu    sync.Mutex
	tools map[string]*toolStat
}

// ToolStat is one row of the per-tool admin snapshot.
type ToolStat struct {
	Tool       string  `json:"tool"`
	Calls      int64   `json:"calls"`
	Errors     int64   `json:"errors"`
	AvgMillis  float64 `json:"avg_ms"`
	LastCalled string  `json:"last_called"`
}

type toolStat struct {
	calls       int64
	errors      int64
	totalMillis float64
	lastCalled  time.Time
}

// InitMetrics builds the Prometheus exporter, the meter provider, and
// every gateway instrument.
func InitMetrics(ctx context.Context) (*GatewayMetrics, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("gateway")

	m := &GatewayMetrics{tools: make(map[string]*toolStat)}

	if m.toolCalls, err = meter.Int64Counter(
		"gateway_tool_calls_total",
		metric.WithDescription("Total tool calls by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"gateway_tool_call_duration_seconds",
		metric.WithDescription("Tool call duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	if m.validationErrors, err = meter.Int64Counter(
		"gateway_validation_errors_total",
		metric.WithDescription("Total schema validation failures"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation errors counter: %w", err)
	}

	if m.approvalsPending, err = meter.Int64Gauge(
		"gateway_approvals_pending",
		metric.WithDescription("Approvals currently pending"),
	); err != nil {
		return nil, fmt.Errorf("failed to create approvals gauge: %w", err)
	}

	if m.chatRequests, err = meter.Int64Counter(
		"gateway_chat_requests_total",
		metric.WithDescription("Total chat completion requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create chat requests counter: %w", err)
	}

	if m.chatTokens, err = meter.Int64Counter(
		"gateway_chat_tokens_used_total",
		metric.WithDescription("Total tokens used by chat completions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create chat tokens counter: %w", err)
	}

	if m.failovers, err = meter.Int64Counter(
		"gateway_provider_failovers_total",
		metric.WithDescription("Total provider failovers"),
	); err != nil {
		return nil, fmt.Errorf("failed to create failovers counter: %w", err)
	}

	if m.webhookDelivered, err = meter.Int64Counter(
		"gateway_webhook_deliveries_total",
		metric.WithDescription("Total webhook delivery attempts by status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create webhook deliveries counter: %w", err)
	}

	if m.rateLimited, err = meter.Int64Counter(
		"gateway_rate_limited_total",
		metric.WithDescription("Total requests rejected by the rate limiter"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rate limited counter: %w", err)
	}

	return m, nil
}

func (m *GatewayMetrics) RecordToolCall(ctx context.Context, tool, outcome string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	}
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.tools[tool]
	if st == nil {
		st = &toolStat{}
		m.tools[tool] = st
	}
	st.calls++
	st.totalMillis += float64(duration.Milliseconds())
	st.lastCalled = time.Now()
	if err != nil {
		st.errors++
	}
}

func (m *GatewayMetrics) RecordValidationError(ctx context.Context) {
	if m == nil {
		return
	}
	m.validationErrors.Add(ctx, 1)
}

func (m *GatewayMetrics) RecordApprovalsPending(ctx context.Context, pending int64) {
	if m == nil {
		return
	}
	m.approvalsPending.Record(ctx, pending)
}

func (m *GatewayMetrics) RecordChatRequest(ctx context.Context, provider string, duration time.Duration, tokens int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.chatRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
	if tokens > 0 {
		m.chatTokens.Add(ctx, int64(tokens), metric.WithAttributes(attribute.String("provider", provider)))
	}
}

func (m *GatewayMetrics) RecordFailover(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.failovers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *GatewayMetrics) RecordWebhookDelivery(ctx context.Context, event string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.webhookDelivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("status", status),
	))
}

func (m *GatewayMetrics) RecordRateLimited(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// ToolSnapshot returns per-tool stats sorted by name for GET
// /admin/metrics/tools.
func (m *GatewayMetrics) ToolSnapshot() []ToolStat {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ToolStat, 0, len(m.tools))
	for tool, st := range m.tools {
		row := ToolStat{
			Tool:   tool,
			Calls:  st.calls,
			Errors: st.errors,
		}
		if st.calls > 0 {
			row.AvgMillis = st.totalMillis / float64(st.calls)
		}
		if !st.lastCalled.IsZero() {
			row.LastCalled = st.lastCalled.UTC().Format(time.RFC3339)
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

var (
	globalMetrics *GatewayMetrics
	metricsMu     sync.RWMutex
)

// SetGlobalMetrics installs the process-wide metrics sink.
func SetGlobalMetrics(m *GatewayMetrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics sink; may be nil,
// which every Record method tolerates.
func GetGlobalMetrics() *GatewayMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
