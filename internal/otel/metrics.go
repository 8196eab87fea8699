package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bridge's metric instruments. A nil *Metrics records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	RequestsSubmitted metric.Int64Counter
	RequestsCompleted metric.Int64Counter
	RequestsFailed    metric.Int64Counter
	Dispatches        metric.Int64Counter
	Redispatches      metric.Int64Counter
	PendingRequests   metric.Int64UpDownCounter
	RequestDuration   metric.Float64Histogram
	ProxyDuration     metric.Float64Histogram
	ToolCallDuration  metric.Float64Histogram
	Promotions        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RequestsSubmitted, err = meter.Int64Counter("studiobridge.requests.submitted",
		metric.WithDescription("Operations accepted into the ledger"),
	); err != nil {
		return nil, err
	}
	if m.RequestsCompleted, err = meter.Int64Counter("studiobridge.requests.completed",
		metric.WithDescription("Operations answered successfully by the host"),
	); err != nil {
		return nil, err
	}
	if m.RequestsFailed, err = meter.Int64Counter("studiobridge.requests.failed",
		metric.WithDescription("Operations failed, by reason"),
	); err != nil {
		return nil, err
	}
	if m.Dispatches, err = meter.Int64Counter("studiobridge.dispatches",
		metric.WithDescription("Operations handed to a host poller"),
	); err != nil {
		return nil, err
	}
	if m.Redispatches, err = meter.Int64Counter("studiobridge.redispatches",
		metric.WithDescription("Operations handed out again after their lease lapsed"),
	); err != nil {
		return nil, err
	}
	if m.PendingRequests, err = meter.Int64UpDownCounter("studiobridge.requests.pending",
		metric.WithDescription("Operations currently held by the ledger"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("studiobridge.request.duration",
		metric.WithDescription("Time from submit to resolution in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ProxyDuration, err = meter.Float64Histogram("studiobridge.proxy.duration",
		metric.WithDescription("Proxy relay round trip in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallDuration, err = meter.Float64Histogram("studiobridge.tool.duration",
		metric.WithDescription("MCP tool call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.Promotions, err = meter.Int64Counter("studiobridge.promotions",
		metric.WithDescription("Proxy to primary promotions"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Submitted records a request entering the ledger.
func (m *Metrics) Submitted(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RequestsSubmitted.Add(ctx, 1, metric.WithAttributes(AttrEndpoint.String(endpoint)))
	m.PendingRequests.Add(ctx, 1)
}

// Resolved records a request leaving the ledger. reason is empty on success.
func (m *Metrics) Resolved(ctx context.Context, endpoint, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.PendingRequests.Add(ctx, -1)
	attrs := []attribute.KeyValue{AttrEndpoint.String(endpoint)}
	if reason == "" {
		m.RequestsCompleted.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		attrs = append(attrs, AttrReason.String(reason))
		m.RequestsFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(attrs...))
}

// Dispatched records a request handed to a poller.
func (m *Metrics) Dispatched(ctx context.Context, endpoint string, attempt int) {
	if m == nil {
		return
	}
	m.Dispatches.Add(ctx, 1, metric.WithAttributes(AttrEndpoint.String(endpoint)))
	if attempt > 1 {
		m.Redispatches.Add(ctx, 1, metric.WithAttributes(AttrEndpoint.String(endpoint)))
	}
}

// Relayed records one proxy round trip.
func (m *Metrics) Relayed(ctx context.Context, endpoint string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.ProxyDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrEndpoint.String(endpoint),
		attribute.Bool("studiobridge.proxy.failed", failed),
	))
}

// ToolCalled records one MCP tool invocation.
func (m *Metrics) ToolCalled(ctx context.Context, tool string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.ToolCallDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrToolName.String(tool),
		attribute.Bool("studiobridge.tool.failed", failed),
	))
}

// Promoted records a proxy instance taking over the ledger.
func (m *Metrics) Promoted(ctx context.Context) {
	if m == nil {
		return
	}
	m.Promotions.Add(ctx, 1)
}
