package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/studiobridge/internal/otel"
)

const (
	DefaultProxyTimeout = 30 * time.Second
	maxProxyReplyBytes  = 64 << 20
)

// ForwarderOptions configures a Forwarder.
type ForwarderOptions struct {
	// BaseURL of the primary, e.g. http://localhost:58741.
	BaseURL    string
	Timeout    time.Duration
	InstanceID string
	Client     *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otel.Metrics
}

// Forwarder relays Submit to the primary's /proxy route. Ledger methods are
// no-ops because the primary owns all request state.
type Forwarder struct {
	baseURL    string
	timeout    time.Duration
	instanceID string
	client     *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otel.Metrics
}

// NewForwarder creates a Forwarder. A missing InstanceID is generated.
func NewForwarder(opts ForwarderOptions) *Forwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProxyTimeout
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Forwarder{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		timeout:    opts.Timeout,
		instanceID: opts.InstanceID,
		client:     opts.Client,
		logger:     opts.Logger.With("component", "forwarder", "instance_id", opts.InstanceID),
		tracer:     opts.Tracer,
		metrics:    opts.Metrics,
	}
}

// InstanceID identifies this forwarder to the primary.
func (f *Forwarder) InstanceID() string { return f.instanceID }

func (f *Forwarder) Submit(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	ctx, span := otel.StartClientSpan(ctx, f.tracer, "proxy.relay",
		otel.AttrEndpoint.String(endpoint),
		otel.AttrInstanceID.String(f.instanceID),
	)
	defer span.End()

	start := time.Now()
	resp, err := f.relay(ctx, endpoint, payload)
	relayFailed := errors.Is(err, ErrProxyTimeout) || errors.Is(err, ErrProxyUnavailable)
	f.metrics.Relayed(ctx, endpoint, time.Since(start).Seconds(), relayFailed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (f *Forwarder) relay(parent context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeoutCause(parent, f.timeout, ErrProxyTimeout)
	defer cancel()

	body, err := json.Marshal(ProxyRequest{Endpoint: endpoint, Payload: payload, InstanceID: f.instanceID})
	if err != nil {
		return nil, fmt.Errorf("encode proxy request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/proxy", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProxyUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classify(ctx, parent, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxProxyReplyBytes))
	if err != nil {
		return nil, f.classify(ctx, parent, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		f.logger.Warn("primary rejected proxy request", "endpoint", endpoint, "status", httpResp.StatusCode)
		return nil, fmt.Errorf("%w: primary returned %d: %s", ErrProxyUnavailable, httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var reply ProxyResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %w", ErrProxyUnavailable, err)
	}
	if reply.Error != "" {
		return nil, ErrorFromKind(reply.ErrorKind, reply.Error)
	}
	return reply.Response, nil
}

// classify maps a transport error onto the proxy error kinds. A caller that
// gave up keeps its own context error.
func (f *Forwarder) classify(ctx, parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(context.Cause(ctx), ErrProxyTimeout) {
		f.logger.Warn("proxy request timed out", "timeout", f.timeout)
		return ErrProxyTimeout
	}
	f.logger.Warn("primary unreachable", "error", err)
	return fmt.Errorf("%w: %w", ErrProxyUnavailable, err)
}

func (f *Forwarder) TakeNext() (Dispatch, bool) { return Dispatch{}, false }

func (f *Forwarder) Complete(string, json.RawMessage) bool { return false }

func (f *Forwarder) Fail(string, error) bool { return false }

func (f *Forwarder) SweepExpired() int { return 0 }

func (f *Forwarder) ResetAll() int { return 0 }

func (f *Forwarder) Pending() int { return 0 }
