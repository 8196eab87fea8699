package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/studiobridge/internal/audit"
	"github.com/basket/studiobridge/internal/bridge"
	"github.com/basket/studiobridge/internal/shared"
)

// ErrUnknownOperation is returned for names outside the active profile.
var ErrUnknownOperation = errors.New("unknown operation")

// ValidationError reports arguments that do not match an operation schema.
type ValidationError struct {
	Operation string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Operation, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Submitter queues a payload for the host and waits for the answer.
type Submitter interface {
	Submit(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error)
}

// Content is one block of an operation result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result wraps a host answer the way MCP tool results are shaped.
type Result struct {
	Content []Content `json:"content"`
}

// Registry dispatches operation calls by name.
type Registry struct {
	ops       []*Operation
	byName    map[string]*Operation
	submitter Submitter
	logger    *slog.Logger
	mode      func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMode reports the current bridge mode in journal entries.
func WithMode(mode func() string) Option {
	return func(r *Registry) { r.mode = mode }
}

// NewRegistry builds a registry over the operations of one profile.
func NewRegistry(ops []*Operation, submitter Submitter, opts ...Option) *Registry {
	r := &Registry{
		ops:       ops,
		byName:    make(map[string]*Operation, len(ops)),
		submitter: submitter,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "operations")
	for _, op := range ops {
		r.byName[op.Name] = op
	}
	return r
}

// List returns the registered operations in catalogue order.
func (r *Registry) List() []*Operation { return r.ops }

// Lookup finds an operation by name.
func (r *Registry) Lookup(name string) (*Operation, bool) {
	op, ok := r.byName[name]
	return op, ok
}

// Call validates args and submits them to the operation's endpoint.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	op, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	args = normalizeArgs(args)
	if err := op.validate(args); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := r.submitter.Submit(ctx, op.endpointFor(args), args)
	r.record(ctx, op, start, err)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		resp = json.RawMessage("null")
	}
	return &Result{Content: []Content{{Type: "text", Text: string(resp)}}}, nil
}

func (r *Registry) record(ctx context.Context, op *Operation, start time.Time, err error) {
	e := audit.Entry{
		TraceID:    shared.TraceID(ctx),
		Operation:  op.Name,
		Status:     "ok",
		DurationMS: time.Since(start).Milliseconds(),
	}
	if r.mode != nil {
		e.Mode = r.mode()
	}
	if err != nil {
		e.Status = "error"
		e.ErrorKind = bridge.KindOf(err)
		e.Error = err.Error()
		r.logger.Warn("operation failed", "operation", op.Name, "error_kind", e.ErrorKind, "error", err, "trace_id", e.TraceID)
	} else {
		r.logger.Debug("operation completed", "operation", op.Name, "duration_ms", e.DurationMS, "trace_id", e.TraceID)
	}
	audit.Record(e)
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return trimmed
}

func (o *Operation) validate(args json.RawMessage) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return &ValidationError{Operation: o.Name, Err: fmt.Errorf("arguments are not valid JSON: %w", err)}
	}
	if err := o.schema.Validate(inst); err != nil {
		return &ValidationError{Operation: o.Name, Err: err}
	}
	return nil
}

func (o *Operation) endpointFor(args json.RawMessage) string {
	if o.PropertiesEndpoint == "" {
		return o.Endpoint
	}
	var body struct {
		Objects []struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"objects"`
	}
	if err := json.Unmarshal(args, &body); err != nil {
		return o.Endpoint
	}
	for _, obj := range body.Objects {
		if len(obj.Properties) > 0 {
			return o.PropertiesEndpoint
		}
	}
	return o.Endpoint
}
