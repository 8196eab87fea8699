package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/studiobridge/internal/bus"
	"github.com/basket/studiobridge/internal/clock"
	"github.com/basket/studiobridge/internal/otel"
)

const (
	DefaultRequestTimeout   = 60 * time.Second
	DefaultRedispatchWindow = 15 * time.Second
)

// Options configures a Ledger. Zero values select the defaults.
type Options struct {
	RequestTimeout   time.Duration
	RedispatchWindow time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
	Bus              *bus.Bus
	Metrics          *otel.Metrics
	NewID            func() string
}

// PendingRequest is one operation waiting for a host answer.
type PendingRequest struct {
	ID          string
	Endpoint    string
	Payload     json.RawMessage
	SubmittedAt time.Time

	outcome  *Outcome
	timer    clock.Timer
	seq      uint64
	attempts int
}

// Ledger holds outstanding requests and their dispatch leases. Every request
// leaves the ledger through exactly one of Complete, Fail, the absolute
// timeout, SweepExpired or ResetAll, and its Outcome is settled on the way out.
type Ledger struct {
	timeout time.Duration
	window  time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	newID   func() string

	mu       sync.Mutex
	requests map[string]*PendingRequest
	leases   leaseTable
	seq      uint64
}

// NewLedger creates an empty ledger.
func NewLedger(opts Options) *Ledger {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.RedispatchWindow <= 0 {
		opts.RedispatchWindow = DefaultRedispatchWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Ledger{
		timeout:  opts.RequestTimeout,
		window:   opts.RedispatchWindow,
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "ledger"),
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		newID:    opts.NewID,
		requests: make(map[string]*PendingRequest),
		leases:   make(leaseTable),
	}
}

// Submit inserts a request and arms its absolute timeout.
func (l *Ledger) Submit(endpoint string, payload json.RawMessage) (string, *Outcome) {
	req := &PendingRequest{
		ID:       l.newID(),
		Endpoint: endpoint,
		Payload:  payload,
		outcome:  newOutcome(),
	}

	l.mu.Lock()
	l.seq++
	req.seq = l.seq
	req.SubmittedAt = l.clock.Now()
	l.requests[req.ID] = req
	id := req.ID
	req.timer = l.clock.AfterFunc(l.timeout, func() { l.expire(id) })
	l.mu.Unlock()

	l.logger.Debug("request submitted", "request_id", id, "endpoint", endpoint)
	l.metrics.Submitted(context.Background(), endpoint)
	l.bus.Publish(bus.TopicRequestSubmitted, bus.RequestEvent{RequestID: id, Endpoint: endpoint})
	return id, req.outcome
}

// Complete resolves the request with response. Unknown ids are ignored and
// reported as false.
func (l *Ledger) Complete(id string, response json.RawMessage) bool {
	req := l.remove(id)
	if req == nil {
		l.logger.Debug("complete for unknown request", "request_id", id)
		return false
	}
	l.settle(req, response, nil)
	return true
}

// Fail fails the request with err. Unknown ids are ignored and reported as
// false.
func (l *Ledger) Fail(id string, err error) bool {
	req := l.remove(id)
	if req == nil {
		l.logger.Debug("fail for unknown request", "request_id", id, "error", err)
		return false
	}
	l.settle(req, nil, err)
	return true
}

// SweepExpired fails every request older than the request timeout and
// returns how many were removed.
func (l *Ledger) SweepExpired() int {
	l.mu.Lock()
	now := l.clock.Now()
	var expired []*PendingRequest
	for id, req := range l.requests {
		if now.Sub(req.SubmittedAt) > l.timeout {
			expired = append(expired, req)
			l.dropLocked(id)
		}
	}
	l.mu.Unlock()

	for _, req := range expired {
		l.settle(req, nil, ErrTimeout)
	}
	if len(expired) > 0 {
		l.logger.Info("swept expired requests", "count", len(expired))
	}
	return len(expired)
}

// ResetAll fails every request with ErrConnectionClosed and clears all
// leases.
func (l *Ledger) ResetAll() int {
	l.mu.Lock()
	cleared := make([]*PendingRequest, 0, len(l.requests))
	for _, req := range l.requests {
		if req.timer != nil {
			req.timer.Stop()
		}
		cleared = append(cleared, req)
	}
	l.requests = make(map[string]*PendingRequest)
	l.leases = make(leaseTable)
	l.mu.Unlock()

	for _, req := range cleared {
		l.settle(req, nil, ErrConnectionClosed)
	}
	if len(cleared) > 0 {
		l.logger.Info("cleared pending requests", "count", len(cleared))
	}
	return len(cleared)
}

// Len reports the number of outstanding requests.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// Leased reports how many requests hold an unexpired lease.
func (l *Ledger) Leased() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	n := 0
	for id := range l.leases {
		if l.leases.active(id, now, l.window) {
			n++
		}
	}
	return n
}

func (l *Ledger) expire(id string) {
	l.mu.Lock()
	req, ok := l.requests[id]
	if ok {
		delete(l.requests, id)
		delete(l.leases, id)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	l.logger.Warn("request timed out", "request_id", id, "endpoint", req.Endpoint, "attempts", req.attempts)
	l.settle(req, nil, ErrTimeout)
}

func (l *Ledger) remove(id string) *PendingRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.requests[id]
	if !ok {
		return nil
	}
	l.dropLocked(id)
	return req
}

func (l *Ledger) dropLocked(id string) {
	if req, ok := l.requests[id]; ok && req.timer != nil {
		req.timer.Stop()
	}
	delete(l.requests, id)
	delete(l.leases, id)
}

func (l *Ledger) settle(req *PendingRequest, response json.RawMessage, err error) {
	if !req.outcome.settle(response, err) {
		return
	}
	elapsed := l.clock.Now().Sub(req.SubmittedAt).Seconds()
	kind := KindOf(err)
	l.metrics.Resolved(context.Background(), req.Endpoint, kind, elapsed)

	ev := bus.RequestEvent{RequestID: req.ID, Endpoint: req.Endpoint, Attempt: req.attempts, Reason: kind}
	if err == nil {
		l.bus.Publish(bus.TopicRequestCompleted, ev)
		return
	}
	l.bus.Publish(bus.TopicRequestFailed, ev)
}
