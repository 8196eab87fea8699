package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/studiobridge/internal/bus"
)

// Dispatch is a request handed to a host poller.
type Dispatch struct {
	RequestID string
	Endpoint  string
	Payload   json.RawMessage
	// Attempt counts deliveries of this request, starting at 1.
	Attempt int
}

// leaseTable maps request id to the time it was last handed out.
type leaseTable map[string]time.Time

func (t leaseTable) active(id string, now time.Time, window time.Duration) bool {
	leasedAt, ok := t[id]
	return ok && now.Sub(leasedAt) < window
}

// TakeNext leases the oldest request that is not already on loan to a
// poller. Requests whose lease has lapsed become eligible again, so a request
// may be delivered more than once before it is answered.
func (l *Ledger) TakeNext() (Dispatch, bool) {
	l.mu.Lock()
	now := l.clock.Now()
	var oldest *PendingRequest
	for id, req := range l.requests {
		if l.leases.active(id, now, l.window) {
			continue
		}
		if oldest == nil || olderThan(req, oldest) {
			oldest = req
		}
	}
	if oldest == nil {
		l.mu.Unlock()
		return Dispatch{}, false
	}
	l.leases[oldest.ID] = now
	oldest.attempts++
	d := Dispatch{
		RequestID: oldest.ID,
		Endpoint:  oldest.Endpoint,
		Payload:   oldest.Payload,
		Attempt:   oldest.attempts,
	}
	l.mu.Unlock()

	if d.Attempt > 1 {
		l.logger.Info("redispatching request", "request_id", d.RequestID, "endpoint", d.Endpoint, "attempt", d.Attempt)
	}
	l.metrics.Dispatched(context.Background(), d.Endpoint, d.Attempt)
	l.bus.Publish(bus.TopicRequestDispatched, bus.RequestEvent{RequestID: d.RequestID, Endpoint: d.Endpoint, Attempt: d.Attempt})
	return d, true
}

// olderThan orders by submission time, then by submission sequence so that
// requests sharing a timestamp keep their arrival order.
func olderThan(a, b *PendingRequest) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.seq < b.seq
}
