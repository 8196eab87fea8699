// Package bridge queues operations for an out-of-process host poller and
// matches its answers back to the waiting callers.
//
// A Primary owns the ledger. A Forwarder relays submissions to whichever
// process currently owns it and holds no request state of its own.
package bridge

import (
	"context"
	"encoding/json"
)

// Bridge is the caller-facing surface shared by Primary and Forwarder.
type Bridge interface {
	// Submit queues an operation and waits for its answer.
	Submit(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error)
	TakeNext() (Dispatch, bool)
	Complete(id string, response json.RawMessage) bool
	Fail(id string, err error) bool
	SweepExpired() int
	ResetAll() int
	Pending() int
}

var (
	_ Bridge = (*Primary)(nil)
	_ Bridge = (*Forwarder)(nil)
)

// Primary serves the Bridge surface from a local Ledger.
type Primary struct {
	ledger *Ledger
}

// NewPrimary creates a Primary backed by a fresh ledger.
func NewPrimary(opts Options) *Primary {
	return &Primary{ledger: NewLedger(opts)}
}

// Ledger exposes the backing ledger.
func (p *Primary) Ledger() *Ledger { return p.ledger }

func (p *Primary) Submit(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	_, out := p.ledger.Submit(endpoint, payload)
	return out.Wait(ctx)
}

func (p *Primary) TakeNext() (Dispatch, bool) { return p.ledger.TakeNext() }

func (p *Primary) Complete(id string, response json.RawMessage) bool {
	return p.ledger.Complete(id, response)
}

func (p *Primary) Fail(id string, err error) bool { return p.ledger.Fail(id, err) }

func (p *Primary) SweepExpired() int { return p.ledger.SweepExpired() }

func (p *Primary) ResetAll() int { return p.ledger.ResetAll() }

func (p *Primary) Pending() int { return p.ledger.Len() }
