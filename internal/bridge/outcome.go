package bridge

import (
	"context"
	"encoding/json"
	"sync"
)

// Outcome is the single-resolution result of a submitted request. The first
// resolve or fail wins; later attempts are ignored.
type Outcome struct {
	once sync.Once
	done chan struct{}
	resp json.RawMessage
	err  error
}

func newOutcome() *Outcome {
	return &Outcome{done: make(chan struct{})}
}

func (o *Outcome) settle(resp json.RawMessage, err error) bool {
	settled := false
	o.once.Do(func() {
		o.resp = resp
		o.err = err
		settled = true
		close(o.done)
	})
	return settled
}

// Done is closed once the outcome is settled.
func (o *Outcome) Done() <-chan struct{} { return o.done }

// Result returns the settled value. Before Done is closed it returns nil, nil.
func (o *Outcome) Result() (json.RawMessage, error) {
	select {
	case <-o.done:
		return o.resp, o.err
	default:
		return nil, nil
	}
}

// Wait blocks until the outcome settles or ctx ends. Giving up on ctx does
// not withdraw the request from its ledger.
func (o *Outcome) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-o.done:
		return o.resp, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
