package memadapter

import (
	"context"
	"sync"

	"github.com/22388o/Interledger/ledger"
)

// OutcomeFunc decides the result of materializing a transfer. The default
// used by NewResponder always succeeds.
type OutcomeFunc func(t ledger.Transfer) ledger.Outcome

// Responder is an in-memory destination-ledger adapter. Receive resolves
// asynchronously on its own goroutine, exercising the engine's collect
// stage the same way a real network round-trip would.
type Responder struct {
	mu sync.Mutex

	outcome OutcomeFunc
	here    map[ledger.AssetID]struct{}
	notHere map[ledger.AssetID]struct{}
}

// NewResponder constructs a Responder that materializes every transfer
// successfully unless overridden with SetOutcomeFunc.
func NewResponder() *Responder {
	return &Responder{
		outcome: func(ledger.Transfer) ledger.Outcome { return ledger.Outcome{Success: true} },
		here:    make(map[ledger.AssetID]struct{}),
		notHere: make(map[ledger.AssetID]struct{}),
	}
}

// SetOutcomeFunc overrides how Receive decides success or failure.
func (r *Responder) SetOutcomeFunc(fn OutcomeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcome = fn
}

// SeedNotHere marks id as NOT_HERE without a Receive call, reconstructing
// the state a prior run would have left at the destination.
func (r *Responder) SeedNotHere(id ledger.AssetID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notHere[id] = struct{}{}
}

// SeedHere marks id as HERE without a Receive call, reconstructing the
// state a prior run would have left at the destination after an accepted
// but uncommitted transfer.
func (r *Responder) SeedHere(id ledger.AssetID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notHere, id)
	r.here[id] = struct{}{}
}

// Receive asynchronously attempts to materialize t. The single-element,
// then-closed channel matches the ledger.Responder contract.
func (r *Responder) Receive(ctx context.Context, t ledger.Transfer) <-chan ledger.Outcome {
	ch := make(chan ledger.Outcome, 1)

	go func() {
		defer close(ch)

		r.mu.Lock()
		fn := r.outcome
		r.mu.Unlock()

		var out ledger.Outcome
		var thrown = true
		func() {
			defer func() { _ = recover() }()
			out = fn(t)
			thrown = false
		}()
		if thrown {
			// A panicking OutcomeFunc is a thrown receive failure: the
			// channel closes without a value, which the engine treats as
			// Outcome{Success: false}.
			return
		}

		r.mu.Lock()
		if out.Success {
			delete(r.notHere, t.AssetID())
			r.here[t.AssetID()] = struct{}{}
		}
		r.mu.Unlock()

		select {
		case ch <- out:
		case <-ctx.Done():
		}
	}()

	return ch
}

// QueryByState returns every asset ID known to be HERE or NOT_HERE.
func (r *Responder) QueryByState(ctx context.Context, tag ledger.StateTag) (map[ledger.AssetID]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var src map[ledger.AssetID]struct{}
	switch tag {
	case ledger.Here:
		src = r.here
	case ledger.NotHere:
		src = r.notHere
	default:
		return nil, errUnsupportedTag(tag)
	}

	out := make(map[ledger.AssetID]struct{}, len(src))
	for id := range src {
		out[id] = struct{}{}
	}
	return out, nil
}

func errUnsupportedTag(tag ledger.StateTag) error {
	return &unsupportedTagError{tag: tag}
}

type unsupportedTagError struct{ tag ledger.StateTag }

func (e *unsupportedTagError) Error() string {
	return "memadapter.Responder: unsupported state tag " + e.tag.String()
}

var (
	_ ledger.Responder      = (*Responder)(nil)
	_ ledger.StateResponder = (*Responder)(nil)
)
