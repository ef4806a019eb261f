// Package memadapter provides deterministic, in-memory Initiator and
// Responder implementations of the github.com/22388o/Interledger/ledger
// contracts, intended for unit tests and local demonstration of the
// interledger engine.
package memadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/22388o/Interledger/ledger"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Initiator is an in-memory source-ledger adapter. New transfers are made
// available to PollForNewTransfers by calling Submit; SeedTransferOut
// reconstructs the state needed for recovery tests without going through
// the poll queue, standing in for transfers a previous run already marked
// outbound.
type Initiator struct {
	mu sync.Mutex

	pending     []ledger.Transfer
	newArrival  chan struct{}
	transferOut map[ledger.AssetID]struct{}

	commits []ledger.Transfer
	aborts  []ledger.Transfer

	// finalized guards against a second commit/abort for an asset ID that
	// was already finalized, mirroring the at-most-once durability a real
	// ledger would enforce. Bounded so long-running demos don't grow it
	// without limit.
	finalized *lru.Cache[ledger.AssetID, struct{}]
}

// NewInitiator constructs an empty Initiator.
func NewInitiator() *Initiator {
	finalized, err := lru.New[ledger.AssetID, struct{}](4096)
	if err != nil {
		// Only returns an error for a non-positive size, which is a
		// programmer error against a constant here.
		panic(err)
	}
	return &Initiator{
		newArrival:  make(chan struct{}, 1),
		transferOut: make(map[ledger.AssetID]struct{}),
		finalized:   finalized,
	}
}

// Submit makes a transfer available to the next PollForNewTransfers call and
// marks its asset TRANSFER_OUT.
func (a *Initiator) Submit(t ledger.Transfer) {
	a.mu.Lock()
	a.pending = append(a.pending, t)
	a.transferOut[t.AssetID()] = struct{}{}
	a.mu.Unlock()

	select {
	case a.newArrival <- struct{}{}:
	default:
	}
}

// SeedTransferOut marks id as TRANSFER_OUT without enqueuing it for poll,
// reconstructing the persisted state a prior run would have left behind.
func (a *Initiator) SeedTransferOut(id ledger.AssetID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transferOut[id] = struct{}{}
}

// PollForNewTransfers blocks until at least one transfer has been
// submitted, then returns every transfer submitted since the previous poll.
func (a *Initiator) PollForNewTransfers(ctx context.Context) ([]ledger.Transfer, error) {
	for {
		a.mu.Lock()
		if len(a.pending) > 0 {
			out := a.pending
			a.pending = nil
			a.mu.Unlock()
			return out, nil
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.newArrival:
		}
	}
}

// Commit durably records the source-side release of t's asset.
func (a *Initiator) Commit(ctx context.Context, t ledger.Transfer) error {
	return a.finalize(t, true)
}

// Abort durably restores the source-side asset named by t.
func (a *Initiator) Abort(ctx context.Context, t ledger.Transfer) error {
	return a.finalize(t, false)
}

func (a *Initiator) finalize(t ledger.Transfer, commit bool) error {
	var id = t.AssetID()

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.finalized.Get(id); dup {
		return fmt.Errorf("asset %q already finalized", id)
	}
	a.finalized.Add(id, struct{}{})
	delete(a.transferOut, id)

	if commit {
		a.commits = append(a.commits, t)
	} else {
		a.aborts = append(a.aborts, t)
	}
	return nil
}

// QueryByState returns every asset ID currently TRANSFER_OUT. It supports
// only ledger.TransferOut; ledger.Here and ledger.NotHere return an error.
func (a *Initiator) QueryByState(ctx context.Context, tag ledger.StateTag) (map[ledger.AssetID]struct{}, error) {
	if tag != ledger.TransferOut {
		return nil, fmt.Errorf("memadapter.Initiator: unsupported state tag %s", tag)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[ledger.AssetID]struct{}, len(a.transferOut))
	for id := range a.transferOut {
		out[id] = struct{}{}
	}
	return out, nil
}

// Commits returns a snapshot of every transfer committed so far.
func (a *Initiator) Commits() []ledger.Transfer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ledger.Transfer, len(a.commits))
	copy(out, a.commits)
	return out
}

// Aborts returns a snapshot of every transfer aborted so far.
func (a *Initiator) Aborts() []ledger.Transfer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ledger.Transfer, len(a.aborts))
	copy(out, a.aborts)
	return out
}

var (
	_ ledger.Initiator      = (*Initiator)(nil)
	_ ledger.StateInitiator = (*Initiator)(nil)
)
