package interledger

import (
	"context"
	"fmt"
	"time"

	"github.com/22388o/Interledger/ledger"
)

// ingestOnce is the functional half of the ingest stage: it blocks on the
// Initiator until at least one new transfer is available and returns the
// freshly constructed (still unowned) transfer records. It never touches
// engine state directly -- the main loop is the one that appends the result
// to the pool, keeping every mutation of shared state on a single
// goroutine. Returns a nil slice and nil error when the poll returned no
// transfers; a poll error (including one caused by ctx cancellation) is
// returned wrapped.
func ingestOnce(ctx context.Context, initiator ledger.Initiator) ([]*transfer, error) {
	raw, err := initiator.PollForNewTransfers(ctx)
	if err != nil {
		return nil, fmt.Errorf("polling initiator for new transfers: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]*transfer, 0, len(raw))
	for _, rt := range raw {
		out = append(out, newTransfer(rt.Data))
	}
	return out, nil
}

// ingestResult is a single delivery from the background ingest feeder.
type ingestResult struct {
	transfers []*transfer
	err       error
}

// ingestLoop continuously polls the Initiator and feeds each non-empty
// delivery into resultCh. It blocks sending until the main loop consumes the
// previous delivery, which keeps at most one poll's worth of transfers
// pipelined ahead of the engine and avoids the overlapping-poll hazard the
// source's per-iteration task restart was prone to (see design notes on the
// single-scheduling-context model). It exits after reporting the first
// error, or when ctx is cancelled.
func (e *Engine) ingestLoop(ctx context.Context, resultCh chan<- ingestResult) {
	for {
		transfers, err := ingestOnce(ctx, e.initiator)
		if err != nil {
			select {
			case resultCh <- ingestResult{err: err}:
			case <-ctx.Done():
			case <-e.done:
			}
			return
		}
		if len(transfers) == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case resultCh <- ingestResult{transfers: transfers}:
		case <-ctx.Done():
			return
		case <-e.done:
			return
		}
	}
}

// applyIngest appends a delivered batch to the pool. Called only from the
// engine's own goroutine.
func (e *Engine) applyIngest(res ingestResult) error {
	if res.err != nil {
		e.log(ErrorLevel, nil, fmt.Sprintf("ingest failed: %v", res.err))
		return res.err
	}
	e.pool = append(e.pool, res.transfers...)
	e.metrics.addIngested(len(res.transfers))
	e.metrics.setPoolSize(len(e.pool))
	e.log(DebugLevel, nil, fmt.Sprintf("ingested %d new transfer(s)", len(res.transfers)))
	return nil
}

// completion is what a per-transfer receive goroutine reports back to the
// engine's single collection point once the Responder's receive resolves.
type completion struct {
	t       *transfer
	outcome ledger.Outcome
}

// dispatch transitions every Ready transfer in the pool to Sent, initiates
// an asynchronous receive on the Responder for each, and moves it into
// inflight. It never blocks on any receive completing. Errors thrown
// synchronously by Receive are not expected by the contract (Receive
// returns a channel); a Responder that closes its channel without a value
// is handled uniformly in the forwarding goroutine as a reported failure,
// per the "receive failure (thrown)" error-handling rule.
func (e *Engine) dispatch(ctx context.Context) {
	if len(e.pool) == 0 {
		return
	}
	moved := e.pool
	e.pool = e.pool[:0]

	for _, t := range moved {
		t.state = Sent
		ch := e.responder.Receive(ctx, t.ledgerTransfer())
		t.handle = ch
		e.inflight = append(e.inflight, t)
		e.pendingCount.Add(1)
		e.dispatchedAt[t] = time.Now()

		e.log(DebugLevel, t, "dispatched transfer to responder")

		go func(t *transfer, ch <-chan ledger.Outcome) {
			outcome, ok := <-ch
			if !ok {
				outcome = ledger.Outcome{Success: false, Detail: errReceiveChannelClosed}
			}
			select {
			case e.completionCh <- completion{t: t, outcome: outcome}:
			case <-e.done:
			}
		}(t, ch)
	}
	e.metrics.setPoolSize(0)
	e.metrics.setPending(int(e.pendingCount.Load()))
}

// applyCompletion records a single collected outcome: Sent -> Completed.
// Called only from the engine's own goroutine.
func (e *Engine) applyCompletion(c completion) {
	if c.t.state != Sent {
		// Already collected by a prior drain in the same wait; ignore.
		return
	}
	c.t.result = c.outcome
	c.t.state = Completed
	c.t.handle = nil

	if start, ok := e.dispatchedAt[c.t]; ok {
		e.metrics.observeReceive(time.Since(start).Seconds())
		delete(e.dispatchedAt, c.t)
	}

	if !c.outcome.Success {
		e.log(WarnLevel, c.t, "responder reported receive failure")
	} else {
		e.log(DebugLevel, c.t, "responder completed receive")
	}
}

// hasCompletedInflight reports whether any inflight transfer is already
// Completed and therefore actionable by finalize without waiting on a new
// collect signal.
func (e *Engine) hasCompletedInflight() bool {
	for _, t := range e.inflight {
		if t.state == Completed {
			return true
		}
	}
	return false
}

// finalize issues commit or abort for every Completed transfer in inflight,
// fire-and-forget, and immediately transitions it to Processed, decrementing
// pending. It then reaps Processed transfers out of inflight.
func (e *Engine) finalize(ctx context.Context) {
	var kept = e.inflight[:0]
	for _, t := range e.inflight {
		if t.state != Completed {
			kept = append(kept, t)
			continue
		}

		var lt = t.ledgerTransfer()
		if t.result.Success {
			e.log(DebugLevel, t, "committing transfer")
			e.recordCommitted(t.result)
			go e.issueInitiatorCall(ctx, t, true, lt)
		} else {
			e.log(DebugLevel, t, "aborting transfer")
			e.recordAborted(t.result)
			go e.issueInitiatorCall(ctx, t, false, lt)
		}

		t.state = Processed
		e.pendingCount.Add(-1)
		// t is dropped from inflight (reaped); it is never mutated again.
	}
	e.inflight = kept
	e.metrics.setPending(int(e.pendingCount.Load()))
}

func (e *Engine) issueInitiatorCall(ctx context.Context, t *transfer, commit bool, lt ledger.Transfer) {
	var err error
	if commit {
		err = e.initiator.Commit(ctx, lt)
	} else {
		err = e.initiator.Abort(ctx, lt)
	}
	if err == nil {
		return
	}
	if e.onFinalizeError != nil {
		e.onFinalizeError(err, lt, commit)
		return
	}
	e.log(WarnLevel, t, fmt.Sprintf("finalize call failed (commit=%v): %v", commit, err))
}
