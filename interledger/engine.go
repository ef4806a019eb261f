// Package interledger implements the concurrent two-phase asset hand-off
// coordinator described by the project: it pulls newly pending transfers
// from an Initiator, dispatches them to a Responder, collects the outcomes,
// and drives the Initiator to commit or abort each -- reconciling any
// transfers left in flight by a prior run before the loop starts.
package interledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/22388o/Interledger/ledger"
	log "github.com/sirupsen/logrus"
)

// Engine is the interledger coordinator. Construct one with NewEngine and
// run it with Run; all mutation of its pool, inflight set, and counters
// happens exclusively on the goroutine that calls Run.
type Engine struct {
	initiator ledger.Initiator
	responder ledger.Responder

	pool     []*transfer
	inflight []*transfer

	dispatchedAt map[*transfer]time.Time
	completionCh chan completion
	done         chan struct{}

	pendingCount atomic.Int64
	running      atomic.Bool

	resultsMu        sync.Mutex
	committedResults []ledger.Outcome
	abortedResults   []ledger.Outcome

	logger          Logger
	metrics         metricsSink
	onFinalizeError func(err error, t ledger.Transfer, committed bool)

	locker Locker
}

// Locker is an optional external mutual-exclusion guard preventing two
// Engine instances from concurrently driving the same Initiator/Responder
// pair, which would double-dispatch the same asset after an unclean
// failover. See runlock.Locker for the etcd-backed implementation.
type Locker interface {
	// Acquire blocks until the lock is held or ctx is cancelled.
	Acquire(ctx context.Context) error
	// Lost returns a channel that closes if the lock is lost while held.
	Lost() <-chan struct{}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLocker installs an optional run lock. When set, Run blocks until the
// lock is acquired before starting its main loop, and exits (without
// altering any transfer state) if the lock is ever lost.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithLogger overrides the engine's default discard logger.
func WithLogger(l Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPairName labels this engine's Prometheus series, distinguishing it
// from other engines running in the same process.
func WithPairName(name string) Option {
	return func(e *Engine) { e.metrics = newMetricsSink(name) }
}

// WithFinalizeErrorHandler installs a callback invoked when a fire-and-forget
// commit or abort request fails. If unset, such failures are only logged.
func WithFinalizeErrorHandler(fn func(err error, t ledger.Transfer, committed bool)) Option {
	return func(e *Engine) { e.onFinalizeError = fn }
}

// NewEngine constructs an Engine over the given Initiator and Responder. If
// both also satisfy the state-aware ledger.StateInitiator/StateResponder
// interfaces, recovery runs synchronously before NewEngine returns,
// reconciling any transfers left in flight by a previous run.
func NewEngine(ctx context.Context, initiator ledger.Initiator, responder ledger.Responder, opts ...Option) (*Engine, error) {
	e := &Engine{
		initiator:    initiator,
		responder:    responder,
		dispatchedAt: make(map[*transfer]time.Time),
		completionCh: make(chan completion),
		done:         make(chan struct{}),
		logger:       discardLogger{},
		metrics:      newMetricsSink(""),
	}
	for _, opt := range opts {
		opt(e)
	}

	si, sok1 := initiator.(ledger.StateInitiator)
	sr, sok2 := responder.(ledger.StateResponder)
	if sok1 && sok2 {
		result, err := recover(ctx, si, sr, e.logger)
		if err != nil {
			return nil, fmt.Errorf("recovering in-flight transfers: %w", err)
		}
		e.pool = append(e.pool, result.ready...)
		e.inflight = append(e.inflight, result.completed...)
		e.pendingCount.Add(int64(len(result.completed)))
		e.metrics.addRecoveredReady(len(result.ready))
		e.metrics.addRecoveredCompleted(len(result.completed))
		e.metrics.setPoolSize(len(e.pool))
		e.metrics.setPending(int(e.pendingCount.Load()))
	}

	return e, nil
}

// Run starts the main loop and blocks until ctx is cancelled, Stop is
// called, or the Initiator's poll returns a fatal error. It performs, each
// iteration: ingest; if nothing is pending, wait for ingest alone, else wait
// for whichever of ingest-or-collect completes first; dispatch; finalize.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("interledger: engine is already running")
	}
	defer e.running.Store(false)
	defer close(e.done)

	if e.locker != nil {
		e.log(InfoLevel, nil, "interledger engine awaiting run lock")
		if err := e.locker.Acquire(ctx); err != nil {
			return fmt.Errorf("acquiring run lock: %w", err)
		}
		e.log(InfoLevel, nil, "interledger engine acquired run lock")
	}

	e.log(InfoLevel, nil, "interledger engine starting")

	ingestCh := make(chan ingestResult)
	go e.ingestLoop(ctx, ingestCh)

	for {
		select {
		case <-ctx.Done():
			e.log(InfoLevel, nil, "interledger engine stopping: context cancelled")
			return ctx.Err()
		case <-e.lockLost():
			e.log(ErrorLevel, nil, "interledger engine stopping: run lock lost")
			return fmt.Errorf("interledger: run lock lost")
		default:
		}
		if !e.running.Load() {
			e.log(InfoLevel, nil, "interledger engine stopping")
			return nil
		}

		// Recovery can bootstrap the pool or inflight set with work that is
		// already actionable (a Ready transfer awaiting dispatch, or a
		// Completed one awaiting finalize) before anything new has arrived
		// from either trigger. Only block on a trigger when there is
		// nothing already actionable, so that work is never stranded
		// waiting on an event that has no reason to occur.
		if len(e.pool) == 0 && !e.hasCompletedInflight() {
			if e.pendingCount.Load() == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-e.lockLost():
					return fmt.Errorf("interledger: run lock lost")
				case res := <-ingestCh:
					if err := e.applyIngest(res); err != nil {
						return err
					}
				}
			} else {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-e.lockLost():
					return fmt.Errorf("interledger: run lock lost")
				case res := <-ingestCh:
					if err := e.applyIngest(res); err != nil {
						return err
					}
				case c := <-e.completionCh:
					e.applyCompletion(c)
					e.drainReadyCompletions()
				}
			}
		}

		e.dispatch(ctx)
		e.finalize(ctx)
	}
}

// drainReadyCompletions applies every additional completion that is already
// available without blocking, so a batch of Responder results that arrive
// together are all collected in the same iteration.
func (e *Engine) drainReadyCompletions() {
	for {
		select {
		case c := <-e.completionCh:
			e.applyCompletion(c)
		default:
			return
		}
	}
}

// lockLost returns the installed Locker's Lost channel, or nil if no Locker
// was configured. A nil channel never becomes ready in a select, which is
// exactly the desired no-op behavior when running without a lock.
func (e *Engine) lockLost() <-chan struct{} {
	if e.locker == nil {
		return nil
	}
	return e.locker.Lost()
}

// Stop requests that the main loop exit after completing its current
// iteration. In-flight receive handles and commit/abort requests are not
// cancelled.
func (e *Engine) Stop() {
	e.running.Store(false)
}

// Pending returns the current count of transfers in state SENT or
// COMPLETED. Safe for concurrent use while Run is executing.
func (e *Engine) Pending() int { return int(e.pendingCount.Load()) }

// CommittedResults returns a snapshot of every outcome finalize has
// committed so far. Safe for concurrent use while Run is executing.
func (e *Engine) CommittedResults() []ledger.Outcome {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	out := make([]ledger.Outcome, len(e.committedResults))
	copy(out, e.committedResults)
	return out
}

// AbortedResults returns a snapshot of every outcome finalize has aborted so
// far. Safe for concurrent use while Run is executing.
func (e *Engine) AbortedResults() []ledger.Outcome {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	out := make([]ledger.Outcome, len(e.abortedResults))
	copy(out, e.abortedResults)
	return out
}

func (e *Engine) recordCommitted(o ledger.Outcome) {
	e.resultsMu.Lock()
	e.committedResults = append(e.committedResults, o)
	e.resultsMu.Unlock()
	e.metrics.incCommitted()
}

func (e *Engine) recordAborted(o ledger.Outcome) {
	e.resultsMu.Lock()
	e.abortedResults = append(e.abortedResults, o)
	e.resultsMu.Unlock()
	e.metrics.incAborted()
}

func (e *Engine) log(level log.Level, t *transfer, message string) {
	fields := log.Fields{}
	if t != nil {
		fields["assetId"] = string(t.assetID())
		fields["state"] = t.state.String()
	}
	e.logger.Log(level, fields, message)
}
