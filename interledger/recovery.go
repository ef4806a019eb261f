package interledger

import (
	"context"

	"github.com/22388o/Interledger/ledger"
	"golang.org/x/sync/errgroup"
)

// recoveryResult holds the reconstructed engine-wide state produced by a
// single recovery pass, prior to being spliced into a fresh Engine.
type recoveryResult struct {
	ready     []*transfer
	completed []*transfer
}

// recover reconciles in-flight transfers persisted on either ledger back
// into live protocol state. It issues its three underlying queries
// concurrently, since they are independent reads against two different
// adapters and the engine has no mutable state yet for them to race over.
func recover(ctx context.Context, initiator ledger.StateInitiator, responder ledger.StateResponder, logger Logger) (recoveryResult, error) {
	var transferOut, notHere, here map[ledger.AssetID]struct{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		transferOut, err = initiator.QueryByState(gctx, ledger.TransferOut)
		return err
	})
	g.Go(func() (err error) {
		notHere, err = responder.QueryByState(gctx, ledger.NotHere)
		return err
	})
	g.Go(func() (err error) {
		here, err = responder.QueryByState(gctx, ledger.Here)
		return err
	})
	if err := g.Wait(); err != nil {
		return recoveryResult{}, err
	}

	var result recoveryResult
	for id := range transferOut {
		switch {
		case present(notHere, id):
			result.ready = append(result.ready, newTransfer(ledger.NewData(id)))
		case present(here, id):
			var t = newTransfer(ledger.NewData(id))
			t.state = Completed
			t.result = ledger.Outcome{Success: true}
			result.completed = append(result.completed, t)
		}
	}

	logger.Log(InfoLevel, map[string]interface{}{
		"ready":     len(result.ready),
		"completed": len(result.completed),
	}, "interledger recovery reconciled in-flight transfers")

	return result, nil
}

func present(set map[ledger.AssetID]struct{}, id ledger.AssetID) bool {
	_, ok := set[id]
	return ok
}
