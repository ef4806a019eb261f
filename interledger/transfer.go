package interledger

import "github.com/22388o/Interledger/ledger"

// transfer is the engine's private, mutable view of a single asset hand-off
// attempt. It is owned exclusively by the engine's Run goroutine from
// creation until it reaches Processed; nothing outside that goroutine ever
// reads or writes its fields.
type transfer struct {
	data  ledger.Data
	state State

	// result is meaningful once state >= Completed.
	result ledger.Outcome

	// handle is the in-flight receive channel; set on Ready->Sent, drained
	// on Sent->Completed. Nil outside that window.
	handle <-chan ledger.Outcome
}

// newTransfer constructs a fresh Ready transfer around an externally
// supplied Data bundle, as returned by Initiator.PollForNewTransfers.
func newTransfer(data ledger.Data) *transfer {
	return &transfer{data: data, state: Ready}
}

func (t *transfer) assetID() ledger.AssetID { return t.data.AssetID() }

func (t *transfer) ledgerTransfer() ledger.Transfer { return ledger.Transfer{Data: t.data} }
