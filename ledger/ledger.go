// Package ledger defines the adapter boundary between the interledger engine
// and the two concrete ledgers it mediates between.
package ledger

import "context"

// AssetID identifies a single asset on both ledgers. The engine treats it as
// an opaque comparable value; adapters are free to use whatever encoding
// their ledger natively uses (a chain address, a row key, a UUID, ...).
type AssetID string

// StateTag is one of the three ledger-side asset states recognized at the
// protocol boundary.
type StateTag int

const (
	// TransferOut marks an asset as outbound at the source; not yet destroyed.
	TransferOut StateTag = iota
	// Here marks an asset as materialized at a ledger.
	Here
	// NotHere marks an asset as absent from a ledger.
	NotHere
)

func (s StateTag) String() string {
	switch s {
	case TransferOut:
		return "TRANSFER_OUT"
	case Here:
		return "HERE"
	case NotHere:
		return "NOT_HERE"
	default:
		return "UNKNOWN"
	}
}

// Data is the opaque payload bundle identifying the asset and carrying
// adapter-specific metadata. It always carries at least an assetId.
type Data map[string]interface{}

// AssetID extracts the asset identifier a Data bundle was populated with.
// Adapters are responsible for setting the "assetId" key when they construct
// transfers, either from a fresh poll or from recovery.
func (d Data) AssetID() AssetID {
	if v, ok := d["assetId"]; ok {
		if id, ok := v.(AssetID); ok {
			return id
		}
		if s, ok := v.(string); ok {
			return AssetID(s)
		}
	}
	return ""
}

// NewData builds a Data bundle carrying only the asset identifier, as used
// by recovery when reconstructing a Transfer from ledger-side state alone.
func NewData(id AssetID) Data {
	return Data{"assetId": id}
}

// Outcome is the result of a Responder's attempt to materialize an asset.
type Outcome struct {
	// Success is true iff the asset now exists at the destination.
	Success bool
	// Detail carries adapter-defined context about the outcome (e.g. a
	// transaction hash, or the error that caused a reported failure).
	Detail interface{}
}

// Transfer is the unit handed across the ledger boundary: the minimal view
// an Initiator or Responder needs of a single asset hand-off attempt.
type Transfer struct {
	Data Data
}

// AssetID is a convenience accessor over Transfer.Data.
func (t Transfer) AssetID() AssetID { return t.Data.AssetID() }

// Initiator is the source-ledger adapter. It originates transfer intents and
// durably records their final disposition.
type Initiator interface {
	// PollForNewTransfers blocks until at least one new transfer is
	// available, then returns all that are. Each returned Transfer's Data
	// must be populated.
	PollForNewTransfers(ctx context.Context) ([]Transfer, error)
	// Commit durably records the source-side release of the asset named by
	// t. Called at most once per transfer per engine run.
	Commit(ctx context.Context, t Transfer) error
	// Abort durably restores the source-side asset named by t. Called at
	// most once per transfer per engine run.
	Abort(ctx context.Context, t Transfer) error
}

// Responder is the destination-ledger adapter. It attempts to materialize
// transfers it is handed.
type Responder interface {
	// Receive asynchronously attempts to materialize the asset named by t.
	// The returned channel carries exactly one Outcome and is then closed.
	// A channel closed without a value is treated identically to an
	// Outcome{Success: false}.
	Receive(ctx context.Context, t Transfer) <-chan Outcome
}

// StateInitiator is the state-aware variant of Initiator used during
// recovery.
type StateInitiator interface {
	Initiator
	// QueryByState returns every asset ID currently in the given state.
	// Recognized tags: TransferOut, Here, NotHere.
	QueryByState(ctx context.Context, tag StateTag) (map[AssetID]struct{}, error)
}

// StateResponder is the state-aware variant of Responder used during
// recovery.
type StateResponder interface {
	Responder
	// QueryByState returns every asset ID currently in the given state.
	// Recognized tags: Here, NotHere.
	QueryByState(ctx context.Context, tag StateTag) (map[AssetID]struct{}, error)
}
