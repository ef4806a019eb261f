// Package sqliteinitiator implements a durable ledger.Initiator backed by
// SQLite, demonstrating how a real adapter persists outbound transfer
// intents and guards commit/abort against a stale, previously-crashed
// process racing back in after a restart.
package sqliteinitiator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/22388o/Interledger/ledger"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS interledger_transfers (
	asset_id  TEXT PRIMARY KEY,
	state     TEXT NOT NULL,
	delivered INTEGER NOT NULL DEFAULT 0,
	fence     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS interledger_fence (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL
);
`

const (
	stateTransferOut = "TRANSFER_OUT"
	stateCommitted   = "COMMITTED"
	stateAborted     = "ABORTED"
)

// Initiator is a database/sql + mattn/go-sqlite3 backed ledger.Initiator.
// Each process that opens one claims a new, strictly increasing fence
// value; commits and aborts issued under an older fence than the one
// currently recorded for an asset are rejected, which is what prevents a
// zombie process from double-committing after a fresh instance has taken
// over the same database.
type Initiator struct {
	db           *sql.DB
	instanceID   string
	sessionFence int64
	pollInterval time.Duration
}

// Open opens (creating if needed) a SQLite-backed Initiator at path and
// claims a fresh session fence.
func Open(ctx context.Context, path string) (*Initiator, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying sqliteinitiator schema")
	}

	fence, err := claimSessionFence(ctx, db)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "claiming session fence")
	}

	return &Initiator{
		db:           db,
		instanceID:   uuid.NewString(),
		sessionFence: fence,
		pollInterval: 250 * time.Millisecond,
	}, nil
}

func claimSessionFence(ctx context.Context, db *sql.DB) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO interledger_fence (id, value) VALUES (1, 0)`); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE interledger_fence SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	var fence int64
	if err := tx.QueryRowContext(ctx,
		`SELECT value FROM interledger_fence WHERE id = 1`).Scan(&fence); err != nil {
		return 0, err
	}
	return fence, tx.Commit()
}

// Close releases the underlying database handle.
func (a *Initiator) Close() error { return a.db.Close() }

// InstanceID returns the random identifier generated for this process's
// session, useful for correlating log lines with the fence value it holds.
func (a *Initiator) InstanceID() string { return a.instanceID }

// MarkOutbound records a fresh TRANSFER_OUT intent for id, making it
// available to a subsequent PollForNewTransfers. Idempotent: marking an
// already-outbound (or already-finalized) asset again is a no-op.
func (a *Initiator) MarkOutbound(ctx context.Context, id ledger.AssetID) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO interledger_transfers (asset_id, state, delivered, fence)
		 VALUES (?, ?, 0, 0)`, string(id), stateTransferOut)
	return err
}

// PollForNewTransfers blocks, polling at a—ledger-appropriate interval,
// until at least one undelivered TRANSFER_OUT row exists, then marks them
// delivered and returns them.
func (a *Initiator) PollForNewTransfers(ctx context.Context) ([]ledger.Transfer, error) {
	for {
		ids, err := a.takeUndelivered(ctx)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			out := make([]ledger.Transfer, 0, len(ids))
			for _, id := range ids {
				out = append(out, ledger.Transfer{Data: ledger.NewData(ledger.AssetID(id))})
			}
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.pollInterval):
		}
	}
}

func (a *Initiator) takeUndelivered(ctx context.Context) ([]string, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT asset_id FROM interledger_transfers WHERE state = ? AND delivered = 0`,
		stateTransferOut)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE interledger_transfers SET delivered = 1 WHERE asset_id = ?`, id); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit()
}

// Commit durably records the source-side release of t's asset, fenced
// against a stale session having raced back in.
func (a *Initiator) Commit(ctx context.Context, t ledger.Transfer) error {
	return a.finalize(ctx, t, stateCommitted)
}

// Abort durably restores the source-side asset named by t, fenced against a
// stale session having raced back in.
func (a *Initiator) Abort(ctx context.Context, t ledger.Transfer) error {
	return a.finalize(ctx, t, stateAborted)
}

func (a *Initiator) finalize(ctx context.Context, t ledger.Transfer, newState string) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE interledger_transfers SET state = ?, fence = ?
		 WHERE asset_id = ? AND fence <= ?`,
		newState, a.sessionFence, string(t.AssetID()), a.sessionFence)
	if err != nil {
		return errors.Wrapf(err, "finalizing asset %q as %s", t.AssetID(), newState)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sqliteinitiator: asset %q was fenced off by a newer session", t.AssetID())
	}
	return nil
}

// QueryByState returns every asset ID currently in ledger.TransferOut.
// Committed and aborted assets are excluded, matching the protocol's
// TRANSFER_OUT tag. Only ledger.TransferOut is supported; ledger.Here and
// ledger.NotHere return an error.
func (a *Initiator) QueryByState(ctx context.Context, tag ledger.StateTag) (map[ledger.AssetID]struct{}, error) {
	if tag != ledger.TransferOut {
		return nil, fmt.Errorf("sqliteinitiator: unsupported state tag %s", tag)
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT asset_id FROM interledger_transfers WHERE state = ?`, stateTransferOut)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[ledger.AssetID]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[ledger.AssetID(id)] = struct{}{}
	}
	return out, rows.Err()
}

var (
	_ ledger.Initiator      = (*Initiator)(nil)
	_ ledger.StateInitiator = (*Initiator)(nil)
)
