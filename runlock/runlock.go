// Package runlock provides an optional etcd-backed mutual-exclusion lock
// that keeps two independent interledger daemons from running the same
// ledger pair concurrently, which would let both issue conflicting
// commit/abort calls against the same assets.
package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultLeaseTTL is how long the lock survives after the holder stops
// renewing it, e.g. on a crash.
const DefaultLeaseTTL = 10 * time.Second

// Locker is a named exclusive run lock backed by an etcd lease. The zero
// value returned by NewLocker holds nothing; call Acquire before relying on
// exclusivity.
type Locker struct {
	client     *clientv3.Client
	name       string
	key        string
	instanceID string

	leaseID         clientv3.LeaseID
	cancelKeepAlive context.CancelFunc
	lost            chan struct{}
}

// NewLocker constructs a Locker for name, unacquired. A fresh random
// instance ID is stamped into the lock's value so an operator inspecting
// etcd can tell which process instance currently holds it.
func NewLocker(client *clientv3.Client, name string) *Locker {
	return &Locker{
		client:     client,
		name:       name,
		key:        lockKey(name),
		instanceID: uuid.NewString(),
		lost:       make(chan struct{}),
	}
}

// Acquire blocks until the lock is held, retrying whenever another process
// currently holds it by watching for that holder's key to be deleted
// (released cleanly, or expired after a crash) before attempting again.
func (l *Locker) Acquire(ctx context.Context) error {
	for {
		lease, err := l.client.Grant(ctx, int64(DefaultLeaseTTL.Seconds()))
		if err != nil {
			return fmt.Errorf("runlock: granting lease: %w", err)
		}

		txnResp, err := l.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(l.key), "=", 0)).
			Then(clientv3.OpPut(l.key, l.name+":"+l.instanceID, clientv3.WithLease(lease.ID))).
			Commit()
		if err != nil {
			l.client.Revoke(ctx, lease.ID)
			return fmt.Errorf("runlock: acquiring %q: %w", l.name, err)
		}
		if !txnResp.Succeeded {
			l.client.Revoke(ctx, lease.ID)
			if err := l.waitForRelease(ctx); err != nil {
				return err
			}
			continue
		}

		keepAliveCtx, cancel := context.WithCancel(context.Background())
		ch, err := l.client.KeepAlive(keepAliveCtx, lease.ID)
		if err != nil {
			cancel()
			l.client.Revoke(ctx, lease.ID)
			return fmt.Errorf("runlock: starting keepalive: %w", err)
		}

		l.leaseID = lease.ID
		l.cancelKeepAlive = cancel
		go l.watchKeepAlive(ch)
		return nil
	}
}

// waitForRelease blocks until l.key is deleted, i.e. the current holder
// releases it or its lease expires.
func (l *Locker) waitForRelease(ctx context.Context) error {
	watchCh := l.client.Watch(ctx, l.key)
	for resp := range watchCh {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("runlock: watching %q: %w", l.key, err)
		}
		for _, ev := range resp.Events {
			if ev.Type == clientv3.EventTypeDelete {
				return nil
			}
		}
	}
	return ctx.Err()
}

// watchKeepAlive consumes keepalive responses so the etcd client's internal
// channel never blocks, then closes lost once the channel closes -- which
// happens when the lease expires or the keepalive context is cancelled.
func (l *Locker) watchKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	close(l.lost)
}

// InstanceID returns the random identifier stamped into this Locker's lock
// value, useful for correlating log lines with who currently holds a lock.
func (l *Locker) InstanceID() string { return l.instanceID }

// Lost returns a channel that closes if the lock is lost out from under its
// holder, e.g. a keepalive round-trip failure that let the lease expire.
func (l *Locker) Lost() <-chan struct{} { return l.lost }

// Release revokes the lock's lease, deleting the key and immediately
// freeing the name for another process to acquire.
func (l *Locker) Release(ctx context.Context) error {
	if l.cancelKeepAlive == nil {
		return nil
	}
	l.cancelKeepAlive()
	if _, err := l.client.Revoke(ctx, l.leaseID); err != nil {
		return fmt.Errorf("runlock: releasing %q: %w", l.key, err)
	}
	return nil
}

func lockKey(name string) string {
	return fmt.Sprintf("/interledger/runlock/%s", name)
}
