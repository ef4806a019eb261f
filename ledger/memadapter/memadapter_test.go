package memadapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/22388o/Interledger/ledger"
	"github.com/22388o/Interledger/ledger/memadapter"
	"github.com/stretchr/testify/require"
)

func TestInitiatorPollBlocksUntilSubmit(t *testing.T) {
	a := memadapter.NewInitiator()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resultCh := make(chan []ledger.Transfer, 1)
	go func() {
		got, err := a.PollForNewTransfers(ctx)
		require.NoError(t, err)
		resultCh <- got
	}()

	time.Sleep(10 * time.Millisecond)
	a.Submit(ledger.Transfer{Data: ledger.NewData("A")})

	select {
	case got := <-resultCh:
		require.Len(t, got, 1)
		require.Equal(t, ledger.AssetID("A"), got[0].AssetID())
	case <-time.After(time.Second):
		t.Fatal("poll never returned after submit")
	}
}

func TestInitiatorPollReturnsUnblockedWhenContextCancelled(t *testing.T) {
	a := memadapter.NewInitiator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.PollForNewTransfers(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestInitiatorFinalizeRejectsDoubleCommit(t *testing.T) {
	a := memadapter.NewInitiator()
	t1 := ledger.Transfer{Data: ledger.NewData("A")}
	require.NoError(t, a.Commit(context.Background(), t1))
	require.Error(t, a.Commit(context.Background(), t1))
}

func TestInitiatorQueryByStateOnlySupportsTransferOut(t *testing.T) {
	a := memadapter.NewInitiator()
	a.SeedTransferOut("A")

	set, err := a.QueryByState(context.Background(), ledger.TransferOut)
	require.NoError(t, err)
	require.Contains(t, set, ledger.AssetID("A"))

	_, err = a.QueryByState(context.Background(), ledger.Here)
	require.Error(t, err)
}

func TestResponderReceiveDefaultsToSuccess(t *testing.T) {
	r := memadapter.NewResponder()
	ch := r.Receive(context.Background(), ledger.Transfer{Data: ledger.NewData("A")})

	select {
	case out := <-ch:
		require.True(t, out.Success)
	case <-time.After(time.Second):
		t.Fatal("receive never resolved")
	}

	set, err := r.QueryByState(context.Background(), ledger.Here)
	require.NoError(t, err)
	require.Contains(t, set, ledger.AssetID("A"))
}

func TestResponderSeedHereClearsNotHere(t *testing.T) {
	r := memadapter.NewResponder()
	r.SeedNotHere("A")
	r.SeedHere("A")

	notHere, err := r.QueryByState(context.Background(), ledger.NotHere)
	require.NoError(t, err)
	require.NotContains(t, notHere, ledger.AssetID("A"))

	here, err := r.QueryByState(context.Background(), ledger.Here)
	require.NoError(t, err)
	require.Contains(t, here, ledger.AssetID("A"))
}

func TestResponderQueryByStateRejectsUnsupportedTag(t *testing.T) {
	r := memadapter.NewResponder()
	_, err := r.QueryByState(context.Background(), ledger.TransferOut)
	require.Error(t, err)
}
