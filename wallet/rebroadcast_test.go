// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/corewallet/chain"
	"github.com/stretchr/testify/require"
)

// commitRejected builds and commits a spend whose broadcast the backend
// rejects, leaving an unconfirmed record that is not in the mempool.
func commitRejected(t *testing.T, w *Wallet, m *mockChain) chainhash.Hash {
	t.Helper()

	mineToWallet(t, w, m, 1e8)
	created, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 10e6},
	}, nil)
	require.NoError(t, err)

	hash := created.Tx.TxHash()
	m.failBroadcast(hash, chain.ErrMempoolConflict)

	committed, err := w.CommitTransaction(created, "")
	require.NoError(t, err)
	require.Equal(t, hash, *committed)
	require.Zero(t, m.sentCount())
	return hash
}

func TestResendUnminedTxs(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	hash := commitRejected(t, w, m)
	rec := w.txStore.TxRecord(&hash)
	require.NotNil(t, rec)
	require.False(t, rec.InMempool)

	// The backend keeps rejecting, the record stays out of the mempool.
	w.resendUnminedTxs()
	require.Zero(t, m.sentCount())
	require.False(t, rec.InMempool)

	// Once the conflict clears the transaction goes through.
	m.failBroadcast(hash, nil)
	w.resendUnminedTxs()
	require.Equal(t, 1, m.sentCount())
	require.Equal(t, hash, m.lastSent().TxHash())
	require.True(t, rec.InMempool)

	// Confirmed transactions are left alone.
	mineTx(t, w, m, &rec.MsgTx)
	w.resendUnminedTxs()
	require.Equal(t, 1, m.sentCount())
}

func TestResendRequiresSync(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mempoolToWallet(t, w, m, 5e6)

	w.setChainSynced(false)
	w.resendUnminedTxs()
	require.Zero(t, m.sentCount())

	w.setChainSynced(true)
	w.resendUnminedTxs()
	require.Equal(t, 1, m.sentCount())
}

func TestResendSkipsAbandoned(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	hash := commitRejected(t, w, m)

	require.NoError(t, w.AbandonTransaction(hash))
	m.failBroadcast(hash, nil)

	w.resendUnminedTxs()
	require.Zero(t, m.sentCount())
}

// TestResendErrorHandling walks one stuck transaction through the backend
// responses a rebroadcast can meet.
func TestResendErrorHandling(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	hash := commitRejected(t, w, m)
	rec := w.txStore.TxRecord(&hash)
	require.NotNil(t, rec)

	// Transient backend failures change nothing.
	m.failBroadcast(hash, errors.New("connection reset"))
	w.resendUnminedTxs()
	require.Zero(t, m.sentCount())
	require.False(t, rec.InMempool)

	// A transaction that confirmed elsewhere is left for the block
	// notification to anchor.
	m.failBroadcast(hash, chain.ErrAlreadyConfirmed)
	w.resendUnminedTxs()
	require.Zero(t, m.sentCount())
	require.False(t, rec.InMempool)

	// The mempool already knowing the transaction counts as presence.
	m.failBroadcast(hash, chain.ErrAlreadyInMempool)
	w.resendUnminedTxs()
	require.Zero(t, m.sentCount())
	require.True(t, rec.InMempool)
}
