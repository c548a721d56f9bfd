// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

func TestRescanFromHeight(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)

	// Three blocks past the birthday, two of them paying the wallet,
	// added behind its back.
	tx1 := payToWallet(t, w, 3e6)
	m.extend(tx1)
	m.extend()
	tx2 := payToWallet(t, w, 4e6)
	m.extend(tx2)

	require.NoError(t, w.RescanFromHeight(testBirthdayHeight+1))

	require.Equal(t, testBirthdayHeight+3, w.SyncedTo().Height)
	require.Equal(t, chainHashAt(testBirthdayHeight+3, 0), w.SyncedTo().Hash)
	require.Equal(t, 2, w.txStore.Count())

	tx1Hash, tx2Hash := tx1.TxHash(), tx2.TxHash()
	rec1 := w.txStore.TxRecord(&tx1Hash)
	require.NotNil(t, rec1)
	require.Equal(t, int32(3), rec1.Depth(w.SyncedTo().Height))
	rec2 := w.txStore.TxRecord(&tx2Hash)
	require.NotNil(t, rec2)
	require.Equal(t, int32(1), rec2.Depth(w.SyncedTo().Height))
	require.Equal(t, btcutil.Amount(7e6), spendable(t, w))

	// Starting past the best block scans nothing.
	require.NoError(t, w.RescanFromHeight(testBirthdayHeight+10))
	require.Equal(t, testBirthdayHeight+3, w.SyncedTo().Height)
}

// TestRescanAbort checks that an aborted rescan stops cleanly and that the
// next full synchronization starts fresh.
func TestRescanAbort(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	m.extend(payToWallet(t, w, 3e6))

	w.AbortRescan()
	require.NoError(t, w.RescanFromHeight(testBirthdayHeight+1))
	require.Equal(t, testBirthdayHeight, w.SyncedTo().Height)
	require.Zero(t, w.txStore.Count())

	// A new synchronization clears the abort and picks the block up.
	require.NoError(t, w.syncWithChain())
	require.True(t, w.ChainSynced())
	require.Equal(t, testBirthdayHeight+1, w.SyncedTo().Height)
	require.Equal(t, 1, w.txStore.Count())
}

// TestRescanKeepsSyncPoint checks that rescanning history the wallet has
// already passed neither duplicates records nor moves the sync mark
// backwards.
func TestRescanKeepsSyncPoint(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	funding := mineToWallet(t, w, m, 1e8)
	mineEmpty(t, w, m, 1)
	before := w.SyncedTo()

	require.NoError(t, w.RescanFromHeight(testBirthdayHeight+1))

	require.Equal(t, before, w.SyncedTo())
	require.Equal(t, 1, w.txStore.Count())

	fundingHash := funding.TxHash()
	rec := w.txStore.TxRecord(&fundingHash)
	require.NotNil(t, rec)
	require.Equal(t, int32(2), rec.Depth(w.SyncedTo().Height))
	require.Equal(t, btcutil.Amount(1e8), spendable(t, w))
}
