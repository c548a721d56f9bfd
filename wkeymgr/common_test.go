// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testNamespaceKey = []byte("wkeymgr")

// testStartTime is the initial test clock reading for every test manager.
var testStartTime = time.Unix(1e8, 0)

// testSeed deterministically seeds every test manager so derived keys are
// stable between runs.
var testSeed = bytes.Repeat([]byte{0x2a}, 32)

// testPoolSize keeps the keypool small enough to exercise its edges.
const testPoolSize uint32 = 5

// testBirthdayHeight is the chain height test managers are created at.
const testBirthdayHeight int32 = 1000

// testManager creates a manager backed by a temporary database that is
// torn down with the test.
func testManager(t *testing.T) (*Manager, walletdb.DB, *clock.TestClock) {
	t.Helper()

	db, err := walletdb.Create(
		"bdb", filepath.Join(t.TempDir(), "keymgr.db"), true,
		10*time.Second, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	err = walletdb.Update(db, func(dbtx walletdb.ReadWriteTx) error {
		ns, err := dbtx.CreateTopLevelBucket(testNamespaceKey)
		if err != nil {
			return err
		}
		return Create(
			ns, testSeed, &chaincfg.MainNetParams,
			stampAt(testBirthdayHeight),
		)
	})
	require.NoError(t, err)

	clk := clock.NewTestClock(testStartTime)
	return openTestManager(t, db, clk), db, clk
}

// openTestManager opens the manager persisted in db, rederiving all keys.
// Tests use it a second time to check what survives a restart.
func openTestManager(t *testing.T, db walletdb.DB,
	clk clock.Clock) *Manager {

	t.Helper()

	var m *Manager
	err := walletdb.View(db, func(dbtx walletdb.ReadTx) error {
		var err error
		m, err = Open(dbtx.ReadBucket(testNamespaceKey), &Config{
			ChainParams: &chaincfg.MainNetParams,
			Clock:       clk,
			PoolSize:    testPoolSize,
		})
		return err
	})
	require.NoError(t, err)
	return m
}

// mgrUpdate runs f inside a read-write transaction over the manager's
// namespace bucket.
func mgrUpdate(t *testing.T, db walletdb.DB,
	f func(ns walletdb.ReadWriteBucket) error) {

	t.Helper()

	err := walletdb.Update(db, func(dbtx walletdb.ReadWriteTx) error {
		return f(dbtx.ReadWriteBucket(testNamespaceKey))
	})
	require.NoError(t, err)
}

// getKey hands out a key through the pool and asserts nothing failed.
func getKey(t *testing.T, db walletdb.DB, m *Manager,
	internal bool) *ManagedKey {

	t.Helper()

	var key *ManagedKey
	mgrUpdate(t, db, func(ns walletdb.ReadWriteBucket) error {
		var err error
		key, err = m.GetKeyFromPool(ns, internal)
		return err
	})
	require.NotNil(t, key)
	return key
}

// stampAt builds a block stamp for the given height with a hash derived
// from it.
func stampAt(height int32) *BlockStamp {
	var hash chainhash.Hash
	hash[0] = 0xbb
	byteOrder.PutUint32(hash[1:5], uint32(height))
	return &BlockStamp{
		Height:    height,
		Hash:      hash,
		Timestamp: testStartTime.Add(time.Duration(height) * time.Minute),
	}
}

// forkStampAt builds a block stamp at the given height whose hash differs
// from the stampAt hash, standing in for a block on a competing chain.
func forkStampAt(height int32) *BlockStamp {
	bs := stampAt(height)
	bs.Hash[0] = 0xcc
	return bs
}
