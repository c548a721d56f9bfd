// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testNamespaceKey = []byte("wtxstore")

// testStartTime is the initial test clock reading for every test store.
var testStartTime = time.Unix(1e8, 0)

// testClassifier recognizes output scripts registered with it, standing in
// for the wallet's key manager.
type testClassifier struct {
	levels map[string]MineLevel
	change map[string]bool
}

func newTestClassifier() *testClassifier {
	return &testClassifier{
		levels: make(map[string]MineLevel),
		change: make(map[string]bool),
	}
}

func (c *testClassifier) add(script []byte, level MineLevel, change bool) {
	c.levels[string(script)] = level
	c.change[string(script)] = change
}

func (c *testClassifier) MineLevel(pkScript []byte) MineLevel {
	return c.levels[string(pkScript)]
}

func (c *testClassifier) IsChange(pkScript []byte) bool {
	return c.change[string(pkScript)]
}

// testStore creates a store backed by a temporary database that is torn
// down with the test.
func testStore(t *testing.T) (*Store, walletdb.DB, *clock.TestClock,
	*testClassifier) {

	t.Helper()

	db, err := walletdb.Create(
		"bdb", filepath.Join(t.TempDir(), "txstore.db"), true,
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
		return Create(ns)
	})
	require.NoError(t, err)

	clk := clock.NewTestClock(testStartTime)
	classifier := newTestClassifier()
	return openTestStore(t, db, classifier, clk), db, clk, classifier
}

// openTestStore opens the store persisted in db, loading all records into
// memory.  Tests use it a second time to check what survives a restart.
func openTestStore(t *testing.T, db walletdb.DB, classifier *testClassifier,
	clk clock.Clock) *Store {

	t.Helper()

	var s *Store
	err := walletdb.View(db, func(dbtx walletdb.ReadTx) error {
		var err error
		s, err = Open(dbtx.ReadBucket(testNamespaceKey), &Config{
			Classifier:  classifier,
			Clock:       clk,
			ChainParams: &chaincfg.MainNetParams,
		})
		return err
	})
	require.NoError(t, err)
	return s
}

// storeUpdate runs f inside a read-write transaction over the store's
// namespace bucket.
func storeUpdate(t *testing.T, db walletdb.DB,
	f func(ns walletdb.ReadWriteBucket) error) {

	t.Helper()

	err := walletdb.Update(db, func(dbtx walletdb.ReadWriteTx) error {
		return f(dbtx.ReadWriteBucket(testNamespaceKey))
	})
	require.NoError(t, err)
}

// insertTx inserts a record and asserts the insert itself did not fail.
func insertTx(t *testing.T, db walletdb.DB, s *Store, rec *TxRecord,
	inc *Incidence, tipHeight int32) InsertStatus {

	t.Helper()

	var status InsertStatus
	storeUpdate(t, db, func(ns walletdb.ReadWriteBucket) error {
		var err error
		status, err = s.InsertTx(ns, rec, inc, tipHeight)
		return err
	})
	return status
}

// outPoint builds a deterministic outpoint for funding test transactions.
func outPoint(b byte, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{31: b}, Index: index}
}

// makeTx builds a transaction spending the given outpoints, with one output
// per given script/value pair.
func makeTx(prevOuts []wire.OutPoint, outputs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for i := range prevOuts {
		tx.AddTxIn(wire.NewTxIn(&prevOuts[i], nil, nil))
	}
	for _, output := range outputs {
		tx.AddTxOut(output)
	}
	return tx
}

// coinbaseTx builds a transaction with the distinguished coinbase input.
func coinbaseTx(outputs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	prevOut := wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex)
	tx.AddTxIn(wire.NewTxIn(prevOut, []byte{0x01, 0x02}, nil))
	for _, output := range outputs {
		tx.AddTxOut(output)
	}
	return tx
}

// blockAt builds the incidence for a transaction mined at the given height.
func blockAt(height int32, blockTime time.Time) *Incidence {
	var hash chainhash.Hash
	hash[0] = 0xbb
	byteOrder.PutUint32(hash[1:5], uint32(height))
	return &Incidence{
		BlockMeta: BlockMeta{
			Block: Block{Hash: hash, Height: height},
			Time:  blockTime,
		},
	}
}
