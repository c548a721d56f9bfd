// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/corewallet/chain"
	"github.com/btcsuite/corewallet/wkeymgr"
	"github.com/btcsuite/corewallet/wtxstore"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

var (
	testSeed      = bytes.Repeat([]byte{0x3c}, 32)
	testStartTime = time.Unix(1e8, 0)
)

const (
	testBirthdayHeight int32  = 100
	testPoolSize       uint32 = 5
)

// chainHashAt derives the hash the mock chain assigns to the block at a
// height.  The fork marker distinguishes blocks competing for the same
// height after a reorganization.
func chainHashAt(height int32, fork byte) chainhash.Hash {
	var hash chainhash.Hash
	hash[0] = 0xbb
	binary.BigEndian.PutUint32(hash[1:5], uint32(height))
	hash[5] = fork
	return hash
}

// externalOutPoint returns a previous outpoint no wallet controls, unique
// across the test binary so crafted funding transactions never collide.
var externalOutPointCounter uint32

func externalOutPoint() wire.OutPoint {
	n := atomic.AddUint32(&externalOutPointCounter, 1)
	var hash chainhash.Hash
	hash[0] = 0xee
	binary.BigEndian.PutUint32(hash[1:5], n)
	return wire.OutPoint{Hash: hash}
}

// externalScript returns a witness pubkey hash script paying a key outside
// the wallet.
func externalScript(t *testing.T, b byte) []byte {
	t.Helper()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{b}, 20), &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return script
}

type mockBlock struct {
	meta  wtxstore.BlockMeta
	block *wire.MsgBlock
}

// mockChain is an in-memory chain backend.  Blocks are appended with extend
// and handed to the wallet either through the notification channel or by
// calling the wallet's handlers directly.
type mockChain struct {
	mu sync.Mutex

	byHeight map[int32]*mockBlock
	byHash   map[chainhash.Hash]*mockBlock
	tip      int32
	fork     byte

	mempool  map[chainhash.Hash]bool
	ancestry map[chainhash.Hash][2]int64

	feeRate btcutil.Amount
	feeErr  error

	sent         []*wire.MsgTx
	sendErr      map[chainhash.Hash]error
	acceptErr    map[chainhash.Hash]error
	acceptAllErr error
	ntfns        chan interface{}
	startCalled  bool
}

var _ chain.Interface = (*mockChain)(nil)

func newMockChain(startHeight int32) *mockChain {
	m := &mockChain{
		byHeight:  make(map[int32]*mockBlock),
		byHash:    make(map[chainhash.Hash]*mockBlock),
		tip:       startHeight - 1,
		mempool:   make(map[chainhash.Hash]bool),
		ancestry:  make(map[chainhash.Hash][2]int64),
		sendErr:   make(map[chainhash.Hash]error),
		acceptErr: make(map[chainhash.Hash]error),
		ntfns:     make(chan interface{}, 64),
	}
	m.addBlock()
	return m
}

// addBlock appends an empty or populated block at the next height.  The
// caller must hold the mock's mutex or be the constructor.
func (m *mockChain) addBlock(txs ...*wire.MsgTx) wtxstore.BlockMeta {
	height := m.tip + 1
	hash := chainHashAt(height, m.fork)
	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version: 1,
			Timestamp: testStartTime.Add(
				time.Duration(height) * 10 * time.Minute,
			),
		},
		Transactions: txs,
	}
	if prev, ok := m.byHeight[height-1]; ok {
		block.Header.PrevBlock = prev.meta.Hash
	}

	mb := &mockBlock{
		meta: wtxstore.BlockMeta{
			Block: wtxstore.Block{Hash: hash, Height: height},
			Time:  block.Header.Timestamp,
		},
		block: block,
	}
	m.byHeight[height] = mb
	m.byHash[hash] = mb
	m.tip = height

	for _, tx := range txs {
		delete(m.mempool, tx.TxHash())
	}
	return mb.meta
}

// extend mines a block at the tip containing the given transactions.
func (m *mockChain) extend(txs ...*wire.MsgTx) wtxstore.BlockMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addBlock(txs...)
}

// truncate invalidates every block above the given height.  Blocks mined
// afterwards receive new hashes, simulating a reorganization.
func (m *mockChain) truncate(height int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for h := m.tip; h > height; h-- {
		if mb, ok := m.byHeight[h]; ok {
			delete(m.byHash, mb.meta.Hash)
			delete(m.byHeight, h)
		}
	}
	m.tip = height
	m.fork++
}

func (m *mockChain) metaAt(height int32) wtxstore.BlockMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byHeight[height].meta
}

func (m *mockChain) addMempool(tx *wire.MsgTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mempool[tx.TxHash()] = true
}

func (m *mockChain) removeMempool(hash chainhash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mempool, hash)
}

func (m *mockChain) setAncestry(hash chainhash.Hash, ancestors,
	descendants int64) {

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ancestry[hash] = [2]int64{ancestors, descendants}
}

func (m *mockChain) setFeeEstimate(rate btcutil.Amount, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeRate, m.feeErr = rate, err
}

func (m *mockChain) failBroadcast(hash chainhash.Hash, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sendErr, hash)
		return
	}
	m.sendErr[hash] = err
}

func (m *mockChain) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockChain) lastSent() *wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

func (m *mockChain) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalled = true
	return nil
}

func (m *mockChain) Stop() {}

func (m *mockChain) WaitForShutdown() {}

func (m *mockChain) Notifications() <-chan interface{} {
	return m.ntfns
}

func (m *mockChain) BlockStamp() (*wkeymgr.BlockStamp, error) {
	return m.BestBlock()
}

func (m *mockChain) BestBlock() (*wkeymgr.BlockStamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mb := m.byHeight[m.tip]
	return &wkeymgr.BlockStamp{
		Height:    mb.meta.Height,
		Hash:      mb.meta.Hash,
		Timestamp: mb.meta.Time,
	}, nil
}

func (m *mockChain) GetBlockHash(height int64) (*chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mb, ok := m.byHeight[int32(height)]
	if !ok {
		return nil, fmt.Errorf("no block at height %d", height)
	}
	hash := mb.meta.Hash
	return &hash, nil
}

func (m *mockChain) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mb, ok := m.byHash[*hash]
	if !ok {
		return nil, fmt.Errorf("no block %v", hash)
	}
	return mb.block, nil
}

func (m *mockChain) GetBlockHeight(hash *chainhash.Hash) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mb, ok := m.byHash[*hash]
	if !ok {
		return 0, fmt.Errorf("no block %v", hash)
	}
	return mb.meta.Height, nil
}

func (m *mockChain) InMempool(txHash *chainhash.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mempool[*txHash]
}

func (m *mockChain) TransactionAncestry(txHash *chainhash.Hash) (int64,
	int64, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if counts, ok := m.ancestry[*txHash]; ok {
		return counts[0], counts[1], nil
	}
	// A lone mempool transaction counts itself.
	return 1, 1, nil
}

func (m *mockChain) TestAccept(tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acceptAllErr != nil {
		return m.acceptAllErr
	}
	return m.acceptErr[tx.TxHash()]
}

// failAccept makes TestAccept reject every transaction with err until it is
// cleared with a nil error.
func (m *mockChain) failAccept(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptAllErr = err
}

func (m *mockChain) EstimateFeePerKB(confTarget int32) (btcutil.Amount,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feeRate, m.feeErr
}

func (m *mockChain) BroadcastTx(tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.sendErr[tx.TxHash()]; ok {
		return err
	}
	m.sent = append(m.sent, tx)
	m.mempool[tx.TxHash()] = true
	return nil
}

// testWallet creates a wallet backed by a fresh database and mock chain.
// The wallet is marked chain synced so block handlers process immediately,
// but its goroutines are not started.
func testWallet(t *testing.T) (*Wallet, *mockChain) {
	t.Helper()

	w, m, _ := testWalletWithPolicy(t, nil)
	return w, m
}

func testWalletWithPolicy(t *testing.T, policy *Policy) (*Wallet, *mockChain,
	*clock.TestClock) {

	t.Helper()

	m := newMockChain(testBirthdayHeight)

	db, err := walletdb.Create(
		"bdb", filepath.Join(t.TempDir(), "wallet.db"), true,
		10*time.Second, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	birthday, err := m.BestBlock()
	require.NoError(t, err)
	require.NoError(t, Create(db, testSeed, &chaincfg.MainNetParams, birthday))

	testClock := clock.NewTestClock(testStartTime)
	w, err := Open(db, &Config{
		Chain:             m,
		ChainParams:       &chaincfg.MainNetParams,
		Policy:            policy,
		PoolSize:          testPoolSize,
		Clock:             testClock,
		RebroadcastTicker: ticker.NewForce(time.Hour),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		w.Stop()
		w.WaitForShutdown()
		w.Close()
	})

	w.setChainSynced(true)
	return w, m, testClock
}

// payToWallet crafts a transaction of external origin paying each amount to
// a fresh wallet receive address.
func payToWallet(t *testing.T, w *Wallet, amounts ...btcutil.Amount) *wire.MsgTx {
	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	prev := externalOutPoint()
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	for _, amount := range amounts {
		addr, err := w.NewAddress()
		require.NoError(t, err)
		script, err := txscript.PayToAddrScript(addr)
		require.NoError(t, err)
		tx.AddTxOut(wire.NewTxOut(int64(amount), script))
	}
	return tx
}

// coinbaseToWallet crafts a coinbase transaction paying the wallet.
func coinbaseToWallet(t *testing.T, w *Wallet,
	amounts ...btcutil.Amount) *wire.MsgTx {

	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{txscript.OP_0, txscript.OP_0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	for _, amount := range amounts {
		addr, err := w.NewAddress()
		require.NoError(t, err)
		script, err := txscript.PayToAddrScript(addr)
		require.NoError(t, err)
		tx.AddTxOut(wire.NewTxOut(int64(amount), script))
	}
	return tx
}

// mineToWallet mines a payment to the wallet and processes the block,
// returning the confirmed funding transaction.
func mineToWallet(t *testing.T, w *Wallet, m *mockChain,
	amounts ...btcutil.Amount) *wire.MsgTx {

	t.Helper()

	tx := payToWallet(t, w, amounts...)
	mineTx(t, w, m, tx)
	return tx
}

// mineTx mines the given transactions into the next block and hands the
// block to the wallet.
func mineTx(t *testing.T, w *Wallet, m *mockChain,
	txs ...*wire.MsgTx) wtxstore.BlockMeta {

	t.Helper()

	meta := m.extend(txs...)
	require.NoError(t, w.connectBlock(meta))
	return meta
}

// mineEmpty advances the chain by count empty blocks.
func mineEmpty(t *testing.T, w *Wallet, m *mockChain, count int) {
	t.Helper()

	for i := 0; i < count; i++ {
		require.NoError(t, w.connectBlock(m.extend()))
	}
}

// mempoolToWallet places an external payment to the wallet in the mempool
// and delivers it to the wallet as an accepted transaction.
func mempoolToWallet(t *testing.T, w *Wallet, m *mockChain,
	amounts ...btcutil.Amount) *wire.MsgTx {

	t.Helper()

	tx := payToWallet(t, w, amounts...)
	m.addMempool(tx)
	require.NoError(t, w.mempoolTx(tx))
	return tx
}

// spendable sums the wallet's spendable balance at one confirmation.
func spendable(t *testing.T, w *Wallet) btcutil.Amount {
	t.Helper()

	balance, err := w.SpendableBalance(1)
	require.NoError(t, err)
	return balance
}
