// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/corewallet/chain"
	"github.com/btcsuite/corewallet/wkeymgr"
	"github.com/btcsuite/corewallet/wtxstore"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// defaultRebroadcastInterval is how often unconfirmed transactions
	// are resubmitted to the backend mempool.
	defaultRebroadcastInterval = 5 * time.Minute
)

// Namespace keys of the top level walletdb buckets the wallet's components
// store their state under.
var (
	wkeymgrNamespaceKey  = []byte("wkeymgr")
	wtxstoreNamespaceKey = []byte("wtxstore")
	addrBookNamespaceKey = []byte("addrbook")
)

// Config supplies the collaborators and tunables needed to open a wallet.
type Config struct {
	// Chain provides chain views, mempool queries, fee estimation, and
	// transaction relay.  It must be non-nil.
	Chain chain.Interface

	// ChainParams describes the network the wallet operates on.
	ChainParams *chaincfg.Params

	// Policy holds the fee and spending rules.  A nil policy uses
	// DefaultPolicy.
	Policy *Policy

	// PoolSize overrides the number of pregenerated keys kept in each
	// keypool branch.
	PoolSize uint32

	// Clock stamps transaction records.  A nil clock uses the system
	// clock.
	Clock clock.Clock

	// RebroadcastTicker paces resubmission of unconfirmed transactions.
	// When nil a system ticker with a default interval is used.
	RebroadcastTicker ticker.Ticker
}

// Wallet tracks a single deterministic key chain and the transactions
// relevant to it, and constructs new transactions spending its outputs.
//
// All mutable state is guarded by one mutex.  Chain queries are issued
// before the mutex is taken so that slow backends never stall readers.
type Wallet struct {
	chainParams *chaincfg.Params
	db          walletdb.DB
	chainClient chain.Interface
	policy      Policy
	clock       clock.Clock

	// mu guards the key manager, the transaction store, the address
	// book, the locked outpoint set, and the sync flag below.
	mu      sync.Mutex
	keyMgr  *wkeymgr.Manager
	txStore *wtxstore.Store
	book    map[string]*AddressBookEntry

	classifier      *outputClassifier
	lockedOutpoints map[wire.OutPoint]struct{}
	chainSynced     bool

	rescanAbort atomic.Bool

	rebroadcastTicker ticker.Ticker

	started bool
	quitMu  sync.Mutex
	quit    chan struct{}
	wg      sync.WaitGroup
}

// Create initializes a new wallet in the database.  The seed becomes the
// root of the deterministic key chain and the birthday block bounds the
// range future rescans need to cover.
func Create(db walletdb.DB, seed []byte, params *chaincfg.Params,
	birthday *wkeymgr.BlockStamp) error {

	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		kns, err := tx.CreateTopLevelBucket(wkeymgrNamespaceKey)
		if err != nil {
			return err
		}
		if err := wkeymgr.Create(kns, seed, params, birthday); err != nil {
			return err
		}

		tns, err := tx.CreateTopLevelBucket(wtxstoreNamespaceKey)
		if err != nil {
			return err
		}
		if err := wtxstore.Create(tns); err != nil {
			return err
		}

		_, err = tx.CreateTopLevelBucket(addrBookNamespaceKey)
		return err
	})
}

// Open loads an existing wallet from the database.  The returned wallet is
// idle until Start is called.
func Open(db walletdb.DB, cfg *Config) (*Wallet, error) {
	w := &Wallet{
		chainParams:       cfg.ChainParams,
		db:                db,
		chainClient:       cfg.Chain,
		clock:             cfg.Clock,
		book:              make(map[string]*AddressBookEntry),
		lockedOutpoints:   make(map[wire.OutPoint]struct{}),
		rebroadcastTicker: cfg.RebroadcastTicker,
		quit:              make(chan struct{}),
	}
	if cfg.Policy != nil {
		w.policy = *cfg.Policy
	} else {
		w.policy = DefaultPolicy()
	}
	if w.clock == nil {
		w.clock = clock.NewDefaultClock()
	}
	if w.rebroadcastTicker == nil {
		w.rebroadcastTicker = ticker.New(defaultRebroadcastInterval)
	}
	w.classifier = &outputClassifier{w: w}

	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		kns := tx.ReadBucket(wkeymgrNamespaceKey)
		if kns == nil {
			return wkeymgr.ErrNoExist
		}
		var err error
		w.keyMgr, err = wkeymgr.Open(kns, &wkeymgr.Config{
			ChainParams: cfg.ChainParams,
			Clock:       w.clock,
			PoolSize:    cfg.PoolSize,
		})
		if err != nil {
			return err
		}

		tns := tx.ReadBucket(wtxstoreNamespaceKey)
		if tns == nil {
			return wtxstore.ErrNoExist
		}
		w.txStore, err = wtxstore.Open(tns, &wtxstore.Config{
			Classifier:  w.classifier,
			Clock:       w.clock,
			ChainParams: cfg.ChainParams,
		})
		if err != nil {
			return err
		}

		return w.loadAddressBook(tx.ReadBucket(addrBookNamespaceKey))
	})
	if err != nil {
		return nil, err
	}

	return w, nil
}

// Close zeroes the wallet's key material.  The wallet must be stopped
// first.  The database is owned by the caller and is not closed.
func (w *Wallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keyMgr.Close()
}

// Start launches the goroutines consuming chain notifications and
// rebroadcasting unconfirmed transactions.
func (w *Wallet) Start() {
	w.quitMu.Lock()
	select {
	case <-w.quit:
		// Restart the wallet goroutines after shutdown finishes.
		w.WaitForShutdown()
		w.quit = make(chan struct{})
	default:
		if w.started {
			w.quitMu.Unlock()
			return
		}
		w.started = true
	}
	w.quitMu.Unlock()

	w.wg.Add(2)
	go w.handleChainNotifications()
	go w.rebroadcastLoop()
}

// quitChan atomically reads the quit channel.
func (w *Wallet) quitChan() <-chan struct{} {
	w.quitMu.Lock()
	c := w.quit
	w.quitMu.Unlock()
	return c
}

// Stop signals all wallet goroutines to shutdown.
func (w *Wallet) Stop() {
	w.quitMu.Lock()
	quit := w.quit
	w.quitMu.Unlock()

	select {
	case <-quit:
	default:
		close(quit)
		w.rescanAbort.Store(true)
	}
}

// ShuttingDown returns whether the wallet is currently in the process of
// shutting down or not.
func (w *Wallet) ShuttingDown() bool {
	select {
	case <-w.quitChan():
		return true
	default:
		return false
	}
}

// WaitForShutdown blocks until all wallet goroutines have finished
// executing.
func (w *Wallet) WaitForShutdown() {
	w.wg.Wait()
}

// ChainParams returns the network parameters the wallet operates on.
func (w *Wallet) ChainParams() *chaincfg.Params {
	return w.chainParams
}

// ChainSynced returns whether the wallet has been attached to a chain
// server and synced up to the best block on the main chain.
func (w *Wallet) ChainSynced() bool {
	w.mu.Lock()
	synced := w.chainSynced
	w.mu.Unlock()
	return synced
}

// setChainSynced records whether the wallet's ledger caught up to the
// chain server's best block.
func (w *Wallet) setChainSynced(synced bool) {
	w.mu.Lock()
	w.chainSynced = synced
	w.mu.Unlock()
}

// SyncedTo returns the block the wallet has processed all transactions
// through.
func (w *Wallet) SyncedTo() wkeymgr.BlockStamp {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.keyMgr.SyncedTo()
}

// NewAddress derives a fresh external receive address, retiring its
// keypool entry.
func (w *Wallet) NewAddress() (btcutil.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.newAddress(false)
}

// NewChangeAddress derives a fresh internal change address, retiring its
// keypool entry.
func (w *Wallet) NewChangeAddress() (btcutil.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.newAddress(true)
}

func (w *Wallet) newAddress(internal bool) (btcutil.Address, error) {
	var addr btcutil.Address
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wkeymgrNamespaceKey)
		key, err := w.keyMgr.GetKeyFromPool(ns, internal)
		if err != nil {
			return err
		}
		addr = key.Addr
		return nil
	})
	return addr, err
}

// ImportWatchOnlyAddress starts tracking payments to an address whose
// private key the wallet does not hold.  Credits to it count toward the
// watch-only balances only.
func (w *Wallet) ImportWatchOnlyAddress(addr btcutil.Address) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wkeymgrNamespaceKey)
		return w.keyMgr.ImportWatchOnly(ns, addr)
	})
}

// AbandonTransaction marks an unconfirmed transaction and all of its
// unconfirmed descendants as abandoned, returning the coins they spend to
// the spendable pool.  A transaction the backend mempool still knows may
// yet confirm and cannot be abandoned.
func (w *Wallet) AbandonTransaction(txHash chainhash.Hash) error {
	inMempool := w.chainClient.InMempool(&txHash)

	w.mu.Lock()
	defer w.mu.Unlock()

	rec := w.txStore.TxRecord(&txHash)
	if rec == nil {
		return fmt.Errorf("%w: %v", wtxstore.ErrUnknownTx, txHash)
	}
	if inMempool {
		return fmt.Errorf("%w: %v", wtxstore.ErrMempoolTx, txHash)
	}
	// The stored flag may predate the transaction's eviction.
	rec.InMempool = false

	tip := w.keyMgr.SyncedTo().Height
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wtxstoreNamespaceKey)
		return w.txStore.Abandon(ns, tip, &txHash)
	})
}

// MarkReplacement records that a committed transaction was built to
// replace another by paying a higher fee.  Both transactions become
// untrusted for coin selection until one of them confirms.
func (w *Wallet) MarkReplacement(txHash, replaced chainhash.Hash) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wtxstoreNamespaceKey)
		return w.txStore.SetReplaces(ns, txHash, replaced)
	})
}

// LabelTransaction annotates a stored transaction with a label.
func (w *Wallet) LabelTransaction(txHash chainhash.Hash, label string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wtxstoreNamespaceKey)
		return w.txStore.SetTxLabel(ns, txHash, label)
	})
}

// TransactionLabel returns the label of a stored transaction.
func (w *Wallet) TransactionLabel(txHash chainhash.Hash) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.txStore.TxLabel(txHash)
}

// scriptAddress extracts the destination of a single-address standard
// script.  Multi-signature and non-standard scripts return nil, as the key
// manager only tracks single-key destinations.
func (w *Wallet) scriptAddress(pkScript []byte) btcutil.Address {
	_, addrs, required, err := txscript.ExtractPkScriptAddrs(pkScript,
		w.chainParams)
	if err != nil || required != 1 || len(addrs) != 1 {
		return nil
	}
	return addrs[0]
}

// outputClassifier adapts the key manager and the address book to the
// transaction store's view of output ownership.  Its methods are only
// invoked with the wallet lock held.
type outputClassifier struct {
	w *Wallet
}

// MineLevel returns the wallet's control over outputs paying to the given
// script.
func (c *outputClassifier) MineLevel(pkScript []byte) wtxstore.MineLevel {
	addr := c.w.scriptAddress(pkScript)
	if addr == nil {
		return wtxstore.MineNone
	}
	switch c.w.keyMgr.IsMine(addr) {
	case wkeymgr.KeySpendable:
		return wtxstore.MineSpendable
	case wkeymgr.KeyWatchOnly:
		return wtxstore.MineWatchOnly
	default:
		return wtxstore.MineNone
	}
}

// IsChange reports whether the script pays an internal branch key.  An
// address the owner explicitly listed in the address book is a payment
// destination rather than change, even when the key is ours.
func (c *outputClassifier) IsChange(pkScript []byte) bool {
	addr := c.w.scriptAddress(pkScript)
	if addr == nil {
		return false
	}
	if !c.w.keyMgr.IsInternal(addr) {
		return false
	}
	_, listed := c.w.book[addr.EncodeAddress()]
	return !listed
}
