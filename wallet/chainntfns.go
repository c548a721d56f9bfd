// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/corewallet/chain"
	"github.com/btcsuite/corewallet/wkeymgr"
	"github.com/btcsuite/corewallet/wtxstore"
)

// handleChainNotifications is the wallet's chain notification loop.  It
// dispatches block and mempool events from the chain backend until the
// backend's channel closes or the wallet begins shutdown.
func (w *Wallet) handleChainNotifications() {
	defer w.wg.Done()

	for {
		select {
		case n, ok := <-w.chainClient.Notifications():
			if !ok {
				log.Warn("Chain notification channel closed")
				return
			}

			var err error
			switch n := n.(type) {
			case chain.ClientConnected:
				go func() {
					err := w.syncWithChain()
					if err != nil && !w.ShuttingDown() {
						log.Warnf("Unable to "+
							"synchronize wallet "+
							"to chain: %v", err)
					}
				}()

			case chain.BlockConnected:
				err = w.connectBlock(wtxstore.BlockMeta(n))

			case chain.BlockDisconnected:
				err = w.disconnectBlock(wtxstore.BlockMeta(n))

			case chain.TxAccepted:
				err = w.mempoolTx(n.Tx)
			}
			if err != nil {
				log.Errorf("Cannot handle chain server "+
					"notification: %v", err)
			}

		case <-w.quit:
			return
		}
	}
}

// syncWithChain brings the wallet in sync with the chain backend.  It finds
// the deepest block still shared with the main chain, unconfirms everything
// mined above it, and rescans forward from there.  Live block notifications
// are processed only once this completes.
func (w *Wallet) syncWithChain() error {
	w.rescanAbort.Store(false)

	// Refill the key pool before scanning so outputs paying future pool
	// keys are recognized.
	w.mu.Lock()
	err := walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
		return w.keyMgr.TopUp(dbtx.ReadWriteBucket(wkeymgrNamespaceKey), 0)
	})
	w.mu.Unlock()
	if err != nil {
		log.Warnf("Unable to top up the key pool: %v", err)
	}

	w.mu.Lock()
	syncedTo := w.keyMgr.SyncedTo()
	start := w.keyMgr.StartBlock().Height
	w.mu.Unlock()

	// Walk backwards from the synced tip until a recorded block hash
	// still lies on the main chain.  Running out of recorded hashes
	// restarts the search at the start block.
	forkHeight := syncedTo.Height
	var forkHash *chainhash.Hash
	for forkHeight > start {
		w.mu.Lock()
		recentHash, ok := w.keyMgr.RecentBlockHash(forkHeight)
		w.mu.Unlock()
		if !ok {
			forkHeight = start
			break
		}
		mainHash, err := w.chainClient.GetBlockHash(int64(forkHeight))
		if err != nil {
			return err
		}
		if *mainHash == recentHash {
			forkHash = mainHash
			break
		}
		forkHeight--
	}

	if forkHeight < syncedTo.Height {
		log.Infof("Reorganization detected, unconfirming transactions "+
			"above height %d", forkHeight)

		var stamp *wkeymgr.BlockStamp
		if forkHash != nil {
			block, err := w.chainClient.GetBlock(forkHash)
			if err != nil {
				return err
			}
			stamp = &wkeymgr.BlockStamp{
				Height:    forkHeight,
				Hash:      *forkHash,
				Timestamp: block.Header.Timestamp,
			}
		}

		w.mu.Lock()
		err := walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
			tns := dbtx.ReadWriteBucket(wtxstoreNamespaceKey)
			err := w.txStore.Rollback(tns, forkHeight+1)
			if err != nil {
				return err
			}
			kns := dbtx.ReadWriteBucket(wkeymgrNamespaceKey)
			return w.keyMgr.SetSyncedTo(kns, stamp)
		})
		w.mu.Unlock()
		if err != nil {
			return err
		}
	}

	// Rescan forward until the wallet reaches the backend's best height.
	// Blocks arriving during a pass are picked up by the next one.
	for !w.ShuttingDown() && !w.rescanAbort.Load() {
		best, err := w.chainClient.BestBlock()
		if err != nil {
			return err
		}
		synced := w.SyncedTo()
		if synced.Height >= best.Height {
			break
		}
		if err := w.RescanFromHeight(synced.Height + 1); err != nil {
			return err
		}
	}
	if w.ShuttingDown() {
		return nil
	}

	w.setChainSynced(true)
	log.Infof("Wallet synchronized to the chain, height %d",
		w.SyncedTo().Height)
	return nil
}

// connectBlock extends the wallet with a block attached to the main chain,
// anchoring any relevant transactions it holds.  The sync stamp is advanced
// before the transactions are recorded so conflict depths are measured
// against the new tip.  Blocks arriving before the initial synchronization
// finishes are skipped since the rescan will visit them.
func (w *Wallet) connectBlock(b wtxstore.BlockMeta) error {
	if !w.ChainSynced() {
		return nil
	}

	block, err := w.chainClient.GetBlock(&b.Hash)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
		kns := dbtx.ReadWriteBucket(wkeymgrNamespaceKey)
		err := w.keyMgr.SetSyncedTo(kns, &wkeymgr.BlockStamp{
			Height:    b.Height,
			Hash:      b.Hash,
			Timestamp: b.Time,
		})
		if err != nil {
			return err
		}

		for i, tx := range block.Transactions {
			inc := &wtxstore.Incidence{
				BlockMeta: b,
				TxIndex:   int32(i),
			}
			if !w.txRelevant(tx) {
				// A mined foreign transaction still displaces
				// stored spends of the same outputs.
				tns := dbtx.ReadWriteBucket(
					wtxstoreNamespaceKey,
				)
				hash := tx.TxHash()
				err := w.txStore.MarkDoubleSpends(tns, &hash,
					tx, inc, b.Height)
				if err != nil {
					return err
				}
				continue
			}
			rec := wtxstore.NewTxRecordFromMsgTx(tx, b.Time)
			if err := w.addRelevantTx(dbtx, rec, inc); err != nil {
				return err
			}
		}
		return nil
	})
}

// disconnectBlock handles a block removed from the main chain by
// unconfirming the transactions anchored to it.  The records survive as
// unconfirmed and are confirmed again when they appear in the replacement
// chain.
func (w *Wallet) disconnectBlock(b wtxstore.BlockMeta) error {
	if !w.ChainSynced() {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	syncedTo := w.keyMgr.SyncedTo()
	if b.Height != syncedTo.Height {
		// Stale notification for a block the wallet already left.
		return nil
	}

	return walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
		tns := dbtx.ReadWriteBucket(wtxstoreNamespaceKey)
		kns := dbtx.ReadWriteBucket(wkeymgrNamespaceKey)

		prevHash, ok := w.keyMgr.RecentBlockHash(b.Height - 1)
		if !ok {
			// Disconnecting past the remembered history, restart
			// from the start block.
			start := w.keyMgr.StartBlock()
			err := w.txStore.Rollback(tns, start.Height+1)
			if err != nil {
				return err
			}
			return w.keyMgr.SetSyncedTo(kns, nil)
		}

		if err := w.txStore.Rollback(tns, b.Height); err != nil {
			return err
		}
		return w.keyMgr.SetSyncedTo(kns, &wkeymgr.BlockStamp{
			Height: b.Height - 1,
			Hash:   prevHash,
		})
	})
}

// mempoolTx handles a transaction accepted to the backend's mempool.
func (w *Wallet) mempoolTx(tx *wire.MsgTx) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hash := tx.TxHash()
	if rec := w.txStore.TxRecord(&hash); rec != nil && !rec.Abandoned() {
		// Already recorded, only refresh the mempool presence.
		if rec.Unmined() {
			rec.InMempool = true
		}
		return nil
	}
	if !w.txRelevant(tx) {
		return nil
	}

	// An abandoned record announced again falls through to the store,
	// which merges the copy and clears the abandonment.

	rec := wtxstore.NewTxRecordFromMsgTx(tx, w.clock.Now())
	rec.InMempool = true
	return walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
		return w.addRelevantTx(dbtx, rec, nil)
	})
}

// txRelevant reports whether a transaction concerns the wallet, either by
// paying an address the wallet controls or watches, or by spending an
// output of a recorded transaction that does.
func (w *Wallet) txRelevant(tx *wire.MsgTx) bool {
	hash := tx.TxHash()
	if w.txStore.TxRecord(&hash) != nil {
		return true
	}

	for _, in := range tx.TxIn {
		prev := w.txStore.TxRecord(&in.PreviousOutPoint.Hash)
		if prev == nil {
			continue
		}
		index := in.PreviousOutPoint.Index
		if index >= uint32(len(prev.MsgTx.TxOut)) {
			continue
		}
		out := prev.MsgTx.TxOut[index]
		if w.classifier.MineLevel(out.PkScript) != wtxstore.MineNone {
			return true
		}
	}
	for _, out := range tx.TxOut {
		if w.classifier.MineLevel(out.PkScript) != wtxstore.MineNone {
			return true
		}
	}
	return false
}

// addRelevantTx records a transaction in the store and burns any key pool
// keys its outputs pay to, marking everything up to the highest paid index
// as used.  The wallet mutex must be held and dbtx must cover both the
// transaction store and key manager namespaces.
func (w *Wallet) addRelevantTx(dbtx walletdb.ReadWriteTx,
	rec *wtxstore.TxRecord, inc *wtxstore.Incidence) error {

	tns := dbtx.ReadWriteBucket(wtxstoreNamespaceKey)
	tip := w.keyMgr.SyncedTo().Height
	if _, err := w.txStore.InsertTx(tns, rec, inc, tip); err != nil {
		return err
	}

	kns := dbtx.ReadWriteBucket(wkeymgrNamespaceKey)
	for _, out := range rec.MsgTx.TxOut {
		addr := w.scriptAddress(out.PkScript)
		if addr == nil {
			continue
		}
		index, ok := w.keyMgr.PoolIndex(addr)
		if !ok {
			continue
		}
		if err := w.keyMgr.MarkUsedThrough(kns, index); err != nil {
			return err
		}
	}
	return nil
}
