// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/corewallet/chain"
)

// rebroadcastLoop periodically resends the wallet's unconfirmed
// transactions so they survive mempool evictions and backend restarts.
func (w *Wallet) rebroadcastLoop() {
	defer w.wg.Done()

	w.rebroadcastTicker.Resume()
	defer w.rebroadcastTicker.Stop()

	for {
		select {
		case <-w.rebroadcastTicker.Ticks():
			w.resendUnminedTxs()

		case <-w.quit:
			return
		}
	}
}

// resendUnminedTxs hands every unconfirmed, unabandoned transaction back to
// the chain backend.  Rejections are expected here: a transaction may have
// confirmed since the last pass, still sit in the mempool, or have lost its
// inputs to a conflict.  None of these are treated as failures, the store
// keeps the record and the depth queries reflect whatever the mempool says.
func (w *Wallet) resendUnminedTxs() {
	if !w.ChainSynced() {
		return
	}

	w.mu.Lock()
	recs := w.txStore.UnminedTxs()
	txs := make([]*wire.MsgTx, len(recs))
	for i, rec := range recs {
		msgTx := rec.MsgTx
		txs[i] = &msgTx
	}
	w.mu.Unlock()

	for i, tx := range txs {
		rec := recs[i]
		err := w.chainClient.BroadcastTx(tx)
		switch {
		case err == nil, errors.Is(err, chain.ErrAlreadyInMempool):
			w.mu.Lock()
			rec.InMempool = true
			w.mu.Unlock()
			log.Debugf("Rebroadcast transaction %v", rec.Hash)

		case errors.Is(err, chain.ErrAlreadyConfirmed):
			// The confirmation notification will anchor it.

		case errors.Is(err, chain.ErrMissingInputs),
			errors.Is(err, chain.ErrMempoolConflict):

			log.Debugf("Transaction %v spends unavailable inputs: %v",
				rec.Hash, err)

		default:
			log.Warnf("Unable to rebroadcast transaction %v: %v",
				rec.Hash, err)
		}
	}
}
