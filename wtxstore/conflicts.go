// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxstore

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// MarkConflicted marks a transaction, and every stored descendant spending
// its outputs, as conflicted with a double spend mined in the given block.
//
// A record is only updated when the conflict would leave it with a strictly
// lower depth than it currently has, so marking is idempotent and a
// conflict buried deeper than an already recorded one is preferred.
// Records that are not updated do not propagate the conflict to their
// descendants.
func (s *Store) MarkConflicted(ns walletdb.ReadWriteBucket, tipHeight int32,
	conflicting Block, txHash *chainhash.Hash) error {

	conflictConfirms := -(tipHeight - conflicting.Height + 1)
	if conflictConfirms >= 0 {
		// The conflicting block is not part of the chain the tip
		// height describes, so there is nothing to record yet.
		return nil
	}

	todo := []chainhash.Hash{*txHash}
	done := fn.NewSet[chainhash.Hash]()

	for len(todo) > 0 {
		hash := todo[0]
		todo = todo[1:]
		if done.Contains(hash) {
			continue
		}
		done.Add(hash)

		rec, ok := s.txs[hash]
		if !ok {
			continue
		}
		if conflictConfirms >= rec.Depth(tipHeight) {
			continue
		}

		rec.Anchor = conflicting
		rec.AnchorIndex = -1
		rec.MarkDirty()
		s.markInputsDirty(rec)
		if err := putTxRecord(ns, rec); err != nil {
			return err
		}
		log.Debugf("Transaction %v conflicts with block %v, marked "+
			"conflicted", hash, conflicting.Hash)

		// Descendants spending this record's outputs inherit the
		// conflict.
		for i := range rec.MsgTx.TxOut {
			op := wire.OutPoint{Hash: hash, Index: uint32(i)}
			for _, spender := range s.spends[op] {
				if !done.Contains(spender) {
					todo = append(todo, spender)
				}
			}
		}
	}
	return nil
}

// Abandon marks an unmined transaction, and every stored descendant
// spending its outputs, as abandoned.  Abandoned outputs no longer count as
// spent, returning the funded coins to the spendable pool.
//
// Transactions mined in the best chain cannot be abandoned, and neither can
// transactions the mempool still knows, as those may confirm at any time.
func (s *Store) Abandon(ns walletdb.ReadWriteBucket, tipHeight int32,
	txHash *chainhash.Hash) error {

	rec, ok := s.txs[*txHash]
	if !ok {
		return ErrUnknownTx
	}
	if rec.Depth(tipHeight) > 0 {
		return fmt.Errorf("%w: %v", ErrConfirmedTx, txHash)
	}
	if rec.InMempool {
		return fmt.Errorf("%w: %v", ErrMempoolTx, txHash)
	}

	todo := []chainhash.Hash{*txHash}
	done := fn.NewSet[chainhash.Hash]()

	for len(todo) > 0 {
		hash := todo[0]
		todo = todo[1:]
		if done.Contains(hash) {
			continue
		}
		done.Add(hash)

		rec, ok := s.txs[hash]
		if !ok {
			continue
		}

		// Mined descendants of an unmined transaction cannot exist,
		// and descendants that were already abandoned need no second
		// pass.
		if rec.Depth(tipHeight) != 0 || rec.Abandoned() {
			continue
		}

		rec.Anchor = Block{Hash: abandonedBlock}
		rec.AnchorIndex = -1
		rec.MarkDirty()
		s.markInputsDirty(rec)
		if err := putTxRecord(ns, rec); err != nil {
			return err
		}
		log.Infof("Abandoned transaction %v", hash)

		for i := range rec.MsgTx.TxOut {
			op := wire.OutPoint{Hash: hash, Index: uint32(i)}
			for _, spender := range s.spends[op] {
				if !done.Contains(spender) {
					todo = append(todo, spender)
				}
			}
		}
	}
	return nil
}

// Conflicts returns the hashes of every other stored transaction spending
// at least one of the previous outputs the given transaction spends.
func (s *Store) Conflicts(txHash *chainhash.Hash) []chainhash.Hash {
	rec, ok := s.txs[*txHash]
	if !ok {
		return nil
	}

	seen := fn.NewSet[chainhash.Hash]()
	var conflicts []chainhash.Hash
	for _, input := range rec.MsgTx.TxIn {
		for _, spender := range s.spends[input.PreviousOutPoint] {
			if spender == rec.Hash || seen.Contains(spender) {
				continue
			}
			seen.Add(spender)
			conflicts = append(conflicts, spender)
		}
	}
	return conflicts
}
