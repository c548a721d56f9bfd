// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxstore

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxRecord returns the stored record for a transaction hash, or nil when
// the store has no record of it.  The returned record is shared with the
// store and is only valid while the caller holds the wallet lock.
func (s *Store) TxRecord(txHash *chainhash.Hash) *TxRecord {
	return s.txs[*txHash]
}

// Count returns the number of transactions in the store.
func (s *Store) Count() int {
	return len(s.txs)
}

// ForEachOrdered invokes f for every stored record in insertion order.
// Iteration stops at the first error, which is returned to the caller.
func (s *Store) ForEachOrdered(f func(*TxRecord) error) error {
	for _, rec := range s.ordered {
		if err := f(rec); err != nil {
			return err
		}
	}
	return nil
}

// UnminedTxs returns every record that is neither mined, conflicted, nor
// abandoned, in insertion order.  These are the transactions a wallet
// rebroadcasts until they confirm.
func (s *Store) UnminedTxs() []*TxRecord {
	var unmined []*TxRecord
	for _, rec := range s.ordered {
		if rec.Unmined() && !rec.Abandoned() {
			unmined = append(unmined, rec)
		}
	}
	return unmined
}

// IsSpent reports whether a transaction output is spent by a stored
// transaction that is either mined or still eligible for mining.
// Conflicted and abandoned spenders do not count, returning the output to
// the spendable pool.
func (s *Store) IsSpent(op wire.OutPoint, tipHeight int32) bool {
	for _, spender := range s.spends[op] {
		rec, ok := s.txs[spender]
		if !ok {
			continue
		}
		depth := rec.Depth(tipHeight)
		if depth > 0 || (depth == 0 && !rec.Abandoned()) {
			return true
		}
	}
	return false
}
