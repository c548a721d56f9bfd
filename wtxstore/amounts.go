// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxstore

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// MineLevel describes the level of control the wallet has over a
// transaction output.  The levels form a bitmask so amount queries can
// match several levels at once.
type MineLevel uint8

const (
	// MineNone marks outputs the wallet has no interest in.
	MineNone MineLevel = 0

	// MineWatchOnly marks outputs paying to watched scripts whose
	// private keys the wallet does not hold.
	MineWatchOnly MineLevel = 1 << 0

	// MineSpendable marks outputs the wallet holds the private keys for.
	MineSpendable MineLevel = 1 << 1

	// MineAll matches every output the wallet can see.
	MineAll = MineWatchOnly | MineSpendable
)

// OutputClassifier reports the wallet's interest in transaction output
// scripts.  The store consults it when computing credit, debit, and change
// amounts, so implementations must be cheap and must not call back into the
// store.
type OutputClassifier interface {
	// MineLevel returns the wallet's control over outputs paying to the
	// given script.
	MineLevel(pkScript []byte) MineLevel

	// IsChange reports whether the script pays to an internal branch
	// address, making the output change rather than a payment.
	IsChange(pkScript []byte) bool
}

// The amounts derived from a record are memoized per record because they
// are recomputed constantly when summing balances, yet only change when the
// record itself or the spend status of its outputs does.  Spendable and
// watch-only amounts are cached separately so that a combined query is the
// sum of the two cached values.
type cacheKind uint8

const (
	cacheDebitSpendable cacheKind = iota
	cacheDebitWatchOnly
	cacheCreditSpendable
	cacheCreditWatchOnly
	cacheImmatureSpendable
	cacheImmatureWatchOnly
	cacheAvailableSpendable
	cacheAvailableWatchOnly
	cacheChange

	numCacheKinds
)

type cacheEntry struct {
	amount btcutil.Amount
	valid  bool
}

// MarkDirty invalidates every memoized amount of the record.  The store
// calls it whenever the record changes or a transaction spending one of its
// outputs is added, marked conflicted, or abandoned.
func (rec *TxRecord) MarkDirty() {
	for i := range rec.cache {
		rec.cache[i] = cacheEntry{}
	}
}

func (rec *TxRecord) cachedAmount(kind cacheKind,
	compute func() btcutil.Amount) btcutil.Amount {

	if rec.cache[kind].valid {
		return rec.cache[kind].amount
	}
	amount := compute()
	rec.cache[kind] = cacheEntry{amount: amount, valid: true}
	return amount
}

// Credit returns the total value of the record's outputs controlled by the
// wallet at any of the filtered levels.
func (s *Store) Credit(rec *TxRecord, filter MineLevel) btcutil.Amount {
	var amount btcutil.Amount
	if filter&MineSpendable != 0 {
		amount += rec.cachedAmount(cacheCreditSpendable,
			func() btcutil.Amount {
				return s.sumOutputs(rec, MineSpendable)
			})
	}
	if filter&MineWatchOnly != 0 {
		amount += rec.cachedAmount(cacheCreditWatchOnly,
			func() btcutil.Amount {
				return s.sumOutputs(rec, MineWatchOnly)
			})
	}
	return amount
}

// Debit returns the total value the record spends from outputs of other
// stored transactions controlled by the wallet at any of the filtered
// levels.  A positive debit means the wallet funded the transaction.
func (s *Store) Debit(rec *TxRecord, filter MineLevel) btcutil.Amount {
	var amount btcutil.Amount
	if filter&MineSpendable != 0 {
		amount += rec.cachedAmount(cacheDebitSpendable,
			func() btcutil.Amount {
				return s.sumInputs(rec, MineSpendable)
			})
	}
	if filter&MineWatchOnly != 0 {
		amount += rec.cachedAmount(cacheDebitWatchOnly,
			func() btcutil.Amount {
				return s.sumInputs(rec, MineWatchOnly)
			})
	}
	return amount
}

// Change returns the total value of the record's outputs paying back to the
// wallet's internal branch.
func (s *Store) Change(rec *TxRecord) btcutil.Amount {
	return rec.cachedAmount(cacheChange, func() btcutil.Amount {
		var amount btcutil.Amount
		for _, output := range rec.MsgTx.TxOut {
			if s.classifier.MineLevel(output.PkScript) == MineNone {
				continue
			}
			if s.classifier.IsChange(output.PkScript) {
				amount += btcutil.Amount(output.Value)
			}
		}
		return amount
	})
}

// AvailableCredit returns the total value of the record's unspent outputs
// controlled by the wallet at any of the filtered levels.  Outputs of an
// immature coinbase are never available.
func (s *Store) AvailableCredit(rec *TxRecord, tipHeight int32,
	filter MineLevel) btcutil.Amount {

	if s.isImmatureCoinbase(rec, tipHeight) {
		return 0
	}

	var amount btcutil.Amount
	if filter&MineSpendable != 0 {
		amount += rec.cachedAmount(cacheAvailableSpendable,
			func() btcutil.Amount {
				return s.sumUnspentOutputs(rec, tipHeight,
					MineSpendable)
			})
	}
	if filter&MineWatchOnly != 0 {
		amount += rec.cachedAmount(cacheAvailableWatchOnly,
			func() btcutil.Amount {
				return s.sumUnspentOutputs(rec, tipHeight,
					MineWatchOnly)
			})
	}
	return amount
}

// ImmatureCredit returns the credit of a coinbase record that has not yet
// matured, and zero for everything else.
func (s *Store) ImmatureCredit(rec *TxRecord, tipHeight int32,
	filter MineLevel) btcutil.Amount {

	if !s.isImmatureCoinbase(rec, tipHeight) || !rec.Confirmed() {
		return 0
	}

	var amount btcutil.Amount
	if filter&MineSpendable != 0 {
		amount += rec.cachedAmount(cacheImmatureSpendable,
			func() btcutil.Amount {
				return s.sumOutputs(rec, MineSpendable)
			})
	}
	if filter&MineWatchOnly != 0 {
		amount += rec.cachedAmount(cacheImmatureWatchOnly,
			func() btcutil.Amount {
				return s.sumOutputs(rec, MineWatchOnly)
			})
	}
	return amount
}

func (s *Store) sumOutputs(rec *TxRecord, level MineLevel) btcutil.Amount {
	var amount btcutil.Amount
	for _, output := range rec.MsgTx.TxOut {
		if s.classifier.MineLevel(output.PkScript)&level != 0 {
			amount += btcutil.Amount(output.Value)
		}
	}
	return amount
}

func (s *Store) sumInputs(rec *TxRecord, level MineLevel) btcutil.Amount {
	var amount btcutil.Amount
	for _, input := range rec.MsgTx.TxIn {
		prev, ok := s.txs[input.PreviousOutPoint.Hash]
		if !ok {
			continue
		}
		index := input.PreviousOutPoint.Index
		if index >= uint32(len(prev.MsgTx.TxOut)) {
			continue
		}
		output := prev.MsgTx.TxOut[index]
		if s.classifier.MineLevel(output.PkScript)&level != 0 {
			amount += btcutil.Amount(output.Value)
		}
	}
	return amount
}

func (s *Store) sumUnspentOutputs(rec *TxRecord, tipHeight int32,
	level MineLevel) btcutil.Amount {

	var amount btcutil.Amount
	for i, output := range rec.MsgTx.TxOut {
		op := wire.OutPoint{Hash: rec.Hash, Index: uint32(i)}
		if s.IsSpent(op, tipHeight) {
			continue
		}
		if s.classifier.MineLevel(output.PkScript)&level != 0 {
			amount += btcutil.Amount(output.Value)
		}
	}
	return amount
}

// BlocksToMaturity returns the number of blocks required before a coinbase
// record's outputs become spendable.  Zero is returned for mature coinbases
// and for regular transactions.
func (s *Store) BlocksToMaturity(rec *TxRecord, tipHeight int32) int32 {
	if !blockchain.IsCoinBaseTx(&rec.MsgTx) {
		return 0
	}
	need := int32(s.chainParams.CoinbaseMaturity) + 1 - rec.Depth(tipHeight)
	if need < 0 {
		need = 0
	}
	return need
}

func (s *Store) isImmatureCoinbase(rec *TxRecord, tipHeight int32) bool {
	return s.BlocksToMaturity(rec, tipHeight) > 0
}

// IsTrusted reports whether the record's unspent outputs are safe to spend
// from.  Mined records are trusted and conflicted records never are.  An
// unmined record is trusted only when zero-confirmation spending is
// enabled, the wallet funded the transaction itself, the mempool still
// knows it, and every input spends a spendable output of a stored
// transaction, so that no third party can invalidate it without attacking
// the wallet's own chain of transactions.
func (s *Store) IsTrusted(rec *TxRecord, tipHeight int32,
	spendZeroConf bool) bool {

	depth := rec.Depth(tipHeight)
	if depth >= 1 {
		return true
	}
	if depth < 0 {
		return false
	}

	if !spendZeroConf {
		return false
	}
	if s.Debit(rec, MineAll) <= 0 {
		return false
	}
	if !rec.InMempool {
		return false
	}
	for _, input := range rec.MsgTx.TxIn {
		prev, ok := s.txs[input.PreviousOutPoint.Hash]
		if !ok {
			return false
		}
		index := input.PreviousOutPoint.Index
		if index >= uint32(len(prev.MsgTx.TxOut)) {
			return false
		}
		output := prev.MsgTx.TxOut[index]
		if s.classifier.MineLevel(output.PkScript)&MineSpendable == 0 {
			return false
		}
	}
	return true
}
