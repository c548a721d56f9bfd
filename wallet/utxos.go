// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"errors"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/corewallet/wtxstore"
)

// errStopIteration halts transaction iteration early once an enumeration
// limit has been hit.  It is never returned to callers.
var errStopIteration = errors.New("stop iteration")

// CoinFilter restricts the outputs returned by AvailableCoins.  The zero
// value of a bound means the bound is not applied.
type CoinFilter struct {
	// MinAmount and MaxAmount bound the value of individual outputs.
	MinAmount btcutil.Amount
	MaxAmount btcutil.Amount

	// MinSum stops enumeration once the summed value of the returned
	// outputs reaches it.
	MinSum btcutil.Amount

	// MaxCount stops enumeration once this many outputs were returned.
	MaxCount int

	// MinDepth and MaxDepth bound the confirmation depth of the
	// transactions creating the outputs.
	MinDepth int32
	MaxDepth int32

	// SafeOnly excludes outputs of untrusted transactions.
	SafeOnly bool
}

func defaultCoinFilter() *CoinFilter {
	return &CoinFilter{SafeOnly: true}
}

// AvailableCoins enumerates the wallet's unspent outputs passing the
// filter.  Watch-only outputs are included with Spendable unset.  Locked
// outpoints, conflicted transactions, immature coinbase outputs and
// evicted mempool transactions are never returned.
func (w *Wallet) AvailableCoins(filter *CoinFilter) ([]Coin, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tip := w.keyMgr.SyncedTo().Height
	return w.availableCoins(filter, tip)
}

// availableCoins requires the wallet mutex to be held.
func (w *Wallet) availableCoins(filter *CoinFilter, tip int32) ([]Coin,
	error) {

	if filter == nil {
		filter = defaultCoinFilter()
	}
	f := *filter
	if f.MinAmount == 0 {
		f.MinAmount = 1
	}
	if f.MaxAmount == 0 {
		f.MaxAmount = btcutil.MaxSatoshi
	}
	if f.MaxDepth == 0 {
		f.MaxDepth = 9999999
	}

	var (
		coins []Coin
		total btcutil.Amount
	)
	err := w.txStore.ForEachOrdered(func(rec *wtxstore.TxRecord) error {
		depth := rec.Depth(tip)
		if depth < 0 {
			return nil
		}
		if depth == 0 && !rec.InMempool {
			return nil
		}
		if w.txStore.BlocksToMaturity(rec, tip) > 0 {
			return nil
		}

		safe := w.txStore.IsTrusted(rec, tip, w.policy.SpendZeroConf)

		// Outputs of unconfirmed transactions taking part in a
		// replacement are unsafe: either side may confirm and
		// invalidate the other.
		if depth == 0 &&
			(rec.ReplacesTx != nil || rec.ReplacedByTx != nil) {

			safe = false
		}
		if f.SafeOnly && !safe {
			return nil
		}
		if depth < f.MinDepth || depth > f.MaxDepth {
			return nil
		}

		fromMe := w.txStore.Debit(rec, wtxstore.MineAll) > 0
		for i, out := range rec.MsgTx.TxOut {
			value := btcutil.Amount(out.Value)
			if value < f.MinAmount || value > f.MaxAmount {
				continue
			}
			op := wire.OutPoint{Hash: rec.Hash, Index: uint32(i)}
			if w.lockedOutpoint(op) {
				continue
			}
			if w.txStore.IsSpent(op, tip) {
				continue
			}
			level := w.classifier.MineLevel(out.PkScript)
			if level == wtxstore.MineNone {
				continue
			}

			coins = append(coins, Coin{
				OutPoint:  op,
				Output:    *out,
				Depth:     depth,
				FromMe:    fromMe,
				Safe:      safe,
				Spendable: level == wtxstore.MineSpendable,
			})
			total += value

			if f.MinSum > 0 && total >= f.MinSum {
				return errStopIteration
			}
			if f.MaxCount > 0 && len(coins) >= f.MaxCount {
				return errStopIteration
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return coins, nil
}

// LockedOutpoint returns whether an outpoint has been marked as locked and
// should not be used as an input for created transactions.
func (w *Wallet) LockedOutpoint(op wire.OutPoint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.lockedOutpoint(op)
}

func (w *Wallet) lockedOutpoint(op wire.OutPoint) bool {
	_, locked := w.lockedOutpoints[op]
	return locked
}

// LockOutpoint marks an outpoint as locked, that is, it should not be used
// as an input for newly created transactions.  The lock is held in memory
// only and does not survive restarts.
func (w *Wallet) LockOutpoint(op wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lockedOutpoints[op] = struct{}{}
}

// UnlockOutpoint marks an outpoint as unlocked, that is, it may be used as
// an input for newly created transactions.
func (w *Wallet) UnlockOutpoint(op wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.lockedOutpoints, op)
}

// ResetLockedOutpoints resets the set of locked outpoints so all may be
// used as inputs for new transactions.
func (w *Wallet) ResetLockedOutpoints() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lockedOutpoints = make(map[wire.OutPoint]struct{})
}

// LockedOutpoints returns the set of currently locked outpoints, ordered
// by transaction hash and output index.
func (w *Wallet) LockedOutpoints() []wire.OutPoint {
	w.mu.Lock()
	defer w.mu.Unlock()

	ops := make([]wire.OutPoint, 0, len(w.lockedOutpoints))
	for op := range w.lockedOutpoints {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if c := bytes.Compare(ops[i].Hash[:], ops[j].Hash[:]); c != 0 {
			return c < 0
		}
		return ops[i].Index < ops[j].Index
	})
	return ops
}
