// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/corewallet/wtxstore"
)

// Balances summarizes the wallet's funds at the current sync height.
type Balances struct {
	// Trusted is the balance of confirmed transactions, plus trusted
	// unconfirmed transactions when the policy allows spending
	// zero-confirmation change.
	Trusted btcutil.Amount

	// UntrustedPending is the balance of untrusted transactions still
	// waiting in the mempool.  It becomes part of Trusted once the
	// transactions confirm.
	UntrustedPending btcutil.Amount

	// Immature is the balance of coinbase outputs that have not yet
	// matured.
	Immature btcutil.Amount

	// The watch-only fields mirror the above for outputs the wallet
	// observes but cannot spend.
	WatchOnlyTrusted          btcutil.Amount
	WatchOnlyUntrustedPending btcutil.Amount
	WatchOnlyImmature         btcutil.Amount
}

// CalculateBalances totals the unspent outputs of the wallet's
// transactions.  minConf applies to the trusted component only: trusted
// transactions below the requested depth are excluded entirely rather than
// moved to the pending component.
func (w *Wallet) CalculateBalances(minConf int32) (Balances, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tip := w.keyMgr.SyncedTo().Height

	var bal Balances
	err := w.txStore.ForEachOrdered(func(rec *wtxstore.TxRecord) error {
		depth := rec.Depth(tip)
		trusted := w.txStore.IsTrusted(rec, tip,
			w.policy.SpendZeroConf)

		creditMine := w.txStore.AvailableCredit(rec, tip,
			wtxstore.MineSpendable)
		creditWatch := w.txStore.AvailableCredit(rec, tip,
			wtxstore.MineWatchOnly)

		switch {
		case trusted && depth >= minConf:
			bal.Trusted += creditMine
			bal.WatchOnlyTrusted += creditWatch

		case !trusted && depth == 0 && rec.InMempool:
			bal.UntrustedPending += creditMine
			bal.WatchOnlyUntrustedPending += creditWatch
		}

		bal.Immature += w.txStore.ImmatureCredit(rec, tip,
			wtxstore.MineSpendable)
		bal.WatchOnlyImmature += w.txStore.ImmatureCredit(rec, tip,
			wtxstore.MineWatchOnly)
		return nil
	})
	if err != nil {
		return Balances{}, err
	}
	return bal, nil
}

// SpendableBalance is a convenience wrapper around CalculateBalances
// returning only the trusted spendable component.
func (w *Wallet) SpendableBalance(minConf int32) (btcutil.Amount, error) {
	bal, err := w.CalculateBalances(minConf)
	if err != nil {
		return 0, err
	}
	return bal.Trusted, nil
}
