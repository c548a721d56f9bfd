// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/corewallet/chain"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func boolPtr(b bool) *bool { return &b }

// virtualSize recomputes the size estimate the fee loop priced, all inputs
// being P2WPKH spends.
func virtualSize(tx *wire.MsgTx) int {
	return txsizes.EstimateVirtualSize(0, 0, len(tx.TxIn), 0, tx.TxOut, 0)
}

// requireBalanced asserts the transaction spends exactly what it consumed:
// input value equals output value plus the reported fee.
func requireBalanced(t *testing.T, created *CreatedTx) {
	t.Helper()

	var out btcutil.Amount
	for _, txOut := range created.Tx.TxOut {
		out += btcutil.Amount(txOut.Value)
	}
	if created.TotalInput != out+created.Fee {
		t.Fatalf("input value %v does not fund outputs %v plus fee "+
			"%v: %v", created.TotalInput, out, created.Fee,
			spew.Sdump(created.Tx))
	}
}

func TestCreateTransactionBasic(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)
	m.setFeeEstimate(25000, nil)

	created, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 10e6},
	}, nil)
	require.NoError(t, err)
	requireBalanced(t, created)

	// The fee matches the estimator's rate for the final size.
	expectedFee := txrules.FeeForSerializeSize(25000, virtualSize(created.Tx))
	require.Equal(t, expectedFee, created.Fee)

	// A change output pays an internal branch key.
	require.NotEqual(t, -1, created.ChangeIndex)
	changeOut := created.Tx.TxOut[created.ChangeIndex]
	require.True(t, w.classifier.IsChange(changeOut.PkScript))

	// The locktime discourages fee sniping without ever locking beyond the
	// chain tip.
	tip := w.SyncedTo().Height
	require.LessOrEqual(t, created.Tx.LockTime, uint32(tip))
	require.GreaterOrEqual(t, int32(created.Tx.LockTime), tip-100)

	// Inputs are final but allow locktime enforcement, and carry witness
	// signatures.
	for _, txIn := range created.Tx.TxIn {
		require.Equal(t, uint32(wire.MaxTxInSequenceNum-1), txIn.Sequence)
		require.Len(t, txIn.Witness, 2)
	}

	// Nothing was stored or broadcast yet.
	require.Equal(t, 1, w.txStore.Count())
	require.Zero(t, m.sentCount())

	w.ReleaseTx(created)
}

// TestCreateTransactionDustChange checks that a change amount below the dust
// threshold is surrendered to the fee instead of creating an unspendable
// output.
func TestCreateTransactionDustChange(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	created, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 99999700},
	}, &CoinControl{FeeRatePerKB: 1000})
	require.NoError(t, err)
	requireBalanced(t, created)

	require.Equal(t, -1, created.ChangeIndex)
	require.Len(t, created.Tx.TxOut, 1)
	require.Equal(t, btcutil.Amount(300), created.Fee)

	w.ReleaseTx(created)
}

// TestCreateTransactionSubtractFee checks that fee-paying outputs fund the
// fee themselves: the entire input value minus the fee reaches the
// recipient and no extra input is pulled in.
func TestCreateTransactionSubtractFee(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	created, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 1e8, SubtractFee: true},
	}, &CoinControl{FeeRatePerKB: 1000})
	require.NoError(t, err)
	requireBalanced(t, created)

	require.Equal(t, -1, created.ChangeIndex)
	require.Len(t, created.Tx.TxOut, 1)
	require.Equal(t, txrules.FeeForSerializeSize(1000, virtualSize(created.Tx)),
		created.Fee)
	require.Equal(t, int64(1e8)-int64(created.Fee),
		created.Tx.TxOut[0].Value)

	w.ReleaseTx(created)
}

// TestCreateTransactionSubtractFeeSplit checks the fee split across several
// fee-paying outputs: even shares with the first output paying the
// remainder, coexisting with a change output at a pinned position.
func TestCreateTransactionSubtractFeeSplit(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	created, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 3e6, SubtractFee: true},
		{PkScript: externalScript(t, 0x22), Amount: 2e6, SubtractFee: true},
	}, &CoinControl{FeeRatePerKB: 1000, ChangePosition: intPtr(2)})
	require.NoError(t, err)
	requireBalanced(t, created)

	require.Equal(t, 2, created.ChangeIndex)
	require.Len(t, created.Tx.TxOut, 3)

	fee := int64(created.Fee)
	require.Equal(t, int64(3e6)-fee/2-fee%2, created.Tx.TxOut[0].Value)
	require.Equal(t, int64(2e6)-fee/2, created.Tx.TxOut[1].Value)

	w.ReleaseTx(created)
}

// TestCreateTransactionSubtractFeeTooSmall checks that an output whose value
// cannot survive the fee deduction is rejected rather than emitted as dust.
func TestCreateTransactionSubtractFeeTooSmall(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	_, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 600, SubtractFee: true},
	}, &CoinControl{FeeRatePerKB: 1000})
	require.ErrorIs(t, err, ErrDustOutput)
	require.ErrorContains(t, err, "after the fee")
}

func TestCreateTransactionDustRecipient(t *testing.T) {
	t.Parallel()

	w, _ := testWallet(t)

	_, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 500},
	}, nil)
	require.ErrorIs(t, err, ErrDustOutput)
	require.ErrorContains(t, err, "too small")
}

// TestCreateTransactionDustBoundary pins the dust floor to the legacy size
// formula: a spend of 148 bytes plus the output itself, priced at three
// times the relay rate.
func TestCreateTransactionDustBoundary(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	script := externalScript(t, 0x11)
	floor := dustThreshold(len(script), w.policy.RelayFeePerKB)
	require.Equal(t, btcutil.Amount(537), floor)

	_, err := w.CreateTransaction([]Recipient{
		{PkScript: script, Amount: floor - 1},
	}, nil)
	require.ErrorIs(t, err, ErrDustOutput)

	created, err := w.CreateTransaction([]Recipient{
		{PkScript: script, Amount: floor},
	}, nil)
	require.NoError(t, err)
	w.ReleaseTx(created)
}

func TestCreateTransactionRecipientValidation(t *testing.T) {
	t.Parallel()

	w, _ := testWallet(t)

	_, err := w.CreateTransaction(nil, nil)
	require.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: -1},
	}, nil)
	require.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = w.CreateTransaction([]Recipient{
		{Amount: 1e6},
	}, nil)
	require.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestCreateTransactionInsufficientFunds(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e6)

	_, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 2e6},
	}, nil)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestCreateTransactionUnconfirmedExternal checks that unconfirmed coins
// received from third parties are never spent, no matter the zero-conf
// policy, until they confirm.
func TestCreateTransactionUnconfirmedExternal(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	funding := mempoolToWallet(t, w, m, 1e8)

	recipients := []Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 1e6},
	}
	_, err := w.CreateTransaction(recipients, nil)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// One confirmation turns the coin spendable.
	mineTx(t, w, m, funding)
	created, err := w.CreateTransaction(recipients, nil)
	require.NoError(t, err)
	requireBalanced(t, created)
	w.ReleaseTx(created)
}

// TestCreateTransactionZeroConfChange checks that unconfirmed change of the
// wallet's own transactions is spendable exactly when the policy says so.
func TestCreateTransactionZeroConfChange(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T, spendZeroConf bool) {
		policy := DefaultPolicy()
		policy.SpendZeroConf = spendZeroConf
		w, m, _ := testWalletWithPolicy(t, &policy)
		mineToWallet(t, w, m, 1e8)

		// Spend most of the confirmed coin, leaving only unconfirmed
		// change behind.
		_, err := w.SendOutputs([]Recipient{
			{PkScript: externalScript(t, 0x11), Amount: 40e6},
		}, nil, "")
		require.NoError(t, err)

		_, err = w.CreateTransaction([]Recipient{
			{PkScript: externalScript(t, 0x22), Amount: 30e6},
		}, nil)
		if !spendZeroConf {
			require.ErrorIs(t, err, ErrInsufficientFunds)
			return
		}
		require.NoError(t, err)
	}

	t.Run("allowed", func(t *testing.T) { run(t, true) })
	t.Run("forbidden", func(t *testing.T) { run(t, false) })
}

func TestCreateTransactionRBFSignaling(t *testing.T) {
	t.Parallel()

	sequencesOf := func(t *testing.T, created *CreatedTx) uint32 {
		t.Helper()
		require.NotEmpty(t, created.Tx.TxIn)
		seq := created.Tx.TxIn[0].Sequence
		for _, txIn := range created.Tx.TxIn {
			require.Equal(t, seq, txIn.Sequence)
		}
		return seq
	}
	recipients := []Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 1e6},
	}

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	// The default policy does not signal replaceability.
	created, err := w.CreateTransaction(recipients, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(wire.MaxTxInSequenceNum-1), sequencesOf(t, created))
	w.ReleaseTx(created)

	// A call-site override signals it.
	created, err = w.CreateTransaction(recipients,
		&CoinControl{SignalRBF: boolPtr(true)})
	require.NoError(t, err)
	require.Equal(t, uint32(wire.MaxTxInSequenceNum-2), sequencesOf(t, created))
	w.ReleaseTx(created)

	// A signaling policy can in turn be overridden per call.
	policy := DefaultPolicy()
	policy.SignalRBF = true
	w2, m2, _ := testWalletWithPolicy(t, &policy)
	mineToWallet(t, w2, m2, 1e8)

	created, err = w2.CreateTransaction(recipients, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(wire.MaxTxInSequenceNum-2), sequencesOf(t, created))
	w2.ReleaseTx(created)

	created, err = w2.CreateTransaction(recipients,
		&CoinControl{SignalRBF: boolPtr(false)})
	require.NoError(t, err)
	require.Equal(t, uint32(wire.MaxTxInSequenceNum-1), sequencesOf(t, created))
	w2.ReleaseTx(created)
}

func TestCreateTransactionLockedCoins(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	funding := mineToWallet(t, w, m, 1e8)
	op := wire.OutPoint{Hash: funding.TxHash(), Index: 0}

	recipients := []Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 1e6},
	}

	w.LockOutpoint(op)
	_, err := w.CreateTransaction(recipients, nil)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	w.UnlockOutpoint(op)
	created, err := w.CreateTransaction(recipients, nil)
	require.NoError(t, err)
	w.ReleaseTx(created)
}

func TestCreateTransactionPresetInputs(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 50e6)
	tx2 := mineToWallet(t, w, m, 70e6)
	preset := wire.OutPoint{Hash: tx2.TxHash(), Index: 0}

	// A preset covering the target is spent alone even though selection
	// would favor the closer coin.
	created, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 10e6},
	}, &CoinControl{PresetInputs: []wire.OutPoint{preset}})
	require.NoError(t, err)
	requireBalanced(t, created)
	require.Len(t, created.Tx.TxIn, 1)
	require.Equal(t, preset, created.Tx.TxIn[0].PreviousOutPoint)
	w.ReleaseTx(created)
}

func TestCreateTransactionPresetInputErrors(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	funding := mineToWallet(t, w, m, 50e6)
	fundingOp := wire.OutPoint{Hash: funding.TxHash(), Index: 0}

	recipients := []Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 1e6},
	}
	buildWith := func(op wire.OutPoint) error {
		_, err := w.CreateTransaction(recipients,
			&CoinControl{PresetInputs: []wire.OutPoint{op}})
		return err
	}

	// Unknown outpoint.
	err := buildWith(externalOutPoint())
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.ErrorContains(t, err, "not a wallet output")

	// Immature coinbase output.
	coinbase := coinbaseToWallet(t, w, 50e8)
	mineTx(t, w, m, coinbase)
	err = buildWith(wire.OutPoint{Hash: coinbase.TxHash(), Index: 0})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.ErrorContains(t, err, "immature coinbase")

	// Output paying a third party within an otherwise relevant
	// transaction.
	mixed := payToWallet(t, w, 30e6)
	mixed.AddTxOut(wire.NewTxOut(5e6, externalScript(t, 0x22)))
	mineTx(t, w, m, mixed)
	err = buildWith(wire.OutPoint{Hash: mixed.TxHash(), Index: 1})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.ErrorContains(t, err, "not controlled")

	// Already spent.
	_, err = w.SendOutputs(recipients,
		&CoinControl{PresetInputs: []wire.OutPoint{fundingOp}}, "")
	require.NoError(t, err)
	err = buildWith(fundingOp)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.ErrorContains(t, err, "already spent")
}

func TestCreateTransactionChangeAddressOverride(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	changeAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{0x77}, 20), &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	require.NoError(t, err)

	created, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 10e6},
	}, &CoinControl{ChangeAddress: changeAddr})
	require.NoError(t, err)
	requireBalanced(t, created)

	require.NotEqual(t, -1, created.ChangeIndex)
	require.Equal(t, changeScript,
		created.Tx.TxOut[created.ChangeIndex].PkScript)

	// No internal key was reserved for the external change destination, so
	// releasing is a no-op.
	w.ReleaseTx(created)
}

func TestCreateTransactionChangePositionOutOfRange(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	_, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 10e6},
	}, &CoinControl{ChangePosition: intPtr(5)})
	require.Error(t, err)
	require.ErrorContains(t, err, "change index out of range")
}

func TestCreateTransactionFeeRateResolution(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)
	recipients := []Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 10e6},
	}

	// An explicit rate above the policy ceiling is refused outright.
	_, err := w.CreateTransaction(recipients,
		&CoinControl{FeeRatePerKB: w.policy.MaxFeePerKB + 1})
	require.ErrorIs(t, err, ErrFeePolicy)

	// A failing estimator falls back to the policy rate.
	m.setFeeEstimate(0, errors.New("estimator not warmed up"))
	created, err := w.CreateTransaction(recipients, nil)
	require.NoError(t, err)
	require.Equal(t, txrules.FeeForSerializeSize(
		w.policy.FallbackFeePerKB, virtualSize(created.Tx),
	), created.Fee)
	w.ReleaseTx(created)

	// An explicit rate below the relay floor is raised to it.
	created, err = w.CreateTransaction(recipients,
		&CoinControl{FeeRatePerKB: 1})
	require.NoError(t, err)
	require.Equal(t, txrules.FeeForSerializeSize(
		w.policy.RelayFeePerKB, virtualSize(created.Tx),
	), created.Fee)
	w.ReleaseTx(created)
}

// TestCreateTransactionChainLimits checks that mempool chain limits stop
// automatic selection quietly and preset spends loudly.
func TestCreateTransactionChainLimits(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	// Spend the confirmed coin so only unconfirmed change remains.
	created, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 40e6},
	}, nil)
	require.NoError(t, err)
	require.NotEqual(t, -1, created.ChangeIndex)
	spendHash, err := w.CommitTransaction(created, "")
	require.NoError(t, err)
	changeOp := wire.OutPoint{
		Hash:  *spendHash,
		Index: uint32(created.ChangeIndex),
	}

	recipients := []Recipient{
		{PkScript: externalScript(t, 0x22), Amount: 10e6},
	}

	// At the ancestor limit the change never enters a selection tier.
	m.setAncestry(*spendHash, 25, 25)
	_, err = w.CreateTransaction(recipients, nil)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Forcing it through coin control trips the explicit chain check.
	_, err = w.CreateTransaction(recipients,
		&CoinControl{PresetInputs: []wire.OutPoint{changeOp}})
	require.ErrorIs(t, err, ErrChainLimit)

	// A short chain passes.
	m.setAncestry(*spendHash, 2, 2)
	created, err = w.CreateTransaction(recipients, nil)
	require.NoError(t, err)
	require.Equal(t, changeOp, created.Tx.TxIn[0].PreviousOutPoint)
	w.ReleaseTx(created)
}

func TestCreateTransactionMempoolRejection(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)
	recipients := []Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 10e6},
	}

	// Backend chain limits surface as ErrChainLimit even when the
	// wallet's own ancestry accounting saw no problem.
	m.failAccept(chain.ErrTooLongMempoolChain)
	_, err := w.CreateTransaction(recipients, nil)
	require.ErrorIs(t, err, ErrChainLimit)

	m.failAccept(chain.ErrInsufficientFee)
	_, err = w.CreateTransaction(recipients, nil)
	require.ErrorIs(t, err, ErrFeePolicy)

	m.failAccept(chain.ErrMempoolConflict)
	_, err = w.CreateTransaction(recipients, nil)
	require.Error(t, err)

	// Rejection released the reservations: the same coins and the same
	// change key fund the next attempt.
	m.failAccept(nil)
	created, err := w.CreateTransaction(recipients, nil)
	require.NoError(t, err)
	requireBalanced(t, created)
	w.ReleaseTx(created)

	// A duplicate already known to the backend is not an error.
	m.failAccept(chain.ErrAlreadyInMempool)
	created, err = w.CreateTransaction(recipients, nil)
	require.NoError(t, err)
	w.ReleaseTx(created)
}

func TestCommitTransaction(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	created, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 10e6},
	}, nil)
	require.NoError(t, err)

	txHash, err := w.CommitTransaction(created, "rent")
	require.NoError(t, err)
	require.Equal(t, created.Tx.TxHash(), *txHash)

	// The transaction was handed to the backend and recorded as our own
	// unconfirmed spend.
	require.Equal(t, 1, m.sentCount())
	require.Equal(t, *txHash, m.lastSent().TxHash())

	rec := w.txStore.TxRecord(txHash)
	require.NotNil(t, rec)
	require.True(t, rec.FromMe)
	require.True(t, rec.InMempool)

	label, err := w.TransactionLabel(*txHash)
	require.NoError(t, err)
	require.Equal(t, "rent", label)

	// The change is immediately part of the zero-conf balance.
	balance, err := w.SpendableBalance(0)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1e8)-10e6-created.Fee, balance)
}

func TestCommitTransactionBroadcastFailure(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	created, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 10e6},
	}, nil)
	require.NoError(t, err)

	// A relay failure keeps the transaction for rebroadcast instead of
	// failing the commit.
	m.failBroadcast(created.Tx.TxHash(), chain.ErrMempoolConflict)
	txHash, err := w.CommitTransaction(created, "")
	require.NoError(t, err)
	require.Zero(t, m.sentCount())

	rec := w.txStore.TxRecord(txHash)
	require.NotNil(t, rec)
	require.False(t, rec.InMempool)

	// A backend already holding the transaction counts as success.
	mineToWallet(t, w, m, 50e6)
	created2, err := w.CreateTransaction([]Recipient{
		{PkScript: externalScript(t, 0x22), Amount: 5e6},
	}, nil)
	require.NoError(t, err)
	m.failBroadcast(created2.Tx.TxHash(), chain.ErrAlreadyInMempool)
	txHash2, err := w.CommitTransaction(created2, "")
	require.NoError(t, err)
	require.True(t, w.txStore.TxRecord(txHash2).InMempool)
}

// TestReleaseTx checks that releasing an uncommitted transaction returns the
// reserved change key to the pool, so the next build reuses it.
func TestReleaseTx(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)
	recipients := []Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 10e6},
	}

	created, err := w.CreateTransaction(recipients, nil)
	require.NoError(t, err)
	require.NotEqual(t, -1, created.ChangeIndex)
	firstChange := created.Tx.TxOut[created.ChangeIndex].PkScript

	w.ReleaseTx(created)
	w.ReleaseTx(created) // releasing twice is harmless

	created, err = w.CreateTransaction(recipients, nil)
	require.NoError(t, err)
	require.Equal(t, firstChange,
		created.Tx.TxOut[created.ChangeIndex].PkScript)
	w.ReleaseTx(created)
}

func TestSendOutputs(t *testing.T) {
	t.Parallel()

	w, m := testWallet(t)
	mineToWallet(t, w, m, 1e8)

	txHash, err := w.SendOutputs([]Recipient{
		{PkScript: externalScript(t, 0x11), Amount: 25e6},
	}, nil, "groceries")
	require.NoError(t, err)

	require.Equal(t, 1, m.sentCount())
	require.Equal(t, 2, w.txStore.Count())

	label, err := w.TransactionLabel(*txHash)
	require.NoError(t, err)
	require.Equal(t, "groceries", label)

	rec := w.txStore.TxRecord(txHash)
	require.NotNil(t, rec)
	fee := btcutil.Amount(1e8) - 25e6 -
		w.txStore.Change(rec)
	require.Positive(t, fee)
}
