// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/corewallet/chain"
	"github.com/btcsuite/corewallet/wkeymgr"
	"github.com/btcsuite/corewallet/wtxstore"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// maxStandardTxVirtualSize is the largest virtual size of a transaction
// relay nodes consider standard.
const maxStandardTxVirtualSize = 100000

// CreatedTx is a signed transaction built by CreateTransaction that has not
// yet been committed to the transaction store.  Callers must either commit
// or release it so the reserved change key is not leaked.
type CreatedTx struct {
	// Tx is the signed transaction.
	Tx *wire.MsgTx

	// Fee is the total fee the transaction pays.
	Fee btcutil.Amount

	// ChangeIndex is the output index of the change output, or -1 when
	// the transaction has none.
	ChangeIndex int

	// TotalInput is the summed value of the spent outputs.
	TotalInput btcutil.Amount

	// PrevScripts and PrevValues describe the output spent by each
	// input, in input order.
	PrevScripts [][]byte
	PrevValues  []btcutil.Amount

	coins       []Coin
	reservedKey uint64
	hasReserved bool
}

// txBuildResult carries an unsigned transaction out of the fee loop.
type txBuildResult struct {
	tx          *wire.MsgTx
	fee         btcutil.Amount
	changeIndex int
	totalInput  btcutil.Amount
	selected    []Coin
}

// CreateTransaction builds and signs a transaction paying the recipients,
// selecting inputs from the wallet's spendable outputs and deriving a fresh
// internal change output unless the coin control overrides either.  The
// returned transaction is fully signed and verified but is neither stored
// nor broadcast until CommitTransaction.
func (w *Wallet) CreateTransaction(recipients []Recipient,
	cc *CoinControl) (*CreatedTx, error) {

	created, err := w.createUnsignedTransaction(recipients, cc)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	err = txauthor.AddAllInputScripts(created.Tx, created.PrevScripts,
		created.PrevValues, w.keyMgr)
	if err == nil {
		err = validateMsgTx(created.Tx, created.PrevScripts,
			created.PrevValues)
	}
	w.mu.Unlock()
	if err != nil {
		w.ReleaseTx(created)
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	// Run the backend's mempool acceptance checks so policy rejections
	// surface now rather than at broadcast.  A transaction the backend
	// already knows passes trivially.
	err = w.chainClient.TestAccept(created.Tx)
	switch {
	case err == nil,
		errors.Is(err, chain.ErrAlreadyInMempool),
		errors.Is(err, chain.ErrAlreadyConfirmed):

		return created, nil

	case errors.Is(err, chain.ErrTooLongMempoolChain):
		w.ReleaseTx(created)
		return nil, fmt.Errorf("%w: %v", ErrChainLimit, err)

	case errors.Is(err, chain.ErrInsufficientFee):
		w.ReleaseTx(created)
		return nil, fmt.Errorf("%w: %v", ErrFeePolicy, err)

	default:
		w.ReleaseTx(created)
		return nil, fmt.Errorf("transaction rejected by the mempool: %w",
			err)
	}
}

// SendOutputs creates, signs and commits a transaction paying the
// recipients.  It is a convenience wrapper around CreateTransaction and
// CommitTransaction.
func (w *Wallet) SendOutputs(recipients []Recipient, cc *CoinControl,
	label string) (*chainhash.Hash, error) {

	created, err := w.CreateTransaction(recipients, cc)
	if err != nil {
		return nil, err
	}
	return w.CommitTransaction(created, label)
}

// createUnsignedTransaction runs coin selection and the fee loop, returning
// an unsigned transaction with a change key reserved when change was added.
// Chain queries are made without the wallet mutex held, against a snapshot
// of the spendable outputs.
func (w *Wallet) createUnsignedTransaction(recipients []Recipient,
	cc *CoinControl) (*CreatedTx, error) {

	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: transaction must have at least "+
			"one recipient", ErrInvalidRecipient)
	}
	for i := range recipients {
		if recipients[i].Amount < 0 {
			return nil, fmt.Errorf("%w: output %d: amounts must "+
				"not be negative", ErrInvalidRecipient, i)
		}
		if len(recipients[i].PkScript) == 0 {
			return nil, fmt.Errorf("%w: output %d: missing "+
				"output script", ErrInvalidRecipient, i)
		}
	}
	if cc == nil {
		cc = &CoinControl{}
	}

	// Snapshot the spendable outputs at the current sync height.
	w.mu.Lock()
	tip := w.keyMgr.SyncedTo().Height
	filter := &CoinFilter{
		SafeOnly: !cc.AllowUnsafe,
		MinDepth: cc.MinDepth,
		MaxDepth: cc.MaxDepth,
	}
	candidates, err := w.availableCoins(filter, tip)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	presets, err := w.resolvePresetInputs(cc.PresetInputs, tip)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	w.mu.Unlock()

	candidates = excludeCoins(candidates, presets)
	return w.assembleTransaction(recipients, cc, candidates, presets, tip)
}

// assembleTransaction resolves the fee rate and mempool chain lengths off
// the snapshot, then builds the transaction under the wallet mutex.
func (w *Wallet) assembleTransaction(recipients []Recipient,
	cc *CoinControl, candidates, presets []Coin,
	tip int32) (*CreatedTx, error) {

	feeRate, err := w.resolveFeeRate(cc)
	if err != nil {
		return nil, err
	}
	w.annotateAncestry(candidates)
	w.annotateAncestry(presets)

	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		changeScript []byte
		reserved     *wkeymgr.PoolEntry
	)
	if cc.ChangeAddress != nil {
		changeScript, err = txscript.PayToAddrScript(cc.ChangeAddress)
		if err != nil {
			return nil, err
		}
	} else {
		// Top up the pool in its own database transaction so derived
		// keys stay persisted even when construction fails.  Running
		// dry here is not fatal while reserve entries remain.
		upErr := walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
			ns := dbtx.ReadWriteBucket(wkeymgrNamespaceKey)
			return w.keyMgr.TopUp(ns, 0)
		})
		if upErr != nil {
			log.Warnf("Unable to top up the key pool: %v", upErr)
		}
		reserved, err = w.keyMgr.Reserve(true)
		if err != nil {
			return nil, err
		}
		changeScript, err = txscript.PayToAddrScript(reserved.Key.Addr)
		if err != nil {
			if rerr := w.keyMgr.Return(reserved.Index); rerr != nil {
				log.Errorf("Unable to return change key %d: %v",
					reserved.Index, rerr)
			}
			return nil, err
		}
	}

	signalRBF := w.policy.SignalRBF
	if cc.SignalRBF != nil {
		signalRBF = *cc.SignalRBF
	}

	res, err := w.buildTransaction(recipients, candidates, presets,
		changeScript, feeRate, cc.ChangePosition, signalRBF, tip)
	if err != nil {
		if reserved != nil {
			if rerr := w.keyMgr.Return(reserved.Index); rerr != nil {
				log.Errorf("Unable to return change key %d: %v",
					reserved.Index, rerr)
			}
		}
		return nil, err
	}

	created := &CreatedTx{
		Tx:          res.tx,
		Fee:         res.fee,
		ChangeIndex: res.changeIndex,
		TotalInput:  res.totalInput,
		PrevScripts: make([][]byte, len(res.selected)),
		PrevValues:  make([]btcutil.Amount, len(res.selected)),
		coins:       res.selected,
	}
	for i := range res.selected {
		created.PrevScripts[i] = res.selected[i].Output.PkScript
		created.PrevValues[i] = btcutil.Amount(res.selected[i].Output.Value)
	}

	switch {
	case reserved == nil:

	case res.changeIndex == -1:
		// No change output made it into the transaction.
		if rerr := w.keyMgr.Return(reserved.Index); rerr != nil {
			log.Errorf("Unable to return change key %d: %v",
				reserved.Index, rerr)
		}

	default:
		created.reservedKey = reserved.Index
		created.hasReserved = true
	}
	return created, nil
}

// buildTransaction is the fee loop.  Each pass lays out the recipient
// outputs with any fee subtraction applied, selects inputs covering the
// target plus the running fee, places change, and estimates the fee the
// resulting size requires.  The loop exits once the included fee covers the
// required fee, bleeding any overshoot back into the change output.
//
// It must be called with the wallet mutex held and performs no database or
// chain access.
func (w *Wallet) buildTransaction(recipients []Recipient, candidates,
	presets []Coin, changeScript []byte, feeRate btcutil.Amount,
	changePos *int, signalRBF bool, tip int32) (*txBuildResult, error) {

	var (
		target    btcutil.Amount
		nSubtract int64
	)
	for i := range recipients {
		target += recipients[i].Amount
		if recipients[i].SubtractFee {
			nSubtract++
		}
	}

	changeDust := dustThreshold(len(changeScript), w.policy.RelayFeePerKB)
	lockTime := lockTimeForNewTransaction(tip)

	var (
		feeRet      btcutil.Amount
		selected    []Coin
		totalInput  btcutil.Amount
		changeIndex int
		size        int
		txNew       *wire.MsgTx
		pickNew     = true
	)
	for {
		txNew = wire.NewMsgTx(wire.TxVersion)
		txNew.LockTime = lockTime
		changeIndex = -1

		toSelect := target
		if nSubtract == 0 {
			toSelect += feeRet
		}

		first := true
		for i := range recipients {
			out := wire.NewTxOut(int64(recipients[i].Amount),
				recipients[i].PkScript)
			if recipients[i].SubtractFee {
				out.Value -= int64(feeRet / btcutil.Amount(nSubtract))
				if first {
					first = false
					out.Value -= int64(feeRet % btcutil.Amount(nSubtract))
				}
			}
			if btcutil.Amount(out.Value) < dustThreshold(
				len(out.PkScript), w.policy.RelayFeePerKB) {

				if recipients[i].SubtractFee && feeRet > 0 {
					if out.Value < 0 {
						return nil, fmt.Errorf("%w: the "+
							"transaction amount is too "+
							"small to pay the fee",
							ErrDustOutput)
					}
					return nil, fmt.Errorf("%w: the "+
						"transaction amount is too small "+
						"to send after the fee has been "+
						"deducted", ErrDustOutput)
				}
				return nil, fmt.Errorf("%w: transaction amount "+
					"too small", ErrDustOutput)
			}
			txNew.AddTxOut(out)
		}

		if pickNew {
			var err error
			selected, totalInput, err = selectCoins(toSelect,
				candidates, presets, &w.policy)
			if err != nil {
				return nil, err
			}
		}

		if change := totalInput - toSelect; change > 0 {
			out := wire.NewTxOut(int64(change), changeScript)
			if change < changeDust {
				// Never create a dust change output, add the
				// value to the fee instead.
				feeRet += change
			} else {
				pos := rand.Intn(len(txNew.TxOut) + 1)
				if changePos != nil {
					pos = *changePos
					if pos < 0 || pos > len(txNew.TxOut) {
						return nil, errors.New(
							"change index out of range")
					}
				}
				txNew.TxOut = append(txNew.TxOut, nil)
				copy(txNew.TxOut[pos+1:], txNew.TxOut[pos:])
				txNew.TxOut[pos] = out
				changeIndex = pos
			}
		}

		// All selectable inputs spend P2WPKH outputs.
		size = txsizes.EstimateVirtualSize(0, 0, len(selected), 0,
			txNew.TxOut, 0)
		feeNeeded, err := w.feeForSize(feeRate, size)
		if err != nil {
			return nil, err
		}

		if feeRet >= feeNeeded {
			// The included fee may cover a change output that an
			// earlier, larger pass folded away.  Retry once with
			// the same inputs so the excess becomes change
			// instead of fee.
			if changeIndex == -1 && nSubtract == 0 && pickNew {
				sizeWithChange := size +
					txsizes.P2WPKHOutputSize + 2
				feeWithChange, err := w.feeForSize(feeRate,
					sizeWithChange)
				if err != nil {
					return nil, err
				}
				if feeRet >= feeWithChange+changeDust {
					pickNew = false
					feeRet = feeWithChange
					continue
				}
			}

			// Bleed any excess fee back into the change output.
			if feeRet > feeNeeded && changeIndex != -1 &&
				nSubtract == 0 {

				extra := feeRet - feeNeeded
				txNew.TxOut[changeIndex].Value += int64(extra)
				feeRet -= extra
			}
			break
		} else if !pickNew {
			return nil, errors.New("fee and change calculation failed")
		}

		// Shrink the change output to cover the shortfall when enough
		// of it would remain.
		if changeIndex != -1 && nSubtract == 0 {
			additional := feeNeeded - feeRet
			remaining := btcutil.Amount(txNew.TxOut[changeIndex].Value)
			if remaining >= w.policy.minFinalChange()+additional {
				txNew.TxOut[changeIndex].Value -= int64(additional)
				feeRet += additional
				break
			}
		}

		// The required fee is now known exactly when it comes out of
		// the recipients, so the same inputs must suffice.
		if nSubtract > 0 {
			pickNew = false
		}

		feeRet = feeNeeded
	}

	sequence := uint32(wire.MaxTxInSequenceNum - 1)
	if signalRBF {
		sequence = wire.MaxTxInSequenceNum - 2
	}
	rand.Shuffle(len(selected), func(i, j int) {
		selected[i], selected[j] = selected[j], selected[i]
	})
	for i := range selected {
		txNew.AddTxIn(&wire.TxIn{
			PreviousOutPoint: selected[i].OutPoint,
			Sequence:         sequence,
		})
	}

	if size >= maxStandardTxVirtualSize {
		return nil, fmt.Errorf("%w: transaction too large", ErrFeePolicy)
	}
	if w.policy.RejectLongChains {
		for i := range selected {
			if selected[i].Depth != 0 {
				continue
			}
			if selected[i].Ancestors >= w.policy.LimitAncestors ||
				selected[i].Descendants >= w.policy.LimitDescendants {

				return nil, ErrChainLimit
			}
		}
	}

	log.Infof("Constructed transaction spending %d inputs, fee %v, "+
		"size %d vB", len(selected), feeRet, size)

	return &txBuildResult{
		tx:          txNew,
		fee:         feeRet,
		changeIndex: changeIndex,
		totalInput:  totalInput,
		selected:    selected,
	}, nil
}

// resolvePresetInputs turns mandatory outpoints into coins.  Unlike
// ordinary candidates, preset inputs skip the safety and depth filters, but
// they must still be unspent, mature and signable.  The wallet mutex must
// be held.
func (w *Wallet) resolvePresetInputs(ops []wire.OutPoint, tip int32) ([]Coin,
	error) {

	if len(ops) == 0 {
		return nil, nil
	}

	coins := make([]Coin, 0, len(ops))
	seen := fn.NewSet[wire.OutPoint]()
	for _, op := range ops {
		if seen.Contains(op) {
			continue
		}
		seen.Add(op)

		rec := w.txStore.TxRecord(&op.Hash)
		if rec == nil || op.Index >= uint32(len(rec.MsgTx.TxOut)) {
			return nil, fmt.Errorf("%w: preset input %v is not a "+
				"wallet output", ErrInsufficientFunds, op)
		}
		depth := rec.Depth(tip)
		if depth < 0 || (depth == 0 && !rec.InMempool) {
			return nil, fmt.Errorf("%w: preset input %v is not "+
				"spendable", ErrInsufficientFunds, op)
		}
		if w.txStore.BlocksToMaturity(rec, tip) > 0 {
			return nil, fmt.Errorf("%w: preset input %v is an "+
				"immature coinbase output", ErrInsufficientFunds,
				op)
		}
		if w.txStore.IsSpent(op, tip) {
			return nil, fmt.Errorf("%w: preset input %v is already "+
				"spent", ErrInsufficientFunds, op)
		}
		out := rec.MsgTx.TxOut[op.Index]
		level := w.classifier.MineLevel(out.PkScript)
		if level&wtxstore.MineSpendable == 0 {
			return nil, fmt.Errorf("%w: preset input %v is not "+
				"controlled by the wallet", ErrInsufficientFunds,
				op)
		}

		coins = append(coins, Coin{
			OutPoint: op,
			Output:   *out,
			Depth:    depth,
			FromMe:   w.txStore.Debit(rec, wtxstore.MineAll) > 0,
			Safe: w.txStore.IsTrusted(rec, tip,
				w.policy.SpendZeroConf),
			Spendable: true,
		})
	}
	return coins, nil
}

// excludeCoins removes the preset outpoints from the candidate set so coin
// selection never counts an output twice.
func excludeCoins(candidates, presets []Coin) []Coin {
	if len(presets) == 0 {
		return candidates
	}
	exclude := fn.NewSet[wire.OutPoint]()
	for i := range presets {
		exclude.Add(presets[i].OutPoint)
	}
	filtered := candidates[:0]
	for _, c := range candidates {
		if !exclude.Contains(c.OutPoint) {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// resolveFeeRate determines the fee rate for a new transaction: an explicit
// coin control rate when given, otherwise the chain backend's estimate for
// the confirmation target, otherwise the policy fallback rate.  The result
// is floored at the relay rate and rejected above the policy maximum.
func (w *Wallet) resolveFeeRate(cc *CoinControl) (btcutil.Amount, error) {
	feeRate := cc.FeeRatePerKB
	if feeRate == 0 {
		confTarget := cc.ConfTarget
		if confTarget == 0 {
			confTarget = w.policy.ConfTarget
		}
		estimated, err := w.chainClient.EstimateFeePerKB(confTarget)
		if err != nil {
			log.Warnf("Fee estimation for target %d failed: %v",
				confTarget, err)
		}
		feeRate = estimated
		if feeRate == 0 {
			feeRate = w.policy.FallbackFeePerKB
		}
	}
	if feeRate < w.policy.RelayFeePerKB {
		feeRate = w.policy.RelayFeePerKB
	}
	if feeRate > w.policy.MaxFeePerKB {
		return 0, fmt.Errorf("%w: fee rate %v exceeds maximum %v",
			ErrFeePolicy, feeRate, w.policy.MaxFeePerKB)
	}
	return feeRate, nil
}

// feeForSize returns the fee required for a transaction of the given
// virtual size, capped at the policy's absolute maximum.  An error is
// returned when the capped fee no longer meets the relay rate, meaning the
// transaction cannot be made standard within policy.
func (w *Wallet) feeForSize(feeRate btcutil.Amount, size int) (btcutil.Amount,
	error) {

	fee := txrules.FeeForSerializeSize(feeRate, size)
	if fee > w.policy.MaxFeeAmount {
		fee = w.policy.MaxFeeAmount
	}
	if fee < txrules.FeeForSerializeSize(w.policy.RelayFeePerKB, size) {
		return 0, fmt.Errorf("%w: transaction too large for fee policy",
			ErrFeePolicy)
	}
	return fee, nil
}

// annotateAncestry fills in the mempool chain counts of unconfirmed coins.
// Failed queries poison the counts so the affected coins only pass the
// unbounded selection tier.
func (w *Wallet) annotateAncestry(coins []Coin) {
	type chainCounts struct {
		ancestors   int64
		descendants int64
	}
	counts := make(map[chainhash.Hash]chainCounts)
	for i := range coins {
		if coins[i].Depth != 0 {
			continue
		}
		hash := coins[i].OutPoint.Hash
		c, ok := counts[hash]
		if !ok {
			a, d, err := w.chainClient.TransactionAncestry(&hash)
			if err != nil {
				log.Debugf("Unable to query mempool ancestry "+
					"of %v: %v", hash, err)
				a, d = math.MaxInt64, math.MaxInt64
			}
			c = chainCounts{ancestors: a, descendants: d}
			counts[hash] = c
		}
		coins[i].Ancestors = c.ancestors
		coins[i].Descendants = c.descendants
	}
}

// lockTimeForNewTransaction returns a locktime at or just below the current
// height so the transaction cannot be mined into an earlier block should a
// reorganization make that profitable.  Occasionally the locktime reaches
// further back so delayed transactions do not give away their creation
// time.
func lockTimeForNewTransaction(tipHeight int32) uint32 {
	lockTime := tipHeight
	if rand.Intn(10) == 0 {
		lockTime -= int32(rand.Intn(100))
	}
	if lockTime < 0 {
		lockTime = 0
	}
	return uint32(lockTime)
}

// dustThreshold returns the smallest amount an output of the given script
// size may carry without being dust at the relay rate.
func dustThreshold(scriptSize int, relayFeePerKB btcutil.Amount) btcutil.Amount {
	totalSize := 8 + wire.VarIntSerializeSize(uint64(scriptSize)) +
		scriptSize + 148
	return (relayFeePerKB*3*btcutil.Amount(totalSize) + 999) / 1000
}

// validateMsgTx verifies transaction input scripts for tx.  All previous
// output scripts from outputs redeemed by the transaction, in the same
// order they are spent, must be passed in the prevScripts slice.
func validateMsgTx(tx *wire.MsgTx, prevScripts [][]byte,
	inputValues []btcutil.Amount) error {

	inputFetcher, err := txauthor.TXPrevOutFetcher(
		tx, prevScripts, inputValues,
	)
	if err != nil {
		return err
	}

	hashCache := txscript.NewTxSigHashes(tx, inputFetcher)
	for i, prevScript := range prevScripts {
		vm, err := txscript.NewEngine(
			prevScript, tx, i, txscript.StandardVerifyFlags, nil,
			hashCache, int64(inputValues[i]), inputFetcher,
		)
		if err != nil {
			return fmt.Errorf("cannot create script engine: %s", err)
		}
		err = vm.Execute()
		if err != nil {
			return fmt.Errorf("cannot validate transaction: %s", err)
		}
	}
	return nil
}

// CommitTransaction stores a created transaction as wallet-originated,
// marks its reserved change key as used and hands the transaction to the
// chain backend for relay.  Broadcast failures other than policy rejections
// are not fatal: the transaction stays in the store and is retried by the
// background rebroadcaster.
func (w *Wallet) CommitTransaction(tx *CreatedTx, label string) (*chainhash.Hash,
	error) {

	w.mu.Lock()

	var rec *wtxstore.TxRecord
	err := walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
		if tx.hasReserved {
			kns := dbtx.ReadWriteBucket(wkeymgrNamespaceKey)
			err := w.keyMgr.Keep(kns, tx.reservedKey)
			if err != nil {
				return err
			}
		}

		rec = wtxstore.NewTxRecordFromMsgTx(tx.Tx, w.clock.Now())
		rec.FromMe = true
		if err := w.addRelevantTx(dbtx, rec, nil); err != nil {
			return err
		}
		if label == "" {
			return nil
		}
		tns := dbtx.ReadWriteBucket(wtxstoreNamespaceKey)
		return w.txStore.SetTxLabel(tns, rec.Hash, label)
	})
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	tx.hasReserved = false
	for i := range tx.coins {
		delete(w.lockedOutpoints, tx.coins[i].OutPoint)
	}
	w.mu.Unlock()

	txHash := rec.Hash
	err = w.chainClient.BroadcastTx(tx.Tx)
	switch {
	case err == nil, errors.Is(err, chain.ErrAlreadyInMempool):
		w.mu.Lock()
		rec.InMempool = true
		w.mu.Unlock()
		log.Debugf("Broadcast transaction %v", txHash)

	case errors.Is(err, chain.ErrAlreadyConfirmed):

	default:
		log.Warnf("Unable to broadcast transaction %v, kept for "+
			"rebroadcast: %v", txHash, err)
	}
	return &txHash, nil
}

// ReleaseTx releases the change key reserved for a created transaction that
// will not be committed.
func (w *Wallet) ReleaseTx(tx *CreatedTx) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !tx.hasReserved {
		return
	}
	if err := w.keyMgr.Return(tx.reservedKey); err != nil {
		log.Errorf("Unable to return change key %d: %v",
			tx.reservedKey, err)
	}
	tx.hasReserved = false
}
