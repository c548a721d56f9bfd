// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
)

// FundPsbt funds the outputs of a partially signed transaction packet,
// selecting wallet inputs and adding a change output as necessary, and
// attaches the metadata an external signer needs for the added inputs.
// Inputs already present in the packet are treated as mandatory.
//
// The selected outpoints are locked and the derived change key is kept
// permanently, since signing and broadcast happen outside the wallet's
// control.  A caller abandoning the packet must unlock the inputs again.
// The index of the change output is returned, or -1 when none was added.
func (w *Wallet) FundPsbt(packet *psbt.Packet, cc *CoinControl) (int32, error) {
	if packet.UnsignedTx == nil || len(packet.UnsignedTx.TxOut) == 0 {
		return 0, fmt.Errorf("%w: packet must contain at least one "+
			"output", ErrInvalidRecipient)
	}
	if len(packet.Inputs) != len(packet.UnsignedTx.TxIn) ||
		len(packet.Outputs) != len(packet.UnsignedTx.TxOut) {

		return 0, errors.New("invalid packet: metadata does not " +
			"match the unsigned transaction")
	}

	recipients := make([]Recipient, len(packet.UnsignedTx.TxOut))
	for i, out := range packet.UnsignedTx.TxOut {
		recipients[i] = Recipient{
			PkScript: out.PkScript,
			Amount:   btcutil.Amount(out.Value),
		}
	}

	var control CoinControl
	if cc != nil {
		control = *cc
	}
	presets := make([]wire.OutPoint, 0,
		len(control.PresetInputs)+len(packet.UnsignedTx.TxIn))
	presets = append(presets, control.PresetInputs...)
	for _, in := range packet.UnsignedTx.TxIn {
		presets = append(presets, in.PreviousOutPoint)
	}
	control.PresetInputs = presets

	created, err := w.createUnsignedTransaction(recipients, &control)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.decoratePacket(packet, created); err != nil {
		if created.hasReserved {
			if rerr := w.keyMgr.Return(created.reservedKey); rerr != nil {
				log.Errorf("Unable to return change key %d: %v",
					created.reservedKey, rerr)
			}
			created.hasReserved = false
		}
		return 0, err
	}

	if created.hasReserved {
		err := walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
			kns := dbtx.ReadWriteBucket(wkeymgrNamespaceKey)
			return w.keyMgr.Keep(kns, created.reservedKey)
		})
		if err != nil {
			return 0, err
		}
		created.hasReserved = false
	}
	for i := range created.coins {
		w.lockedOutpoints[created.coins[i].OutPoint] = struct{}{}
	}

	return int32(created.ChangeIndex), nil
}

// decoratePacket replaces the packet's skeleton with the funded transaction
// and fills in the metadata known to the wallet.  The wallet mutex must be
// held.
func (w *Wallet) decoratePacket(packet *psbt.Packet, created *CreatedTx) error {
	funded, err := psbt.NewFromUnsignedTx(created.Tx)
	if err != nil {
		return err
	}

	for i := range funded.Inputs {
		funded.Inputs[i].WitnessUtxo = &wire.TxOut{
			Value:    int64(created.PrevValues[i]),
			PkScript: created.PrevScripts[i],
		}
		funded.Inputs[i].SighashType = txscript.SigHashAll

		derivation, ok := w.bip32Derivation(created.PrevScripts[i])
		if ok {
			funded.Inputs[i].Bip32Derivation =
				[]*psbt.Bip32Derivation{derivation}
		}
	}
	for i, out := range funded.UnsignedTx.TxOut {
		derivation, ok := w.bip32Derivation(out.PkScript)
		if ok {
			funded.Outputs[i].Bip32Derivation =
				[]*psbt.Bip32Derivation{derivation}
		}
	}

	packet.UnsignedTx = funded.UnsignedTx
	packet.Inputs = funded.Inputs
	packet.Outputs = funded.Outputs
	return nil
}

// bip32Derivation builds the signer derivation metadata for an output
// script paying one of the wallet's derived keys.
func (w *Wallet) bip32Derivation(pkScript []byte) (*psbt.Bip32Derivation,
	bool) {

	addr := w.scriptAddress(pkScript)
	if addr == nil {
		return nil, false
	}
	path, ok := w.keyMgr.DerivationPath(addr)
	if !ok {
		return nil, false
	}
	pubKey, ok := w.keyMgr.PubKey(addr)
	if !ok {
		return nil, false
	}

	return &psbt.Bip32Derivation{
		PubKey:               pubKey.SerializeCompressed(),
		MasterKeyFingerprint: w.keyMgr.Fingerprint(),
		Bip32Path:            path,
	}, true
}
