// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/corewallet/wkeymgr"
	"github.com/btcsuite/corewallet/wtxstore"
)

// ChainView provides read access to the best chain.
type ChainView interface {
	// BestBlock returns the stamp of the current chain tip.
	BestBlock() (*wkeymgr.BlockStamp, error)

	// GetBlockHash returns the hash of the main chain block at the given
	// height.
	GetBlockHash(height int64) (*chainhash.Hash, error)

	// GetBlock returns the full block with the given hash.
	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)

	// GetBlockHeight returns the main chain height of the block with the
	// given hash.
	GetBlockHeight(hash *chainhash.Hash) (int32, error)
}

// TxMempool provides visibility into the backend's transaction mempool.
type TxMempool interface {
	// InMempool reports whether the mempool currently knows the
	// transaction.
	InMempool(txHash *chainhash.Hash) bool

	// TransactionAncestry returns how many in-mempool ancestors and
	// descendants a mempool transaction has, each count including the
	// transaction itself.
	TransactionAncestry(txHash *chainhash.Hash) (ancestors,
		descendants int64, err error)

	// TestAccept runs the backend's mempool acceptance checks against
	// the transaction without broadcasting it.  A nil error means the
	// transaction would be accepted.
	TestAccept(tx *wire.MsgTx) error
}

// FeeEstimator estimates the fee rate required for confirmation within a
// target number of blocks.
type FeeEstimator interface {
	// EstimateFeePerKB returns the estimated fee rate in satoshis per
	// 1000 virtual bytes.  A zero rate with a nil error means the
	// backend has no estimate yet and the caller should fall back to a
	// configured rate.
	EstimateFeePerKB(confTarget int32) (btcutil.Amount, error)
}

// Broadcaster relays transactions to the network.
type Broadcaster interface {
	// BroadcastTx submits the transaction to the backend for relay.
	// Errors are mapped to the sentinel errors of this package where the
	// backend's rejection reason is recognized.
	BroadcastTx(tx *wire.MsgTx) error
}

// Interface combines the chain access surfaces a wallet consumes with the
// notification stream that keeps it synchronized.
type Interface interface {
	ChainView
	TxMempool
	FeeEstimator
	Broadcaster

	Start() error
	Stop()
	WaitForShutdown()

	// Notifications returns the channel the parsed chain notifications
	// defined in this package are delivered on.
	Notifications() <-chan interface{}

	// BlockStamp returns the latest block notified by the client, or an
	// error if the client has been shut down.
	BlockStamp() (*wkeymgr.BlockStamp, error)
}

// Notification types.  These are defined here and processed from reading a
// notification channel with a type switch.
type (
	// ClientConnected is a notification for when a client connection is
	// opened or reestablished to the chain server.
	ClientConnected struct{}

	// BlockConnected is a notification for a newly-attached block to the
	// best chain.
	BlockConnected wtxstore.BlockMeta

	// BlockDisconnected is a notification that the block described by the
	// BlockMeta was reorganized out of the best chain.
	BlockDisconnected wtxstore.BlockMeta

	// TxAccepted is a notification for a transaction accepted into the
	// backend mempool.
	TxAccepted struct {
		Tx *wire.MsgTx
	}
)
