// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/corewallet/wkeymgr"
	"github.com/btcsuite/corewallet/wtxstore"
)

// defaultBlockCacheCapacity bounds the total size of cached blocks when the
// caller does not configure a capacity.
const defaultBlockCacheCapacity uint64 = 20 * 1024 * 1024 // 20 MB

// RPCClientConfig defines the config options used when initializing the RPC
// client.
type RPCClientConfig struct {
	// Conn describes the connection configuration parameters for the
	// client.
	Conn *rpcclient.ConnConfig

	// Chain defines the bitcoin network by its parameters.
	Chain *chaincfg.Params

	// ReconnectAttempts defines the number of retries (each after an
	// increasing backoff) if the connection can not be established.
	ReconnectAttempts int

	// BlockCacheCapacity bounds the total serialized size of blocks kept
	// in memory for repeated fetches.  Zero selects a default.
	BlockCacheCapacity uint64
}

// validate checks the required config options are set.
func (c *RPCClientConfig) validate() error {
	if c == nil {
		return errors.New("missing rpc config")
	}
	if c.ReconnectAttempts < 0 {
		return errors.New("reconnectAttempts must be positive")
	}
	if c.Chain == nil {
		return errors.New("missing chain params config")
	}
	if c.Conn == nil {
		return errors.New("missing conn config")
	}

	// If TLS is in use, the remote RPC certificate must be provided.
	if !c.Conn.DisableTLS && c.Conn.Certificates == nil {
		return errors.New("must provide certs when TLS is enabled")
	}
	return nil
}

// RPCClient represents a persistent client connection to a bitcoin RPC
// server for information regarding the current best block chain.
type RPCClient struct {
	*rpcclient.Client
	connConfig        *rpcclient.ConnConfig // Work around unexported field
	chainParams       *chaincfg.Params
	reconnectAttempts int

	blockCache *blockCache

	enqueueNotification chan interface{}
	dequeueNotification chan interface{}
	currentBlock        chan *wkeymgr.BlockStamp

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	quitMtx sync.Mutex
}

// A compile-time check to ensure that RPCClient satisfies the Interface
// interface.
var _ Interface = (*RPCClient)(nil)

// NewRPCClient creates a client connection to the server based on the
// config options supplied.
//
// The connection is not established immediately, but must be done using the
// Start method.  If the remote server does not operate on the same bitcoin
// network as described by the passed chain parameters, the connection will
// be disconnected.
func NewRPCClient(cfg *RPCClientConfig) (*RPCClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Conn.DisableAutoReconnect = false
	cfg.Conn.DisableConnectOnNew = true

	capacity := cfg.BlockCacheCapacity
	if capacity == 0 {
		capacity = defaultBlockCacheCapacity
	}

	client := &RPCClient{
		connConfig:          cfg.Conn,
		chainParams:         cfg.Chain,
		reconnectAttempts:   cfg.ReconnectAttempts,
		blockCache:          newBlockCache(capacity),
		enqueueNotification: make(chan interface{}),
		dequeueNotification: make(chan interface{}),
		currentBlock:        make(chan *wkeymgr.BlockStamp),
		quit:                make(chan struct{}),
	}
	ntfnCallbacks := &rpcclient.NotificationHandlers{
		OnClientConnected:   client.onClientConnect,
		OnBlockConnected:    client.onBlockConnected,
		OnBlockDisconnected: client.onBlockDisconnected,
		OnTxAcceptedVerbose: client.onTxAcceptedVerbose,
	}
	rpcClient, err := rpcclient.New(client.connConfig, ntfnCallbacks)
	if err != nil {
		return nil, err
	}
	client.Client = rpcClient
	return client, nil
}

// BackEnd returns the name of the driver.
func (c *RPCClient) BackEnd() string {
	return "btcd"
}

// Start attempts to establish a client connection with the remote server.
// If successful, handler goroutines are started to process notifications
// sent by the server.  After a limited number of connection attempts, this
// function gives up, and therefore will not block forever waiting for the
// connection to be established to a server that may not exist.
func (c *RPCClient) Start() error {
	err := c.Connect(c.reconnectAttempts)
	if err != nil {
		return err
	}

	// Verify that the server is running on the expected network.
	net, err := c.GetCurrentNet()
	if err != nil {
		c.Disconnect()
		return err
	}
	if net != c.chainParams.Net {
		c.Disconnect()
		return errors.New("mismatched networks")
	}

	// Subscribe to notifications about changes to the best chain and
	// transactions entering the mempool.
	if err := c.NotifyBlocks(); err != nil {
		c.Disconnect()
		return err
	}
	if err := c.NotifyNewTransactions(true); err != nil {
		c.Disconnect()
		return err
	}

	c.quitMtx.Lock()
	c.started = true
	c.quitMtx.Unlock()

	c.wg.Add(1)
	go c.handler()
	return nil
}

// Stop disconnects the client and signals the shutdown of all goroutines
// started by Start.
func (c *RPCClient) Stop() {
	c.quitMtx.Lock()
	select {
	case <-c.quit:
	default:
		close(c.quit)
		c.Client.Shutdown()

		if !c.started {
			close(c.dequeueNotification)
		}
	}
	c.quitMtx.Unlock()
}

// WaitForShutdown blocks until both the client has finished disconnecting
// and all handlers have exited.
func (c *RPCClient) WaitForShutdown() {
	c.Client.WaitForShutdown()
	c.wg.Wait()
}

// Notifications returns a channel of parsed notifications sent by the
// remote bitcoin RPC server.  This channel must be continually read or the
// process may abort for running out memory, as unread notifications are
// queued for later reads.
func (c *RPCClient) Notifications() <-chan interface{} {
	return c.dequeueNotification
}

// BlockStamp returns the latest block notified by the client, or an error
// if the client has been shut down.
func (c *RPCClient) BlockStamp() (*wkeymgr.BlockStamp, error) {
	select {
	case bs := <-c.currentBlock:
		return bs, nil
	case <-c.quit:
		return nil, errors.New("disconnected")
	}
}

// BestBlock queries the server for the stamp of the current chain tip.
func (c *RPCClient) BestBlock() (*wkeymgr.BlockStamp, error) {
	hash, height, err := c.GetBestBlock()
	if err != nil {
		return nil, err
	}
	header, err := c.GetBlockHeader(hash)
	if err != nil {
		return nil, err
	}
	return &wkeymgr.BlockStamp{
		Height:    height,
		Hash:      *hash,
		Timestamp: header.Timestamp,
	}, nil
}

// GetBlock returns the full block with the given hash, serving repeated
// fetches from an in-memory cache.
func (c *RPCClient) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	return c.blockCache.fetchBlock(hash, c.Client.GetBlock)
}

// GetBlockHeight returns the main chain height of the block with the given
// hash.
func (c *RPCClient) GetBlockHeight(hash *chainhash.Hash) (int32, error) {
	verbose, err := c.GetBlockVerbose(hash)
	if err != nil {
		return 0, err
	}
	return int32(verbose.Height), nil
}

// InMempool reports whether the backend mempool currently knows the
// transaction.
func (c *RPCClient) InMempool(txHash *chainhash.Hash) bool {
	_, err := c.GetMempoolEntry(txHash.String())
	return err == nil
}

// TransactionAncestry returns how many in-mempool ancestors and descendants
// a mempool transaction has, each count including the transaction itself.
// ErrNotInMempool is returned when the mempool does not know the
// transaction.
func (c *RPCClient) TransactionAncestry(txHash *chainhash.Hash) (int64,
	int64, error) {

	entry, err := c.GetMempoolEntry(txHash.String())
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotInMempool, err)
	}
	return entry.AncestorCount, entry.DescendantCount, nil
}

// TestAccept runs the backend's mempool acceptance checks against the
// transaction without broadcasting it.
func (c *RPCClient) TestAccept(tx *wire.MsgTx) error {
	results, err := c.TestMempoolAccept([]*wire.MsgTx{tx}, 0)
	if err != nil {
		return mapRPCErr(err)
	}
	if len(results) != 1 {
		return fmt.Errorf("%w: expected 1 acceptance result, got %d",
			ErrUndefined, len(results))
	}
	if !results[0].Allowed {
		return mapRejectReason(results[0].RejectReason)
	}
	return nil
}

// BroadcastTx submits the transaction to the backend for relay, mapping
// recognized rejection reasons to the sentinel errors of this package.
func (c *RPCClient) BroadcastTx(tx *wire.MsgTx) error {
	_, err := c.SendRawTransaction(tx, false)
	if err != nil {
		return mapRPCErr(err)
	}
	return nil
}

// EstimateFeePerKB returns the estimated fee rate in satoshis per 1000
// virtual bytes for confirmation within the target number of blocks.  A
// zero rate with a nil error means the backend has no estimate yet.
func (c *RPCClient) EstimateFeePerKB(confTarget int32) (btcutil.Amount,
	error) {

	result, err := c.EstimateSmartFee(
		int64(confTarget), &btcjson.EstimateModeConservative,
	)
	if err != nil {
		return 0, err
	}
	if result.FeeRate == nil || *result.FeeRate <= 0 {
		return 0, nil
	}
	return btcutil.NewAmount(*result.FeeRate)
}

func (c *RPCClient) onClientConnect() {
	select {
	case c.enqueueNotification <- ClientConnected{}:
	case <-c.quit:
	}
}

func (c *RPCClient) onBlockConnected(hash *chainhash.Hash, height int32,
	blkTime time.Time) {

	select {
	case c.enqueueNotification <- BlockConnected{
		Block: wtxstore.Block{
			Hash:   *hash,
			Height: height,
		},
		Time: blkTime,
	}:
	case <-c.quit:
	}
}

func (c *RPCClient) onBlockDisconnected(hash *chainhash.Hash, height int32,
	blkTime time.Time) {

	select {
	case c.enqueueNotification <- BlockDisconnected{
		Block: wtxstore.Block{
			Hash:   *hash,
			Height: height,
		},
		Time: blkTime,
	}:
	case <-c.quit:
	}
}

func (c *RPCClient) onTxAcceptedVerbose(txDetails *btcjson.TxRawResult) {
	rawTx, err := hex.DecodeString(txDetails.Hex)
	if err != nil {
		log.Errorf("Cannot decode accepted transaction %v: %v",
			txDetails.Txid, err)
		return
	}
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		log.Errorf("Cannot deserialize accepted transaction %v: %v",
			txDetails.Txid, err)
		return
	}

	select {
	case c.enqueueNotification <- TxAccepted{Tx: tx}:
	case <-c.quit:
	}
}

// handler maintains a queue of notifications and the current state (best
// block) of the chain.
func (c *RPCClient) handler() {
	bs, err := c.BestBlock()
	if err != nil {
		log.Errorf("Failed to receive best block from chain server: %v",
			err)
		c.Stop()
		c.wg.Done()
		return
	}

	// TODO: Rather than leaving this as an unbounded queue for all types
	// of notifications, try dropping ones where a later enqueued
	// notification can fully invalidate one waiting to be processed.  For
	// example, blockconnected notifications for greater block heights can
	// remove the need to process earlier blockconnected notifications
	// still waiting here.

	var notifications []interface{}
	enqueue := c.enqueueNotification
	var dequeue chan interface{}
	var next interface{}
out:
	for {
		select {
		case n, ok := <-enqueue:
			if !ok {
				// If no notifications are queued for handling,
				// the queue is finished.
				if len(notifications) == 0 {
					break out
				}
				// nil channel so no more reads can occur.
				enqueue = nil
				continue
			}
			if len(notifications) == 0 {
				next = n
				dequeue = c.dequeueNotification
			}
			notifications = append(notifications, n)

		case dequeue <- next:
			if n, ok := next.(BlockConnected); ok {
				bs = &wkeymgr.BlockStamp{
					Height:    n.Height,
					Hash:      n.Hash,
					Timestamp: n.Time,
				}
			}

			notifications[0] = nil
			notifications = notifications[1:]
			if len(notifications) != 0 {
				next = notifications[0]
			} else {
				// If no more notifications can be enqueued,
				// the queue is finished.
				if enqueue == nil {
					break out
				}
				dequeue = nil
			}

		case c.currentBlock <- bs:

		case <-c.quit:
			break out
		}
	}

	c.Stop()
	close(c.dequeueNotification)
	c.wg.Done()
}
