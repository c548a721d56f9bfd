// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/corewallet/wkeymgr"
	"github.com/btcsuite/corewallet/wtxstore"
	"golang.org/x/sync/errgroup"
)

// rescanPrefetchDepth is how many blocks the rescan fetcher may run ahead
// of the scanner.
const rescanPrefetchDepth = 16

// scannedBlock pairs a fetched block with its chain location.
type scannedBlock struct {
	meta  wtxstore.BlockMeta
	block *wire.MsgBlock
}

// RescanFromHeight scans the main chain from the given height through the
// backend's current best block, recording any relevant transactions found
// along the way.  Blocks are fetched concurrently with scanning.  The scan
// ends early without error when the wallet shuts down or AbortRescan is
// called.
func (w *Wallet) RescanFromHeight(startHeight int32) error {
	best, err := w.chainClient.BestBlock()
	if err != nil {
		return err
	}
	if startHeight > best.Height {
		return nil
	}

	log.Infof("Started rescan of %d blocks from height %d",
		best.Height-startHeight+1, startHeight)

	blocks := make(chan scannedBlock, rescanPrefetchDepth)
	g, gctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		defer close(blocks)
		for height := startHeight; height <= best.Height; height++ {
			if w.rescanAbort.Load() || w.ShuttingDown() {
				return nil
			}
			hash, err := w.chainClient.GetBlockHash(int64(height))
			if err != nil {
				return err
			}
			block, err := w.chainClient.GetBlock(hash)
			if err != nil {
				return err
			}

			sb := scannedBlock{
				meta: wtxstore.BlockMeta{
					Block: wtxstore.Block{
						Hash:   *hash,
						Height: height,
					},
					Time: block.Header.Timestamp,
				},
				block: block,
			}
			select {
			case blocks <- sb:
			case <-gctx.Done():
				return gctx.Err()
			case <-w.quitChan():
				return nil
			}
		}
		return nil
	})

	g.Go(func() error {
		var scanned int
		for sb := range blocks {
			if w.rescanAbort.Load() {
				// Keep draining so the fetcher can exit.
				continue
			}
			if err := w.scanBlock(sb); err != nil {
				return err
			}
			scanned++
			if scanned%10000 == 0 {
				log.Infof("Rescanned through height %d",
					sb.meta.Height)
			}
		}
		log.Infof("Rescan finished, scanned %d blocks", scanned)
		return nil
	})

	return g.Wait()
}

// AbortRescan stops an in-progress rescan.  Blocks already recorded stay
// recorded; the scan simply does not advance further.
func (w *Wallet) AbortRescan() {
	w.rescanAbort.Store(true)
}

// scanBlock records a rescanned block's relevant transactions.  The sync
// stamp advances only when the block directly extends it, so rescanning old
// history never moves the sync mark backwards.
func (w *Wallet) scanBlock(sb scannedBlock) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
		if w.keyMgr.SyncedTo().Height+1 == sb.meta.Height {
			kns := dbtx.ReadWriteBucket(wkeymgrNamespaceKey)
			bs := wkeymgr.BlockStamp{
				Height:    sb.meta.Height,
				Hash:      sb.meta.Hash,
				Timestamp: sb.meta.Time,
			}
			if err := w.keyMgr.SetSyncedTo(kns, &bs); err != nil {
				return err
			}
		}

		for i, tx := range sb.block.Transactions {
			if !w.txRelevant(tx) {
				continue
			}
			rec := wtxstore.NewTxRecordFromMsgTx(tx, sb.meta.Time)
			inc := &wtxstore.Incidence{
				BlockMeta: sb.meta,
				TxIndex:   int32(i),
			}
			if err := w.addRelevantTx(dbtx, rec, inc); err != nil {
				return err
			}
		}
		return nil
	})
}
