// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

// maxRecentHashes is the maximum number of hashes to keep in history for
// the purposes of rollbacks.
const maxRecentHashes = 20

// BlockStamp defines a block (by height and a unique hash) and is used to
// mark a point in the blockchain that the key manager is synced to.
type BlockStamp struct {
	Height    int32
	Hash      chainhash.Hash
	Timestamp time.Time
}

// syncState houses the sync position of the manager.
type syncState struct {
	// startBlock is the first block that can be safely used to start a
	// rescan.
	startBlock BlockStamp

	// syncedTo is the current block the wallet is known to be synced
	// against.
	syncedTo BlockStamp

	// recentHeight is the height of the most recently seen block.
	recentHeight int32

	// recentHashes is a list of the last several seen block hashes,
	// newest last.
	recentHashes []chainhash.Hash
}

// SyncedTo returns details about the block height and hash that the
// manager is synced through at the very least.
func (m *Manager) SyncedTo() BlockStamp {
	return m.syncState.syncedTo
}

// StartBlock returns the earliest block a rescan ever needs to consider.
func (m *Manager) StartBlock() BlockStamp {
	return m.syncState.startBlock
}

// RecentBlockHash returns the remembered hash of a recently synced block,
// used to find the fork point after the wallet slept through a
// reorganization.
func (m *Manager) RecentBlockHash(height int32) (chainhash.Hash, bool) {
	s := &m.syncState
	offset := s.recentHeight - height
	if offset < 0 || int(offset) >= len(s.recentHashes) {
		return chainhash.Hash{}, false
	}
	return s.recentHashes[len(s.recentHashes)-1-int(offset)], true
}

// SetSyncedTo marks the manager to be in sync with the recently-seen block
// described by the blockstamp.  When the provided blockstamp is nil, the
// manager is rolled back to its start block, forcing the next rescan to
// cover the whole wallet history.
func (m *Manager) SetSyncedTo(ns walletdb.ReadWriteBucket,
	bs *BlockStamp) error {

	// Build the new recent history aside so the in-memory state is only
	// replaced once the update is written.
	recentHeight := m.syncState.recentHeight
	recentHashes := m.syncState.recentHashes

	switch {
	case bs == nil:
		// Roll back to the start block and forget the history.
		bs = &m.syncState.startBlock
		recentHeight = bs.Height
		recentHashes = nil

	case bs.Height < recentHeight:
		// A rollback.  When the stamped block is still remembered,
		// everything after it is dropped and the history stays
		// usable.  A deeper rollback restarts the history at the new
		// stamp.
		numHashes := len(recentHashes)
		idx := numHashes - 1 - int(recentHeight-bs.Height)
		recentHeight = bs.Height
		if idx >= 0 && recentHashes[idx] == bs.Hash {
			recentHashes = recentHashes[:idx]
		} else {
			recentHashes = nil
		}

	case bs.Height != recentHeight+1:
		// Not the next block in sequence, so the remembered history
		// no longer lines up with the stamp.
		recentHeight = bs.Height
		recentHashes = nil

	default:
		recentHeight = bs.Height
	}

	if len(recentHashes) == maxRecentHashes {
		fresh := make([]chainhash.Hash, maxRecentHashes)
		copy(fresh, recentHashes[1:])
		fresh[maxRecentHashes-1] = bs.Hash
		recentHashes = fresh
	} else {
		recentHashes = append(recentHashes, bs.Hash)
	}

	if err := putBlockStamp(ns, rootSyncedTo, bs); err != nil {
		return err
	}
	if err := putRecentBlocks(ns, recentHeight, recentHashes); err != nil {
		return err
	}

	m.syncState.syncedTo = *bs
	m.syncState.recentHeight = recentHeight
	m.syncState.recentHashes = recentHashes
	return nil
}
