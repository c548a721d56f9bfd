// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

// cacheableBlock wraps a block so the lru cache can weigh entries by their
// serialized size.
type cacheableBlock struct {
	*btcutil.Block
}

// Size returns the serialized size of the block in bytes.
//
// NOTE: implements the cache.Value interface.
func (c *cacheableBlock) Size() (uint64, error) {
	return uint64(c.MsgBlock().SerializeSize()), nil
}

// blockCache keeps recently fetched blocks in memory so that repeated reads
// of the same block, such as during a rescan of adjacent addresses, do not
// each round trip to the backend.  Eviction is by total serialized size.
type blockCache struct {
	blocks *lru.Cache[chainhash.Hash, *cacheableBlock]
}

// newBlockCache creates a block cache holding at most capacity bytes of
// serialized blocks.
func newBlockCache(capacity uint64) *blockCache {
	return &blockCache{
		blocks: lru.NewCache[chainhash.Hash, *cacheableBlock](
			capacity,
		),
	}
}

// fetchBlock returns the block with the given hash, consulting the cache
// before falling back to the fetch closure.  Blocks fetched from the backend
// are stored for later reads.
//
// Concurrent calls for the same uncached hash may each hit the backend.  The
// duplicate stores are harmless as both hold the same block.
func (bc *blockCache) fetchBlock(hash *chainhash.Hash,
	fetch func(*chainhash.Hash) (*wire.MsgBlock, error)) (*wire.MsgBlock,
	error) {

	cached, err := bc.blocks.Get(*hash)
	if err != nil && !errors.Is(err, cache.ErrElementNotFound) {
		return nil, err
	}
	if cached != nil {
		return cached.MsgBlock(), nil
	}

	block, err := fetch(hash)
	if err != nil {
		return nil, err
	}

	_, err = bc.blocks.Put(*hash, &cacheableBlock{
		Block: btcutil.NewBlock(block),
	})
	if err != nil {
		return nil, err
	}

	return block, nil
}

// len returns the number of blocks currently cached.
func (bc *blockCache) len() int {
	return bc.blocks.Len()
}
