// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// mockBlockSource hands out blocks by hash and counts how often it is asked.
type mockBlockSource struct {
	blocks    map[chainhash.Hash]*wire.MsgBlock
	callCount int
}

func newMockBlockSource() *mockBlockSource {
	return &mockBlockSource{
		blocks: make(map[chainhash.Hash]*wire.MsgBlock),
	}
}

func (m *mockBlockSource) addBlock(nonce uint32) (*wire.MsgBlock,
	chainhash.Hash) {

	block := &wire.MsgBlock{Header: wire.BlockHeader{Nonce: nonce}}
	hash := block.BlockHash()
	m.blocks[hash] = block
	return block, hash
}

func (m *mockBlockSource) getBlock(hash *chainhash.Hash) (*wire.MsgBlock,
	error) {

	m.callCount++

	block, ok := m.blocks[*hash]
	if !ok {
		return nil, errors.New("block not found")
	}
	return block, nil
}

// TestBlockCacheFetch checks that repeated fetches of the same block are
// served from the cache and that the least recently used block is evicted
// once the cache is at capacity.
func TestBlockCacheFetch(t *testing.T) {
	t.Parallel()

	src := newMockBlockSource()
	block1, hash1 := src.addBlock(1)
	_, hash2 := src.addBlock(2)
	_, hash3 := src.addBlock(3)

	// Size the cache to hold exactly two blocks.
	sz, err := (&cacheableBlock{
		Block: btcutil.NewBlock(block1),
	}).Size()
	require.NoError(t, err)
	require.Equal(t, uint64(block1.SerializeSize()), sz)

	bc := newBlockCache(2 * sz)
	require.Equal(t, 0, bc.len())

	// The first fetch of each block must hit the source.
	got, err := bc.fetchBlock(&hash1, src.getBlock)
	require.NoError(t, err)
	require.Equal(t, hash1, got.BlockHash())
	require.Equal(t, 1, src.callCount)
	require.Equal(t, 1, bc.len())

	_, err = bc.fetchBlock(&hash2, src.getBlock)
	require.NoError(t, err)
	require.Equal(t, 2, src.callCount)
	require.Equal(t, 2, bc.len())

	// A repeated fetch is served from the cache.
	got, err = bc.fetchBlock(&hash1, src.getBlock)
	require.NoError(t, err)
	require.Equal(t, hash1, got.BlockHash())
	require.Equal(t, 2, src.callCount)

	// The cache is full, so fetching a third block evicts the least
	// recently used one, which is block 2 after the read above.
	_, err = bc.fetchBlock(&hash3, src.getBlock)
	require.NoError(t, err)
	require.Equal(t, 3, src.callCount)
	require.Equal(t, 2, bc.len())

	_, err = bc.fetchBlock(&hash1, src.getBlock)
	require.NoError(t, err)
	require.Equal(t, 3, src.callCount)

	_, err = bc.fetchBlock(&hash2, src.getBlock)
	require.NoError(t, err)
	require.Equal(t, 4, src.callCount)
}

// TestBlockCacheFetchError checks that source failures are returned to the
// caller and nothing is cached.
func TestBlockCacheFetchError(t *testing.T) {
	t.Parallel()

	src := newMockBlockSource()
	bc := newBlockCache(defaultBlockCacheCapacity)

	var unknown chainhash.Hash
	unknown[0] = 0xff

	_, err := bc.fetchBlock(&unknown, src.getBlock)
	require.Error(t, err)
	require.Equal(t, 0, bc.len())
}
