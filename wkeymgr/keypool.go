// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
)

// PoolEntry is a pre-generated key waiting in one of the two keypools.
type PoolEntry struct {
	// Index is the pool sequence number of the entry.  Pool indexes are
	// shared between both pools and entries are reserved oldest first.
	Index uint64

	// Created is when the key was generated.
	Created time.Time

	// Key is the derived key the entry wraps.
	Key *ManagedKey
}

// poolBucket returns the bucket the branch's pool entries are stored in.
func poolBucket(branch uint32) []byte {
	if branch == InternalBranch {
		return bucketPoolInternal
	}
	return bucketPoolExternal
}

// branchOf maps the internal flag of a request to its branch number.
func branchOf(internal bool) uint32 {
	if internal {
		return InternalBranch
	}
	return ExternalBranch
}

// TopUp generates keys until both pools hold target entries.  Every new
// entry is persisted before it becomes reservable.  A zero target selects
// the configured pool size.
func (m *Manager) TopUp(ns walletdb.ReadWriteBucket, target uint32) error {
	if target == 0 {
		target = m.poolSize
	}

	var added int
	for branch := uint32(0); branch < 2; branch++ {
		for uint32(len(m.pools[branch])) < target {
			key, err := m.deriveNextKey(ns, branch)
			if err != nil {
				return err
			}

			entry := &PoolEntry{
				Index:   m.nextPool,
				Created: m.clock.Now(),
				Key:     key,
			}
			err = putPoolEntry(
				ns, poolBucket(branch), entry.Index,
				entry.Created, key.hdIndex,
				key.PubKey.SerializeCompressed(),
			)
			if err != nil {
				return err
			}

			m.nextPool++
			m.pools[branch] = append(m.pools[branch], entry)
			m.poolIndexes[key.Addr.EncodeAddress()] = entry.Index
			added++
		}
	}

	if added > 0 {
		log.Debugf("Keypool grew by %d to %d+%d entries", added,
			len(m.pools[ExternalBranch]),
			len(m.pools[InternalBranch]))
	}
	return nil
}

// Reserve pops the oldest entry from the chosen pool without touching the
// database.  The caller owns the reservation and must finish it with Keep
// once the key is committed to, or Return to hand it back.
func (m *Manager) Reserve(internal bool) (*PoolEntry, error) {
	branch := branchOf(internal)
	pool := m.pools[branch]
	if len(pool) == 0 {
		return nil, ErrKeypoolExhausted
	}

	entry := pool[0]
	m.pools[branch] = pool[1:]
	m.reserved[entry.Index] = entry
	delete(m.poolIndexes, entry.Key.Addr.EncodeAddress())

	log.Debugf("Reserved keypool entry %d", entry.Index)
	return entry, nil
}

// Keep finishes a reservation by consuming the key.  The pool record is
// erased and the key will never be handed out again.
func (m *Manager) Keep(ns walletdb.ReadWriteBucket, index uint64) error {
	entry, ok := m.reserved[index]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotReserved, index)
	}

	branch := branchOf(entry.Key.Internal)
	if err := deletePoolEntry(ns, poolBucket(branch), index); err != nil {
		return err
	}
	delete(m.reserved, index)

	log.Debugf("Kept keypool entry %d", index)
	return nil
}

// Return finishes a reservation by making the entry reservable again.  The
// entry rejoins the pool at its original position in the reserve order.
func (m *Manager) Return(index uint64) error {
	entry, ok := m.reserved[index]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotReserved, index)
	}
	delete(m.reserved, index)

	branch := branchOf(entry.Key.Internal)
	pool := m.pools[branch]

	at := sort.Search(len(pool), func(i int) bool {
		return pool[i].Index > entry.Index
	})
	pool = append(pool, nil)
	copy(pool[at+1:], pool[at:])
	pool[at] = entry
	m.pools[branch] = pool

	m.poolIndexes[entry.Key.Addr.EncodeAddress()] = entry.Index

	log.Debugf("Returned keypool entry %d", index)
	return nil
}

// PoolIndex returns the pool index of an address that is currently
// waiting in one of the pools.
func (m *Manager) PoolIndex(addr btcutil.Address) (uint64, bool) {
	index, ok := m.poolIndexes[addr.EncodeAddress()]
	return index, ok
}

// MarkUsedThrough erases every entry up to and including index from the
// pool the index belongs to, and tops the pool back up.  It is called when
// a pool key is seen used on chain without having been reserved, which
// happens when the wallet runs from a restored backup whose pool was
// partially consumed by a newer copy.  All earlier entries of that pool
// must be presumed used as well.
func (m *Manager) MarkUsedThrough(ns walletdb.ReadWriteBucket,
	index uint64) error {

	branch, ok := m.branchForPoolIndex(index)
	if !ok {
		// The entry was already consumed, which happens when a block
		// is processed again after a restart.
		log.Debugf("Pool index %d already consumed", index)
		return nil
	}

	pool := m.pools[branch]
	var used int
	for used < len(pool) && pool[used].Index <= index {
		entry := pool[used]
		err := deletePoolEntry(ns, poolBucket(branch), entry.Index)
		if err != nil {
			return err
		}
		delete(m.poolIndexes, entry.Key.Addr.EncodeAddress())
		used++
	}
	m.pools[branch] = pool[used:]

	if used > 0 {
		log.Infof("Marked %d keypool entries used through index %d",
			used, index)
	}

	// Losing entries shrinks the lookahead a restored backup relies on,
	// so refill immediately.  A failed top-up does not undo the erasure.
	if err := m.TopUp(ns, 0); err != nil {
		log.Warnf("Unable to top up keypool: %v", err)
	}
	return nil
}

// branchForPoolIndex locates the pool or reservation holding index.
func (m *Manager) branchForPoolIndex(index uint64) (uint32, bool) {
	if entry, ok := m.reserved[index]; ok {
		return branchOf(entry.Key.Internal), true
	}
	for branch := uint32(0); branch < 2; branch++ {
		for _, entry := range m.pools[branch] {
			if entry.Index == index {
				return branch, true
			}
		}
	}
	return 0, false
}

// GetKeyFromPool serves a key for immediate use.  The pool is topped up
// first, then the oldest entry is reserved and kept in one step.  When the
// pool cannot serve, the key is derived directly so a full keypool is
// never a prerequisite for handing out an address.
func (m *Manager) GetKeyFromPool(ns walletdb.ReadWriteBucket,
	internal bool) (*ManagedKey, error) {

	if err := m.TopUp(ns, 0); err != nil {
		log.Warnf("Unable to top up keypool: %v", err)
	}

	entry, err := m.Reserve(internal)
	if errors.Is(err, ErrKeypoolExhausted) {
		return m.deriveNextKey(ns, branchOf(internal))
	}
	if err != nil {
		return nil, err
	}

	if err := m.Keep(ns, entry.Index); err != nil {
		return nil, err
	}
	return entry.Key, nil
}
