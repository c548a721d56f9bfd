// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

// Naming
//
// The following variables are commonly used in this file and given
// reserved names:
//
//   ns: The namespace bucket for this package
//   k:  A single bucket key
//   v:  A single bucket value
//
// Functions use the naming scheme `Op[Raw]Type[Field]`, which performs the
// operation `Op` on the type `Type`.  The following operations are used:
//
//   key:    return a db key for some data
//   value:  return a db value for some data
//   put:    insert or replace a value into a bucket
//   fetch:  read and return a value
//   read:   read a value into an out parameter
//   delete: remove a k/v pair

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

// This package makes assumptions that the width of a chainhash.Hash is always
// 32 bytes.  If this is ever changed (unlikely for bitcoin, possible for
// alts), offsets have to be rewritten.  Use a compile-time assertion that this
// assumption holds true.
var _ [32]byte = chainhash.Hash{}

// LatestVersion is the most recent key manager version.
const LatestVersion = 1

// Bucket names
var (
	bucketPoolExternal = []byte("poolext")
	bucketPoolInternal = []byte("poolint")
	bucketWatchOnly    = []byte("watchonly")
)

// Root (namespace) bucket keys
var (
	rootCreateDate   = []byte("date")
	rootVersion      = []byte("vers")
	rootHDChain      = []byte("hdchain")
	rootMasterKey    = []byte("masterkey")
	rootSyncedTo     = []byte("syncedto")
	rootStartBlock   = []byte("startblock")
	rootRecentBlocks = []byte("recent")
)

// The hd chain state records how far each branch has been derived.  It is
// serialized as:
//
//   [0:4]  Master key fingerprint (4 bytes)
//   [4:8]  External branch child count (4 bytes)
//   [8:12] Internal branch child count (4 bytes)

func putHDChain(ns walletdb.ReadWriteBucket, fingerprint uint32,
	externalCount, internalCount uint32) error {

	v := make([]byte, 12)
	byteOrder.PutUint32(v[0:4], fingerprint)
	byteOrder.PutUint32(v[4:8], externalCount)
	byteOrder.PutUint32(v[8:12], internalCount)

	if err := ns.Put(rootHDChain, v); err != nil {
		return fmt.Errorf("failed to store hd chain state: %w", err)
	}
	return nil
}

func fetchHDChain(ns walletdb.ReadBucket) (uint32, uint32, uint32, error) {
	v := ns.Get(rootHDChain)
	if len(v) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: malformed hd chain state",
			ErrCorrupt)
	}
	return byteOrder.Uint32(v[0:4]), byteOrder.Uint32(v[4:8]),
		byteOrder.Uint32(v[8:12]), nil
}

// The master key is stored in its serialized extended key form.

func putMasterKey(ns walletdb.ReadWriteBucket, serialized string) error {
	if err := ns.Put(rootMasterKey, []byte(serialized)); err != nil {
		return fmt.Errorf("failed to store master key: %w", err)
	}
	return nil
}

func fetchMasterKey(ns walletdb.ReadBucket) (string, error) {
	v := ns.Get(rootMasterKey)
	if len(v) == 0 {
		return "", fmt.Errorf("%w: missing master key", ErrCorrupt)
	}
	return string(v), nil
}

// Pool entries are keyed by their pool index so that cursor scans iterate
// from the oldest to the newest entry.  The value is serialized as:
//
//   [0:8]   Creation unix time (8 bytes)
//   [8:12]  HD child index on the branch (4 bytes)
//   [12:45] Compressed public key (33 bytes)
//
// The branch is implied by the bucket the entry is stored in.

type rawPoolEntry struct {
	created time.Time
	hdIndex uint32
	pubKey  []byte
}

func keyPoolEntry(index uint64) []byte {
	k := make([]byte, 8)
	byteOrder.PutUint64(k, index)
	return k
}

func putPoolEntry(ns walletdb.ReadWriteBucket, bucket []byte, index uint64,
	created time.Time, hdIndex uint32, pubKey []byte) error {

	if len(pubKey) != 33 {
		return fmt.Errorf("%w: unexpected public key length %d",
			ErrCorrupt, len(pubKey))
	}

	v := make([]byte, 45)
	byteOrder.PutUint64(v[0:8], uint64(created.Unix()))
	byteOrder.PutUint32(v[8:12], hdIndex)
	copy(v[12:45], pubKey)

	err := ns.NestedReadWriteBucket(bucket).Put(keyPoolEntry(index), v)
	if err != nil {
		return fmt.Errorf("failed to store pool entry %d: %w", index,
			err)
	}
	return nil
}

func readRawPoolEntry(k, v []byte, index *uint64, entry *rawPoolEntry) error {
	if len(k) != 8 {
		return fmt.Errorf("%w: malformed pool entry key", ErrCorrupt)
	}
	if len(v) != 45 {
		return fmt.Errorf("%w: short read for pool entry (expected "+
			"45 bytes, read %d)", ErrCorrupt, len(v))
	}

	*index = byteOrder.Uint64(k)
	entry.created = time.Unix(int64(byteOrder.Uint64(v[0:8])), 0)
	entry.hdIndex = byteOrder.Uint32(v[8:12])
	entry.pubKey = v[12:45]
	return nil
}

func deletePoolEntry(ns walletdb.ReadWriteBucket, bucket []byte,
	index uint64) error {

	err := ns.NestedReadWriteBucket(bucket).Delete(keyPoolEntry(index))
	if err != nil {
		return fmt.Errorf("failed to delete pool entry %d: %w", index,
			err)
	}
	return nil
}

// Block stamps are serialized as:
//
//   [0:4]   Block height (4 bytes)
//   [4:36]  Block hash (32 bytes)
//   [36:44] Header unix time (8 bytes)

func putBlockStamp(ns walletdb.ReadWriteBucket, k []byte,
	bs *BlockStamp) error {

	v := make([]byte, 44)
	byteOrder.PutUint32(v[0:4], uint32(bs.Height))
	copy(v[4:36], bs.Hash[:])
	byteOrder.PutUint64(v[36:44], uint64(bs.Timestamp.Unix()))

	if err := ns.Put(k, v); err != nil {
		return fmt.Errorf("failed to store block stamp: %w", err)
	}
	return nil
}

func fetchBlockStamp(ns walletdb.ReadBucket, k []byte) (*BlockStamp, error) {
	v := ns.Get(k)
	if len(v) != 44 {
		return nil, fmt.Errorf("%w: malformed block stamp", ErrCorrupt)
	}

	bs := &BlockStamp{
		Height:    int32(byteOrder.Uint32(v[0:4])),
		Timestamp: time.Unix(int64(byteOrder.Uint64(v[36:44])), 0),
	}
	copy(bs.Hash[:], v[4:36])
	return bs, nil
}

// The recently seen block hashes are kept in one record so a single read
// restores the rollback history.  The value is the height of the newest
// hash followed by the hashes from oldest to newest:
//
//   [0:4] Height of the last hash (4 bytes)
//   [4:]  Block hashes (32 bytes each)

func putRecentBlocks(ns walletdb.ReadWriteBucket, recentHeight int32,
	recentHashes []chainhash.Hash) error {

	v := make([]byte, 4+32*len(recentHashes))
	byteOrder.PutUint32(v[0:4], uint32(recentHeight))
	for i := range recentHashes {
		copy(v[4+32*i:], recentHashes[i][:])
	}

	if err := ns.Put(rootRecentBlocks, v); err != nil {
		return fmt.Errorf("failed to store recent blocks: %w", err)
	}
	return nil
}

func fetchRecentBlocks(ns walletdb.ReadBucket) (int32, []chainhash.Hash,
	error) {

	v := ns.Get(rootRecentBlocks)
	if len(v) < 4 || (len(v)-4)%32 != 0 {
		return 0, nil, fmt.Errorf("%w: malformed recent blocks record",
			ErrCorrupt)
	}

	recentHeight := int32(byteOrder.Uint32(v[0:4]))
	recentHashes := make([]chainhash.Hash, (len(v)-4)/32)
	for i := range recentHashes {
		copy(recentHashes[i][:], v[4+32*i:])
	}
	return recentHeight, recentHashes, nil
}

// Watch-only addresses are keyed by their encoded address string.  The
// value is the unix time the address was imported.

func putWatchOnly(ns walletdb.ReadWriteBucket, addr string,
	imported time.Time) error {

	v := make([]byte, 8)
	byteOrder.PutUint64(v, uint64(imported.Unix()))

	err := ns.NestedReadWriteBucket(bucketWatchOnly).Put([]byte(addr), v)
	if err != nil {
		return fmt.Errorf("failed to store watch-only address %v: %w",
			addr, err)
	}
	return nil
}

func forEachWatchOnly(ns walletdb.ReadBucket,
	f func(addr string, imported time.Time) error) error {

	return ns.NestedReadBucket(bucketWatchOnly).ForEach(
		func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("%w: malformed watch-only "+
					"record for %s", ErrCorrupt, k)
			}
			imported := time.Unix(int64(byteOrder.Uint64(v)), 0)
			return f(string(k), imported)
		},
	)
}

// createManager creates the key manager (with the latest version) in the
// passed namespace.  If a manager already exists, ErrAlreadyExists is
// returned.
func createManager(ns walletdb.ReadWriteBucket) error {
	// Ensure that nothing currently exists in the namespace bucket.
	ck, cv := ns.ReadCursor().First()
	if ck != nil || cv != nil {
		return ErrAlreadyExists
	}

	v := make([]byte, 4)
	byteOrder.PutUint32(v, LatestVersion)
	if err := ns.Put(rootVersion, v); err != nil {
		return fmt.Errorf("failed to store version: %w", err)
	}

	v = make([]byte, 8)
	byteOrder.PutUint64(v, uint64(time.Now().Unix()))
	if err := ns.Put(rootCreateDate, v); err != nil {
		return fmt.Errorf("failed to store database creation time: %w",
			err)
	}

	if _, err := ns.CreateBucket(bucketPoolExternal); err != nil {
		return fmt.Errorf("failed to create poolext bucket: %w", err)
	}
	if _, err := ns.CreateBucket(bucketPoolInternal); err != nil {
		return fmt.Errorf("failed to create poolint bucket: %w", err)
	}
	if _, err := ns.CreateBucket(bucketWatchOnly); err != nil {
		return fmt.Errorf("failed to create watchonly bucket: %w", err)
	}
	return nil
}

// openManager checks that the key manager exists in the namespace and is a
// version this package understands.
func openManager(ns walletdb.ReadBucket) error {
	v := ns.Get(rootVersion)
	if len(v) != 4 {
		return ErrNoExist
	}
	if version := byteOrder.Uint32(v); version != LatestVersion {
		return fmt.Errorf("%w: recorded version %d is not the latest "+
			"understood version %d", ErrUnknownVersion, version,
			LatestVersion)
	}
	return nil
}
