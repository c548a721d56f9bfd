// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxstore

import (
	"bytes"
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

// LatestVersion is the most recent store version.
const LatestVersion = 1

// TxLabelLimit is the length limit we impose on transaction labels.
const TxLabelLimit = 500

// Bucket names
var (
	bucketTxRecords = []byte("txrecords")
	bucketTxLabels  = []byte("txlabels")
)

// Root (namespace) bucket keys
var (
	rootCreateDate = []byte("date")
	rootVersion    = []byte("vers")
)

// Record flag bits
const (
	flagFromMe     = 1 << 0
	flagReplaces   = 1 << 1
	flagReplacedBy = 1 << 2
)

// Transaction records are keyed by the transaction hash.  The value is
// serialized as:
//
//   [0:8]   Received unix time (8 bytes)
//   [8:16]  Smart unix time (8 bytes)
//   [16:24] Order position (8 bytes)
//   [24:56] Anchor block hash (32 bytes)
//   [56:60] Anchor block height (4 bytes)
//   [60:64] Index of the transaction in the anchor block (4 bytes)
//   [64]    Flags (1 byte)
//   [65:]   Optional replaces transaction hash (32 bytes)
//           Optional replaced-by transaction hash (32 bytes)
//           Transaction (varies)
//
// The anchor doubles as the record state.  An all-zero hash marks an
// unmined transaction, the abandoned sentinel hash marks an abandoned one,
// and an index of -1 under a real block hash marks a conflict with that
// block.

func valueTxRecord(rec *TxRecord) ([]byte, error) {
	size := 65
	if rec.ReplacesTx != nil {
		size += 32
	}
	if rec.ReplacedByTx != nil {
		size += 32
	}
	v := make([]byte, size, size+rec.MsgTx.SerializeSize())

	byteOrder.PutUint64(v[0:8], uint64(rec.Received.Unix()))
	byteOrder.PutUint64(v[8:16], uint64(rec.SmartTime.Unix()))
	byteOrder.PutUint64(v[16:24], rec.OrderPos)
	copy(v[24:56], rec.Anchor.Hash[:])
	byteOrder.PutUint32(v[56:60], uint32(rec.Anchor.Height))
	byteOrder.PutUint32(v[60:64], uint32(rec.AnchorIndex))

	var flags byte
	if rec.FromMe {
		flags |= flagFromMe
	}
	if rec.ReplacesTx != nil {
		flags |= flagReplaces
	}
	if rec.ReplacedByTx != nil {
		flags |= flagReplacedBy
	}
	v[64] = flags

	offset := 65
	if rec.ReplacesTx != nil {
		copy(v[offset:offset+32], rec.ReplacesTx[:])
		offset += 32
	}
	if rec.ReplacedByTx != nil {
		copy(v[offset:offset+32], rec.ReplacedByTx[:])
	}

	buf := bytes.NewBuffer(v)
	err := rec.MsgTx.Serialize(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to serialize transaction %v",
			ErrCorrupt, rec.Hash)
	}
	return buf.Bytes(), nil
}

func putTxRecord(ns walletdb.ReadWriteBucket, rec *TxRecord) error {
	v, err := valueTxRecord(rec)
	if err != nil {
		return err
	}
	err = ns.NestedReadWriteBucket(bucketTxRecords).Put(rec.Hash[:], v)
	if err != nil {
		return fmt.Errorf("failed to store transaction %v: %w",
			rec.Hash, err)
	}
	return nil
}

func readRawTxRecord(txHash *chainhash.Hash, v []byte, rec *TxRecord) error {
	if len(v) < 65 {
		return fmt.Errorf("%w: short read for transaction record %v "+
			"(expected at least 65 bytes, read %d)", ErrCorrupt,
			txHash, len(v))
	}

	rec.Hash = *txHash
	rec.Received = time.Unix(int64(byteOrder.Uint64(v[0:8])), 0)
	rec.SmartTime = time.Unix(int64(byteOrder.Uint64(v[8:16])), 0)
	rec.OrderPos = byteOrder.Uint64(v[16:24])
	copy(rec.Anchor.Hash[:], v[24:56])
	rec.Anchor.Height = int32(byteOrder.Uint32(v[56:60]))
	rec.AnchorIndex = int32(byteOrder.Uint32(v[60:64]))

	flags := v[64]
	rec.FromMe = flags&flagFromMe != 0

	offset := 65
	if flags&flagReplaces != 0 {
		if len(v) < offset+32 {
			return fmt.Errorf("%w: short read for replaces hash "+
				"of transaction record %v", ErrCorrupt, txHash)
		}
		rec.ReplacesTx = new(chainhash.Hash)
		copy(rec.ReplacesTx[:], v[offset:offset+32])
		offset += 32
	}
	if flags&flagReplacedBy != 0 {
		if len(v) < offset+32 {
			return fmt.Errorf("%w: short read for replaced-by "+
				"hash of transaction record %v", ErrCorrupt,
				txHash)
		}
		rec.ReplacedByTx = new(chainhash.Hash)
		copy(rec.ReplacedByTx[:], v[offset:offset+32])
		offset += 32
	}

	err := rec.MsgTx.Deserialize(bytes.NewReader(v[offset:]))
	if err != nil {
		return fmt.Errorf("%w: failed to deserialize transaction "+
			"record %v: %v", ErrCorrupt, txHash, err)
	}
	return nil
}

func deleteTxRecord(ns walletdb.ReadWriteBucket, txHash *chainhash.Hash) error {
	err := ns.NestedReadWriteBucket(bucketTxRecords).Delete(txHash[:])
	if err != nil {
		return fmt.Errorf("failed to delete transaction %v: %w",
			txHash, err)
	}
	return nil
}

// Transaction labels are stored in their own bucket, keyed by the
// transaction hash.  The value is a uint16 length prefix followed by the
// label itself.

func putTxLabel(ns walletdb.ReadWriteBucket, txHash chainhash.Hash,
	label string) error {

	if len(label) == 0 {
		return ErrEmptyLabel
	}
	if len(label) > TxLabelLimit {
		return ErrLabelTooLong
	}

	v := make([]byte, 2+len(label))
	byteOrder.PutUint16(v[0:2], uint16(len(label)))
	copy(v[2:], label)

	err := ns.NestedReadWriteBucket(bucketTxLabels).Put(txHash[:], v)
	if err != nil {
		return fmt.Errorf("failed to store label for transaction "+
			"%v: %w", txHash, err)
	}
	return nil
}

func fetchTxLabel(ns walletdb.ReadBucket, txHash chainhash.Hash) (string,
	error) {

	v := ns.NestedReadBucket(bucketTxLabels).Get(txHash[:])
	if v == nil {
		return "", ErrNoLabel
	}
	if len(v) < 2 {
		return "", fmt.Errorf("%w: short read for label of "+
			"transaction %v", ErrCorrupt, txHash)
	}
	labelLen := int(byteOrder.Uint16(v[0:2]))
	if len(v) != 2+labelLen {
		return "", fmt.Errorf("%w: label length mismatch for "+
			"transaction %v", ErrCorrupt, txHash)
	}
	return string(v[2:]), nil
}

func deleteTxLabel(ns walletdb.ReadWriteBucket, txHash chainhash.Hash) error {
	return ns.NestedReadWriteBucket(bucketTxLabels).Delete(txHash[:])
}

// createStore creates the tx store (with the latest db version) in the
// passed namespace.  If a store already exists, ErrAlreadyExists is returned.
func createStore(ns walletdb.ReadWriteBucket) error {
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

	if _, err := ns.CreateBucket(bucketTxRecords); err != nil {
		return fmt.Errorf("failed to create txrecords bucket: %w", err)
	}
	if _, err := ns.CreateBucket(bucketTxLabels); err != nil {
		return fmt.Errorf("failed to create txlabels bucket: %w", err)
	}
	return nil
}

// openStore checks that the store exists in the namespace and is a version
// this package understands.
func openStore(ns walletdb.ReadBucket) error {
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
