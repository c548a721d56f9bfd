// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxstore

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/clock"
)

// Block contains the minimum amount of data to uniquely identify any block on
// either the best or side chain.
type Block struct {
	Hash   chainhash.Hash
	Height int32
}

// BlockMeta contains the unique identification for a block and any metadata
// pertaining to the block.  At the moment, this additional metadata only
// includes the block time from the block header.
type BlockMeta struct {
	Block
	Time time.Time
}

// Incidence locates a mined transaction within a block.
type Incidence struct {
	BlockMeta

	// TxIndex is the position of the transaction within the block.
	TxIndex int32
}

// abandonedBlock is the sentinel anchor hash marking a transaction the
// wallet owner has given up on.  It can never match a real block hash.
var abandonedBlock = chainhash.Hash{0x01}

// smartTimeTolerance is how far a record's received time may lag behind the
// newest recorded transaction before that transaction is ignored when
// computing the smart time.
const smartTimeTolerance = 5 * time.Minute

// TxRecord represents a transaction managed by the Store.
//
// The anchor encodes the record state.  An unset anchor hash marks an
// unmined transaction, the abandoned sentinel marks an abandoned one, and
// an anchor index of -1 under a real block hash marks a conflict with a
// double spend mined in that block.
type TxRecord struct {
	MsgTx    wire.MsgTx
	Hash     chainhash.Hash
	Received time.Time

	// SmartTime is the best-effort ordering timestamp, derived from the
	// anchor block time, the received time, and the times of neighboring
	// records.
	SmartTime time.Time

	// OrderPos is the insertion order of the record.  It is assigned by
	// the store and never reused, even after records are dropped.
	OrderPos uint64

	// FromMe is set for transactions the wallet itself created.
	FromMe bool

	Anchor      Block
	AnchorIndex int32

	// ReplacesTx and ReplacedByTx link fee-bumped transactions to their
	// predecessors and successors.
	ReplacesTx   *chainhash.Hash
	ReplacedByTx *chainhash.Hash

	// Label is an optional caller-provided annotation.
	Label string

	// InMempool records whether the backend mempool currently knows the
	// transaction.  It is runtime state and is not serialized.
	InMempool bool

	cache [numCacheKinds]cacheEntry
}

// NewTxRecord creates a new transaction record that may be inserted into the
// store.  It uses memoization to save the transaction hash.
func NewTxRecord(serializedTx []byte, received time.Time) (*TxRecord, error) {
	rec := &TxRecord{
		Received:    received,
		AnchorIndex: -1,
	}
	err := rec.MsgTx.Deserialize(bytes.NewReader(serializedTx))
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w",
			err)
	}
	rec.Hash = rec.MsgTx.TxHash()
	return rec, nil
}

// NewTxRecordFromMsgTx creates a new transaction record that may be inserted
// into the store.
func NewTxRecordFromMsgTx(msgTx *wire.MsgTx, received time.Time) *TxRecord {
	return &TxRecord{
		MsgTx:       *msgTx,
		Hash:        msgTx.TxHash(),
		Received:    received,
		AnchorIndex: -1,
	}
}

// anchorUnset reports whether the record has no active block anchor, which
// is the case for both unmined and abandoned transactions.
func (rec *TxRecord) anchorUnset() bool {
	return rec.Anchor.Hash == (chainhash.Hash{}) ||
		rec.Anchor.Hash == abandonedBlock
}

// Abandoned reports whether the wallet owner has abandoned the transaction.
func (rec *TxRecord) Abandoned() bool {
	return rec.Anchor.Hash == abandonedBlock
}

// Confirmed reports whether the transaction is anchored in a block.
func (rec *TxRecord) Confirmed() bool {
	return !rec.anchorUnset() && rec.AnchorIndex >= 0
}

// Conflicted reports whether a double spend of the transaction's inputs was
// mined, displacing this record from the chain.
func (rec *TxRecord) Conflicted() bool {
	return !rec.anchorUnset() && rec.AnchorIndex < 0
}

// Unmined reports whether the record is neither mined nor conflicted.  This
// includes abandoned records.
func (rec *TxRecord) Unmined() bool {
	return rec.anchorUnset()
}

// Depth returns the number of confirmations of the record relative to the
// given chain tip.  Unmined and abandoned records have depth 0, and
// conflicted records report the negated depth of the conflicting block.
func (rec *TxRecord) Depth(tipHeight int32) int32 {
	if rec.anchorUnset() {
		return 0
	}
	confs := tipHeight - rec.Anchor.Height + 1
	if rec.AnchorIndex < 0 {
		return -confs
	}
	return confs
}

// InsertStatus describes the effect inserting a transaction record had on
// the store.
type InsertStatus uint8

const (
	// TxInserted indicates the transaction was not previously known.
	TxInserted InsertStatus = iota

	// TxMerged indicates an existing record was updated in place with
	// new details from the inserted record.
	TxMerged

	// TxUnchanged indicates the record added no new information.
	TxUnchanged
)

// Config holds the collaborators a Store consults when classifying outputs
// and stamping records.
type Config struct {
	// Classifier reports the wallet's interest in output scripts.
	Classifier OutputClassifier

	// Clock stamps records inserted without a received time.
	Clock clock.Clock

	// ChainParams describes the chain the stored transactions belong to.
	ChainParams *chaincfg.Params
}

// Store implements a transaction store for storing and managing wallet
// transactions.  All records are kept in memory and mirrored to a walletdb
// namespace on every mutation.
//
// The store performs no locking.  Callers must hold a single mutex across
// every method call, including reads.
type Store struct {
	classifier  OutputClassifier
	clock       clock.Clock
	chainParams *chaincfg.Params

	txs     map[chainhash.Hash]*TxRecord
	ordered []*TxRecord

	// spends indexes every previous outpoint spent by a stored
	// transaction, including outpoints not controlled by the wallet.
	// Conflicted and abandoned spenders remain indexed so that double
	// spends of the same output can be found.
	spends map[wire.OutPoint][]chainhash.Hash

	nextOrderPos uint64
}

// Create creates a new persistent transaction store in the walletdb
// namespace.  Creating the store when one already exists in this namespace
// will error with ErrAlreadyExists.
func Create(ns walletdb.ReadWriteBucket) error {
	return createStore(ns)
}

// Open opens the wallet transaction store from a walletdb namespace and
// loads every record into memory.  If the store does not exist, ErrNoExist
// is returned.
func Open(ns walletdb.ReadBucket, cfg *Config) (*Store, error) {
	if err := openStore(ns); err != nil {
		return nil, err
	}

	s := &Store{
		classifier:  cfg.Classifier,
		clock:       cfg.Clock,
		chainParams: cfg.ChainParams,
		txs:         make(map[chainhash.Hash]*TxRecord),
		spends:      make(map[wire.OutPoint][]chainhash.Hash),
	}
	if s.clock == nil {
		s.clock = clock.NewDefaultClock()
	}

	err := ns.NestedReadBucket(bucketTxRecords).ForEach(func(k,
		v []byte) error {

		if len(k) != 32 {
			return fmt.Errorf("%w: short transaction record key",
				ErrCorrupt)
		}
		var txHash chainhash.Hash
		copy(txHash[:], k)

		rec := new(TxRecord)
		if err := readRawTxRecord(&txHash, v, rec); err != nil {
			return err
		}
		s.txs[rec.Hash] = rec
		s.ordered = append(s.ordered, rec)
		if rec.OrderPos >= s.nextOrderPos {
			s.nextOrderPos = rec.OrderPos + 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(s.ordered, func(i, j int) bool {
		return s.ordered[i].OrderPos < s.ordered[j].OrderPos
	})
	for _, rec := range s.ordered {
		s.indexSpends(rec)
		if label, err := fetchTxLabel(ns, rec.Hash); err == nil {
			rec.Label = label
		}
	}

	log.Infof("Opened transaction store with %d transactions", len(s.txs))
	return s, nil
}

// InsertTx records a transaction in the store.  The incidence identifies
// the block the transaction was mined in and is nil for mempool
// transactions.  Inserting a hash the store already contains merges any new
// details into the existing record instead.
//
// When a mined transaction spends outputs that other stored records also
// spend, those double spends and their descendants are marked conflicted
// with the anchoring block.
func (s *Store) InsertTx(ns walletdb.ReadWriteBucket, rec *TxRecord,
	inc *Incidence, tipHeight int32) (InsertStatus, error) {

	// A transaction arriving in a block displaces all conflicting spends
	// of the same previous outputs before the record itself is added.
	if inc != nil {
		err := s.MarkDoubleSpends(ns, &rec.Hash, &rec.MsgTx, inc,
			tipHeight)
		if err != nil {
			return 0, err
		}
	}

	if existing, ok := s.txs[rec.Hash]; ok {
		return s.mergeTx(ns, existing, rec, inc)
	}

	if rec.Received.IsZero() {
		rec.Received = s.clock.Now()
	}
	if inc != nil {
		rec.Anchor = inc.Block
		rec.AnchorIndex = inc.TxIndex
		rec.InMempool = false
	} else {
		rec.Anchor = Block{}
		rec.AnchorIndex = -1
	}
	rec.SmartTime = s.smartTime(rec, inc)
	rec.OrderPos = s.nextOrderPos
	s.nextOrderPos++

	s.txs[rec.Hash] = rec
	s.ordered = append(s.ordered, rec)
	s.indexSpends(rec)
	s.markInputsDirty(rec)

	if err := putTxRecord(ns, rec); err != nil {
		return 0, err
	}

	if inc != nil {
		log.Debugf("Inserted transaction %v mined in block %d",
			rec.Hash, inc.Height)
	} else {
		log.Debugf("Inserted unconfirmed transaction %v", rec.Hash)
	}
	return TxInserted, nil
}

// mergeTx folds the details of a newly seen copy of a known transaction
// into the stored record.  The anchor is replaced whenever the new copy is
// mined in a different block or position, which also resurrects abandoned
// and conflicted records.  A witness serialization replaces a previously
// stored stripped one.
func (s *Store) mergeTx(ns walletdb.ReadWriteBucket, existing, rec *TxRecord,
	inc *Incidence) (InsertStatus, error) {

	updated := false

	if inc != nil && (existing.Anchor != inc.Block ||
		existing.AnchorIndex != inc.TxIndex) {

		existing.Anchor = inc.Block
		existing.AnchorIndex = inc.TxIndex
		existing.InMempool = false
		updated = true
	}

	// An abandoned transaction announced again without a block returns to
	// the ordinary unmined state.
	if inc == nil && existing.Abandoned() {
		existing.Anchor = Block{}
		existing.AnchorIndex = -1
		existing.InMempool = rec.InMempool
		updated = true
	}

	if rec.FromMe && !existing.FromMe {
		existing.FromMe = true
		updated = true
	}

	if !existing.MsgTx.HasWitness() && rec.MsgTx.HasWitness() {
		existing.MsgTx = rec.MsgTx
		updated = true
	}

	if !updated {
		return TxUnchanged, nil
	}

	existing.MarkDirty()
	s.markInputsDirty(existing)
	if err := putTxRecord(ns, existing); err != nil {
		return 0, err
	}

	log.Debugf("Merged details into transaction %v", existing.Hash)
	return TxMerged, nil
}

// indexSpends records every previous outpoint the transaction spends in the
// spend index, skipping duplicates from repeated opens or inserts.
func (s *Store) indexSpends(rec *TxRecord) {
	for _, input := range rec.MsgTx.TxIn {
		op := input.PreviousOutPoint
		spenders := s.spends[op]
		known := false
		for _, spender := range spenders {
			if spender == rec.Hash {
				known = true
				break
			}
		}
		if !known {
			s.spends[op] = append(spenders, rec.Hash)
		}
	}
}

// markInputsDirty invalidates the cached amounts of every stored
// transaction that funds rec, as the spend status of their outputs may have
// changed.
func (s *Store) markInputsDirty(rec *TxRecord) {
	for _, input := range rec.MsgTx.TxIn {
		prev, ok := s.txs[input.PreviousOutPoint.Hash]
		if ok {
			prev.MarkDirty()
		}
	}
}

// MarkDoubleSpends marks every stored transaction other than txHash that
// spends one of msgTx's previous outputs, along with all their descendant
// spends, as conflicted with the anchoring block.  The mined transaction
// itself need not be stored; a foreign double spend arriving in a block
// still displaces wallet records spending the same outputs.
func (s *Store) MarkDoubleSpends(ns walletdb.ReadWriteBucket,
	txHash *chainhash.Hash, msgTx *wire.MsgTx, inc *Incidence,
	tipHeight int32) error {

	for _, input := range msgTx.TxIn {
		for _, spender := range s.spends[input.PreviousOutPoint] {
			if spender == *txHash {
				continue
			}
			err := s.MarkConflicted(ns, tipHeight, inc.Block,
				&spender)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// smartTime derives the ordering timestamp for a newly inserted record.
// Unmined transactions use the received time directly.  Mined transactions
// use the block time, clamped below by the most recent plausible smart time
// already recorded and above by the received time, so that transactions
// found during rescans sort near their true age rather than the rescan
// time.
func (s *Store) smartTime(rec *TxRecord, inc *Incidence) time.Time {
	if inc == nil {
		return rec.Received
	}

	latestNow := rec.Received.Unix()
	latestTolerated := latestNow + int64(smartTimeTolerance.Seconds())

	// Walk the recorded transactions newest first and take the first
	// smart time that is not unreasonably far in the future.
	var latestEntry int64
	for i := len(s.ordered) - 1; i >= 0; i-- {
		prev := s.ordered[i]
		if prev == rec {
			continue
		}
		smart := prev.SmartTime.Unix()
		if prev.SmartTime.IsZero() {
			smart = prev.Received.Unix()
		}
		if smart <= latestTolerated {
			latestEntry = smart
			break
		}
	}

	best := inc.Time.Unix()
	if latestNow < best {
		best = latestNow
	}
	if latestEntry > best {
		best = latestEntry
	}
	return time.Unix(best, 0)
}

// Rollback unanchors every record mined or conflicted at or above the given
// height.  It is expected to be called on chain reorganizations, after
// which the affected transactions are treated as unmined again until they
// are seen in another block.
func (s *Store) Rollback(ns walletdb.ReadWriteBucket, height int32) error {
	var count int
	for _, rec := range s.ordered {
		if rec.anchorUnset() || rec.Anchor.Height < height {
			continue
		}

		rec.Anchor = Block{}
		rec.AnchorIndex = -1
		rec.MarkDirty()
		s.markInputsDirty(rec)
		if err := putTxRecord(ns, rec); err != nil {
			return err
		}
		count++
	}
	if count != 0 {
		log.Infof("Unanchored %d transactions during rollback to "+
			"height %d", count, height)
	}
	return nil
}

// DropTransactionHistory removes every transaction record and label from
// the store, leaving key material and store metadata untouched.  It is the
// recovery path for corrupted history; a rescan is required afterwards to
// restore records for mined transactions.
func (s *Store) DropTransactionHistory(ns walletdb.ReadWriteBucket) error {
	for _, bucket := range [][]byte{bucketTxRecords, bucketTxLabels} {
		if err := ns.DeleteNestedBucket(bucket); err != nil {
			return fmt.Errorf("failed to drop bucket %s: %w",
				bucket, err)
		}
		if _, err := ns.CreateBucket(bucket); err != nil {
			return fmt.Errorf("failed to recreate bucket %s: %w",
				bucket, err)
		}
	}

	dropped := len(s.txs)
	s.txs = make(map[chainhash.Hash]*TxRecord)
	s.ordered = nil
	s.spends = make(map[wire.OutPoint][]chainhash.Hash)
	s.nextOrderPos = 0

	log.Infof("Dropped %d transactions from the store", dropped)
	return nil
}

// RemoveTx erases a single transaction record and its label from the store,
// as if the transaction had never been seen.  Descendant spends are left in
// place; a rescan restores the record should the transaction be mined.
func (s *Store) RemoveTx(ns walletdb.ReadWriteBucket,
	txHash *chainhash.Hash) error {

	rec, ok := s.txs[*txHash]
	if !ok {
		return ErrUnknownTx
	}

	if err := deleteTxRecord(ns, txHash); err != nil {
		return err
	}
	if err := deleteTxLabel(ns, *txHash); err != nil {
		return err
	}

	delete(s.txs, *txHash)
	for i, ordered := range s.ordered {
		if ordered == rec {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			break
		}
	}
	for _, input := range rec.MsgTx.TxIn {
		op := input.PreviousOutPoint
		spenders := s.spends[op]
		for i, spender := range spenders {
			if spender == *txHash {
				s.spends[op] = append(spenders[:i],
					spenders[i+1:]...)
				break
			}
		}
	}
	s.markInputsDirty(rec)

	log.Infof("Removed transaction %v from the store", txHash)
	return nil
}

// SetTxLabel annotates a stored transaction with a caller-provided label.
// Labels are limited to TxLabelLimit bytes and may not be empty.
func (s *Store) SetTxLabel(ns walletdb.ReadWriteBucket,
	txHash chainhash.Hash, label string) error {

	rec, ok := s.txs[txHash]
	if !ok {
		return ErrUnknownTx
	}
	if err := putTxLabel(ns, txHash, label); err != nil {
		return err
	}
	rec.Label = label
	return nil
}

// TxLabel fetches the label for a stored transaction, or ErrNoLabel if the
// transaction has none.
func (s *Store) TxLabel(txHash chainhash.Hash) (string, error) {
	rec, ok := s.txs[txHash]
	if !ok {
		return "", ErrUnknownTx
	}
	if rec.Label == "" {
		return "", ErrNoLabel
	}
	return rec.Label, nil
}

// SetReplaces links a stored replacement transaction to the transaction it
// replaces, marking both records.
func (s *Store) SetReplaces(ns walletdb.ReadWriteBucket, txHash,
	replaced chainhash.Hash) error {

	rec, ok := s.txs[txHash]
	if !ok {
		return ErrUnknownTx
	}
	rec.ReplacesTx = &replaced
	if err := putTxRecord(ns, rec); err != nil {
		return err
	}

	// The replaced transaction may have already left the store.
	prev, ok := s.txs[replaced]
	if !ok {
		return nil
	}
	prev.ReplacedByTx = &txHash
	return putTxRecord(ns, prev)
}
