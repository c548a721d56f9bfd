// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// ExternalBranch is the child number of the receiving branch.
	ExternalBranch uint32 = 0

	// InternalBranch is the child number of the change branch.
	InternalBranch uint32 = 1

	// accountNum is the hardened account every key descends from, making
	// the full derivation path m/0'/<branch>'/<index>'.
	accountNum uint32 = 0

	// DefaultPoolSize is the keypool target used when the config does
	// not override it.
	DefaultPoolSize uint32 = 1000

	// maxChildIndex is the highest hardened child index that can be
	// derived on a branch.
	maxChildIndex = hdkeychain.HardenedKeyStart - 1
)

// KeyLevel describes the manager's relationship to an address.
type KeyLevel uint8

const (
	// KeyNone means the address is not known to the manager.
	KeyNone KeyLevel = iota

	// KeyWatchOnly means the address was imported without its private
	// key.
	KeyWatchOnly

	// KeySpendable means the manager can produce the private key for
	// the address.
	KeySpendable
)

// ManagedKey is a key derived by the manager together with the
// pay-to-witness-pubkey-hash address it is handed out as.
type ManagedKey struct {
	// PubKey is the public key of the derived child.
	PubKey *btcec.PublicKey

	// Addr pays to the hash of the compressed PubKey.
	Addr btcutil.Address

	// Internal is true when the key belongs to the change branch.
	Internal bool

	// hdIndex is the hardened child index of the key on its branch.
	hdIndex uint32
}

// Config contains the options for opening a key manager.
type Config struct {
	// ChainParams defines the bitcoin network addresses are encoded for.
	ChainParams *chaincfg.Params

	// Clock provides the time pool entries and imports are stamped
	// with.  A nil clock selects the wall clock.
	Clock clock.Clock

	// PoolSize overrides DefaultPoolSize as the keypool target when
	// nonzero.
	PoolSize uint32
}

// Manager holds the hd key state of a wallet together with its keypools,
// watch-only imports, and sync position.
//
// The manager performs no locking.  See the package documentation.
type Manager struct {
	chainParams *chaincfg.Params
	clock       clock.Clock
	poolSize    uint32

	masterKey   *hdkeychain.ExtendedKey
	branchKeys  [2]*hdkeychain.ExtendedKey
	fingerprint uint32

	// branchCounts holds how many children each branch has derived.
	// Each counter only ever advances, and it is persisted before a new
	// key leaves the manager.
	branchCounts [2]uint32

	// derived holds every key a branch has derived, indexed by child
	// index.  An entry is nil for the rare invalid child the derivation
	// scheme skips.
	derived [2][]*ManagedKey

	// keysByAddr indexes all derived keys by their encoded address.
	keysByAddr map[string]*ManagedKey

	// watchOnly holds imported addresses by their encoded form, mapped
	// to their import time.
	watchOnly map[string]time.Time

	// pools holds the not yet handed out keys per branch, ordered by
	// pool index.
	pools [2][]*PoolEntry

	// reserved tracks entries popped from a pool that have not been
	// kept or returned yet.
	reserved map[uint64]*PoolEntry

	// poolIndexes maps the encoded address of every pool-resident entry
	// to its pool index, supporting used-key detection.
	poolIndexes map[string]uint64

	// nextPool is the pool index assigned to the next generated entry.
	nextPool uint64

	syncState syncState
}

// Create creates a new key manager in the passed namespace.  The master
// key is derived from seed, and the birthday stamp records where in the
// chain the wallet came into existence, bounding every future rescan.
//
// The caller remains responsible for zeroing the seed.
func Create(ns walletdb.ReadWriteBucket, seed []byte,
	params *chaincfg.Params, birthday *BlockStamp) error {

	if len(seed) < hdkeychain.MinSeedBytes ||
		len(seed) > hdkeychain.MaxSeedBytes {

		return fmt.Errorf("%w: seed must be between %d and %d bytes",
			ErrInvalidSeed, hdkeychain.MinSeedBytes,
			hdkeychain.MaxSeedBytes)
	}

	if err := createManager(ns); err != nil {
		return err
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	defer masterKey.Zero()

	// A seed that cannot derive both branches is unusable, so reject it
	// now rather than on first use.
	if _, err := deriveBranchKeys(masterKey); err != nil {
		return err
	}

	fingerprint, err := masterFingerprint(masterKey)
	if err != nil {
		return err
	}

	if err := putMasterKey(ns, masterKey.String()); err != nil {
		return err
	}
	if err := putHDChain(ns, fingerprint, 0, 0); err != nil {
		return err
	}
	if err := putBlockStamp(ns, rootStartBlock, birthday); err != nil {
		return err
	}
	if err := putBlockStamp(ns, rootSyncedTo, birthday); err != nil {
		return err
	}
	err = putRecentBlocks(
		ns, birthday.Height, []chainhash.Hash{birthday.Hash},
	)
	if err != nil {
		return err
	}

	log.Infof("Created key manager with fingerprint %08x, birthday "+
		"height %d", fingerprint, birthday.Height)
	return nil
}

// Open loads an existing key manager from the namespace.  Every key the
// persisted branch counters cover is rederived up front, so ownership
// checks and secrets lookups never touch the database afterwards.
func Open(ns walletdb.ReadBucket, cfg *Config) (*Manager, error) {
	if err := openManager(ns); err != nil {
		return nil, err
	}

	c := cfg.Clock
	if c == nil {
		c = clock.NewDefaultClock()
	}
	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = DefaultPoolSize
	}

	serialized, err := fetchMasterKey(ns)
	if err != nil {
		return nil, err
	}
	masterKey, err := hdkeychain.NewKeyFromString(serialized)
	if err != nil {
		return nil, fmt.Errorf("%w: master key: %v", ErrCorrupt, err)
	}
	if !masterKey.IsPrivate() {
		return nil, fmt.Errorf("%w: master key is not private",
			ErrCorrupt)
	}

	fingerprint, externalCount, internalCount, err := fetchHDChain(ns)
	if err != nil {
		return nil, err
	}
	derivedPrint, err := masterFingerprint(masterKey)
	if err != nil {
		return nil, err
	}
	if derivedPrint != fingerprint {
		return nil, fmt.Errorf("%w: master key fingerprint %08x does "+
			"not match recorded fingerprint %08x", ErrCorrupt,
			derivedPrint, fingerprint)
	}

	branchKeys, err := deriveBranchKeys(masterKey)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		chainParams:  cfg.ChainParams,
		clock:        c,
		poolSize:     poolSize,
		masterKey:    masterKey,
		branchKeys:   branchKeys,
		fingerprint:  fingerprint,
		branchCounts: [2]uint32{externalCount, internalCount},
		keysByAddr:   make(map[string]*ManagedKey),
		watchOnly:    make(map[string]time.Time),
		reserved:     make(map[uint64]*PoolEntry),
		poolIndexes:  make(map[string]uint64),
	}

	// Regenerate the keys of both branches.
	for branch := uint32(0); branch < 2; branch++ {
		for idx := uint32(0); idx < m.branchCounts[branch]; idx++ {
			_, err := m.deriveKey(branch, idx)
			if err != nil &&
				!errors.Is(err, hdkeychain.ErrInvalidChild) {

				return nil, err
			}
		}
	}

	if err := m.loadPool(ns, ExternalBranch); err != nil {
		return nil, err
	}
	if err := m.loadPool(ns, InternalBranch); err != nil {
		return nil, err
	}

	err = forEachWatchOnly(ns, func(addr string, imported time.Time) error {
		m.watchOnly[addr] = imported
		return nil
	})
	if err != nil {
		return nil, err
	}

	syncedTo, err := fetchBlockStamp(ns, rootSyncedTo)
	if err != nil {
		return nil, err
	}
	startBlock, err := fetchBlockStamp(ns, rootStartBlock)
	if err != nil {
		return nil, err
	}
	recentHeight, recentHashes, err := fetchRecentBlocks(ns)
	if err != nil {
		return nil, err
	}
	m.syncState = syncState{
		startBlock:   *startBlock,
		syncedTo:     *syncedTo,
		recentHeight: recentHeight,
		recentHashes: recentHashes,
	}

	log.Infof("Opened key manager: %d external and %d internal keys, "+
		"keypool %d+%d, %d watch-only addresses", externalCount,
		internalCount, len(m.pools[ExternalBranch]),
		len(m.pools[InternalBranch]), len(m.watchOnly))
	return m, nil
}

// Close zeroes the private key material held in memory.  The manager must
// not be used afterwards.
func (m *Manager) Close() {
	m.masterKey.Zero()
	for _, key := range m.branchKeys {
		key.Zero()
	}
}

// loadPool restores one branch's pool entries, checking each against the
// rederived key set.
func (m *Manager) loadPool(ns walletdb.ReadBucket, branch uint32) error {
	return ns.NestedReadBucket(poolBucket(branch)).ForEach(
		func(k, v []byte) error {
			var (
				index uint64
				raw   rawPoolEntry
			)
			err := readRawPoolEntry(k, v, &index, &raw)
			if err != nil {
				return err
			}

			if raw.hdIndex >= m.branchCounts[branch] {
				return fmt.Errorf("%w: pool entry %d is past "+
					"the branch counter", ErrCorrupt,
					index)
			}
			key := m.derived[branch][raw.hdIndex]
			if key == nil || !bytes.Equal(
				key.PubKey.SerializeCompressed(), raw.pubKey,
			) {

				return fmt.Errorf("%w: pool entry %d does "+
					"not match its derived key",
					ErrCorrupt, index)
			}

			entry := &PoolEntry{
				Index:   index,
				Created: raw.created,
				Key:     key,
			}
			m.pools[branch] = append(m.pools[branch], entry)
			m.poolIndexes[key.Addr.EncodeAddress()] = index
			if index >= m.nextPool {
				m.nextPool = index + 1
			}
			return nil
		},
	)
}

// deriveBranchKeys derives the external and internal branch keys m/0'/0'
// and m/0'/1' from the master key.
func deriveBranchKeys(masterKey *hdkeychain.ExtendedKey) (
	[2]*hdkeychain.ExtendedKey, error) {

	var branchKeys [2]*hdkeychain.ExtendedKey

	acctKey, err := masterKey.Derive(
		accountNum + hdkeychain.HardenedKeyStart,
	)
	if err != nil {
		return branchKeys, fmt.Errorf("%w: account derivation: %v",
			ErrInvalidSeed, err)
	}

	for branch := range branchKeys {
		key, err := acctKey.Derive(
			uint32(branch) + hdkeychain.HardenedKeyStart,
		)
		if err != nil {
			return branchKeys, fmt.Errorf("%w: branch %d "+
				"derivation: %v", ErrInvalidSeed, branch, err)
		}
		branchKeys[branch] = key
	}
	return branchKeys, nil
}

// masterFingerprint returns the BIP32 fingerprint of the master key, the
// first four bytes of the hash160 of its public key.
func masterFingerprint(masterKey *hdkeychain.ExtendedKey) (uint32, error) {
	pubKey, err := masterKey.ECPubKey()
	if err != nil {
		return 0, err
	}
	hash := btcutil.Hash160(pubKey.SerializeCompressed())
	return byteOrder.Uint32(hash[:4]), nil
}

// deriveKey derives child idx on the branch and registers its address.
// Keys must be derived in strict index order.  When the child is invalid,
// a nil placeholder keeps the index alignment and
// hdkeychain.ErrInvalidChild is returned.
func (m *Manager) deriveKey(branch, idx uint32) (*ManagedKey, error) {
	child, err := m.branchKeys[branch].Derive(
		idx + hdkeychain.HardenedKeyStart,
	)
	if errors.Is(err, hdkeychain.ErrInvalidChild) {
		m.derived[branch] = append(m.derived[branch], nil)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to derive child %d on branch "+
			"%d: %w", idx, branch, err)
	}
	defer child.Zero()

	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), m.chainParams,
	)
	if err != nil {
		return nil, err
	}

	key := &ManagedKey{
		PubKey:   pubKey,
		Addr:     addr,
		Internal: branch == InternalBranch,
		hdIndex:  idx,
	}
	m.derived[branch] = append(m.derived[branch], key)
	m.keysByAddr[addr.EncodeAddress()] = key
	return key, nil
}

// deriveNextKey derives the next key on the branch, persisting the
// advanced counter before the key is handed out.  Invalid children are
// skipped.
func (m *Manager) deriveNextKey(ns walletdb.ReadWriteBucket,
	branch uint32) (*ManagedKey, error) {

	for {
		idx := m.branchCounts[branch]
		if idx > maxChildIndex {
			return nil, fmt.Errorf("%w: branch %d is fully "+
				"derived", ErrKeypoolExhausted, branch)
		}

		key, err := m.deriveKey(branch, idx)
		if errors.Is(err, hdkeychain.ErrInvalidChild) {
			m.branchCounts[branch] = idx + 1
			continue
		}
		if err != nil {
			return nil, err
		}

		m.branchCounts[branch] = idx + 1
		err = putHDChain(
			ns, m.fingerprint, m.branchCounts[ExternalBranch],
			m.branchCounts[InternalBranch],
		)
		if err != nil {
			return nil, err
		}

		log.Debugf("Derived key %d on branch %d", idx, branch)
		return key, nil
	}
}

// IsMine reports whether the manager controls the address and at what
// level.
func (m *Manager) IsMine(addr btcutil.Address) KeyLevel {
	encoded := addr.EncodeAddress()
	if _, ok := m.keysByAddr[encoded]; ok {
		return KeySpendable
	}
	if _, ok := m.watchOnly[encoded]; ok {
		return KeyWatchOnly
	}
	return KeyNone
}

// IsInternal reports whether the address was derived from the internal
// change branch.  Imported and unknown addresses are never internal.
func (m *Manager) IsInternal(addr btcutil.Address) bool {
	key, ok := m.keysByAddr[addr.EncodeAddress()]
	return ok && key.Internal
}

// ImportWatchOnly records an address whose private key the wallet does not
// control.  Credits to the address are tracked but cannot be spent.
func (m *Manager) ImportWatchOnly(ns walletdb.ReadWriteBucket,
	addr btcutil.Address) error {

	encoded := addr.EncodeAddress()
	if _, ok := m.keysByAddr[encoded]; ok {
		return fmt.Errorf("%w: %v is spendable", ErrAlreadyExists,
			encoded)
	}
	if _, ok := m.watchOnly[encoded]; ok {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, encoded)
	}

	imported := m.clock.Now()
	if err := putWatchOnly(ns, encoded, imported); err != nil {
		return err
	}
	m.watchOnly[encoded] = imported

	log.Infof("Imported watch-only address %v", encoded)
	return nil
}

// Fingerprint returns the BIP32 fingerprint of the master key.
func (m *Manager) Fingerprint() uint32 {
	return m.fingerprint
}

// DerivationPath returns the full hardened derivation path of an address
// the manager derived.
func (m *Manager) DerivationPath(addr btcutil.Address) ([]uint32, bool) {
	key, ok := m.keysByAddr[addr.EncodeAddress()]
	if !ok {
		return nil, false
	}

	branch := ExternalBranch
	if key.Internal {
		branch = InternalBranch
	}
	return []uint32{
		accountNum + hdkeychain.HardenedKeyStart,
		branch + hdkeychain.HardenedKeyStart,
		key.hdIndex + hdkeychain.HardenedKeyStart,
	}, true
}

// PubKey returns the public key of an address the manager derived.
func (m *Manager) PubKey(addr btcutil.Address) (*btcec.PublicKey, bool) {
	key, ok := m.keysByAddr[addr.EncodeAddress()]
	if !ok {
		return nil, false
	}
	return key.PubKey, true
}

// GetKey returns the private key for an address the manager derived.  The
// boolean reports that the public key is compressed, which is always true
// for keys of this manager.
//
// NOTE: together with GetScript and ChainParams this implements the
// txauthor.SecretsSource interface.
func (m *Manager) GetKey(addr btcutil.Address) (*btcec.PrivateKey, bool,
	error) {

	key, ok := m.keysByAddr[addr.EncodeAddress()]
	if !ok {
		return nil, false, fmt.Errorf("%w: %v", ErrUnknownAddress,
			addr)
	}

	branch := ExternalBranch
	if key.Internal {
		branch = InternalBranch
	}
	child, err := m.branchKeys[branch].Derive(
		key.hdIndex + hdkeychain.HardenedKeyStart,
	)
	if err != nil {
		return nil, false, err
	}
	defer child.Zero()

	privKey, err := child.ECPrivKey()
	if err != nil {
		return nil, false, err
	}
	return privKey, true, nil
}

// GetScript returns the redeem script for a pay-to-script-hash address.
// The manager derives no script addresses, so the lookup always fails.
func (m *Manager) GetScript(addr btcutil.Address) ([]byte, error) {
	return nil, fmt.Errorf("%w: %v", ErrUnknownAddress, addr)
}

// ChainParams returns the chain parameters the manager encodes addresses
// for.
func (m *Manager) ChainParams() *chaincfg.Params {
	return m.chainParams
}
