// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wkeymgr provides the hierarchical deterministic key manager for a
bitcoin wallet.  Keys are derived along hardened paths m/0'/0'/n' for
receiving and m/0'/1'/n' for change, and every derived public key pays to a
version 0 witness pubkey hash address.

Ahead of use, keys are generated into two ordered pools, one per branch, so
that a wallet restored from an older backup still recognizes addresses
handed out after the backup was taken.  Reserving a key removes it from its
pool in memory only.  A reservation is finished by keeping the key, which
erases the pool record permanently, or by returning it, which makes the key
available again.  Derivation counters are persisted before a new key is
ever exposed, so an index can never be skipped or handed out twice across
restarts.

The manager also records imported watch-only addresses and the block the
wallet is synced to, and it serves private keys for transaction signing.

The manager performs no locking.  Callers must coordinate access with a
single mutex, and database writes must occur inside a walletdb transaction
managed by the caller.
*/
package wkeymgr
