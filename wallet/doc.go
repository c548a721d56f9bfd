// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wallet ties the key manager and the transaction store together into
a bitcoin wallet that follows the chain through a backend's notifications
and builds new transactions against its recorded history.

The wallet follows the chain by ingesting connected and disconnected block
notifications once an initial synchronization has found the deepest block
still shared with the main chain and rescanned everything above it.
Transactions paying to or spending from the wallet's addresses are recorded
in the transaction store, keys paid by them are retired from the key pool,
and wallet-originated transactions are rebroadcast in the background until
they confirm.

Transaction construction mirrors the behavior wallet operators expect from
bitcoind: candidate coins pass through progressively weaker eligibility
tiers until the target is covered, change is folded, bled, or shrunk to
balance the fee exactly, and the result is rejected rather than built when
it would violate the fee, dust, or mempool chain policy.  Construction,
commitment, and release are separate steps so callers can inspect a signed
transaction before it enters the store and is handed to the network.

All exported methods are safe for concurrent use.  A single mutex guards
the wallet's in-memory state; chain queries are never made while it is
held.
*/
package wallet
