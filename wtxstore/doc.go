// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wtxstore provides an implementation of a transaction store for a
bitcoin wallet.  Every transaction relevant to the wallet is kept in memory
as a full record and mirrored to a walletdb namespace, so the complete
history is available without further database reads after opening.

A transaction record is either mined in a block, waiting in the mempool,
conflicted by a mined double spend, or abandoned by the wallet owner.  The
store tracks which of the wallet's outputs have been spent by later
transactions and computes credit, debit, and change amounts on demand,
memoizing the results per record until the record or the spend status of
its outputs changes.

The store performs no locking.  Callers must coordinate access with a
single mutex, and database writes must occur inside a walletdb transaction
managed by the caller.
*/
package wtxstore
