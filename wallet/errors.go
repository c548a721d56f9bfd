// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import "errors"

var (
	// ErrInsufficientFunds is returned when coin selection cannot cover
	// the target amount plus the fee with eligible unspent outputs.
	ErrInsufficientFunds = errors.New("insufficient funds available to " +
		"construct transaction")

	// ErrDustOutput is returned when a requested or fee-reduced output
	// falls below the dust threshold for the relay fee in effect.
	ErrDustOutput = errors.New("transaction output is dust")

	// ErrFeePolicy is returned when a transaction cannot pay the fee its
	// size requires at the minimum relay rate without exceeding the
	// configured fee ceilings.
	ErrFeePolicy = errors.New("fee policy exceeded")

	// ErrSigningFailed is returned when producing or verifying an input
	// signature fails.  No partial signing result is ever returned.
	ErrSigningFailed = errors.New("transaction signing failed")

	// ErrInvalidRecipient is returned when a build request carries no
	// recipients, a negative amount, or a non-positive total.
	ErrInvalidRecipient = errors.New("invalid transaction recipient")

	// ErrChainLimit is returned when the built transaction would exceed
	// the mempool's unconfirmed ancestor or descendant chain limits.
	ErrChainLimit = errors.New("transaction has too long of a mempool " +
		"chain")
)
