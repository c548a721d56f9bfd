// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import "errors"

var (
	// ErrNoExist describes an attempt to open a key manager that has not
	// been created yet.
	ErrNoExist = errors.New("key manager does not exist")

	// ErrAlreadyExists describes an attempt to create a key manager in a
	// namespace that already contains one.
	ErrAlreadyExists = errors.New("key manager already exists")

	// ErrUnknownVersion describes a key manager created by a different,
	// newer version of this package.
	ErrUnknownVersion = errors.New("unknown key manager version")

	// ErrInvalidSeed describes a seed that is outside the accepted length
	// range or produces an unusable master key.
	ErrInvalidSeed = errors.New("invalid seed")

	// ErrKeypoolExhausted is returned when no key can be served because
	// the pool is empty and no further keys can be derived.
	ErrKeypoolExhausted = errors.New("keypool exhausted")

	// ErrUnknownAddress describes a secrets lookup for an address the
	// manager did not derive.
	ErrUnknownAddress = errors.New("address not known to key manager")

	// ErrNotReserved describes an attempt to keep or return a pool index
	// that has not been reserved.
	ErrNotReserved = errors.New("pool index not reserved")

	// ErrCorrupt describes a serialized record or key that cannot be
	// decoded.  It indicates database corruption or an incompatible
	// serialization change.
	ErrCorrupt = errors.New("key manager corruption")
)
