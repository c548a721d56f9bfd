// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxstore

import "errors"

var (
	// ErrNoExist describes an attempt to open a store that has not been
	// created yet.
	ErrNoExist = errors.New("store does not exist")

	// ErrAlreadyExists describes an attempt to create a store in a
	// namespace that already contains one.
	ErrAlreadyExists = errors.New("store already exists")

	// ErrUnknownVersion describes a store created by a different, newer
	// version of this package.
	ErrUnknownVersion = errors.New("unknown store version")

	// ErrUnknownTx describes a lookup for a transaction hash that the
	// store has no record of.
	ErrUnknownTx = errors.New("transaction not found in store")

	// ErrCorrupt describes a serialized record or key that cannot be
	// decoded.  It indicates database corruption or an incompatible
	// serialization change.
	ErrCorrupt = errors.New("transaction store corruption")

	// ErrConfirmedTx is returned when abandoning a transaction that is
	// mined in the best chain.  Confirmed transactions can only leave the
	// store through a reorganization or by dropping all history.
	ErrConfirmedTx = errors.New("transaction is confirmed")

	// ErrMempoolTx is returned when abandoning a transaction that is
	// still known to the mempool and may yet confirm.
	ErrMempoolTx = errors.New("transaction is in the mempool")

	// ErrEmptyLabel is returned when attempting to set an empty label on
	// a transaction.
	ErrEmptyLabel = errors.New("empty transaction label not allowed")

	// ErrLabelTooLong is returned when a label exceeds TxLabelLimit.
	ErrLabelTooLong = errors.New("transaction label exceeds limit")

	// ErrNoLabel is returned when no label is stored for a transaction.
	ErrNoLabel = errors.New("label for transaction not found")
)
