// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"strings"
)

// RPCErr identifies a rejection returned by the backend RPC when submitting
// or testing a transaction.
type RPCErr uint32

const (
	// ErrMissingInputs is returned when a transaction spends outputs the
	// backend does not know or considers already spent.
	ErrMissingInputs RPCErr = iota

	// ErrAlreadyInMempool is returned when the backend mempool already
	// holds the transaction.
	ErrAlreadyInMempool

	// ErrAlreadyConfirmed is returned when the transaction is already
	// mined in the best chain.
	ErrAlreadyConfirmed

	// ErrMempoolConflict is returned when the transaction double spends
	// an input of another mempool transaction without replacing it.
	ErrMempoolConflict

	// ErrTooLongMempoolChain is returned when the transaction would
	// exceed the backend's limits on chains of unconfirmed transactions.
	ErrTooLongMempoolChain

	// ErrInsufficientFee is returned when the transaction does not pay
	// enough fees for the backend to relay it.
	ErrInsufficientFee

	// ErrNotInMempool is returned when querying mempool state of a
	// transaction the backend mempool does not contain.
	ErrNotInMempool

	// ErrUndefined is returned when the backend's error matches none of
	// the recognized rejection reasons.
	ErrUndefined

	// errSentinel is used to mark the end of the error list.  It must be
	// the last entry and should never be used outside of tests.
	errSentinel
)

// Error returns a human-readable description of the rejection.
//
// NOTE: implements the error interface.
func (r RPCErr) Error() string {
	switch r {
	case ErrMissingInputs:
		return "missing inputs"

	case ErrAlreadyInMempool:
		return "transaction already in mempool"

	case ErrAlreadyConfirmed:
		return "transaction already confirmed"

	case ErrMempoolConflict:
		return "mempool conflict"

	case ErrTooLongMempoolChain:
		return "too long mempool chain"

	case ErrInsufficientFee:
		return "insufficient fee"

	case ErrNotInMempool:
		return "transaction not in mempool"

	case ErrUndefined:
		return "undefined backend error"
	}

	return "unknown error"
}

// rpcErrMap pairs fragments of the error strings returned by btcd and
// bitcoind with the rejection errors of this package.  Both spellings are
// kept because the strings drift between backends and releases.
var rpcErrMap = map[string]error{
	// btcd
	"orphan transaction":                 ErrMissingInputs,
	"fully-spent transaction":            ErrMissingInputs,
	"already have transaction":           ErrAlreadyInMempool,
	"transaction already exists":         ErrAlreadyConfirmed,
	"already spent by transaction":       ErrMempoolConflict,
	"which is under the required amount": ErrInsufficientFee,

	// bitcoind
	"missing inputs":                     ErrMissingInputs,
	"bad-txns-inputs-missingorspent":     ErrMissingInputs,
	"txn-already-in-mempool":             ErrAlreadyInMempool,
	"txn-already-known":                  ErrAlreadyInMempool,
	"transaction already in block chain": ErrAlreadyConfirmed,
	"txn-mempool-conflict":               ErrMempoolConflict,
	"too-long-mempool-chain":             ErrTooLongMempoolChain,
	"mempool min fee not met":            ErrInsufficientFee,
	"min relay fee not met":              ErrInsufficientFee,
}

// mapRPCErr maps an error returned by the backend RPC to one of the
// rejection errors of this package.  Unrecognized errors are wrapped in
// ErrUndefined so callers can still distinguish a mapped rejection from an
// unknown failure.
func mapRPCErr(rpcErr error) error {
	for match, mapped := range rpcErrMap {
		if matchErrStr(rpcErr, match) {
			return mapped
		}
	}
	return fmt.Errorf("%w: %v", ErrUndefined, rpcErr)
}

// mapRejectReason maps the reject-reason string reported by the mempool
// acceptance test to a rejection error.
func mapRejectReason(reason string) error {
	return mapRPCErr(errors.New(reason))
}

// matchErrStr reports whether the error contains the match string, ignoring
// case and treating dashes and spaces as equal.  Backends render the same
// rejection with different separators and casings, so exact comparison is
// too brittle.
func matchErrStr(err error, s string) bool {
	if err == nil {
		return false
	}
	errStr := strings.ReplaceAll(strings.ToLower(err.Error()), "-", " ")
	matchStr := strings.ReplaceAll(strings.ToLower(s), "-", " ")
	return strings.Contains(errStr, matchStr)
}
