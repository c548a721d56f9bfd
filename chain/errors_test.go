// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMatchErrStr checks that `matchErrStr` can correctly replace the dashes
// with spaces and turn title cases into lowercases for a given error and
// match it against the specified string pattern.
func TestMatchErrStr(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		rpcErr   error
		matchStr string
		matched  bool
	}{
		{
			name:     "error without dashes",
			rpcErr:   errors.New("missing input"),
			matchStr: "missing input",
			matched:  true,
		},
		{
			name:     "error with dashes",
			rpcErr:   errors.New("missing-input"),
			matchStr: "missing input",
			matched:  true,
		},
		{
			name:     "match str with dashes",
			rpcErr:   errors.New("missing-input"),
			matchStr: "missing-input",
			matched:  true,
		},
		{
			name:     "error with title case and dash",
			rpcErr:   errors.New("Missing-Input"),
			matchStr: "missing input",
			matched:  true,
		},
		{
			name:     "match str with title case and dash",
			rpcErr:   errors.New("missing-input"),
			matchStr: "Missing-Input",
			matched:  true,
		},
		{
			name:     "unmatched error",
			rpcErr:   errors.New("missing input"),
			matchStr: "missingorspent",
			matched:  false,
		},
		{
			name:     "nil error",
			rpcErr:   nil,
			matchStr: "missing input",
			matched:  false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			matched := matchErrStr(tc.rpcErr, tc.matchStr)
			require.Equal(t, tc.matched, matched)
		})
	}
}

// TestRPCErrSentinel checks that all defined RPCErr errors are added to the
// method `Error`.
func TestRPCErrSentinel(t *testing.T) {
	t.Parallel()

	rt := require.New(t)

	for i := uint32(0); i < uint32(errSentinel); i++ {
		err := RPCErr(i)
		rt.NotEqualf(err.Error(), "unknown error", "error code %d is "+
			"not defined, make sure to update it inside the Error "+
			"method", i)
	}
}

// TestMapRPCErr checks that the raw error strings rendered by btcd and
// bitcoind are mapped to the rejection errors of this package.
func TestMapRPCErr(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		rpcErr error
		want   error
	}{
		{
			name: "btcd orphan rejection",
			rpcErr: errors.New("orphan transaction 01ab " +
				"references outputs of unknown or fully-spent " +
				"transaction 02cd"),
			want: ErrMissingInputs,
		},
		{
			name:   "bitcoind missing inputs",
			rpcErr: errors.New("bad-txns-inputs-missingorspent"),
			want:   ErrMissingInputs,
		},
		{
			name:   "btcd mempool duplicate",
			rpcErr: errors.New("already have transaction 01ab"),
			want:   ErrAlreadyInMempool,
		},
		{
			name:   "bitcoind mempool duplicate",
			rpcErr: errors.New("txn-already-in-mempool"),
			want:   ErrAlreadyInMempool,
		},
		{
			name: "bitcoind already mined",
			rpcErr: errors.New("transaction already in block " +
				"chain"),
			want: ErrAlreadyConfirmed,
		},
		{
			name: "btcd mempool conflict",
			rpcErr: errors.New("output 01ab:0 already spent by " +
				"transaction 02cd in the memory pool"),
			want: ErrMempoolConflict,
		},
		{
			name:   "bitcoind mempool conflict",
			rpcErr: errors.New("txn-mempool-conflict"),
			want:   ErrMempoolConflict,
		},
		{
			name: "bitcoind long mempool chain",
			rpcErr: errors.New("too-long-mempool-chain, too many " +
				"descendants"),
			want: ErrTooLongMempoolChain,
		},
		{
			name:   "bitcoind mempool min fee",
			rpcErr: errors.New("mempool min fee not met, 100 < 141"),
			want:   ErrInsufficientFee,
		},
		{
			name:   "bitcoind relay fee",
			rpcErr: errors.New("min relay fee not met, 100 < 141"),
			want:   ErrInsufficientFee,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := mapRPCErr(tc.rpcErr)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

// TestMapRPCErrUnrecognized checks that an error matching none of the known
// rejection strings is wrapped in ErrUndefined with the original message
// preserved.
func TestMapRPCErrUnrecognized(t *testing.T) {
	t.Parallel()

	err := mapRPCErr(errors.New("some exotic failure"))
	require.ErrorIs(t, err, ErrUndefined)
	require.Contains(t, err.Error(), "some exotic failure")
}

// TestMapRejectReason checks that reject reasons reported by the mempool
// acceptance test are mapped the same way as RPC errors.
func TestMapRejectReason(t *testing.T) {
	t.Parallel()

	require.ErrorIs(
		t, mapRejectReason("txn-mempool-conflict"), ErrMempoolConflict,
	)
	require.ErrorIs(
		t, mapRejectReason("min relay fee not met"), ErrInsufficientFee,
	)
}
