// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

const (
	// DefaultFallbackFeePerKB is the fee rate used when no override is
	// given and the chain backend has no estimate yet.
	DefaultFallbackFeePerKB = btcutil.Amount(20000)

	// DefaultMaxFeePerKB is the ceiling on the effective fee rate.  Rates
	// above it are assumed to be a caller mistake.
	DefaultMaxFeePerKB = btcutil.Amount(1e7)

	// DefaultMaxFeeAmount is the ceiling on the absolute fee of a single
	// transaction.
	DefaultMaxFeeAmount = btcutil.Amount(1e7)

	// DefaultMinChange is the change target used when partitioning coins
	// during selection.  Selected input sets aim to overshoot the target
	// by at least this much so the change output is worth creating.
	DefaultMinChange = btcutil.Amount(1e6)

	// DefaultConfTarget is the confirmation target used for fee
	// estimation when the caller does not override it.
	DefaultConfTarget = int32(6)

	// DefaultLimitAncestors and DefaultLimitDescendants bound the length
	// of unconfirmed transaction chains the wallet will extend, matching
	// the default mempool package limits.
	DefaultLimitAncestors   = int64(25)
	DefaultLimitDescendants = int64(25)
)

// Policy bundles the fee and spending rules applied while building a
// transaction.  A Policy value is immutable once handed to the wallet;
// per-call deviations are expressed through a CoinControl instead.
type Policy struct {
	// RelayFeePerKB is the minimum relay fee rate.  It is the floor for
	// the effective fee rate and the reference rate for dust checks.
	RelayFeePerKB btcutil.Amount

	// FallbackFeePerKB is used when the fee estimator has no data for
	// the requested confirmation target.
	FallbackFeePerKB btcutil.Amount

	// MaxFeePerKB caps the effective fee rate.
	MaxFeePerKB btcutil.Amount

	// MaxFeeAmount caps the absolute fee of a built transaction.
	MaxFeeAmount btcutil.Amount

	// MinChange is the preferred minimum value of a change output.
	MinChange btcutil.Amount

	// ConfTarget is the default confirmation target for fee estimation.
	ConfTarget int32

	// SpendZeroConf permits selecting unconfirmed change outputs of the
	// wallet's own transactions.
	SpendZeroConf bool

	// SignalRBF opts built transactions in to BIP125 replacement unless
	// a CoinControl overrides it.
	SignalRBF bool

	// LimitAncestors and LimitDescendants bound the unconfirmed chain a
	// built transaction may join.
	LimitAncestors   int64
	LimitDescendants int64

	// RejectLongChains refuses to build transactions exceeding the chain
	// limits instead of leaving the rejection to the mempool.
	RejectLongChains bool
}

// DefaultPolicy returns the rules used when the caller supplies none.
func DefaultPolicy() Policy {
	return Policy{
		RelayFeePerKB:    txrules.DefaultRelayFeePerKb,
		FallbackFeePerKB: DefaultFallbackFeePerKB,
		MaxFeePerKB:      DefaultMaxFeePerKB,
		MaxFeeAmount:     DefaultMaxFeeAmount,
		MinChange:        DefaultMinChange,
		ConfTarget:       DefaultConfTarget,
		SpendZeroConf:    true,
		LimitAncestors:   DefaultLimitAncestors,
		LimitDescendants: DefaultLimitDescendants,
		RejectLongChains: true,
	}
}

// minFinalChange is the smallest value a change output may be shrunk to
// when fee shortfall is taken out of change.
func (p *Policy) minFinalChange() btcutil.Amount {
	return p.MinChange / 2
}

// Recipient describes a single payment of a build request.
type Recipient struct {
	// PkScript is the output script paying the recipient.
	PkScript []byte

	// Amount is the value of the output.
	Amount btcutil.Amount

	// SubtractFee marks the output as a fee payer.  The transaction fee
	// is split evenly across all such outputs and deducted from their
	// values rather than funded by additional inputs.
	SubtractFee bool
}

// CoinControl carries per-call overrides of the wallet's spending policy.
// The zero value leaves every decision to the wallet.
type CoinControl struct {
	// PresetInputs are outpoints that must be spent by the transaction.
	// They are excluded from the pool offered to automatic selection and
	// their values count toward the selection target first.
	PresetInputs []wire.OutPoint

	// ChangeAddress overrides the internal-branch change destination.
	ChangeAddress btcutil.Address

	// ChangePosition fixes the index of the change output.  When nil the
	// position is randomized.
	ChangePosition *int

	// FeeRatePerKB overrides the estimated fee rate when non-zero.
	FeeRatePerKB btcutil.Amount

	// ConfTarget overrides the policy confirmation target when non-zero.
	ConfTarget int32

	// SignalRBF overrides the policy BIP125 signaling default.
	SignalRBF *bool

	// MinDepth and MaxDepth bound the confirmation depth of candidate
	// coins.  A zero MaxDepth means no upper bound.
	MinDepth int32
	MaxDepth int32

	// AllowUnsafe permits spending outputs of untrusted unconfirmed
	// transactions.
	AllowUnsafe bool
}
