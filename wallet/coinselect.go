// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"math"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// selectionIterations bounds the randomized subset-sum search.  The search
// is approximate on purpose: an exact solver gains little change precision
// at a much higher cost.
const selectionIterations = 1000

// Coin is a spendable output offered to coin selection.
type Coin struct {
	// OutPoint locates the output.
	OutPoint wire.OutPoint

	// Output is the value and script of the output.
	Output wire.TxOut

	// Depth is the number of confirmations of the creating transaction.
	Depth int32

	// FromMe is set when the wallet funded the creating transaction.
	FromMe bool

	// Safe is set when the creating transaction is trusted.
	Safe bool

	// Spendable is set when the wallet holds the private key.  Watch-only
	// coins are enumerated but never selected.
	Spendable bool

	// Ancestors and Descendants count the unconfirmed mempool chain of
	// the creating transaction, each including the transaction itself.
	// Both are zero for confirmed coins.
	Ancestors   int64
	Descendants int64
}

// selectParams is one eligibility tier of the selection fallback ladder.
type selectParams struct {
	// confMine and confTheirs are the minimum depths of coins created by
	// the wallet's own transactions and by third-party transactions.
	confMine   int32
	confTheirs int32

	// maxAncestors and maxDescendants cap the unconfirmed chain of the
	// transactions creating eligible coins.
	maxAncestors   int64
	maxDescendants int64

	// changeThreshold partitions coins into the subset-sum pool.  Input
	// sets are preferred to overshoot the target by at least this much.
	changeThreshold btcutil.Amount
}

// approximateBestSubset searches random subsets of coins for the smallest
// total meeting the target.  Each iteration makes two passes: the first
// includes coins by coin flip, the second forces in everything the first
// pass left out.  Whenever the running total reaches the target the subset
// is scored and the newest coin is backtracked so later coins are tried in
// its place.
func approximateBestSubset(coins []Coin, totalLower,
	target btcutil.Amount) ([]bool, btcutil.Amount) {

	best := make([]bool, len(coins))
	for i := range best {
		best[i] = true
	}
	bestTotal := totalLower

	included := make([]bool, len(coins))
	for rep := 0; rep < selectionIterations && bestTotal != target; rep++ {
		for i := range included {
			included[i] = false
		}
		var total btcutil.Amount
		reached := false
		for pass := 0; pass < 2 && !reached; pass++ {
			for i := range coins {
				include := !included[i]
				if pass == 0 {
					include = rand.Intn(2) == 1
				}
				if !include {
					continue
				}
				total += btcutil.Amount(coins[i].Output.Value)
				included[i] = true
				if total < target {
					continue
				}
				reached = true
				if total < bestTotal {
					bestTotal = total
					copy(best, included)
				}
				total -= btcutil.Amount(coins[i].Output.Value)
				included[i] = false
			}
		}
	}
	return best, bestTotal
}

// selectCoinsMinConf chooses coins worth at least the target from the
// candidates passing one eligibility tier.  A single coin matching the
// target exactly always wins.  Otherwise the smaller coins are searched
// for a near-minimal subset, falling back to the smallest coin larger than
// the target when the small coins cannot cover it, or when the subset
// result is further from the target than the larger coin.
func selectCoinsMinConf(target btcutil.Amount, p selectParams,
	candidates []Coin) ([]Coin, btcutil.Amount, error) {

	shuffled := make([]Coin, len(candidates))
	copy(shuffled, candidates)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var (
		lowestLarger *Coin
		smaller      []Coin
		totalLower   btcutil.Amount
	)
	for i := range shuffled {
		coin := shuffled[i]
		if !coin.Spendable {
			continue
		}
		minDepth := p.confTheirs
		if coin.FromMe {
			minDepth = p.confMine
		}
		if coin.Depth < minDepth {
			continue
		}
		if coin.Ancestors > p.maxAncestors ||
			coin.Descendants > p.maxDescendants {
			continue
		}

		value := btcutil.Amount(coin.Output.Value)
		switch {
		case value == target:
			return []Coin{coin}, value, nil

		case value < target+p.changeThreshold:
			smaller = append(smaller, coin)
			totalLower += value

		case lowestLarger == nil ||
			value < btcutil.Amount(lowestLarger.Output.Value):

			c := coin
			lowestLarger = &c
		}
	}

	if totalLower == target {
		return smaller, totalLower, nil
	}
	if totalLower < target {
		if lowestLarger == nil {
			return nil, 0, ErrInsufficientFunds
		}
		return []Coin{*lowestLarger},
			btcutil.Amount(lowestLarger.Output.Value), nil
	}

	sort.Slice(smaller, func(i, j int) bool {
		return smaller[i].Output.Value > smaller[j].Output.Value
	})
	best, bestTotal := approximateBestSubset(smaller, totalLower, target)
	if bestTotal != target && totalLower >= target+p.changeThreshold {
		best, bestTotal = approximateBestSubset(smaller, totalLower,
			target+p.changeThreshold)
	}

	// Prefer the single larger coin when the subset result is not exact
	// and undershoots the change threshold, or when the larger coin is at
	// least as close to the target, to minimize the input count.
	if lowestLarger != nil &&
		((bestTotal != target && bestTotal < target+p.changeThreshold) ||
			btcutil.Amount(lowestLarger.Output.Value) <= bestTotal) {

		return []Coin{*lowestLarger},
			btcutil.Amount(lowestLarger.Output.Value), nil
	}

	var (
		selected []Coin
		total    btcutil.Amount
	)
	for i := range smaller {
		if best[i] {
			selected = append(selected, smaller[i])
			total += btcutil.Amount(smaller[i].Output.Value)
		}
	}
	log.Debugf("Best subset of %d coins totals %v toward target %v",
		len(selected), total, target)
	return selected, total, nil
}

// selectCoins chooses coins covering the target, trying progressively
// weaker eligibility tiers: confirmed coins with six confirmations for
// third-party outputs, then a single confirmation for everything, then, if
// the policy permits spending unconfirmed change, zero-conf coins under
// progressively looser mempool chain ceilings.  Preset coins always count
// toward the target and never pass through the tiers; the candidates must
// already exclude them.
func selectCoins(target btcutil.Amount, candidates, presets []Coin,
	policy *Policy) ([]Coin, btcutil.Amount, error) {

	var presetTotal btcutil.Amount
	for i := range presets {
		presetTotal += btcutil.Amount(presets[i].Output.Value)
	}
	if presetTotal >= target {
		return presets, presetTotal, nil
	}
	remaining := target - presetTotal

	maxA, maxD := policy.LimitAncestors, policy.LimitDescendants
	tiers := []selectParams{
		{confMine: 1, confTheirs: 6},
		{confMine: 1, confTheirs: 1},
	}
	if policy.SpendZeroConf {
		tiers = append(tiers,
			selectParams{
				confMine:       0,
				confTheirs:     1,
				maxAncestors:   2,
				maxDescendants: 2,
			},
			selectParams{
				confMine:       0,
				confTheirs:     1,
				maxAncestors:   min64(4, maxA/3),
				maxDescendants: min64(4, maxD/3),
			},
			selectParams{
				confMine:       0,
				confTheirs:     1,
				maxAncestors:   maxA / 2,
				maxDescendants: maxD / 2,
			},
			selectParams{
				confMine:       0,
				confTheirs:     1,
				maxAncestors:   maxA - 1,
				maxDescendants: maxD - 1,
			},
		)
		if !policy.RejectLongChains {
			tiers = append(tiers, selectParams{
				confMine:       0,
				confTheirs:     1,
				maxAncestors:   math.MaxInt64,
				maxDescendants: math.MaxInt64,
			})
		}
	}

	for _, p := range tiers {
		p.changeThreshold = policy.MinChange
		selected, total, err := selectCoinsMinConf(remaining, p,
			candidates)
		if err == nil {
			return append(selected, presets...),
				total + presetTotal, nil
		}
	}
	return nil, 0, ErrInsufficientFunds
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
