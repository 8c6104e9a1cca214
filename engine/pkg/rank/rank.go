// Package rank normalizes raw per-account metrics into 0-100 scores.
//
// Two rank conventions exist in the surrounding system and both are kept as
// named variants. Accounts are ordered by raw value ascending with ties
// broken by account name, so ranking is total and replayable bit-for-bit.
package rank

import (
	"sort"

	"github.com/seedcommons/harvest/engine/pkg/domain"
)

// Variant selects the percentile formula applied to the ascending position.
type Variant int

const (
	// Index assigns position i of n the rank i*100/n: the lowest value
	// ranks 0 and the highest (n-1)*100/n.
	Index Variant = iota
	// Ceiling assigns position i of n the rank (i+1)*100/n: the lowest
	// value ranks 100/n and the highest exactly 100.
	Ceiling
)

// Sample is one (account, raw metric) pair.
type Sample struct {
	Account domain.Account
	Value   int64
}

// Score is a ranked sample.
type Score struct {
	Account domain.Account
	Value   int64
	Rank    uint64
}

// For computes the rank of the ascending position i within a set of n.
// A single-participant set ranks 0 under Index and 100 under Ceiling,
// consistent with the general formulas. Positions at or past n clamp at
// 100: a batched walk can outgrow the count captured at pass start when
// accounts are created mid-pass, and ranks never exceed 100.
func For(i, n int, v Variant) uint64 {
	if n <= 0 {
		return 0
	}
	pos := uint64(i)
	if v == Ceiling {
		pos++
	}
	r := pos * 100 / uint64(n)
	if r > 100 {
		r = 100
	}
	return r
}

// Order sorts samples ascending by (value, account) in place and returns
// them. The account tiebreak keeps the ordering deterministic.
func Order(samples []Sample) []Sample {
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Value != samples[j].Value {
			return samples[i].Value < samples[j].Value
		}
		return samples[i].Account < samples[j].Account
	})
	return samples
}

// Ranks ranks a whole sample set in one pass. Batched callers walk an
// ordered store iterator and apply For directly instead.
func Ranks(samples []Sample, v Variant) []Score {
	ordered := Order(append([]Sample(nil), samples...))
	out := make([]Score, len(ordered))
	for i, s := range ordered {
		out[i] = Score{Account: s.Account, Value: s.Value, Rank: For(i, len(ordered), v)}
	}
	return out
}
