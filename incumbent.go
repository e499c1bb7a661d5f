// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import "math"

// Incumbent tracks the best known objective value and pruning
// tolerances.
type Incumbent struct {
	sense    Sense
	rel, abs float64

	// Value is the incumbent value. It is the sense's worst value
	// until a solution is found.
	Value float64
	// Solution is the incumbent solution, if known locally. It is
	// nil when the incumbent value merely was broadcast by another
	// rank.
	Solution *Solution
}

// NewIncumbent returns an incumbent without a value.
func NewIncumbent(sense Sense, relTolerance, absTolerance float64) *Incumbent {
	return &Incumbent{
		sense: sense,
		rel:   relTolerance,
		abs:   absTolerance,
		Value: sense.Worst(),
	}
}

// Known tells whether the incumbent has a value.
func (in *Incumbent) Known() bool { return !math.IsInf(in.Value, 0) }

// CanFathom tells whether a subproblem with the provided bound can
// be pruned: its bound does not beat the incumbent by more than the
// tolerance max(abs, rel*|incumbent|).
func (in *Incumbent) CanFathom(bound float64) bool {
	if !in.Known() {
		return false
	}
	gap := math.Max(in.abs, in.rel*math.Abs(in.Value))
	return !in.sense.Better(bound, in.sense.Improve(in.Value, gap))
}

// Update sets the incumbent to value if value is strictly better.
// It tells whether the incumbent changed.
func (in *Incumbent) Update(value float64, sol *Solution) bool {
	if !in.sense.Better(value, in.Value) {
		return false
	}
	in.Value = value
	in.Solution = sol
	return true
}

// Reset forgets the incumbent.
func (in *Incumbent) Reset() {
	in.Value = in.sense.Worst()
	in.Solution = nil
}
