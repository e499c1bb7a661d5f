// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import (
	"fmt"
	"math"
)

// State is the processing state of a subproblem.
type State int

const (
	// Boundable subproblems have not yet been bounded.
	Boundable State = iota
	// Bounded subproblems have a bound and await splitting.
	Bounded
	// Separated subproblems have been split and hand out children.
	Separated
	// Dead subproblems are fully processed or pruned.
	Dead
)

func (s State) String() string {
	switch s {
	case Boundable:
		return "boundable"
	case Bounded:
		return "bounded"
	case Separated:
		return "separated"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid tells whether s is a defined state.
func (s State) Valid() bool {
	return s >= Boundable && s <= Dead
}

// HasSplit tells whether subproblems in state s carry branching
// data.
func (s State) HasSplit() bool {
	return s == Bounded || s == Separated
}

// Sense is the optimization direction of a problem.
type Sense int

const (
	// Minimize seeks the smallest objective value.
	Minimize Sense = iota
	// Maximize seeks the largest objective value.
	Maximize
)

func (s Sense) String() string {
	switch s {
	case Minimize:
		return "minimize"
	case Maximize:
		return "maximize"
	default:
		return fmt.Sprintf("sense(%d)", int(s))
	}
}

// Better tells whether a is strictly better than b.
func (s Sense) Better(a, b float64) bool {
	if s == Maximize {
		return a > b
	}
	return a < b
}

// Worst returns the worst possible objective value: the value of a
// missing incumbent.
func (s Sense) Worst() float64 {
	if s == Maximize {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// Best returns the best possible objective value.
func (s Sense) Best() float64 {
	return -s.Worst()
}

// Improve returns value moved toward better objective values by
// delta.
func (s Sense) Improve(value, delta float64) float64 {
	if s == Maximize {
		return value + delta
	}
	return value - delta
}
