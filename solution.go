// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import (
	"fmt"

	"github.com/grailbio/pebbl/pack"
	"github.com/spaolacci/murmur3"
)

// identifierSeed seeds solution identifier hashes.
const identifierSeed = 0x9e3779b9

// A Solution is a feasible solution found by the search.
type Solution struct {
	// Value is the solution's objective value.
	Value float64
	// Identifier identifies the solution irrespective of where it
	// was found. Solutions with equal identifiers are duplicates.
	Identifier uint64
	// Owner is the rank that found the solution, and Serial the
	// order in which it was found there.
	Owner  int
	Serial int64
	// Data is the problem-defined encoding of the solution.
	Data []byte
}

// NewSolution returns a solution with the provided value and
// encoding, identified by a hash of the encoding.
func NewSolution(value float64, data []byte) *Solution {
	return &Solution{
		Value:      value,
		Identifier: Identify(data),
		Data:       data,
	}
}

// Identify returns the identifier of a solution encoding.
func Identify(data []byte) uint64 {
	return murmur3.Sum64WithSeed(data, identifierSeed)
}

func (s *Solution) String() string {
	return fmt.Sprintf("solution %016x value %g (rank %d #%d)", s.Identifier, s.Value, s.Owner, s.Serial)
}

// Pack writes the solution to b.
func (s *Solution) Pack(b *pack.Buffer) {
	b.PutFloat64(s.Value)
	b.PutUint64(s.Identifier)
	b.PutInt(s.Owner)
	b.PutInt64(s.Serial)
	b.PutBytes(s.Data)
}

// UnpackSolution reads a solution written by Solution.Pack.
func UnpackSolution(r *pack.Reader) (*Solution, error) {
	s := &Solution{
		Value:      r.Float64(),
		Identifier: r.Uint64(),
		Owner:      r.Int(),
		Serial:     r.Int64(),
		Data:       r.Bytes(),
	}
	return s, r.Err()
}

// ranks tells whether a ranks strictly ahead of b: it has a better
// value, or an equal value and a smaller identifier.
func (s Sense) ranks(a, b *Solution) bool {
	if a.Value != b.Value {
		return s.Better(a.Value, b.Value)
	}
	return a.Identifier < b.Identifier
}
