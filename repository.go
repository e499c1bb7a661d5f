// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pebbl/pack"
)

// A Repository retains the k best distinct solutions offered to it.
// Solutions are deduplicated by identifier. A repository may also be
// given an absolute cutoff, in which case solutions worse than the
// cutoff are rejected.
type Repository struct {
	sense     Sense
	k         int
	hasCutoff bool
	cutoff    float64

	// sols is ordered best first.
	sols []*Solution
	ids  map[uint64]bool
}

// NewRepository returns a repository that retains the k best
// solutions.
func NewRepository(sense Sense, k int) *Repository {
	if k < 1 {
		k = 1
	}
	return &Repository{sense: sense, k: k, ids: make(map[uint64]bool)}
}

// SetCutoff sets an absolute cutoff: solutions worse than value are
// rejected.
func (r *Repository) SetCutoff(value float64) {
	r.hasCutoff = true
	r.cutoff = value
}

// Capacity returns the number of solutions retained.
func (r *Repository) Capacity() int { return r.k }

// Len returns the number of solutions in the repository.
func (r *Repository) Len() int { return len(r.sols) }

// Full tells whether the repository holds its capacity of
// solutions.
func (r *Repository) Full() bool { return len(r.sols) >= r.k }

// Contains tells whether a solution with the provided identifier is
// in the repository.
func (r *Repository) Contains(id uint64) bool { return r.ids[id] }

// Last returns the value of the worst retained solution if the
// repository is full. Solutions that are not better than this value
// cannot enter the repository, except by winning a tie.
func (r *Repository) Last() (float64, bool) {
	if !r.Full() {
		return 0, false
	}
	return r.sols[len(r.sols)-1].Value, true
}

// Threshold returns the value that a subproblem's bound must beat to
// possibly contribute a solution, or false if any bound may.
func (r *Repository) Threshold() (float64, bool) {
	last, ok := r.Last()
	switch {
	case ok && r.hasCutoff:
		if r.sense.Better(r.cutoff, last) {
			return r.cutoff, true
		}
		return last, true
	case ok:
		return last, true
	case r.hasCutoff:
		return r.cutoff, true
	default:
		return 0, false
	}
}

// Offer offers a solution to the repository and tells whether it
// was accepted. The repository retains sol.
func (r *Repository) Offer(sol *Solution) bool {
	if r.ids[sol.Identifier] {
		return false
	}
	if r.hasCutoff && r.sense.Better(r.cutoff, sol.Value) {
		return false
	}
	if r.Full() && !r.sense.ranks(sol, r.sols[len(r.sols)-1]) {
		return false
	}
	i := sort.Search(len(r.sols), func(i int) bool { return r.sense.ranks(sol, r.sols[i]) })
	r.sols = append(r.sols, nil)
	copy(r.sols[i+1:], r.sols[i:])
	r.sols[i] = sol
	r.ids[sol.Identifier] = true
	if len(r.sols) > r.k {
		drop := r.sols[len(r.sols)-1]
		r.sols[len(r.sols)-1] = nil
		r.sols = r.sols[:len(r.sols)-1]
		delete(r.ids, drop.Identifier)
	}
	return true
}

// Merge offers every solution in sols and returns the number
// accepted.
func (r *Repository) Merge(sols []*Solution) int {
	var n int
	for _, sol := range sols {
		if r.Offer(sol) {
			n++
		}
	}
	return n
}

// Solutions returns the repository's solutions, best first.
func (r *Repository) Solutions() []*Solution {
	return append([]*Solution(nil), r.sols...)
}

// Best returns the best solution, or nil.
func (r *Repository) Best() *Solution {
	if len(r.sols) == 0 {
		return nil
	}
	return r.sols[0]
}

// Clear removes every solution.
func (r *Repository) Clear() {
	r.sols = nil
	r.ids = make(map[uint64]bool)
}

// Pack writes the repository's solutions to b.
func (r *Repository) Pack(b *pack.Buffer) {
	PackSolutions(b, r.sols)
}

// PackSolutions writes a list of solutions to b.
func PackSolutions(b *pack.Buffer, sols []*Solution) {
	b.PutInt(len(sols))
	for _, sol := range sols {
		sol.Pack(b)
	}
}

// UnpackSolutions reads a list of solutions written by
// PackSolutions.
func UnpackSolutions(rd *pack.Reader) ([]*Solution, error) {
	n := rd.Int()
	if err := rd.Err(); err != nil {
		return nil, err
	}
	if n < 0 || n > rd.Len() {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("pebbl: bad solution count %d", n))
	}
	sols := make([]*Solution, 0, n)
	for i := 0; i < n; i++ {
		sol, err := UnpackSolution(rd)
		if err != nil {
			return nil, err
		}
		sols = append(sols, sol)
	}
	return sols, rd.Err()
}
