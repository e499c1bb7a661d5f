// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import "github.com/grailbio/pebbl/pack"

// A Problem is a branch-and-bound problem.
type Problem interface {
	// Name names the problem. It is used in checkpoint file names
	// and to validate restarts.
	Name() string
	// Sense returns the problem's optimization direction.
	Sense() Sense
	// Root returns the payload of the root subproblem.
	Root() (Node, error)
	// NewNode returns an empty payload, into which a packed payload
	// is unpacked.
	NewNode() Node
}

// A Node is the problem-specific payload of a subproblem. The engine
// calls a node's methods only from the rank that owns it. Each
// method receives the subproblem that carries the node.
type Node interface {
	// BoundComputation computes the subproblem's bound and stores it
	// in s.Bound. Subproblems found to be infeasible are marked Dead
	// with s.SetState; otherwise the engine marks them Bounded.
	BoundComputation(s *Sub) error

	// SplitComputation decides how the bounded subproblem branches
	// and returns its number of children. The engine marks the
	// subproblem Separated, or Dead if there are no children.
	SplitComputation(s *Sub) (int, error)

	// MakeChild returns the payload of the subproblem's which'th
	// child, 0 <= which < s.TotalChildren.
	MakeChild(s *Sub, which int) (Node, error)

	// CandidateSolution tells whether a bounded subproblem yields a
	// feasible solution.
	CandidateSolution(s *Sub) bool

	// ExtractSolution returns the solution of a candidate
	// subproblem.
	ExtractSolution(s *Sub) (*Solution, error)

	// PackSplit and UnpackSplit transfer the branching decision
	// computed by BoundComputation or SplitComputation. They are
	// called only for Bounded and Separated subproblems.
	PackSplit(b *pack.Buffer)
	UnpackSplit(r *pack.Reader) error

	// Pack and Unpack transfer the node's remaining state.
	Pack(b *pack.Buffer)
	Unpack(r *pack.Reader) error
}
