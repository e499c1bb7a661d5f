// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import (
	"fmt"

	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/pack"
)

// A Sub is a node of the search tree: the engine's bookkeeping for a
// subproblem together with its problem-specific payload.
type Sub struct {
	// Bound is the subproblem's relaxed objective value. Before the
	// subproblem is bounded, it holds its parent's bound.
	Bound float64
	// Integrality measures the fractionality of the relaxation. It
	// is used by branching heuristics.
	Integrality float64
	ID          ID
	State       State
	Depth       int
	// TotalChildren is the number of children decided by the split;
	// ChildrenLeft is the number not yet handed out.
	TotalChildren int
	ChildrenLeft  int

	// SplitInitial tells whether the subproblem's own candidate
	// solution has been offered. Enumeration continues to split
	// candidate subproblems, and must not offer their solution twice.
	SplitInitial bool
	// SplitGenItem is the index of the next child to be made.
	SplitGenItem int

	Node Node
}

// SetState transitions the subproblem to state. States only advance:
// a transition backward is a fatal error.
func (s *Sub) SetState(state State) error {
	if !state.Valid() || state < s.State {
		return comm.Fatal(comm.StateViolation, "Sub.SetState", fmt.Sprintf("%v: %v -> %v", s.ID, s.State, state))
	}
	s.State = state
	return nil
}

func (s *Sub) String() string {
	return fmt.Sprintf("sub %v bound %g state %v depth %d children %d/%d", s.ID, s.Bound, s.State, s.Depth, s.ChildrenLeft, s.TotalChildren)
}

// PackGeneric writes the engine's fields of s to b, in order: bound,
// integrality, id, state, depth, total children and children left.
// For Bounded and Separated subproblems, the node's branching data
// follows, and when enumerating, the enumeration split bookkeeping.
func (s *Sub) PackGeneric(b *pack.Buffer, enumerating bool) {
	b.PutFloat64(s.Bound)
	b.PutFloat64(s.Integrality)
	s.ID.Pack(b)
	b.PutInt(int(s.State))
	b.PutInt(s.Depth)
	b.PutInt(s.TotalChildren)
	b.PutInt(s.ChildrenLeft)
	if !s.State.HasSplit() {
		return
	}
	s.Node.PackSplit(b)
	if enumerating {
		b.PutBool(s.SplitInitial)
		b.PutInt(s.SplitGenItem)
	}
}

// UnpackGeneric reads fields written by PackGeneric into s. The
// subproblem's Node must be set: it receives the branching data.
func (s *Sub) UnpackGeneric(r *pack.Reader, enumerating bool) error {
	s.Bound = r.Float64()
	s.Integrality = r.Float64()
	s.ID = UnpackID(r)
	s.State = State(r.Int())
	s.Depth = r.Int()
	s.TotalChildren = r.Int()
	s.ChildrenLeft = r.Int()
	s.SplitInitial = false
	s.SplitGenItem = s.TotalChildren - s.ChildrenLeft
	if err := r.Err(); err != nil {
		return comm.Fatal(comm.Corrupt, "Sub.UnpackGeneric", err)
	}
	if !s.State.Valid() || s.Depth < 0 || s.ChildrenLeft < 0 || s.ChildrenLeft > s.TotalChildren {
		return comm.Fatal(comm.Corrupt, "Sub.UnpackGeneric", s.String())
	}
	if !s.State.HasSplit() {
		return nil
	}
	if err := s.Node.UnpackSplit(r); err != nil {
		return comm.Fatal(comm.Corrupt, "Sub.UnpackGeneric", err)
	}
	if enumerating {
		s.SplitInitial = r.Bool()
		s.SplitGenItem = r.Int()
	}
	if err := r.Err(); err != nil {
		return comm.Fatal(comm.Corrupt, "Sub.UnpackGeneric", err)
	}
	return nil
}

// Pack writes the full subproblem: its generic fields followed by
// its payload.
func (s *Sub) Pack(b *pack.Buffer, enumerating bool) {
	s.PackGeneric(b, enumerating)
	s.Node.Pack(b)
}

// UnpackSub reads a subproblem written by Sub.Pack, allocating its
// payload from problem.
func UnpackSub(r *pack.Reader, problem Problem, enumerating bool) (*Sub, error) {
	s := &Sub{Node: problem.NewNode()}
	if err := s.UnpackGeneric(r, enumerating); err != nil {
		return nil, err
	}
	if err := s.Node.Unpack(r); err != nil {
		return nil, comm.Fatal(comm.Corrupt, "UnpackSub", err)
	}
	if err := r.Err(); err != nil {
		return nil, comm.Fatal(comm.Corrupt, "UnpackSub", err)
	}
	return s, nil
}

// MakeChild makes the next child of the separated subproblem s,
// assigning it an ID from gen. The child inherits s's bound as a
// placeholder, until it is bounded itself.
func (s *Sub) MakeChild(gen *IDGen) (*Sub, error) {
	if s.State != Separated || s.ChildrenLeft <= 0 {
		return nil, comm.Fatal(comm.ChildUnderflow, "Sub.MakeChild", s.String())
	}
	node, err := s.Node.MakeChild(s, s.SplitGenItem)
	if err != nil {
		return nil, err
	}
	s.ChildrenLeft--
	s.SplitGenItem++
	child := &Sub{
		Bound:       s.Bound,
		Integrality: s.Integrality,
		ID:          gen.Next(),
		State:       Boundable,
		Depth:       s.Depth + 1,
		Node:        node,
	}
	if s.ChildrenLeft == 0 {
		s.State = Dead
	}
	return child, nil
}

// PackChildGeneric packs the next child of s to b without
// materializing it locally beyond its payload. Like MakeChild, it
// decrements s.ChildrenLeft and assigns the child a fresh ID;
// requesting a child of a subproblem that has none left is a fatal
// error.
func (s *Sub) PackChildGeneric(b *pack.Buffer, gen *IDGen, enumerating bool) error {
	child, err := s.MakeChild(gen)
	if err != nil {
		return err
	}
	child.Pack(b, enumerating)
	return nil
}
