// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package knapsack implements the 0/1 knapsack problem for pebbl:
// choose a subset of items of maximum total value whose total weight
// does not exceed a capacity.
//
// Subproblems fix each item in, out, or leave it free. A
// subproblem's bound is the value of its linear relaxation, computed
// greedily over the free items in order of decreasing value density;
// it branches on the fractional item of the relaxation.
package knapsack

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/pack"
)

// An Item is a knapsack item.
type Item struct {
	Weight int
	Value  int
}

// An Instance is a knapsack problem instance.
type Instance struct {
	Name     string
	Capacity int
	Items    []Item
}

// Validate returns an error if the instance is malformed.
func (inst *Instance) Validate() error {
	if inst.Capacity < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("knapsack: negative capacity %d", inst.Capacity))
	}
	for i, item := range inst.Items {
		if item.Weight <= 0 || item.Value < 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("knapsack: item %d: invalid weight %d or value %d", i, item.Weight, item.Value))
		}
	}
	return nil
}

// Decisions fixed for items.
const (
	free byte = iota
	in
	out
)

// Problem is a knapsack instance prepared for search. It implements
// pebbl.Problem.
type Problem struct {
	inst *Instance
	// order lists item indices by decreasing value density.
	order []int
}

// New returns a new problem for the provided instance.
func New(inst *Instance) (*Problem, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	p := &Problem{inst: inst, order: make([]int, len(inst.Items))}
	for i := range p.order {
		p.order[i] = i
	}
	sort.SliceStable(p.order, func(i, j int) bool {
		a, b := inst.Items[p.order[i]], inst.Items[p.order[j]]
		return a.Value*b.Weight > b.Value*a.Weight
	})
	return p, nil
}

// Instance returns the problem's instance.
func (p *Problem) Instance() *Instance { return p.inst }

// Name implements pebbl.Problem.
func (p *Problem) Name() string {
	if p.inst.Name != "" {
		return p.inst.Name
	}
	return "knapsack"
}

// Sense implements pebbl.Problem.
func (p *Problem) Sense() pebbl.Sense { return pebbl.Maximize }

// Root implements pebbl.Problem.
func (p *Problem) Root() (pebbl.Node, error) {
	return &node{p: p, fixed: make([]byte, len(p.order)), split: -1}, nil
}

// NewNode implements pebbl.Problem.
func (p *Problem) NewNode() pebbl.Node {
	return &node{p: p, split: -1}
}

// node is a knapsack subproblem. Fixed is indexed by position in
// density order.
type node struct {
	p     *Problem
	fixed []byte

	// split is the position of the item to branch on, or -1.
	split int
	// fill is the greedy completion of the relaxation when it is
	// integral: the positions of free items that fit.
	fill []int
}

func (n *node) item(pos int) Item {
	return n.p.inst.Items[n.p.order[pos]]
}

// BoundComputation computes the linear relaxation of the
// subproblem.
func (n *node) BoundComputation(s *pebbl.Sub) error {
	var weight, value int
	for pos, d := range n.fixed {
		if d == in {
			weight += n.item(pos).Weight
			value += n.item(pos).Value
		}
	}
	if weight > n.p.inst.Capacity {
		return s.SetState(pebbl.Dead)
	}
	n.split = -1
	n.fill = n.fill[:0]
	bound := float64(value)
	s.Integrality = 0
	for pos, d := range n.fixed {
		if d != free {
			continue
		}
		item := n.item(pos)
		if weight+item.Weight <= n.p.inst.Capacity {
			weight += item.Weight
			bound += float64(item.Value)
			n.fill = append(n.fill, pos)
			continue
		}
		frac := float64(n.p.inst.Capacity-weight) / float64(item.Weight)
		bound += frac * float64(item.Value)
		s.Integrality = frac
		n.split = pos
		break
	}
	s.Bound = bound
	return nil
}

// CandidateSolution tells whether the relaxation is integral.
func (n *node) CandidateSolution(s *pebbl.Sub) bool {
	return n.split < 0
}

// ExtractSolution returns the items of the integral relaxation.
func (n *node) ExtractSolution(s *pebbl.Sub) (*pebbl.Solution, error) {
	chosen := make([]byte, len(n.fixed))
	value := 0
	for pos, d := range n.fixed {
		if d == in {
			chosen[n.p.order[pos]] = 1
			value += n.item(pos).Value
		}
	}
	for _, pos := range n.fill {
		chosen[n.p.order[pos]] = 1
		value += n.item(pos).Value
	}
	return pebbl.NewSolution(float64(value), chosen), nil
}

// SplitComputation branches on the fractional item: the first child
// includes it, the second excludes it. Integral subproblems (which
// are split only when enumerating) branch on their first free item.
func (n *node) SplitComputation(s *pebbl.Sub) (int, error) {
	if n.split < 0 {
		for pos, d := range n.fixed {
			if d == free {
				n.split = pos
				break
			}
		}
	}
	if n.split < 0 {
		return 0, nil
	}
	return 2, nil
}

// MakeChild fixes the split item in (which == 0) or out (which == 1).
func (n *node) MakeChild(s *pebbl.Sub, which int) (pebbl.Node, error) {
	if n.split < 0 || which < 0 || which > 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("knapsack: invalid child %d of %v (split %d)", which, s.ID, n.split))
	}
	child := &node{p: n.p, fixed: append([]byte(nil), n.fixed...), split: -1}
	if which == 0 {
		child.fixed[n.split] = in
	} else {
		child.fixed[n.split] = out
	}
	return child, nil
}

// PackSplit implements pebbl.Node.
func (n *node) PackSplit(b *pack.Buffer) {
	b.PutInt(n.split)
}

// UnpackSplit implements pebbl.Node.
func (n *node) UnpackSplit(r *pack.Reader) error {
	n.split = r.Int()
	if n.split < -1 || n.split >= len(n.p.order) {
		return errors.E(errors.Integrity, fmt.Sprintf("knapsack: split item %d out of range", n.split))
	}
	return r.Err()
}

// Pack implements pebbl.Node.
func (n *node) Pack(b *pack.Buffer) {
	b.PutBytes(n.fixed)
}

// Unpack implements pebbl.Node. The greedy completion is not
// transferred: candidate subproblems offer their solution where they
// are bounded.
func (n *node) Unpack(r *pack.Reader) error {
	n.fixed = r.Bytes()
	if err := r.Err(); err != nil {
		return err
	}
	if len(n.fixed) != len(n.p.order) {
		return errors.E(errors.Integrity, fmt.Sprintf("knapsack: %d decisions for %d items", len(n.fixed), len(n.p.order)))
	}
	for _, d := range n.fixed {
		if d > out {
			return errors.E(errors.Integrity, fmt.Sprintf("knapsack: invalid decision %d", d))
		}
	}
	return nil
}

// Value returns the total value and weight of the items selected by
// a solution's data.
func (p *Problem) Value(data []byte) (value, weight int, err error) {
	if len(data) != len(p.inst.Items) {
		return 0, 0, errors.E(errors.Invalid, fmt.Sprintf("knapsack: solution has %d items, want %d", len(data), len(p.inst.Items)))
	}
	for i, x := range data {
		if x == 1 {
			value += p.inst.Items[i].Value
			weight += p.inst.Items[i].Weight
		}
	}
	return value, weight, nil
}
