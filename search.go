// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import (
	"fmt"
	"math"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pebbl/pack"
	"github.com/grailbio/pebbl/stats"
)

// Names of the search counters.
const (
	StatBounded    = "bounded"
	StatSplit      = "split"
	StatPruned     = "pruned"
	StatCreated    = "created"
	StatInfeasible = "infeasible"
	StatSolutions  = "solutions"
	StatIncumbents = "incumbents"
)

// A Result is the outcome of a search.
type Result struct {
	// Value is the incumbent value: the value of the best solution,
	// or the sense's worst value if none was found.
	Value float64
	// Solution is the best solution found, or nil.
	Solution *Solution
	// Solutions are the retained solutions, best first. Without
	// enumeration, it contains at most the best solution.
	Solutions []*Solution
	// Stats are the search counters, summed across ranks.
	Stats stats.Values
	// AbortReason is non-empty if the search was aborted.
	AbortReason string
	// TerminationInfo describes how the search ended.
	TerminationInfo string
}

// A Search holds the state of a branch-and-bound search on one rank:
// its pool of subproblems, incumbent, solution repository, and
// counters. It performs units of work on subproblems; the driving
// loop (serial or parallel) decides which subproblems to work on.
type Search struct {
	Problem    Problem
	Params     Params
	Sense      Sense
	Rank       int
	Pool       *Pool
	Incumbent  *Incumbent
	Repository *Repository
	IDs        *IDGen
	Stats      *stats.Map

	// route, if set, is called with each solution found locally in
	// place of accepting it locally.
	route func(*Solution) error
	// improved, if set, is called when the local incumbent improves.
	improved func(value float64)

	// cutoff is an enumeration threshold learned from other ranks.
	hasCutoff bool
	cutoff    float64

	solSerial int64
	start     time.Time
	aborted   string

	bounded, split, pruned, created, infeasible, solutions, incumbents *stats.Int
}

// NewSearch returns a search of problem on the provided rank.
func NewSearch(problem Problem, params Params, rank int) (*Search, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	x := &Search{
		Problem: problem,
		Params:  params,
		Sense:   problem.Sense(),
		Rank:    rank,
		Stats:   stats.NewMap(),
	}
	x.bounded = x.Stats.Int(StatBounded)
	x.split = x.Stats.Int(StatSplit)
	x.pruned = x.Stats.Int(StatPruned)
	x.created = x.Stats.Int(StatCreated)
	x.infeasible = x.Stats.Int(StatInfeasible)
	x.solutions = x.Stats.Int(StatSolutions)
	x.incumbents = x.Stats.Int(StatIncumbents)
	x.Reset()
	return x, nil
}

// Reset discards all search state.
func (x *Search) Reset() {
	x.Pool = NewPool(x.Sense, x.Params.Order)
	x.Incumbent = NewIncumbent(x.Sense, x.Params.RelTolerance, x.Params.AbsTolerance)
	x.Repository = NewRepository(x.Sense, x.Params.EnumCount)
	if x.Params.HasEnumCutoff {
		x.Repository.SetCutoff(x.Params.EnumCutoff)
	}
	x.IDs = NewIDGen(x.Rank)
	x.Stats.Restore(nil)
	x.hasCutoff = false
	x.solSerial = 0
	x.aborted = ""
	x.start = time.Now()
}

// SetHooks installs hooks used by distributed searches. Route, if
// non-nil, receives every solution found locally instead of the
// local repository. Improved, if non-nil, is called whenever the
// local incumbent improves.
func (x *Search) SetHooks(route func(*Solution) error, improved func(value float64)) {
	x.route = route
	x.improved = improved
}

// Enumerating tells whether the search enumerates solutions.
func (x *Search) Enumerating() bool { return x.Params.Enumerating() }

// NewRoot returns the root subproblem.
func (x *Search) NewRoot() (*Sub, error) {
	node, err := x.Problem.Root()
	if err != nil {
		return nil, err
	}
	x.created.Add(1)
	return &Sub{
		Bound: x.Sense.Best(),
		ID:    x.IDs.Next(),
		State: Boundable,
		Node:  node,
	}, nil
}

// SetCutoff records an enumeration threshold learned from other
// ranks: no bound that fails to beat value can contribute a
// solution. Only improvements are recorded.
func (x *Search) SetCutoff(value float64) bool {
	if x.hasCutoff && !x.Sense.Better(value, x.cutoff) {
		return false
	}
	x.hasCutoff = true
	x.cutoff = value
	return true
}

// Cutoff returns the enumeration threshold learned from other ranks.
func (x *Search) Cutoff() (float64, bool) { return x.cutoff, x.hasCutoff }

// CanFathom tells whether a subproblem with the provided bound can
// be pruned.
func (x *Search) CanFathom(bound float64) bool {
	if !x.Enumerating() {
		return x.Incumbent.CanFathom(bound)
	}
	if x.Params.HasEnumCutoff && x.Sense.Better(x.Params.EnumCutoff, bound) {
		return true
	}
	if last, ok := x.Repository.Last(); ok && !x.Sense.Better(bound, last) {
		return true
	}
	return x.hasCutoff && !x.Sense.Better(bound, x.cutoff)
}

// Offer offers a solution found on this rank.
func (x *Search) Offer(sol *Solution) error {
	x.solSerial++
	sol.Owner = x.Rank
	sol.Serial = x.solSerial
	x.solutions.Add(1)
	if x.route != nil {
		return x.route(sol)
	}
	x.Accept(sol)
	return nil
}

// Accept accepts a solution into the local repository and updates
// the incumbent. It tells whether the repository accepted it.
func (x *Search) Accept(sol *Solution) bool {
	ok := x.Repository.Offer(sol)
	if ok || !x.Enumerating() {
		x.UpdateIncumbent(sol.Value, sol)
	}
	return ok
}

// UpdateIncumbent updates the incumbent value, which may have been
// found by another rank (in which case sol is nil). It tells whether
// the incumbent improved.
func (x *Search) UpdateIncumbent(value float64, sol *Solution) bool {
	if !x.Incumbent.Update(value, sol) {
		return false
	}
	x.incumbents.Add(1)
	if sol != nil && x.improved != nil {
		x.improved(value)
	}
	return true
}

func (x *Search) prune(s *Sub) {
	s.State = Dead
	x.pruned.Add(1)
}

// PruneLocal removes every fathomable subproblem from the pool and
// returns the number removed.
func (x *Search) PruneLocal() int {
	pruned := x.Pool.Prune(func(s *Sub) bool { return x.CanFathom(s.Bound) })
	for _, s := range pruned {
		x.prune(s)
	}
	return len(pruned)
}

// Step performs one unit of work on s, which has been removed from
// the pool: a Boundable subproblem is bounded, a Bounded subproblem
// is split, and a Separated subproblem is expanded into its
// remaining children. Subproblems that have work left, including
// new children, are inserted into the pool. Fathomable subproblems
// are pruned.
func (x *Search) Step(s *Sub) error {
	if s.State == Dead {
		return nil
	}
	if x.CanFathom(s.Bound) {
		x.prune(s)
		return nil
	}
	switch s.State {
	case Boundable:
		if err := x.bound(s); err != nil {
			return err
		}
		if s.State == Dead {
			return nil
		}
		if x.CanFathom(s.Bound) {
			x.prune(s)
			return nil
		}
	case Bounded:
		n, err := s.Node.SplitComputation(s)
		if err != nil {
			return err
		}
		x.split.Add(1)
		if n <= 0 {
			s.State = Dead
			return nil
		}
		s.TotalChildren, s.ChildrenLeft, s.SplitGenItem = n, n, 0
		s.State = Separated
	case Separated:
		for s.ChildrenLeft > 0 {
			child, err := x.MakeChild(s)
			if err != nil {
				return err
			}
			x.Pool.Insert(child)
		}
		return nil
	}
	x.Pool.Insert(s)
	return nil
}

// MakeChild makes the next child of the separated subproblem s.
func (x *Search) MakeChild(s *Sub) (*Sub, error) {
	child, err := s.MakeChild(x.IDs)
	if err != nil {
		return nil, err
	}
	x.created.Add(1)
	return child, nil
}

// PackChild packs the next child of the separated subproblem s.
func (x *Search) PackChild(b *pack.Buffer, s *Sub) error {
	if err := s.PackChildGeneric(b, x.IDs, x.Enumerating()); err != nil {
		return err
	}
	x.created.Add(1)
	return nil
}

func (x *Search) bound(s *Sub) error {
	before := s.Bound
	if err := s.Node.BoundComputation(s); err != nil {
		return err
	}
	x.bounded.Add(1)
	if s.State == Dead {
		x.infeasible.Add(1)
		return nil
	}
	if s.State == Boundable {
		s.State = Bounded
	}
	if x.Params.ValidateBounds && s.Depth > 0 {
		slack := 1e-9 * math.Max(1, math.Abs(before))
		if x.Sense.Better(s.Bound, x.Sense.Improve(before, slack)) {
			return errors.E(errors.Fatal, errors.Invalid,
				fmt.Sprintf("pebbl: bound %g of %v is better than its parent's bound %g", s.Bound, s.ID, before))
		}
	}
	if !s.SplitInitial && s.Node.CandidateSolution(s) {
		s.SplitInitial = true
		sol, err := s.Node.ExtractSolution(s)
		if err != nil {
			return err
		}
		if err := x.Offer(sol); err != nil {
			return err
		}
	}
	return nil
}

// CheckLimits returns an abort reason if the search exceeded its
// limits.
func (x *Search) CheckLimits() string {
	if max := x.Params.MaxSubproblems; max > 0 && x.bounded.Get() >= max {
		return fmt.Sprintf("bounded %d subproblems (limit %d)", x.bounded.Get(), max)
	}
	if max := x.Params.MaxWallTime; max > 0 && time.Since(x.start) >= max {
		return fmt.Sprintf("exceeded wall time limit %v", max)
	}
	return ""
}

// Abort records reason (the first reason recorded wins) and
// abandons every pending subproblem. It returns the number of
// subproblems abandoned.
func (x *Search) Abort(reason string) int {
	if x.aborted == "" {
		x.aborted = reason
	}
	return len(x.Pool.Clear())
}

// AbortReason returns the reason the search was aborted, if any.
func (x *Search) AbortReason() string { return x.aborted }

// Elapsed returns the time since the search was reset.
func (x *Search) Elapsed() time.Duration { return time.Since(x.start) }

// Result returns the search's local result.
func (x *Search) Result() *Result {
	res := &Result{
		Value:       x.Incumbent.Value,
		Solutions:   x.Repository.Solutions(),
		Stats:       x.Stats.Snapshot(),
		AbortReason: x.aborted,
	}
	res.Solution = x.Repository.Best()
	if res.Solution != nil && x.Sense.Better(res.Solution.Value, res.Value) {
		res.Value = res.Solution.Value
	}
	res.TerminationInfo = TerminationInfo(x.Sense, x.Enumerating(), res)
	return res
}

// TerminationInfo describes the outcome of a search.
func TerminationInfo(sense Sense, enumerating bool, res *Result) string {
	switch {
	case res.AbortReason != "":
		return "aborted: " + res.AbortReason
	case len(res.Solutions) == 0 && math.IsInf(res.Value, 0):
		return "no feasible solution"
	case enumerating:
		return fmt.Sprintf("enumerated %d solutions", len(res.Solutions))
	default:
		return fmt.Sprintf("optimal value %g", res.Value)
	}
}

// PackState writes the search state that must survive a restart:
// counters, ID numbering, incumbent, repository, enumeration cutoff
// and pool.
func (x *Search) PackState(b *pack.Buffer) {
	x.Stats.Snapshot().Pack(b)
	b.PutInt64(x.IDs.Last())
	b.PutInt64(x.solSerial)
	b.PutFloat64(x.Incumbent.Value)
	b.PutBool(x.Incumbent.Solution != nil)
	if x.Incumbent.Solution != nil {
		x.Incumbent.Solution.Pack(b)
	}
	x.Repository.Pack(b)
	b.PutBool(x.hasCutoff)
	b.PutFloat64(x.cutoff)
	b.PutInt(x.Pool.Len())
	x.Pool.Each(func(s *Sub) { s.Pack(b, x.Enumerating()) })
}

// UnpackState restores state written by PackState, replacing the
// current state.
func (x *Search) UnpackState(r *pack.Reader) error {
	x.Reset()
	vals := make(stats.Values)
	if err := vals.Unpack(r); err != nil {
		return err
	}
	x.Stats.Restore(vals)
	x.IDs.Restore(r.Int64())
	x.solSerial = r.Int64()
	value := r.Float64()
	var sol *Solution
	if r.Bool() {
		var err error
		if sol, err = UnpackSolution(r); err != nil {
			return err
		}
	}
	x.Incumbent.Value = value
	x.Incumbent.Solution = sol
	sols, err := UnpackSolutions(r)
	if err != nil {
		return err
	}
	x.Repository.Merge(sols)
	x.hasCutoff = r.Bool()
	x.cutoff = r.Float64()
	n := r.Int()
	for i := 0; i < n && r.Err() == nil; i++ {
		s, err := UnpackSub(r, x.Problem, x.Enumerating())
		if err != nil {
			return err
		}
		x.Pool.Insert(s)
	}
	return r.Err()
}
