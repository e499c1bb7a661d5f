// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import (
	"container/heap"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pebbl/comm"
)

// Order is the order in which a pool selects subproblems.
type Order int

const (
	// BestFirst selects the subproblem with the best bound, breaking
	// ties by depth (deepest first), then by ID.
	BestFirst Order = iota
	// DepthFirst selects the most recently inserted subproblem.
	DepthFirst
	// BreadthFirst selects the least recently inserted subproblem.
	BreadthFirst
)

func (o Order) String() string {
	switch o {
	case BestFirst:
		return "best"
	case DepthFirst:
		return "depth"
	case BreadthFirst:
		return "breadth"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// ParseOrder parses the names returned by Order.String.
func ParseOrder(s string) (Order, error) {
	for _, o := range []Order{BestFirst, DepthFirst, BreadthFirst} {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("invalid search order %q", s))
}

// subHeap is a heap of subproblems ordered best bound first.
type subHeap struct {
	sense Sense
	subs  []*Sub
}

func (h *subHeap) Len() int { return len(h.subs) }
func (h *subHeap) Less(i, j int) bool {
	a, b := h.subs[i], h.subs[j]
	if a.Bound != b.Bound {
		return h.sense.Better(a.Bound, b.Bound)
	}
	if a.Depth != b.Depth {
		return a.Depth > b.Depth
	}
	return a.ID.Less(b.ID)
}
func (h *subHeap) Swap(i, j int) { h.subs[i], h.subs[j] = h.subs[j], h.subs[i] }
func (h *subHeap) Push(x interface{}) {
	h.subs = append(h.subs, x.(*Sub))
}
func (h *subHeap) Pop() interface{} {
	n := len(h.subs)
	s := h.subs[n-1]
	h.subs[n-1] = nil
	h.subs = h.subs[:n-1]
	return s
}

// A Pool holds the pending subproblems of a rank.
type Pool struct {
	order Order
	heap  subHeap
	// head indexes the front of a breadth-first queue.
	head int
}

// NewPool returns an empty pool with the provided selection order.
func NewPool(sense Sense, order Order) *Pool {
	return &Pool{order: order, heap: subHeap{sense: sense}}
}

// Len returns the number of subproblems in the pool.
func (p *Pool) Len() int { return len(p.heap.subs) - p.head }

// Insert adds s to the pool.
func (p *Pool) Insert(s *Sub) {
	if p.order == BestFirst {
		heap.Push(&p.heap, s)
		return
	}
	p.heap.subs = append(p.heap.subs, s)
}

// Select removes and returns the next subproblem. Selecting from an
// empty pool is a fatal error.
func (p *Pool) Select() (*Sub, error) {
	if p.Len() == 0 {
		return nil, comm.Fatal(comm.PoolUnderflow, "Pool.Select", nil)
	}
	switch p.order {
	case BestFirst:
		return heap.Pop(&p.heap).(*Sub), nil
	case DepthFirst:
		return p.heap.Pop().(*Sub), nil
	}
	s := p.heap.subs[p.head]
	p.heap.subs[p.head] = nil
	p.head++
	if p.head == len(p.heap.subs) {
		p.heap.subs = p.heap.subs[:0]
		p.head = 0
	} else if p.head > 1024 && 2*p.head > len(p.heap.subs) {
		n := copy(p.heap.subs, p.heap.subs[p.head:])
		p.heap.subs = p.heap.subs[:n]
		p.head = 0
	}
	return s, nil
}

// Peek returns the subproblem that would next be selected, or nil.
func (p *Pool) Peek() *Sub {
	if p.Len() == 0 {
		return nil
	}
	switch p.order {
	case BestFirst:
		return p.heap.subs[0]
	case DepthFirst:
		return p.heap.subs[len(p.heap.subs)-1]
	}
	return p.heap.subs[p.head]
}

// Each calls fn for every subproblem in the pool, in no particular
// order.
func (p *Pool) Each(fn func(*Sub)) {
	for _, s := range p.heap.subs[p.head:] {
		fn(s)
	}
}

// Prune removes the subproblems for which fathom returns true and
// returns them.
func (p *Pool) Prune(fathom func(*Sub) bool) []*Sub {
	var (
		pruned []*Sub
		kept   = p.heap.subs[:0]
	)
	for _, s := range p.heap.subs[p.head:] {
		if fathom(s) {
			pruned = append(pruned, s)
		} else {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(p.heap.subs); i++ {
		p.heap.subs[i] = nil
	}
	p.heap.subs = kept
	p.head = 0
	if p.order == BestFirst {
		heap.Init(&p.heap)
	}
	return pruned
}

// Clear removes and returns every subproblem.
func (p *Pool) Clear() []*Sub {
	return p.Prune(func(*Sub) bool { return true })
}
