// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cotree

import "fmt"

// A Topology is a spanning tree over the ranks of a cluster. It is
// purely logical and independent of the physical network.
type Topology interface {
	// Size returns the number of ranks spanned by the tree.
	Size() int
	// Root returns the rank of the tree's root.
	Root() int
	// Parent returns the parent of rank, or -1 if rank is the root.
	Parent(rank int) int
	// Children returns the children of rank in ascending order.
	Children(rank int) []int
}

// Nary is a complete tree of the given fanout rooted at rank 0, in
// which the children of rank r are ranks fanout*r+1 through
// fanout*r+fanout.
type Nary struct {
	size, fanout int
}

// NewNary returns a Nary topology over size ranks. It panics if size
// or fanout is not positive.
func NewNary(size, fanout int) Nary {
	if size <= 0 || fanout <= 0 {
		panic(fmt.Sprintf("cotree.NewNary: invalid size %d or fanout %d", size, fanout))
	}
	return Nary{size, fanout}
}

// Size implements Topology.
func (t Nary) Size() int { return t.size }

// Root implements Topology.
func (t Nary) Root() int { return 0 }

// Parent implements Topology.
func (t Nary) Parent(rank int) int {
	if rank == 0 {
		return -1
	}
	return (rank - 1) / t.fanout
}

// Children implements Topology.
func (t Nary) Children(rank int) []int {
	var children []int
	for c := t.fanout*rank + 1; c <= t.fanout*rank+t.fanout && c < t.size; c++ {
		children = append(children, c)
	}
	return children
}

// Neighbors returns the tree neighbors of rank: its parent (if any)
// followed by its children.
func Neighbors(t Topology, rank int) []int {
	var ns []int
	if p := t.Parent(rank); p >= 0 {
		ns = append(ns, p)
	}
	return append(ns, t.Children(rank)...)
}
