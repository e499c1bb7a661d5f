// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package pebbl implements a branch-and-bound search engine. A search
explores a dynamically generated tree of subproblems: each
subproblem is bounded (its relaxed objective is computed), pruned if
its bound cannot beat the best known solution (the incumbent), and
otherwise split into children.

Problems are supplied by implementing Problem and Node. The engine
owns the bookkeeping common to every problem: a subproblem's
identity, state, depth and children (Sub), the pool of pending
subproblems, the incumbent, and a repository of solutions used when
enumerating multiple near-optimal solutions.

A Branching solves a problem serially. Package
github.com/grailbio/pebbl/parallel distributes the same search
across ranks, in-process or on a bigmachine cluster.

Subproblems move through states monotonically:

	Boundable -> Bounded -> Separated -> Dead

A Boundable subproblem is bounded by Node.BoundComputation. A
Bounded subproblem is split by Node.SplitComputation, which decides
how many children it has. A Separated subproblem hands out children
(Node.MakeChild) until none are left, at which point it is Dead. Any
subproblem becomes Dead when it is pruned.
*/
package pebbl
