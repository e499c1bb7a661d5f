// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cotree implements resumable up/down traversals of a
// spanning tree of ranks. A Walker gathers one message from each of
// a rank's children, relays an aggregate to its parent, then waits
// for its parent's reply and relays derived messages to its
// children. The root performs a root action between the two phases.
//
// Walkers never block. Run performs every transition that is
// currently possible and returns when the walk must wait for a
// message; the owner calls Run again later. Global protocols
// (quiescence detection, checkpoint coordination, repository merges,
// result collection) share the same skeleton and differ only in
// their Hooks.
package cotree

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pebbl/bufq"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/pack"
)

// State is the state of a walk.
type State int

const (
	// Init is the state of a fresh or reset walker.
	Init State = iota
	// StartWait waits for the walk's start predicate.
	StartWait
	// UpLoop posts a receive for the next child's message.
	UpLoop
	// UpWait waits for a child's message.
	UpWait
	// UpRelay sends the aggregate to the parent, or performs the
	// root action.
	UpRelay
	// DownWait waits for the parent's message.
	DownWait
	// DownRelay sends messages to the children.
	DownRelay
	// Done is the state of a completed walk.
	Done
)

var stateNames = [...]string{
	Init:      "init",
	StartWait: "startWait",
	UpLoop:    "upLoop",
	UpWait:    "upWait",
	UpRelay:   "upRelay",
	DownWait:  "downWait",
	DownRelay: "downRelay",
	Done:      "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Hooks parameterize a walk. Nil hooks are no-ops; a nil
// ReadyToStart lets walks start immediately. Errors returned by
// hooks abort the walk and are returned by Run.
type Hooks struct {
	// ReadyToStart gates the start of the walk. It must not have
	// side effects.
	ReadyToStart func() bool
	// UpReceive is called with the message received from each child.
	UpReceive func(child int, r *pack.Reader) error
	// UpPack writes the message relayed to the parent.
	UpPack func(b *pack.Buffer) error
	// RootAction is performed by the root after the up phase.
	RootAction func() error
	// DownReceive is called with the message received from the
	// parent.
	DownReceive func(r *pack.Reader) error
	// DownPack writes the message sent to each child.
	DownPack func(child int, b *pack.Buffer) error
}

// A Walker drives walks of a Topology from one rank.
type Walker struct {
	name    string
	q       *bufq.Queue
	rank    int
	parent  int
	upTag   comm.Tag
	downTag comm.Tag
	hooks   Hooks

	children []int
	isChild  map[int]bool

	state  State
	left   int
	recv   *comm.Request
	rounds int
}

// New returns a walker for the rank of q's transport. Messages to
// parents are sent with upTag and messages to children with downTag.
func New(name string, q *bufq.Queue, topo Topology, upTag, downTag comm.Tag, hooks Hooks) *Walker {
	rank := q.Transport().Rank()
	w := &Walker{
		name:     name,
		q:        q,
		rank:     rank,
		parent:   topo.Parent(rank),
		upTag:    upTag,
		downTag:  downTag,
		hooks:    hooks,
		children: topo.Children(rank),
		isChild:  make(map[int]bool),
	}
	for _, c := range w.children {
		w.isChild[c] = true
	}
	return w
}

// State returns the walker's current state.
func (w *Walker) State() State { return w.state }

// Done tells whether the current walk is complete.
func (w *Walker) Done() bool { return w.state == Done }

// Idle tells whether the walker is between walks.
func (w *Walker) Idle() bool { return w.state == Init || w.state == Done }

// Rounds returns the number of completed walks.
func (w *Walker) Rounds() int { return w.rounds }

// IsRoot tells whether the walker's rank is the root of the tree.
func (w *Walker) IsRoot() bool { return w.parent < 0 }

// Run advances the walk as far as possible. It returns true once the
// walk is done. Calling Run while the walk waits for a message that
// has not arrived has no effect.
func (w *Walker) Run(ctx context.Context) (bool, error) {
	for {
		switch w.state {
		case Init:
			w.left = len(w.children)
			w.state = StartWait
		case StartWait:
			if w.hooks.ReadyToStart != nil && !w.hooks.ReadyToStart() {
				return false, nil
			}
			w.state = UpLoop
		case UpLoop:
			if w.left == 0 {
				w.state = UpRelay
				continue
			}
			w.recv = w.q.Transport().Irecv(comm.AnySource, w.upTag)
			w.state = UpWait
		case UpWait:
			r, err := w.take()
			if r == nil || err != nil {
				return false, err
			}
			child := w.recv.Source()
			w.recv = nil
			if !w.isChild[child] {
				return false, comm.Fatal(comm.UnexpectedMessage, w.name+".upReceive", fmt.Sprintf("message from non-child %d", child))
			}
			if w.hooks.UpReceive != nil {
				if err := w.hooks.UpReceive(child, r); err != nil {
					return false, err
				}
			}
			if err := r.Err(); err != nil {
				return false, comm.Fatal(comm.Corrupt, w.name+".upReceive", err)
			}
			w.left--
			w.state = UpLoop
		case UpRelay:
			if w.parent < 0 {
				if w.hooks.RootAction != nil {
					if err := w.hooks.RootAction(); err != nil {
						return false, err
					}
				}
				w.state = DownRelay
				continue
			}
			buf := w.q.GetFree()
			if w.hooks.UpPack != nil {
				if err := w.hooks.UpPack(buf); err != nil {
					return false, err
				}
			}
			if err := w.q.Send(ctx, buf, w.parent, w.upTag); err != nil {
				return false, err
			}
			w.recv = w.q.Transport().Irecv(w.parent, w.downTag)
			w.state = DownWait
		case DownWait:
			r, err := w.take()
			if r == nil || err != nil {
				return false, err
			}
			w.recv = nil
			if w.hooks.DownReceive != nil {
				if err := w.hooks.DownReceive(r); err != nil {
					return false, err
				}
			}
			if err := r.Err(); err != nil {
				return false, comm.Fatal(comm.Corrupt, w.name+".downReceive", err)
			}
			w.state = DownRelay
		case DownRelay:
			for _, child := range w.children {
				buf := w.q.GetFree()
				if w.hooks.DownPack != nil {
					if err := w.hooks.DownPack(child, buf); err != nil {
						return false, err
					}
				}
				if err := w.q.Send(ctx, buf, child, w.downTag); err != nil {
					return false, err
				}
			}
			w.rounds++
			w.state = Done
			log.Debug.Printf("cotree %s: rank %d: walk %d done", w.name, w.rank, w.rounds)
		case Done:
			return true, nil
		default:
			log.Panicf("cotree %s: invalid state %v", w.name, w.state)
		}
	}
}

// take returns a reader for the pending receive if it has completed.
func (w *Walker) take() (*pack.Reader, error) {
	if !w.recv.Test() {
		return nil, nil
	}
	if err := w.recv.Err(); err != nil {
		return nil, comm.Fatal(comm.TransportFailure, w.name+".recv", err)
	}
	return pack.NewReader(w.recv.Bytes()), nil
}

// Reset prepares the walker for another walk. Resetting a walker in
// the middle of a walk is a programming error.
func (w *Walker) Reset() {
	if !w.Idle() {
		log.Panicf("cotree %s: reset in state %v", w.name, w.state)
	}
	w.state = Init
}

// Close releases the walker. Closing a walker in the middle of a
// walk is a programming error.
func (w *Walker) Close() {
	if !w.Idle() {
		log.Panicf("cotree %s: closed in state %v", w.name, w.state)
	}
	w.state = Done
}

// Abandon cancels the current walk, if any. It is used during
// teardown, when the protocol cannot be completed.
func (w *Walker) Abandon() {
	if w.recv != nil {
		w.recv.Cancel()
		w.recv = nil
	}
	w.state = Done
}
