// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/cotree"
	"github.com/grailbio/pebbl/pack"
)

// When enumerating, the repository is distributed: each solution is
// owned by the rank Identifier % size, which deduplicates it and
// retains it if it is among its k best. Because an owner's k-th best
// value bounds the global k-th best, owners broadcast improvements of
// it as enumeration cutoffs. Periodic merges along the tree compute
// the global k-th best, and after termination every rank forwards
// its solutions to the root.

func (c *Coordinator) owner(sol *pebbl.Solution) int {
	return int(sol.Identifier % uint64(c.size))
}

// route sends a solution found on this rank to its owner.
func (c *Coordinator) route(sol *pebbl.Solution) error {
	owner := c.owner(sol)
	if owner == c.rank {
		return c.acceptOwned(c.ctx, sol)
	}
	c.unacked++
	return c.send(c.ctx, owner, comm.TagRepository, hashSolSignal, func(b *pack.Buffer) { sol.Pack(b) })
}

// acceptOwned accepts a solution owned by this rank, broadcasting
// the new cutoff if the rank's k-th best value improved.
func (c *Coordinator) acceptOwned(ctx context.Context, sol *pebbl.Solution) error {
	if !c.Accept(sol) {
		return nil
	}
	last, ok := c.Repository.Last()
	if !ok || !c.SetCutoff(last) {
		return nil
	}
	c.boundsGen++
	return c.broadcast(ctx, comm.TagRepository, newLastSolSignal, func(b *pack.Buffer) { b.PutFloat64(last) })
}

// handleRepository handles the repository tag.
func (c *Coordinator) handleRepository(source int, sig signal, r *pack.Reader) error {
	ctx := c.ctx
	switch sig {
	case hashSolSignal:
		sol, err := pebbl.UnpackSolution(r)
		if err != nil {
			return comm.Fatal(comm.Corrupt, "reposRecv.hashSol", err)
		}
		if c.owner(sol) != c.rank {
			return comm.Fatal(comm.UnexpectedMessage, "reposRecv.hashSol", fmt.Sprintf("solution %v owned by rank %d", sol, c.owner(sol)))
		}
		if err := c.acceptOwned(ctx, sol); err != nil {
			return err
		}
		return c.send(ctx, source, comm.TagRepository, ackSolSignal, nil)
	case ackSolSignal:
		if c.unacked == 0 {
			return comm.Fatal(comm.UnexpectedMessage, "reposRecv.ackSol", fmt.Sprintf("unsolicited acknowledgment from %d", source))
		}
		c.unacked--
		return nil
	case newLastSolSignal:
		last := r.Float64()
		if err := r.Err(); err != nil {
			return comm.Fatal(comm.Corrupt, "reposRecv.newLastSol", err)
		}
		if c.SetCutoff(last) {
			c.boundsGen++
		}
		return nil
	case forwardSolSignal:
		if c.rank != c.topo.Root() || !c.terminated {
			return comm.Fatal(comm.UnexpectedMessage, "reposRecv.forwardSol", fmt.Sprintf("forwarded solutions from %d", source))
		}
		sols, err := pebbl.UnpackSolutions(r)
		if err != nil {
			return comm.Fatal(comm.Corrupt, "reposRecv.forwardSol", err)
		}
		c.Repository.Merge(sols)
		c.forwards++
		return nil
	case reposArraySignal:
		return comm.Fatal(comm.UnexpectedMessage, "reposRecv", "repository array outside the merge tree")
	default:
		return unknownSignal("reposRecv", comm.TagRepository, sig)
	}
}

// mergeNow tells whether a repository merge is due.
func (c *Coordinator) mergeNow() bool {
	return c.Enumerating() && !c.paused && time.Since(c.lastMerge) >= c.params.MergeInterval
}

func (c *Coordinator) mergeHooks() cotree.Hooks {
	expect := func(op string, r *pack.Reader) error {
		if sig := readSignal(r); sig != reposArraySignal {
			return unknownSignal(op, comm.TagMergeUp, sig)
		}
		return nil
	}
	return cotree.Hooks{
		ReadyToStart: c.mergeNow,
		UpReceive: func(child int, r *pack.Reader) error {
			if err := expect("reposMerge.up", r); err != nil {
				return err
			}
			sols, err := pebbl.UnpackSolutions(r)
			if err != nil {
				return comm.Fatal(comm.Corrupt, "reposMerge.up", err)
			}
			c.mergeRepo.Merge(sols)
			return nil
		},
		UpPack: func(b *pack.Buffer) error {
			c.mergeRepo.Merge(c.Repository.Solutions())
			putSignal(b, reposArraySignal)
			c.mergeRepo.Pack(b)
			return nil
		},
		RootAction: func() error {
			c.mergeRepo.Merge(c.Repository.Solutions())
			c.mergeLast, c.mergeFull = c.mergeRepo.Last()
			return nil
		},
		DownReceive: func(r *pack.Reader) error {
			if err := expect("reposMerge.down", r); err != nil {
				return err
			}
			c.mergeFull = r.Bool()
			c.mergeLast = r.Float64()
			return nil
		},
		DownPack: func(child int, b *pack.Buffer) error {
			putSignal(b, reposArraySignal)
			b.PutBool(c.mergeFull)
			b.PutFloat64(c.mergeLast)
			return nil
		},
	}
}

// runMerge advances the repository merge protocol. When a merge
// completes, every rank adopts the global k-th best value as its
// cutoff.
func (c *Coordinator) runMerge(ctx context.Context) (bool, error) {
	done, changed, err := run(ctx, c.merge)
	if err != nil || !done {
		return changed, err
	}
	if c.mergeFull && c.SetCutoff(c.mergeLast) {
		c.boundsGen++
		log.Debug.Printf("pebbl: rank %d: merged cutoff %g", c.rank, c.mergeLast)
	}
	c.merge.Reset()
	c.mergeRepo = pebbl.NewRepository(c.Sense, c.params.EnumCount)
	c.mergeFull = false
	c.lastMerge = time.Now()
	return true, nil
}
