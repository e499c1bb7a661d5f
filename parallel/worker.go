// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/bufq"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/cotree"
	"github.com/grailbio/pebbl/pack"
)

// shouldRelease decides whether the children of a separated
// subproblem are released to a hub rather than expanded locally.
// Workers with fewer than MinWorkerLoad pooled subproblems keep their
// work. Workers loaded beyond RebalLoadFac times their cluster's
// average always release, as do workers whose cluster holds no
// tokens; others release with probability TargetScatterProb.
func (c *Coordinator) shouldRelease() bool {
	if c.size == 1 || c.paused || c.aborted || c.Pool.Len() < c.params.MinWorkerLoad {
		return false
	}
	if load := float64(c.Pool.Len()); load > c.params.RebalLoadFac*c.clusterLoad {
		return true
	}
	prob := c.params.TargetScatterProb
	if c.clusterTokens == 0 {
		prob = 1
	}
	return c.rand.Float64() < prob
}

// releaseHub returns the hub to which released work is sent: the
// worker's own hub, or with probability GlobalScatterProb a random
// other hub.
func (c *Coordinator) releaseHub() int {
	if len(c.hubs) > 1 && c.rand.Float64() < c.params.GlobalScatterProb {
		for {
			if h := c.hubs[c.rand.Intn(len(c.hubs))]; h != c.hub {
				return h
			}
		}
	}
	return c.hub
}

// release parks s in the arena and sends a token for it to a hub.
func (c *Coordinator) release(ctx context.Context, s *pebbl.Sub) error {
	handle := c.nextHandle
	c.nextHandle++
	c.arena[handle] = s
	t := newToken(s, c.rank, handle)
	dest := c.releaseHub()
	t.Pack(c.tokenQ.Segment(dest))
	c.tokensSent.Add(1)
	log.Debug.Printf("pebbl: rank %d: release %v to hub %d", c.rank, t, dest)
	return c.tokenQ.SegmentDone(ctx, dest)
}

// donate releases up to k of the best local subproblems in response
// to a rebalance request, keeping at least one.
func (c *Coordinator) donate(ctx context.Context, k int) error {
	if c.paused || c.aborted {
		return nil
	}
	if max := c.Pool.Len() - 1; k > max {
		k = max
	}
	for i := 0; i < k; i++ {
		s, err := c.Pool.Select()
		if err != nil {
			return err
		}
		if c.CanFathom(s.Bound) {
			if err := c.Step(s); err != nil {
				return err
			}
			continue
		}
		if err := c.release(ctx, s); err != nil {
			return err
		}
	}
	if k > 0 {
		c.rebalanced.Add(int64(k))
	}
	return nil
}

// reportLoad reports an empty pool to the worker's hub once each
// time the pool drains.
func (c *Coordinator) reportLoad(ctx context.Context) error {
	if c.Pool.Len() > 0 {
		c.reportedEmpty = false
		return nil
	}
	if c.reportedEmpty || c.paused || c.size == 1 {
		return nil
	}
	c.reportedEmpty = true
	return c.sendLoad(ctx, false)
}

// sendLoad sends the worker's load to its hub.
func (c *Coordinator) sendLoad(ctx context.Context, solicited bool) error {
	load := c.Pool.Len()
	if c.hub == c.rank {
		c.workerLoad(c.rank, load, solicited)
		return nil
	}
	return c.send(ctx, c.hub, comm.TagHub, workerLoadSignal, func(b *pack.Buffer) {
		b.PutInt(load)
		b.PutBool(solicited)
	})
}

// handleWork handles the work tag: dispatch requests from hubs, and
// subproblems transferred from their owners.
func (c *Coordinator) handleWork(source int, sig signal, r *pack.Reader) error {
	switch sig {
	case dispatchSignal:
		handle := r.Int64()
		dest := r.Int()
		if err := r.Err(); err != nil {
			return comm.Fatal(comm.Corrupt, "work.dispatch", err)
		}
		return c.dispatch(c.ctx, handle, dest)
	case subproblemSignal:
		return bufq.ReadSegments(r, func(r *pack.Reader) error {
			s, err := pebbl.UnpackSub(r, c.Problem, c.Enumerating())
			if err != nil {
				return err
			}
			if c.aborted {
				return nil
			}
			c.Pool.Insert(s)
			return nil
		})
	default:
		return unknownSignal("work", comm.TagWork, sig)
	}
}

// dispatch sends the work parked under handle to dest, as directed
// by a hub. A negative dest discards the work.
func (c *Coordinator) dispatch(ctx context.Context, handle int64, dest int) error {
	s := c.arena[handle]
	if s == nil {
		if c.aborted {
			return nil
		}
		return comm.Fatal(comm.UnexpectedMessage, "work.dispatch", fmt.Sprintf("no parked subproblem %d", handle))
	}
	delete(c.arena, handle)
	switch {
	case dest < 0:
		s.State = pebbl.Dead
	case dest == c.rank:
		c.Pool.Insert(s)
	case dest >= c.size:
		return comm.Fatal(comm.Corrupt, "work.dispatch", fmt.Sprintf("destination %d of %d ranks", dest, c.size))
	case s.State == pebbl.Separated:
		for s.ChildrenLeft > 0 {
			if err := c.PackChild(c.subQ.Segment(dest), s); err != nil {
				return err
			}
			c.transferred.Add(1)
			if err := c.subQ.SegmentDone(ctx, dest); err != nil {
				return err
			}
		}
	default:
		s.Pack(c.subQ.Segment(dest), c.Enumerating())
		c.transferred.Add(1)
		if err := c.subQ.SegmentDone(ctx, dest); err != nil {
			return err
		}
	}
	return nil
}

// improved floods a locally improved incumbent along the tree.
func (c *Coordinator) improved(value float64) {
	c.boundsGen++
	if err := c.flood(c.ctx, value, c.rank, -1); err != nil {
		c.fail(comm.Fatal(comm.TransportFailure, "incumbent.flood", err))
	}
}

// flood sends an incumbent value, found by rank finder, to every
// tree neighbor except from.
func (c *Coordinator) flood(ctx context.Context, value float64, finder, from int) error {
	for _, r := range cotree.Neighbors(c.topo, c.rank) {
		if r == from {
			continue
		}
		if err := c.send(ctx, r, comm.TagIncumbent, incumbentSignal, func(b *pack.Buffer) {
			b.PutFloat64(value)
			b.PutInt(finder)
		}); err != nil {
			return err
		}
	}
	return nil
}

// handleIncumbent relays strict improvements of the incumbent.
func (c *Coordinator) handleIncumbent(source int, sig signal, r *pack.Reader) error {
	if sig != incumbentSignal {
		return unknownSignal("incumbent", comm.TagIncumbent, sig)
	}
	value, finder := r.Float64(), r.Int()
	if err := r.Err(); err != nil {
		return comm.Fatal(comm.Corrupt, "incumbent", err)
	}
	if !c.UpdateIncumbent(value, nil) {
		return nil
	}
	log.Debug.Printf("pebbl: rank %d: incumbent %g found by rank %d, from %d", c.rank, value, finder, source)
	c.boundsGen++
	return c.flood(c.ctx, value, finder, source)
}
