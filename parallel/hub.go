// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pebbl/bufq"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/pack"
)

// handleHub handles the hub tag: token batches from workers, worker
// load reports, and (on the root) replies to termination checks.
func (c *Coordinator) handleHub(source int, sig signal, r *pack.Reader) error {
	switch sig {
	case tokenSignal:
		if !c.isHub {
			return comm.Fatal(comm.UnexpectedMessage, "hub.token", fmt.Sprintf("rank %d is not a hub", c.rank))
		}
		return bufq.ReadSegments(r, func(r *pack.Reader) error {
			t, err := UnpackToken(r)
			if err != nil {
				return err
			}
			c.tokensReceived.Add(1)
			if c.aborted {
				return nil
			}
			if c.CanFathom(t.Bound) {
				return c.sendDispatch(c.ctx, t, -1)
			}
			c.tokens.insert(t)
			return nil
		})
	case workerLoadSignal:
		load := r.Int()
		solicited := r.Bool()
		if err := r.Err(); err != nil {
			return comm.Fatal(comm.Corrupt, "hub.workerLoad", err)
		}
		if !c.isHub || c.loads[source] == nil {
			return comm.Fatal(comm.UnexpectedMessage, "hub.workerLoad", fmt.Sprintf("load report from %d, not served by rank %d", source, c.rank))
		}
		c.workerLoad(source, load, solicited)
		return nil
	case terminateCheckReplySignal:
		idle := r.Bool()
		sent := r.Int64()
		recv := r.Int64()
		if err := r.Err(); err != nil {
			return comm.Fatal(comm.Corrupt, "hub.terminateCheckReply", err)
		}
		if c.rank != c.topo.Root() || !c.checking {
			return comm.Fatal(comm.UnexpectedMessage, "hub.terminateCheckReply", fmt.Sprintf("reply from %d outside a termination check", source))
		}
		c.check.add(idle, sent, recv)
		return c.maybeDecide(c.ctx)
	default:
		return unknownSignal("hub", comm.TagHub, sig)
	}
}

// workerLoad records a load report from a member of the cluster.
func (c *Coordinator) workerLoad(rank, load int, solicited bool) {
	w := c.loads[rank]
	w.load = load
	w.dispatched = 0
	w.rebalancing = false
	if solicited && c.polling {
		c.replies++
	}
}

// sendDispatch directs the owner of t to send its work to dest.
func (c *Coordinator) sendDispatch(ctx context.Context, t Token, dest int) error {
	if dest >= 0 {
		c.dispatched.Add(1)
	}
	log.Debug.Printf("pebbl: hub %d: dispatch %v to %d", c.rank, t, dest)
	return c.send(ctx, t.SPProcessor, comm.TagWork, dispatchSignal, func(b *pack.Buffer) {
		b.PutInt64(t.MemAddress)
		b.PutInt(dest)
	})
}

// leastLoaded returns the member of the cluster with the smallest
// estimated load.
func (c *Coordinator) leastLoaded() (int, *workerLoad) {
	var (
		best  = -1
		bestW *workerLoad
	)
	for _, r := range c.members {
		w := c.loads[r]
		if best < 0 || w.estimate() < bestW.estimate() {
			best, bestW = r, w
		}
	}
	return best, bestW
}

// averageLoad returns the average estimated load of the cluster,
// counting the hub's tokens.
func (c *Coordinator) averageLoad() float64 {
	total := c.tokens.children()
	for _, r := range c.members {
		total += c.loads[r].estimate()
	}
	return float64(total) / float64(len(c.members))
}

// hubWork performs the hub's duties: discarding fathomed tokens,
// dispatching tokens to lightly loaded workers, polling worker
// loads, and rebalancing work when workers are idle.
func (c *Coordinator) hubWork(ctx context.Context) (bool, error) {
	if c.paused || c.aborted {
		return false, nil
	}
	var progress bool
	self := c.loads[c.rank]
	self.load, self.dispatched = c.Pool.Len(), 0
	if c.pruneGen != c.boundsGen {
		c.pruneGen = c.boundsGen
		for _, t := range c.tokens.prune(func(t Token) bool { return c.CanFathom(t.Bound) }) {
			if err := c.sendDispatch(ctx, t, -1); err != nil {
				return false, err
			}
			progress = true
		}
	}
	for c.tokens.Len() > 0 {
		dest, w := c.leastLoaded()
		if w.estimate() >= c.params.HubLowLoad {
			break
		}
		t := c.tokens.pop()
		if err := c.sendDispatch(ctx, t, dest); err != nil {
			return false, err
		}
		w.dispatched += t.ChildrenRepresented
		progress = true
	}
	if len(c.members) == 1 {
		return progress, nil
	}
	switch {
	case c.polling && c.replies >= len(c.members)-1:
		c.polling = false
		c.lastPoll = time.Now()
		avg := c.averageLoad()
		c.clusterLoad, c.clusterTokens = avg, c.tokens.Len()
		for _, r := range c.members {
			if r == c.rank {
				continue
			}
			if err := c.send(ctx, r, comm.TagAux, loadInfoSignal, func(b *pack.Buffer) {
				b.PutFloat64(avg)
				b.PutInt(c.tokens.Len())
			}); err != nil {
				return false, err
			}
		}
		progress = true
	case !c.polling && time.Since(c.lastPoll) >= c.params.LoadPollInterval:
		c.polling = true
		c.replies = 0
		for _, r := range c.members {
			if r == c.rank {
				continue
			}
			if err := c.send(ctx, r, comm.TagAux, quiescencePollSignal, nil); err != nil {
				return false, err
			}
		}
		progress = true
	}
	if c.tokens.Len() == 0 {
		ok, err := c.rebalance(ctx)
		if err != nil {
			return false, err
		}
		progress = progress || ok
	}
	return progress, nil
}

// rebalance asks the most loaded worker of the cluster to donate
// work when another worker is idle and the hub has no tokens to
// give it.
func (c *Coordinator) rebalance(ctx context.Context) (bool, error) {
	if _, w := c.leastLoaded(); w.estimate() > 0 {
		return false, nil
	}
	var (
		donor  = -1
		donorW *workerLoad
	)
	for _, r := range c.members {
		w := c.loads[r]
		if donor < 0 || w.estimate() > donorW.estimate() {
			donor, donorW = r, w
		}
	}
	load := donorW.estimate()
	if donorW.rebalancing || load < 2 || float64(load) < c.params.LoadBalDonorFac*c.averageLoad() {
		return false, nil
	}
	k := load / 2
	if k > c.params.MaxSPPacking {
		k = c.params.MaxSPPacking
	}
	donorW.rebalancing = true
	if donor == c.rank {
		donorW.rebalancing = false
		return true, c.donate(ctx, k)
	}
	return true, c.send(ctx, donor, comm.TagAux, rebalanceSignal, func(b *pack.Buffer) { b.PutInt(k) })
}
