// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/cotree"
	"github.com/grailbio/pebbl/pack"
)

// Termination is detected with the four-counter method. Quiescence
// waves run along the tree whenever ranks are idle, summing the
// number of work-carrying messages sent and received. When a wave
// finds every rank idle and the sums equal, the root asks every rank
// for its counters again. The search has terminated if all ranks are
// still idle and the second sums equal the first: no message was in
// flight, and none was sent or received between the two rounds.

func (c *Coordinator) quiesceHooks() cotree.Hooks {
	return cotree.Hooks{
		ReadyToStart: func() bool {
			return c.idle() && !c.paused
		},
		UpReceive: func(child int, r *pack.Reader) error {
			c.wave.add(r.Bool(), r.Int64(), r.Int64())
			return nil
		},
		UpPack: func(b *pack.Buffer) error {
			b.PutBool(c.wave.idle && c.idle())
			b.PutInt64(c.wave.sent + c.workSent())
			b.PutInt64(c.wave.recv + c.recv)
			return nil
		},
		RootAction: func() error {
			c.wave.add(c.idle(), c.workSent(), c.recv)
			log.Debug.Printf("pebbl: quiescence wave %d: idle %v sent %d received %d", c.quiesce.Rounds()+1, c.wave.idle, c.wave.sent, c.wave.recv)
			if !c.wave.idle || c.wave.sent != c.wave.recv || c.paused || c.ckptPhase != ckptNone {
				return nil
			}
			return c.startTerminateCheck(c.ctx)
		},
	}
}

// runQuiesce advances the quiescence protocol.
func (c *Coordinator) runQuiesce(ctx context.Context) (bool, error) {
	done, changed, err := run(ctx, c.quiesce)
	if err != nil || !done {
		return changed, err
	}
	if c.checking || c.terminated {
		// The root holds its walker until the check completes, so
		// that no later wave can complete in the interim.
		return changed, nil
	}
	c.quiesce.Reset()
	c.wave.reset()
	return true, nil
}

// startTerminateCheck begins the second round of the four-counter
// method. It runs on the root.
func (c *Coordinator) startTerminateCheck(ctx context.Context) error {
	c.checking = true
	c.checkWave = c.wave
	c.check.reset()
	c.check.add(c.idle(), c.workSent(), c.recv)
	if err := c.broadcast(ctx, comm.TagAux, terminateCheckSignal, nil); err != nil {
		return err
	}
	return c.maybeDecide(ctx)
}

// maybeDecide decides termination once every rank has replied to a
// termination check.
func (c *Coordinator) maybeDecide(ctx context.Context) error {
	if c.check.n < c.size {
		return nil
	}
	c.checking = false
	if c.check.idle && c.check.sent == c.check.recv && c.check.sent == c.checkWave.sent && c.check.recv == c.checkWave.recv {
		log.Debug.Printf("pebbl: terminated after %d quiescence waves (%d messages)", c.quiesce.Rounds(), c.check.sent)
		if err := c.broadcast(ctx, comm.TagAux, terminateSignal, nil); err != nil {
			return err
		}
		c.terminate()
		return nil
	}
	if err := c.broadcast(ctx, comm.TagAux, continueSignal, nil); err != nil {
		return err
	}
	if reason := c.deferredAbort; reason != "" {
		c.deferredAbort = ""
		if err := c.startAbort(ctx, reason); err != nil {
			return err
		}
	}
	c.quiesce.Reset()
	c.wave.reset()
	return nil
}

// terminate stops the search loop. Protocols in progress are
// abandoned.
func (c *Coordinator) terminate() {
	c.terminated = true
	for _, w := range []*cotree.Walker{c.quiesce, c.ckpt, c.merge} {
		if !w.Idle() {
			w.Abandon()
		}
	}
}

// handleAux handles worker auxiliary signals.
func (c *Coordinator) handleAux(source int, sig signal, r *pack.Reader) error {
	ctx := c.ctx
	switch sig {
	case quiescencePollSignal:
		return c.sendLoad(ctx, true)
	case loadInfoSignal:
		c.clusterLoad = r.Float64()
		c.clusterTokens = r.Int()
		return nil
	case terminateCheckSignal:
		return c.send(ctx, source, comm.TagHub, terminateCheckReplySignal, func(b *pack.Buffer) {
			b.PutBool(c.idle())
			b.PutInt64(c.workSent())
			b.PutInt64(c.recv)
		})
	case continueSignal:
		return nil
	case terminateSignal:
		if source != c.topo.Root() {
			return comm.Fatal(comm.UnexpectedMessage, "workerAux.terminate", fmt.Sprintf("from rank %d", source))
		}
		c.terminate()
		return nil
	case startCheckpointSignal:
		abort := r.Bool()
		reason := r.String()
		if err := r.Err(); err != nil {
			return comm.Fatal(comm.Corrupt, "workerAux.startCheckpoint", err)
		}
		if c.ckptPhase != ckptNone {
			if c.ckptPhase != ckptBarrier || c.ckptPending {
				return comm.Fatal(comm.UnexpectedMessage, "workerAux.startCheckpoint", fmt.Sprintf("checkpoint phase %d", c.ckptPhase))
			}
			c.ckptPending, c.ckptPendingAbort, c.ckptPendingReason = true, abort, reason
			return nil
		}
		c.beginCheckpoint(abort, reason)
		return nil
	case writeCheckpointSignal:
		if c.ckptPhase != ckptWaves {
			return comm.Fatal(comm.UnexpectedMessage, "workerAux.writeCheckpoint", fmt.Sprintf("checkpoint phase %d", c.ckptPhase))
		}
		c.ckptWrite = true
		return nil
	case startAbortSignal:
		reason := r.String()
		if err := r.Err(); err != nil {
			return comm.Fatal(comm.Corrupt, "workerAux.startAbort", err)
		}
		if c.rank == c.topo.Root() {
			return c.startAbort(ctx, reason)
		}
		if !c.aborted {
			c.clearForAbort(reason)
		}
		return nil
	case rebalanceSignal:
		k := r.Int()
		if err := r.Err(); err != nil {
			return comm.Fatal(comm.Corrupt, "workerAux.rebalance", err)
		}
		if err := c.donate(ctx, k); err != nil {
			return err
		}
		// Report the new load, so the hub can rebalance again.
		return c.sendLoad(ctx, false)
	default:
		return unknownSignal("workerAux", comm.TagAux, sig)
	}
}
