// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/cotree"
	"github.com/grailbio/pebbl/pack"
	"github.com/grailbio/pebbl/stats"
)

// finish collects the final result after termination: enumerated
// solutions are forwarded to the root, and a results walk sums the
// counters and selects the best solution, which the root then
// broadcasts.
func (c *Coordinator) finish(ctx context.Context) (*pebbl.Result, error) {
	root := c.rank == c.topo.Root()
	if c.Enumerating() && !root {
		if err := c.send(ctx, c.topo.Root(), comm.TagRepository, forwardSolSignal, func(b *pack.Buffer) {
			c.Repository.Pack(b)
		}); err != nil {
			return nil, err
		}
	}
	c.resStats = make(stats.Values)
	c.resBest = nil
	c.resAbort = ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		notify := c.t.Notify()
		if root && c.Enumerating() {
			if _, err := c.repos.poll(); err != nil {
				return nil, err
			}
		}
		done, changed, err := run(ctx, c.results)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		if !changed {
			c.wait(ctx, notify)
		}
	}
	if err := c.q.CompleteAll(ctx, comm.AnyTag); err != nil {
		return nil, comm.Fatal(comm.TransportFailure, "Coordinator.finish", err)
	}
	return c.final, nil
}

// better tells whether solution a is preferred to b as the final
// solution: a better value, or an equal value found on a lower rank.
func (c *Coordinator) better(a, b *pebbl.Solution) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	case a.Value != b.Value:
		return c.Sense.Better(a.Value, b.Value)
	default:
		return a.Owner < b.Owner
	}
}

// collect adds the rank's own contribution to the results walk.
func (c *Coordinator) collect() {
	c.Stats.Int(StatMessagesSent).Set(c.q.Sent(allTags()...))
	var received int64
	for _, h := range c.handlers {
		received += h.handled
	}
	c.Stats.Int(StatMessagesReceived).Set(received)
	c.resStats.Add(c.Stats.Snapshot())
	if best := c.Repository.Best(); c.better(best, c.resBest) {
		c.resBest = best
	}
	if c.resAbort == "" {
		c.resAbort = c.AbortReason()
	}
}

func allTags() []comm.Tag {
	tags := make([]comm.Tag, comm.NumTags())
	for i := range tags {
		tags[i] = comm.Tag(i)
	}
	return tags
}

func (c *Coordinator) resultsHooks() cotree.Hooks {
	return cotree.Hooks{
		ReadyToStart: func() bool {
			return c.rank != c.topo.Root() || !c.Enumerating() || c.forwards == c.size-1
		},
		UpReceive: func(child int, r *pack.Reader) error {
			vals := make(stats.Values)
			if err := vals.Unpack(r); err != nil {
				return err
			}
			c.resStats.Add(vals)
			if r.Bool() {
				sol, err := pebbl.UnpackSolution(r)
				if err != nil {
					return err
				}
				if c.better(sol, c.resBest) {
					c.resBest = sol
				}
			}
			if reason := r.String(); c.resAbort == "" {
				c.resAbort = reason
			}
			return nil
		},
		UpPack: func(b *pack.Buffer) error {
			c.collect()
			c.resStats.Pack(b)
			b.PutBool(c.resBest != nil)
			if c.resBest != nil {
				c.resBest.Pack(b)
			}
			b.PutString(c.resAbort)
			return nil
		},
		RootAction: func() error {
			// The root's own abort reason takes precedence.
			reason := c.AbortReason()
			c.collect()
			if reason == "" {
				reason = c.resAbort
			}
			res := &pebbl.Result{
				Value:       c.Incumbent.Value,
				Solution:    c.resBest,
				Stats:       c.resStats,
				AbortReason: reason,
			}
			if res.Solution != nil && c.Sense.Better(res.Solution.Value, res.Value) {
				res.Value = res.Solution.Value
			}
			if c.Enumerating() {
				res.Solutions = c.Repository.Solutions()
				if len(res.Solutions) > 0 {
					res.Solution = res.Solutions[0]
					res.Value = res.Solution.Value
				}
			} else if res.Solution != nil {
				res.Solutions = []*pebbl.Solution{res.Solution}
			}
			res.TerminationInfo = pebbl.TerminationInfo(c.Sense, c.Enumerating(), res)
			c.final = res
			return nil
		},
		DownReceive: func(r *pack.Reader) error {
			res, err := unpackResult(r)
			if err != nil {
				return err
			}
			c.final = res
			return nil
		},
		DownPack: func(child int, b *pack.Buffer) error {
			packResult(b, c.final)
			return nil
		},
	}
}

func packResult(b *pack.Buffer, res *pebbl.Result) {
	b.PutFloat64(res.Value)
	res.Stats.Pack(b)
	b.PutString(res.AbortReason)
	b.PutString(res.TerminationInfo)
	pebbl.PackSolutions(b, res.Solutions)
	b.PutBool(res.Solution != nil)
	if res.Solution != nil {
		res.Solution.Pack(b)
	}
}

func unpackResult(r *pack.Reader) (*pebbl.Result, error) {
	res := &pebbl.Result{Value: r.Float64(), Stats: make(stats.Values)}
	if err := res.Stats.Unpack(r); err != nil {
		return nil, err
	}
	res.AbortReason = r.String()
	res.TerminationInfo = r.String()
	var err error
	if res.Solutions, err = pebbl.UnpackSolutions(r); err != nil {
		return nil, err
	}
	if r.Bool() {
		if res.Solution, err = pebbl.UnpackSolution(r); err != nil {
			return nil, err
		}
	}
	if err := r.Err(); err != nil {
		return nil, errors.E(errors.Integrity, "results", err)
	}
	return res, nil
}
