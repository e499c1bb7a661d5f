// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pebblconfig provides a mechanism to run pebbl searches
// from a shared configuration. Pebblconfig uses the configuration
// mechanism in package github.com/grailbio/base/config, and reads a
// default profile from $HOME/.pebbl/config. The configuration
// determines the number of ranks, where they run, and the tuning
// parameters shared by every search.
package pebblconfig

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/parallel"
)

// Path determines the location of the pebbl profile read by Parse.
var Path = os.ExpandEnv("$HOME/.pebbl/config")

func init() {
	config.Register("pebbl", func(inst *config.Constructor) {
		r := &Runner{Params: parallel.DefaultParams()}
		inst.IntVar(&r.Ranks, "ranks", 1, "number of ranks on which searches run")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system on which ranks run; ranks run in-process if none is given")
		inst.IntVar(&r.Params.ClusterSize, "cluster-size", r.Params.ClusterSize, "number of ranks served by each hub")
		inst.IntVar(&r.Params.TreeFanout, "tree-fanout", r.Params.TreeFanout, "fanout of the tree used by global protocols")
		inst.FloatVar(&r.Params.TargetScatterProb, "scatter-prob", r.Params.TargetScatterProb, "probability that a worker releases work to its hub")
		inst.FloatVar(&r.Params.GlobalScatterProb, "global-scatter-prob", r.Params.GlobalScatterProb, "probability that released work is sent to a random hub")
		inst.StringVar(&r.Params.CheckpointDir, "checkpoint-dir", "", "directory (local or S3) in which checkpoints are written")
		inst.FloatVar(&r.Params.CheckpointMinutes, "checkpoint-minutes", 0, "interval between checkpoints, in minutes; zero disables periodic checkpoints")
		inst.Doc = "pebbl configures the runtime of branch-and-bound searches"
		inst.New = func() (interface{}, error) {
			if r.Ranks < 1 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("pebbl: %d ranks", r.Ranks))
			}
			if system != nil {
				r.b = bigmachine.Start(system)
			}
			return r, nil
		}
	})
}

// A Runner runs searches as configured.
type Runner struct {
	// Ranks is the number of ranks of each search. A single
	// in-process rank runs the serial search.
	Ranks int
	// Params are the tuning parameters of every search.
	Params parallel.Params

	status status.Status
	b      *bigmachine.B
}

// Status returns the status to which searches report progress.
func (r *Runner) Status() *status.Status { return &r.status }

// Run runs a search of the problem constructed by the factory
// registered under the provided name.
func (r *Runner) Run(ctx context.Context, name string, args []string) (*pebbl.Result, error) {
	factory, ok := parallel.Lookup(name)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("problem %s not registered", name))
	}
	switch {
	case r.b != nil:
		return parallel.RunBigmachine(ctx, r.b, r.Ranks, name, args, r.Params)
	case r.Ranks == 1:
		problem, err := factory(args)
		if err != nil {
			return nil, err
		}
		b, err := pebbl.New(problem, r.Params.Params, pebbl.Status(&r.status))
		if err != nil {
			return nil, err
		}
		return b.Solve(ctx)
	default:
		group := r.status.Group(name)
		return parallel.RunLocal(ctx, r.Ranks, func() (pebbl.Problem, error) { return factory(args) }, r.Params, parallel.Status(group))
	}
}

// Shutdown releases the runner's machines, if any.
func (r *Runner) Shutdown() {
	if r.b != nil {
		r.b.Shutdown()
	}
}

// Parse registers configuration flags and calls flag.Parse. It
// reads pebbl configuration from Path defined in this package.
// Parse returns the runner as configured by the configuration and
// any flags provided. Parse panics if runner creation fails.
func Parse() *Runner {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var r *Runner
	config.Must("pebbl", &r)
	return r
}
