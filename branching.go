// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import (
	"context"
	"time"

	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
)

// StatusInterval is the interval at which search progress is
// reported to a configured status.
var StatusInterval = time.Second

// An Option configures a Branching.
type Option func(b *Branching)

// Status configures a Branching to report progress to status.
func Status(status *status.Status) Option {
	return func(b *Branching) {
		b.status = status
	}
}

// Eventer configures a Branching with an Eventer to which search
// events are logged.
func Eventer(e eventlog.Eventer) Option {
	return func(b *Branching) {
		b.eventer = e
	}
}

// A Branching solves a problem serially.
type Branching struct {
	*Search

	status  *status.Status
	eventer eventlog.Eventer
}

// New returns a new serial branching for problem.
func New(problem Problem, params Params, opts ...Option) (*Branching, error) {
	x, err := NewSearch(problem, params, 0)
	if err != nil {
		return nil, err
	}
	b := &Branching{Search: x, eventer: eventlog.Nop{}}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Solve runs the search to completion, or until it is aborted by
// its limits. Solve returns an error if the context is done or if
// the problem fails.
func (b *Branching) Solve(ctx context.Context) (*Result, error) {
	b.Reset()
	b.eventer.Event("pebbl:solveStart", "problem", b.Problem.Name(), "ranks", 1)
	root, err := b.NewRoot()
	if err != nil {
		return nil, err
	}
	b.Pool.Insert(root)
	var task *status.Task
	if b.status != nil {
		task = b.status.Group("pebbl").Start(b.Problem.Name())
		defer task.Done()
	}
	lastStatus := time.Now()
	for b.Pool.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if reason := b.CheckLimits(); reason != "" {
			n := b.Abort(reason)
			log.Printf("pebbl: %s: abort: %s; abandoned %d subproblems", b.Problem.Name(), reason, n)
			break
		}
		s, err := b.Pool.Select()
		if err != nil {
			return nil, err
		}
		if err := b.Step(s); err != nil {
			return nil, err
		}
		if task != nil && time.Since(lastStatus) > StatusInterval {
			task.Printf("incumbent %g pool %d %s", b.Incumbent.Value, b.Pool.Len(), b.Stats.Snapshot())
			lastStatus = time.Now()
		}
	}
	res := b.Result()
	log.Printf("pebbl: %s: %s in %v (%s)", b.Problem.Name(), res.TerminationInfo, b.Elapsed(), res.Stats)
	b.eventer.Event("pebbl:solveEnd", "problem", b.Problem.Name(), "value", res.Value, "termination", res.TerminationInfo)
	return res, nil
}
