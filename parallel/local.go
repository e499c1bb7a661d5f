// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/comm"
	"golang.org/x/sync/errgroup"
)

// RunLocal runs a search on n ranks in the current process, each in
// its own goroutine and with its own problem instance, as returned by
// newProblem. It returns the root's result. If any rank fails, the
// remaining ranks are canceled and the first error is returned.
func RunLocal(ctx context.Context, n int, newProblem func() (pebbl.Problem, error), params Params, opts ...Option) (*pebbl.Result, error) {
	if n <= 0 {
		return nil, errors.E(errors.Invalid, "parallel.RunLocal: no ranks")
	}
	ts := comm.NewLocal(n)
	coords := make([]*Coordinator, n)
	for i, t := range ts {
		problem, err := newProblem()
		if err != nil {
			return nil, err
		}
		if coords[i], err = New(problem, t, params, opts...); err != nil {
			return nil, err
		}
	}
	results := make([]*pebbl.Result, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := range coords {
		i := i
		g.Go(func() (err error) {
			results[i], err = coords[i].Solve(ctx)
			if err != nil {
				// Wake ranks blocked on this one.
				for _, t := range ts {
					t.Close(err)
				}
			}
			return
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results[0], nil
}
