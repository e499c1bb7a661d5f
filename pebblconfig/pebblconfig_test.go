// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebblconfig

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/knapsack"
	"github.com/grailbio/pebbl/parallel"
	"github.com/grailbio/testutil/assert"
)

var instance = knapsack.Random(14, 9)

func init() {
	parallel.Register("pebblconfigTest", func(args []string) (pebbl.Problem, error) {
		return knapsack.New(instance)
	})
}

func TestRunner(t *testing.T) {
	want := knapsack.BruteForce(instance)[0]
	for _, ranks := range []int{1, 3} {
		r := &Runner{Ranks: ranks, Params: parallel.DefaultParams()}
		res, err := r.Run(context.Background(), "pebblconfigTest", nil)
		assert.NoError(t, err)
		assert.EQ(t, int(res.Value), want)
		assert.NotNil(t, res.Solution)
		r.Shutdown()
	}
}

func TestRunnerUnregistered(t *testing.T) {
	r := &Runner{Ranks: 1, Params: parallel.DefaultParams()}
	if _, err := r.Run(context.Background(), "noSuchProblem", nil); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}
