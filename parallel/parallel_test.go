// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/knapsack"
	"github.com/grailbio/testutil"
)

const testTimeout = time.Minute

func problemOf(inst *knapsack.Instance) func() (pebbl.Problem, error) {
	return func() (pebbl.Problem, error) {
		return knapsack.New(inst)
	}
}

func testParams() Params {
	params := DefaultParams()
	params.ClusterSize = 3
	params.LoadPollInterval = 2 * time.Millisecond
	params.MergeInterval = 5 * time.Millisecond
	// Release work often, so that small searches exercise transfer
	// and rebalancing.
	params.TargetScatterProb = 0.5
	params.GlobalScatterProb = 0.25
	params.MaxSPPacking = 2
	params.MaxSegments = 4
	return params
}

func runLocal(t *testing.T, n int, inst *knapsack.Instance, params Params) *pebbl.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	res, err := RunLocal(ctx, n, problemOf(inst), params)
	if err != nil {
		t.Fatalf("%d ranks: %v", n, err)
	}
	return res
}

func TestRunLocal(t *testing.T) {
	for _, n := range []int{1, 2, 4, 7} {
		for seed := int64(0); seed < 3; seed++ {
			inst := knapsack.Random(18, seed)
			params := testParams()
			params.Seed = seed
			res := runLocal(t, n, inst, params)
			want := knapsack.BruteForce(inst)[0]
			if got := int(res.Value); got != want {
				t.Errorf("%s on %d ranks: got %v, want %v", inst.Name, n, got, want)
			}
			if res.Solution == nil || res.Solution.Value != res.Value {
				t.Errorf("%s on %d ranks: solution %v, value %v", inst.Name, n, res.Solution, res.Value)
			}
			if got, want := res.TerminationInfo, fmt.Sprintf("optimal value %d", want); got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			if res.Stats[pebbl.StatBounded] == 0 {
				t.Errorf("%s on %d ranks: no subproblems bounded", inst.Name, n)
			}
			if n > 1 && res.Stats[StatMessagesSent] == 0 {
				t.Errorf("%s on %d ranks: no messages sent", inst.Name, n)
			}
		}
	}
}

func TestRunLocalFanout(t *testing.T) {
	inst := knapsack.Random(16, 7)
	want := knapsack.BruteForce(inst)[0]
	for _, fanout := range []int{1, 3} {
		params := testParams()
		params.TreeFanout = fanout
		params.ClusterSize = 1
		res := runLocal(t, 5, inst, params)
		if got := int(res.Value); got != want {
			t.Errorf("fanout %d: got %v, want %v", fanout, got, want)
		}
	}
}

func TestRunLocalEnumerate(t *testing.T) {
	const k = 6
	for _, n := range []int{1, 3, 5} {
		inst := knapsack.Random(12, int64(n))
		params := testParams()
		params.EnumCount = k
		res := runLocal(t, n, inst, params)
		want := knapsack.BruteForce(inst)[:k]
		if got := len(res.Solutions); got != k {
			t.Fatalf("%d ranks: got %v solutions, want %v", n, got, k)
		}
		seen := make(map[uint64]bool)
		for i, sol := range res.Solutions {
			if got, want := int(sol.Value), want[i]; got != want {
				t.Errorf("%d ranks: solution %d: got %v, want %v", n, i, got, want)
			}
			if seen[sol.Identifier] {
				t.Errorf("%d ranks: duplicate solution %v", n, sol)
			}
			seen[sol.Identifier] = true
		}
	}
}

func TestCheckpointRestart(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pebbl")
	defer cleanup()
	const n = 3
	inst := knapsack.Random(20, 11)
	params := testParams()
	params.CheckpointDir = dir
	params.MaxSubproblems = 3
	res := runLocal(t, n, inst, params)
	if res.AbortReason == "" {
		t.Fatal("search was not aborted")
	}
	if got, want := res.Stats[StatCheckpoints], int64(n); got != want {
		t.Errorf("got %v checkpoints, want %v", got, want)
	}
	for rank := 0; rank < n; rank++ {
		if _, err := os.Stat(CheckpointPath(dir, inst.Name, rank)); err != nil {
			t.Errorf("rank %d: %v", rank, err)
		}
	}

	params.MaxSubproblems = 0
	params.Restart = true
	res = runLocal(t, n, inst, params)
	if res.AbortReason != "" {
		t.Errorf("restarted search aborted: %s", res.AbortReason)
	}
	if got, want := int(res.Value), knapsack.BruteForce(inst)[0]; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// Restarts must match the configuration of the checkpoint.
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := RunLocal(ctx, n+1, problemOf(inst), params); err == nil {
		t.Error("restarted on a different number of ranks")
	}
}

func TestCorruptCheckpoint(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pebbl")
	defer cleanup()
	inst := knapsack.Random(10, 1)
	path := CheckpointPath(dir, inst.Name, 0)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintln(f, "not a checkpoint")
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	params := testParams()
	params.CheckpointDir = dir
	params.Restart = true
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = RunLocal(ctx, 1, problemOf(inst), params)
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
}

func TestAbortNoCheckpoint(t *testing.T) {
	inst := knapsack.Random(20, 5)
	params := testParams()
	params.MaxSubproblems = 2
	res := runLocal(t, 4, inst, params)
	if res.AbortReason == "" {
		t.Fatal("search was not aborted")
	}
	if got, want := res.TerminationInfo, "aborted: "+res.AbortReason; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCoordinatorAbort(t *testing.T) {
	ts := comm.NewLocal(2)
	var coords [2]*Coordinator
	for i := range coords {
		p, err := knapsack.New(knapsack.Random(40, 3))
		if err != nil {
			t.Fatal(err)
		}
		if coords[i], err = New(p, ts[i], testParams()); err != nil {
			t.Fatal(err)
		}
	}
	// The abort is requested before the search starts; it takes
	// effect on the rank's first iteration.
	coords[1].Abort("requested")
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	results := make(chan *pebbl.Result, 2)
	errs := make(chan error, 2)
	for _, c := range coords {
		c := c
		go func() {
			res, err := c.Solve(ctx)
			results <- res
			errs <- err
		}()
	}
	for range coords {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
		if got, want := (<-results).AbortReason, "requested"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestParams(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatal(err)
	}
	for _, mod := range []func(*Params){
		func(p *Params) { p.ClusterSize = 0 },
		func(p *Params) { p.TreeFanout = 0 },
		func(p *Params) { p.TargetScatterProb = 2 },
		func(p *Params) { p.GlobalScatterProb = -1 },
		func(p *Params) { p.MaxSPPacking = 0 },
		func(p *Params) { p.MaxSegments = 0 },
		func(p *Params) { p.ScavengeSize = 0 },
		func(p *Params) { p.LoadPollInterval = 0 },
		func(p *Params) { p.CheckpointMinutes = -1 },
		func(p *Params) { p.Restart = true },
		func(p *Params) { p.EnumCount = 0 },
	} {
		p := DefaultParams()
		mod(&p)
		if err := p.Validate(); !errors.Is(errors.Invalid, err) {
			t.Errorf("%+v: got %v, want invalid", p, err)
		}
	}
	p := DefaultParams()
	p.CheckpointMinutes = 0.5
	if got, want := p.checkpointInterval(), 30*time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
