// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package knapsack_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/knapsack"
	"github.com/grailbio/testutil"
)

var small = &knapsack.Instance{
	Name:     "small",
	Capacity: 10,
	Items: []knapsack.Item{
		{Weight: 5, Value: 10},
		{Weight: 4, Value: 40},
		{Weight: 6, Value: 30},
		{Weight: 3, Value: 50},
		{Weight: 2, Value: 5},
	},
}

func solve(t *testing.T, inst *knapsack.Instance, params pebbl.Params) (*knapsack.Problem, *pebbl.Result) {
	t.Helper()
	p, err := knapsack.New(inst)
	if err != nil {
		t.Fatal(err)
	}
	b, err := pebbl.New(p, params)
	if err != nil {
		t.Fatal(err)
	}
	res, err := b.Solve(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return p, res
}

func checkSolution(t *testing.T, p *knapsack.Problem, sol *pebbl.Solution) {
	t.Helper()
	value, weight, err := p.Value(sol.Data)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := float64(value), sol.Value; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if weight > p.Instance().Capacity {
		t.Errorf("solution %v: weight %d exceeds capacity %d", sol, weight, p.Instance().Capacity)
	}
}

func TestSolve(t *testing.T) {
	p, res := solve(t, small, pebbl.DefaultParams())
	if got, want := res.Value, 95.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	checkSolution(t, p, res.Solution)
	if got, want := res.TerminationInfo, "optimal value 95"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSolveRandom(t *testing.T) {
	for _, order := range []pebbl.Order{pebbl.BestFirst, pebbl.DepthFirst, pebbl.BreadthFirst} {
		for seed := int64(0); seed < 5; seed++ {
			inst := knapsack.Random(14, seed)
			params := pebbl.DefaultParams()
			params.Order = order
			params.ValidateBounds = true
			p, res := solve(t, inst, params)
			if got, want := res.Value, float64(knapsack.BruteForce(inst)[0]); got != want {
				t.Errorf("%s %v: got %v, want %v", inst.Name, order, got, want)
			}
			checkSolution(t, p, res.Solution)
		}
	}
}

func TestEnumerate(t *testing.T) {
	const k = 7
	for seed := int64(0); seed < 5; seed++ {
		inst := knapsack.Random(10, seed)
		params := pebbl.DefaultParams()
		params.EnumCount = k
		p, res := solve(t, inst, params)
		want := knapsack.BruteForce(inst)[:k]
		got := make([]int, len(res.Solutions))
		seen := make(map[uint64]bool)
		for i, sol := range res.Solutions {
			got[i] = int(sol.Value)
			checkSolution(t, p, sol)
			if seen[sol.Identifier] {
				t.Errorf("%s: duplicate solution %v", inst.Name, sol)
			}
			seen[sol.Identifier] = true
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: got %v, want %v", inst.Name, got, want)
		}
	}
}

func TestEnumerateCutoff(t *testing.T) {
	inst := knapsack.Random(10, 3)
	all := knapsack.BruteForce(inst)
	cutoff := all[20]
	params := pebbl.DefaultParams()
	params.EnumCount = 1000
	params.HasEnumCutoff = true
	params.EnumCutoff = float64(cutoff)
	_, res := solve(t, inst, params)
	var want int
	for _, v := range all {
		if v >= cutoff {
			want++
		}
	}
	if got := len(res.Solutions); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseFormat(t *testing.T) {
	var b bytes.Buffer
	if err := knapsack.Format(&b, small); err != nil {
		t.Fatal(err)
	}
	inst, err := knapsack.Parse(&b)
	if err != nil {
		t.Fatal(err)
	}
	inst.Name = small.Name
	if !reflect.DeepEqual(inst, small) {
		t.Errorf("got %+v, want %+v", inst, small)
	}

	for _, text := range []string{
		"",
		"10 3\n",
		"10\n1\n",
		"10\n1 x\n",
		"10\n0 1\n",
		"-1\n",
	} {
		if _, err := knapsack.Parse(strings.NewReader(text)); !errors.Is(errors.Invalid, err) {
			t.Errorf("%q: got %v, want invalid", text, err)
		}
	}
}

func TestOpen(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "knapsack")
	defer cleanup()
	path := filepath.Join(dir, "items.txt")
	if err := ioutil.WriteFile(path, []byte("# five items\n10\n5 10\n4 40\n\n6 30\n3 50\n2 5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	inst, err := knapsack.Open(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := inst.Name, "items.txt"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := inst.Items, small.Items; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRandom(t *testing.T) {
	a, b := knapsack.Random(20, 1), knapsack.Random(20, 1)
	if !reflect.DeepEqual(a, b) {
		t.Error("random instances differ for equal seeds")
	}
	if err := a.Validate(); err != nil {
		t.Fatal(err)
	}
	if reflect.DeepEqual(a, knapsack.Random(20, 2)) {
		t.Error("random instances equal for distinct seeds")
	}
}
