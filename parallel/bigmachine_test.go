// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"
	"strconv"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/knapsack"
)

func init() {
	Register("testKnapsack", func(args []string) (pebbl.Problem, error) {
		if len(args) != 2 {
			return nil, errors.E(errors.Invalid, "usage: n seed")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
		seed, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
		return knapsack.New(knapsack.Random(n, seed))
	})
}

func TestRunBigmachine(t *testing.T) {
	b := bigmachine.Start(testsystem.New())
	defer b.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	res, err := RunBigmachine(ctx, b, 3, "testKnapsack", []string{"16", "4"}, testParams())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int(res.Value), knapsack.BruteForce(knapsack.Random(16, 4))[0]; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if res.Solution == nil {
		t.Error("no solution")
	}
}

func TestRunBigmachineUnregistered(t *testing.T) {
	b := bigmachine.Start(testsystem.New())
	defer b.Shutdown()
	_, err := RunBigmachine(context.Background(), b, 2, "noSuchProblem", nil, testParams())
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestRegisterTwice(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Register("testKnapsack", nil)
}
