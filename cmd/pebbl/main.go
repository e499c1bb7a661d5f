// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Pebbl solves knapsack problems by parallel branch and bound. The
// number of ranks, and where they run, are configured through the
// pebbl profile (see package pebblconfig).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/knapsack"
	"github.com/grailbio/pebbl/parallel"
	"github.com/grailbio/pebbl/pebblconfig"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
	parallel.Register("knapsack", newKnapsack)
}

// newKnapsack constructs a knapsack problem from either an instance
// path or the arguments "random n seed".
func newKnapsack(args []string) (pebbl.Problem, error) {
	switch {
	case len(args) == 1:
		inst, err := knapsack.Open(context.Background(), args[0])
		if err != nil {
			return nil, err
		}
		return knapsack.New(inst)
	case len(args) == 3 && args[0] == "random":
		n, seed, err := parseRandom(args[1:])
		if err != nil {
			return nil, err
		}
		return knapsack.New(knapsack.Random(n, seed))
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid knapsack arguments %q", args))
	}
}

func parseRandom(args []string) (n int, seed int64, err error) {
	if n, err = strconv.Atoi(args[0]); err != nil {
		return 0, 0, errors.E(errors.Invalid, "item count", err)
	}
	if seed, err = strconv.ParseInt(args[1], 10, 64); err != nil {
		return 0, 0, errors.E(errors.Invalid, "seed", err)
	}
	return
}

func usage() {
	fmt.Fprintf(os.Stderr, `Pebbl solves 0-1 knapsack problems by branch and bound.

Usage:

	pebbl [flags] solve path
	pebbl [flags] solve random n seed
	pebbl [flags] gen n seed path

The commands are:

	solve   solve the instance at path, or a random instance
	gen     write a random instance of n items to path

Flags:

`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	var (
		enumCount      = flag.Int("enum", 1, "number of solutions to enumerate")
		enumCutoff     = flag.Float64("enum-cutoff", 0, "retain only solutions at least this good when enumerating")
		order          = flag.String("order", "best", "local selection order: best, depth, or breadth")
		maxSubproblems = flag.Int64("max-subproblems", 0, "abort after bounding this many subproblems per rank")
		maxTime        = flag.Duration("max-time", 0, "abort after this much time")
		validate       = flag.Bool("validate", false, "check that bounds never improve from parent to child")
		restart        = flag.Bool("restart", false, "restart from the configured checkpoint directory")
		consoleStatus  = flag.Bool("status", false, "print search status to stdout")
	)
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("pebbl: ")
	must.Func = log.Fatal
	flag.Usage = usage
	runner := pebblconfig.Parse()
	defer runner.Shutdown()
	if flag.NArg() == 0 {
		flag.Usage()
	}

	params := &runner.Params
	params.EnumCount = *enumCount
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "enum-cutoff" {
			params.HasEnumCutoff = true
			params.EnumCutoff = *enumCutoff
		}
	})
	var err error
	params.Order, err = pebbl.ParseOrder(*order)
	must.Nil(err)
	params.MaxSubproblems = *maxSubproblems
	params.MaxWallTime = *maxTime
	params.ValidateBounds = *validate
	params.Restart = *restart

	ctx := context.Background()
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "solve":
		if *consoleStatus {
			var console status.Reporter
			go console.Go(os.Stdout, runner.Status())
		}
		solve(ctx, runner, args)
	case "gen":
		gen(ctx, args)
	}
}

func solve(ctx context.Context, runner *pebblconfig.Runner, args []string) {
	res, err := runner.Run(ctx, "knapsack", args)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.TerminationInfo)
	for i, sol := range res.Solutions {
		fmt.Printf("solution %d: value %g id %016x\n", i, sol.Value, sol.Identifier)
	}
	fmt.Println(res.Stats)
}

func gen(ctx context.Context, args []string) {
	if len(args) != 3 {
		flag.Usage()
	}
	n, seed, err := parseRandom(args[:2])
	if err != nil {
		log.Fatal(err)
	}
	must.Nil(write(ctx, args[2], knapsack.Random(n, seed)))
}

func write(ctx context.Context, path string, inst *knapsack.Instance) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(ctx); err == nil {
			err = closeErr
		}
	}()
	return knapsack.Format(f.Writer(ctx), inst)
}
