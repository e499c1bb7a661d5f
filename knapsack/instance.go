// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package knapsack

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Parse reads an instance in text form: the capacity, followed by
// one "weight value" pair per item. Blank lines and lines starting
// with '#' are ignored.
func Parse(r io.Reader) (*Instance, error) {
	var (
		inst    = new(Instance)
		scan    = bufio.NewScanner(r)
		lineno  int
		haveCap bool
	)
	for scan.Scan() {
		lineno++
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if !haveCap {
			if len(fields) != 1 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("knapsack: line %d: expected capacity", lineno))
			}
			c, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("knapsack: line %d", lineno), err)
			}
			inst.Capacity = c
			haveCap = true
			continue
		}
		if len(fields) != 2 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("knapsack: line %d: expected weight and value", lineno))
		}
		w, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("knapsack: line %d", lineno), err)
		}
		v, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("knapsack: line %d", lineno), err)
		}
		inst.Items = append(inst.Items, Item{Weight: w, Value: v})
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	if !haveCap {
		return nil, errors.E(errors.Invalid, "knapsack: missing capacity")
	}
	return inst, inst.Validate()
}

// Format writes inst in the form read by Parse.
func Format(w io.Writer, inst *Instance) error {
	bw := bufio.NewWriter(w)
	if inst.Name != "" {
		fmt.Fprintf(bw, "# %s\n", inst.Name)
	}
	fmt.Fprintf(bw, "%d\n", inst.Capacity)
	for _, item := range inst.Items {
		fmt.Fprintf(bw, "%d %d\n", item.Weight, item.Value)
	}
	return bw.Flush()
}

// Open reads an instance from the file at path, which may be any
// path supported by package github.com/grailbio/base/file.
func Open(ctx context.Context, path string) (inst *Instance, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(ctx); err == nil {
			err = closeErr
		}
	}()
	inst, err = Parse(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("knapsack: %s", path), err)
	}
	if inst.Name == "" {
		inst.Name = file.Base(path)
	}
	return inst, nil
}

// Random returns a random instance of n items. Weights and values
// are drawn from [1, 100]; the capacity is half the total weight.
func Random(n int, seed int64) *Instance {
	r := rand.New(rand.NewSource(seed))
	inst := &Instance{Name: fmt.Sprintf("random-%d-%d", n, seed)}
	var total int
	for i := 0; i < n; i++ {
		item := Item{Weight: 1 + r.Intn(100), Value: 1 + r.Intn(100)}
		total += item.Weight
		inst.Items = append(inst.Items, item)
	}
	inst.Capacity = total / 2
	return inst
}

// BruteForce enumerates every subset of the instance's items and
// returns the values of the feasible subsets, best first. It is
// practical only for small instances.
func BruteForce(inst *Instance) []int {
	n := len(inst.Items)
	if n > 24 {
		panic("knapsack.BruteForce: too many items")
	}
	var values []int
	for set := 0; set < 1<<uint(n); set++ {
		var weight, value int
		for i := 0; i < n; i++ {
			if set&(1<<uint(i)) != 0 {
				weight += inst.Items[i].Weight
				value += inst.Items[i].Value
			}
		}
		if weight <= inst.Capacity {
			values = append(values, value)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(values)))
	return values
}
