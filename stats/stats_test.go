// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"testing"

	"github.com/grailbio/pebbl/pack"
)

func TestStats(t *testing.T) {
	coll := NewMap()
	var (
		x = coll.Int("bounded")
		_ = coll.Int("split")
	)
	if got, want := x.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	x.Add(123)
	x.Add(123)
	if got, want := x.Get(), int64(123*2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	coll.AddAll(all)
	coll.AddAll(all)
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["bounded"], int64(123*4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["split"], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all.String(), "bounded:492 split:0"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPack(t *testing.T) {
	vals := Values{"bounded": 10, "pruned": 3, "split": 1 << 40}
	var b pack.Buffer
	vals.Pack(&b)
	vals.Pack(&b)
	sum := make(Values)
	r := pack.NewReader(b.Bytes())
	if err := sum.Unpack(r); err != nil {
		t.Fatal(err)
	}
	if err := sum.Unpack(r); err != nil {
		t.Fatal(err)
	}
	want := vals.Copy()
	want.Add(vals)
	if got, want := sum.String(), want.String(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRestore(t *testing.T) {
	m := NewMap()
	m.Int("a").Add(5)
	m.Int("b").Add(7)
	m.Restore(Values{"a": 1, "c": 2})
	if got, want := m.Snapshot().String(), "a:1 b:0 c:2"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
