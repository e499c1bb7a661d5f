// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import (
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/pack"
)

// testNode is a path in a complete binary tree of depth 3. The value
// of a leaf is the number of right branches on its path.
type testNode struct {
	path  []byte
	split int
}

func (n *testNode) value() int {
	var v int
	for _, b := range n.path {
		v += int(b)
	}
	return v
}

func (n *testNode) BoundComputation(s *Sub) error {
	s.Bound = float64(n.value() + 3 - len(n.path))
	return nil
}
func (n *testNode) SplitComputation(s *Sub) (int, error) {
	if len(n.path) >= 3 {
		return 0, nil
	}
	return 2, nil
}
func (n *testNode) MakeChild(s *Sub, which int) (Node, error) {
	return &testNode{path: append(append([]byte(nil), n.path...), byte(which))}, nil
}
func (n *testNode) CandidateSolution(s *Sub) bool { return len(n.path) == 3 }
func (n *testNode) ExtractSolution(s *Sub) (*Solution, error) {
	return NewSolution(float64(n.value()), append([]byte(nil), n.path...)), nil
}
func (n *testNode) PackSplit(b *pack.Buffer) { b.PutInt(n.split) }
func (n *testNode) UnpackSplit(r *pack.Reader) error {
	n.split = r.Int()
	return r.Err()
}
func (n *testNode) Pack(b *pack.Buffer) { b.PutBytes(n.path) }
func (n *testNode) Unpack(r *pack.Reader) error {
	n.path = r.Bytes()
	return r.Err()
}

type testProblem struct{}

func (testProblem) Name() string        { return "test" }
func (testProblem) Sense() Sense        { return Maximize }
func (testProblem) Root() (Node, error) { return &testNode{}, nil }
func (testProblem) NewNode() Node       { return new(testNode) }

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func TestSubPack(t *testing.T) {
	fz := fuzz.New().NilChance(0)
	for i := 0; i < 100; i++ {
		var (
			bound, integrality float64
			serial             int64
			creator, depth     int
			total, left, split int
			path               []byte
			initial            bool
		)
		fz.Fuzz(&bound)
		fz.Fuzz(&integrality)
		fz.Fuzz(&serial)
		fz.Fuzz(&creator)
		fz.Fuzz(&depth)
		fz.Fuzz(&total)
		fz.Fuzz(&left)
		fz.Fuzz(&split)
		fz.Fuzz(&path)
		fz.Fuzz(&initial)
		total = abs(total%100) + 1
		left = abs(left) % (total + 1)
		s := &Sub{
			Bound:         bound,
			Integrality:   integrality,
			ID:            ID{Serial: serial, Creator: creator},
			State:         State(i % 4),
			Depth:         abs(depth % 1000),
			TotalChildren: total,
			ChildrenLeft:  left,
			Node:          &testNode{path: path, split: split},
		}
		for _, enumerating := range []bool{false, true} {
			if enumerating && s.State.HasSplit() {
				s.SplitInitial = initial
				s.SplitGenItem = total - left
			} else {
				s.SplitInitial = false
				s.SplitGenItem = total - left
			}
			var b pack.Buffer
			s.Pack(&b, enumerating)
			got, err := UnpackSub(pack.NewReader(b.Bytes()), testProblem{}, enumerating)
			if err != nil {
				t.Fatal(err)
			}
			want := *s
			node := *s.Node.(*testNode)
			if !s.State.HasSplit() {
				node.split = 0
			}
			if len(node.path) == 0 {
				node.path = nil
			}
			gotNode := got.Node.(*testNode)
			if len(gotNode.path) == 0 {
				gotNode.path = nil
			}
			want.Node, got.Node = nil, nil
			if !reflect.DeepEqual(*got, want) {
				t.Errorf("got %+v, want %+v", *got, want)
			}
			if !reflect.DeepEqual(*gotNode, node) {
				t.Errorf("got node %+v, want %+v", *gotNode, node)
			}
		}
	}
}

func TestSubUnpackCorrupt(t *testing.T) {
	s := &Sub{State: Separated, TotalChildren: 2, ChildrenLeft: 1, Node: new(testNode)}
	var b pack.Buffer
	s.Pack(&b, false)
	p := b.Bytes()
	for n := 0; n < len(p); n++ {
		if _, err := UnpackSub(pack.NewReader(p[:n]), testProblem{}, false); !comm.Is(err, comm.Corrupt) {
			t.Errorf("truncated to %d: got %v, want corrupt message", n, err)
		}
	}

	s = &Sub{State: Boundable, TotalChildren: 1, ChildrenLeft: 2, Node: new(testNode)}
	b.Reset()
	s.Pack(&b, false)
	if _, err := UnpackSub(pack.NewReader(b.Bytes()), testProblem{}, false); !comm.Is(err, comm.Corrupt) {
		t.Errorf("got %v, want corrupt message", err)
	}
}

func TestSetState(t *testing.T) {
	s := &Sub{}
	for _, state := range []State{Bounded, Bounded, Separated, Dead} {
		if err := s.SetState(state); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetState(Bounded); !comm.Is(err, comm.StateViolation) {
		t.Errorf("got %v, want state violation", err)
	}
	if err := s.SetState(State(7)); !comm.Is(err, comm.StateViolation) {
		t.Errorf("got %v, want state violation", err)
	}
}

func TestPackChildGeneric(t *testing.T) {
	gen := NewIDGen(3)
	s := &Sub{
		ID:            gen.Next(),
		State:         Separated,
		Bound:         5,
		Depth:         2,
		TotalChildren: 2,
		ChildrenLeft:  2,
		Node:          &testNode{path: []byte{1}},
	}
	for which := 0; which < 2; which++ {
		var b pack.Buffer
		if err := s.PackChildGeneric(&b, gen, false); err != nil {
			t.Fatal(err)
		}
		child, err := UnpackSub(pack.NewReader(b.Bytes()), testProblem{}, false)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := child.Depth, 3; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := child.Bound, 5.0; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := child.State, Boundable; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := child.ID, (ID{Serial: int64(which + 2), Creator: 3}); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := child.Node.(*testNode).path, []byte{1, byte(which)}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := s.ChildrenLeft, 1-which; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if got, want := s.State, Dead; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var b pack.Buffer
	if err := s.PackChildGeneric(&b, gen, false); !comm.Is(err, comm.ChildUnderflow) {
		t.Errorf("got %v, want child underflow", err)
	}
}

func TestIDGen(t *testing.T) {
	gen := NewIDGen(1)
	a, b := gen.Next(), gen.Next()
	if !a.Less(b) || b.Less(a) {
		t.Errorf("%v, %v: not ordered", a, b)
	}
	gen.Restore(10)
	if got, want := gen.Next(), (ID{Serial: 11, Creator: 1}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var buf pack.Buffer
	a.Pack(&buf)
	if got := UnpackID(pack.NewReader(buf.Bytes())); got != a {
		t.Errorf("got %v, want %v", got, a)
	}
}
