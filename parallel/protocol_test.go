// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/knapsack"
	"github.com/grailbio/pebbl/pack"
)

func newCoordinators(t *testing.T, n int) ([]*comm.Local, []*Coordinator) {
	t.Helper()
	ts := comm.NewLocal(n)
	coords := make([]*Coordinator, n)
	for i := range coords {
		p, err := knapsack.New(knapsack.Random(8, 1))
		if err != nil {
			t.Fatal(err)
		}
		if coords[i], err = New(p, ts[i], testParams()); err != nil {
			t.Fatal(err)
		}
		coords[i].ctx = context.Background()
		coords[i].Reset()
		coords[i].reset()
	}
	return ts, coords
}

func recvSignal(t *testing.T, tr comm.Transport, tag comm.Tag) (int, signal) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := tr.Irecv(comm.AnySource, tag)
	if err := req.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := req.Err(); err != nil {
		t.Fatal(err)
	}
	return req.Source(), readSignal(pack.NewReader(req.Bytes()))
}

func TestTerminationDecision(t *testing.T) {
	for _, test := range []struct {
		wave, check counts
		terminate   bool
	}{
		{counts{2, true, 3, 3}, counts{2, true, 3, 3}, true},
		// A message was sent and received between the rounds.
		{counts{2, true, 3, 3}, counts{2, true, 4, 4}, false},
		{counts{2, true, 3, 3}, counts{2, false, 3, 3}, false},
		{counts{2, true, 3, 3}, counts{2, true, 4, 3}, false},
	} {
		ts, coords := newCoordinators(t, 2)
		c := coords[0]
		c.checking = true
		c.checkWave, c.check = test.wave, test.check
		if err := c.maybeDecide(c.ctx); err != nil {
			t.Fatal(err)
		}
		if c.checking {
			t.Error("check still in progress")
		}
		if got, want := c.terminated, test.terminate; got != want {
			t.Errorf("%+v %+v: got %v, want %v", test.wave, test.check, got, want)
		}
		want := continueSignal
		if test.terminate {
			want = terminateSignal
		}
		source, sig := recvSignal(t, ts[1], comm.TagAux)
		if source != 0 || sig != want {
			t.Errorf("got %v from %d, want %v from 0", sig, source, want)
		}
	}
}

func TestTerminationPendingReplies(t *testing.T) {
	_, coords := newCoordinators(t, 3)
	c := coords[0]
	c.checking = true
	c.checkWave = counts{3, true, 1, 1}
	c.check = counts{2, true, 1, 1}
	if err := c.maybeDecide(c.ctx); err != nil {
		t.Fatal(err)
	}
	if !c.checking || c.terminated {
		t.Error("decided before every rank replied")
	}
}

func TestUnknownSignal(t *testing.T) {
	ts, coords := newCoordinators(t, 2)
	var b pack.Buffer
	b.PutInt(99)
	if err := ts[0].Isend(1, comm.TagAux, b.Bytes()).Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := coords[1].Solve(ctx)
	if !comm.Is(err, comm.UnknownSignal) {
		t.Errorf("got %v, want unknown signal", err)
	}
}

func TestUnexpectedTerminate(t *testing.T) {
	_, coords := newCoordinators(t, 3)
	err := coords[2].handleAux(1, terminateSignal, pack.NewReader(nil))
	if !comm.Is(err, comm.UnexpectedMessage) {
		t.Errorf("got %v, want unexpected message", err)
	}
}

func TestCheckpointDuringBarrier(t *testing.T) {
	_, coords := newCoordinators(t, 2)
	c := coords[1]
	start := func() error {
		var b pack.Buffer
		b.PutBool(false)
		b.PutString("")
		return c.handleAux(0, startCheckpointSignal, pack.NewReader(b.Bytes()))
	}
	if err := start(); err != nil {
		t.Fatal(err)
	}
	// A rank may not start a checkpoint while writing one.
	if err := start(); !comm.Is(err, comm.UnexpectedMessage) {
		t.Errorf("got %v, want unexpected message", err)
	}
	// But it may learn of the next checkpoint before it has left
	// the previous barrier.
	c.ckptPhase = ckptBarrier
	if err := start(); err != nil {
		t.Fatal(err)
	}
	if !c.ckptPending {
		t.Error("checkpoint not deferred")
	}
	if err := start(); !comm.Is(err, comm.UnexpectedMessage) {
		t.Errorf("got %v, want unexpected message", err)
	}
}

func TestWorkCarrying(t *testing.T) {
	for sig := quiescencePollSignal; sig < maxSignal; sig++ {
		var want bool
		switch sig {
		case tokenSignal, dispatchSignal, subproblemSignal, rebalanceSignal, hashSolSignal, ackSolSignal:
			want = true
		}
		if got := sig.workCarrying(); got != want {
			t.Errorf("%v: got %v, want %v", sig, got, want)
		}
	}
}

func TestTokenPack(t *testing.T) {
	fz := fuzz.New().NilChance(0)
	for i := 0; i < 100; i++ {
		var tok Token
		fz.Fuzz(&tok)
		tok.State = pebbl.State(i % 4)
		tok.ChildrenRepresented = abs(tok.ChildrenRepresented%100) + 1
		tok.SPProcessor = abs(tok.SPProcessor % 1000)
		tok.WhichChild = abs(tok.WhichChild%10) - 1
		var b pack.Buffer
		tok.Pack(&b)
		got, err := UnpackToken(pack.NewReader(b.Bytes()))
		if err != nil {
			t.Fatal(err)
		}
		if got != tok {
			t.Errorf("got %v, want %v", got, tok)
		}
	}

	var b pack.Buffer
	Token{State: pebbl.Boundable, ChildrenRepresented: 0}.Pack(&b)
	if _, err := UnpackToken(pack.NewReader(b.Bytes())); !comm.Is(err, comm.Corrupt) {
		t.Errorf("got %v, want corrupt message", err)
	}
	if _, err := UnpackToken(pack.NewReader(b.Bytes()[:3])); !comm.Is(err, comm.Corrupt) {
		t.Errorf("got %v, want corrupt message", err)
	}
}

func TestNewToken(t *testing.T) {
	s := &pebbl.Sub{
		Bound:         10,
		State:         pebbl.Separated,
		Depth:         4,
		TotalChildren: 5,
		ChildrenLeft:  3,
		SplitGenItem:  2,
	}
	tok := newToken(s, 7, 42)
	if got, want := tok, (Token{
		Bound:               10,
		State:               pebbl.Separated,
		Depth:               5,
		ChildrenRepresented: 3,
		SPProcessor:         7,
		WhichChild:          2,
		MemAddress:          42,
	}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	s.State = pebbl.Bounded
	tok = newToken(s, 7, 43)
	if tok.ChildrenRepresented != 1 || tok.WhichChild != -1 || tok.Depth != 4 {
		t.Errorf("bad token %v", tok)
	}
}

func TestTokenPool(t *testing.T) {
	p := &tokenPool{sense: pebbl.Maximize}
	for i, bound := range []float64{3, 7, 1, 7, 5} {
		p.insert(Token{Bound: bound, Depth: i, ChildrenRepresented: i + 1, ID: pebbl.ID{Serial: int64(i)}})
	}
	if got, want := p.children(), 15; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Ties go to the deeper token.
	if got, want := p.best().Depth, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	pruned := p.prune(func(t Token) bool { return t.Bound < 4 })
	if got, want := len(pruned), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var bounds []float64
	for p.Len() > 0 {
		bounds = append(bounds, p.pop().Bound)
	}
	if got, want := bounds, []float64{7, 7, 5}; len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("got %v, want %v", got, want)
	}

	p = &tokenPool{sense: pebbl.Minimize}
	p.insert(Token{Bound: 3})
	p.insert(Token{Bound: 1})
	if got, want := p.best().Bound, 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(p.clear()), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func TestIncumbentRelay(t *testing.T) {
	ts, coords := newCoordinators(t, 3)
	var b pack.Buffer
	b.PutFloat64(1e6)
	b.PutInt(1)
	if err := coords[0].handleIncumbent(1, incumbentSignal, pack.NewReader(b.Bytes())); err != nil {
		t.Fatal(err)
	}
	if got, want := coords[0].Incumbent.Value, 1e6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The relay skips the sender and names the finder.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := ts[2].Irecv(comm.AnySource, comm.TagIncumbent)
	if err := req.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	r := pack.NewReader(req.Bytes())
	if got, want := readSignal(r), incumbentSignal; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.Float64(), 1e6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.Int(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if req.Source() != 0 {
		t.Errorf("got source %d, want 0", req.Source())
	}
	// No better value is relayed twice.
	if err := coords[0].handleIncumbent(2, incumbentSignal, pack.NewReader(b.Bytes())); err != nil {
		t.Fatal(err)
	}
	if got, want := coords[0].q.Sent(comm.TagIncumbent), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIncumbentFloodFailure(t *testing.T) {
	ts, coords := newCoordinators(t, 2)
	ts[1].Close(nil)
	c := coords[0]
	c.improved(10)
	if !comm.Is(c.fault, comm.TransportFailure) {
		t.Fatalf("got %v, want transport failure", c.fault)
	}
	if err := c.iterate(c.ctx); err != c.fault {
		t.Errorf("got %v, want %v", err, c.fault)
	}
}

func TestShouldRelease(t *testing.T) {
	_, coords := newCoordinators(t, 2)
	c := coords[1]
	c.params.TargetScatterProb = 0
	c.clusterLoad = 100
	for i := 0; i < c.params.MinWorkerLoad; i++ {
		root, err := c.NewRoot()
		if err != nil {
			t.Fatal(err)
		}
		c.Pool.Insert(root)
	}
	// A starved cluster takes work regardless of the scatter
	// probability.
	c.clusterTokens = 0
	if !c.shouldRelease() {
		t.Error("work kept from a starved cluster")
	}
	c.clusterTokens = 3
	if c.shouldRelease() {
		t.Error("work released with zero scatter probability")
	}
	c.clusterLoad = 0.5
	if !c.shouldRelease() {
		t.Error("overloaded worker kept its work")
	}
	c.clusterLoad, c.paused = 100, true
	c.clusterTokens = 0
	if c.shouldRelease() {
		t.Error("paused worker released work")
	}
}
