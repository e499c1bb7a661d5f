// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func TestMailboxFIFO(t *testing.T) {
	m := NewMailbox()
	for i := 0; i < 10; i++ {
		if err := m.Deliver(i%2, TagWork, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := m.Queued(), 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Source-specific receives see their sender's messages in order.
	for i := 1; i < 10; i += 2 {
		r := m.Post(1, TagWork)
		if !r.Test() {
			t.Fatal("receive not matched")
		}
		if got, want := r.Bytes()[0], byte(i); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := r.Source(), 1; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	for i := 0; i < 10; i += 2 {
		r := m.Post(AnySource, TagWork)
		if !r.Test() {
			t.Fatal("receive not matched")
		}
		if got, want := r.Bytes()[0], byte(i); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if r := m.Post(AnySource, TagWork); r.Test() {
		t.Error("unexpected match")
	}
}

func TestMailboxPosted(t *testing.T) {
	m := NewMailbox()
	r1 := m.Post(AnySource, TagAux)
	r2 := m.Post(3, TagAux)
	r3 := m.Post(AnySource, TagHub)
	notify := m.Notify()
	if err := m.Deliver(3, TagAux, []byte("a")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-notify:
	default:
		t.Error("notify channel not closed")
	}
	if !r1.Test() || r2.Test() || r3.Test() {
		t.Fatalf("wrong match: %v %v %v", r1.Test(), r2.Test(), r3.Test())
	}
	if err := m.Deliver(3, TagAux, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if !r2.Test() {
		t.Fatal("receive not matched")
	}
	if got, want := string(r2.Bytes()), "b"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	r3.Cancel()
	if got, want := r3.Err(), ErrCanceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The cancelled receive no longer matches.
	if err := m.Deliver(0, TagHub, nil); err != nil {
		t.Fatal(err)
	}
	if got, want := m.Queued(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMailboxClose(t *testing.T) {
	m := NewMailbox()
	r := m.Post(AnySource, TagAux)
	closeErr := errors.E("closed for test")
	m.Close(closeErr)
	if err := r.Wait(context.Background()); err != closeErr {
		t.Errorf("got %v, want %v", err, closeErr)
	}
	if err := m.Deliver(0, TagAux, nil); err != closeErr {
		t.Errorf("got %v, want %v", err, closeErr)
	}
	if r := m.Post(0, TagAux); !r.Test() || r.Err() != closeErr {
		t.Errorf("expected failed receive, got %v", r.Err())
	}
}

func TestLocal(t *testing.T) {
	ts := NewLocal(3)
	p := []byte("hello")
	s := ts[0].Isend(2, TagWork, p)
	if !s.Test() {
		t.Fatal("local send not complete")
	}
	if err := s.Err(); err != nil {
		t.Fatal(err)
	}
	// Sends copy their payload.
	p[0] = 'j'
	r := ts[2].Irecv(0, TagWork)
	if err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, want := string(r.Bytes()), "hello"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := ts[0].Isend(3, TagWork, nil).Err(); !Is(err, TransportFailure) {
		t.Errorf("expected transport failure, got %v", err)
	}
	if err := ts[0].Isend(1, AnyTag, nil).Err(); !Is(err, TransportFailure) {
		t.Errorf("expected transport failure, got %v", err)
	}
}

func TestWaitContext(t *testing.T) {
	ts := NewLocal(1)
	r := ts[0].Irecv(AnySource, TagAux)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if got, want := r.Wait(ctx), context.DeadlineExceeded; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestProtocolError(t *testing.T) {
	err := Fatal(UnknownSignal, "workerAux", 99)
	if errors.Recover(err).Severity != errors.Fatal {
		t.Errorf("expected fatal error, got %v", err)
	}
	if !Is(err, UnknownSignal) {
		t.Errorf("expected unknown signal, got %v", err)
	}
	if Is(err, PoolUnderflow) {
		t.Error("unexpected pool underflow")
	}
	e := AsProtocolError(err)
	if e == nil {
		t.Fatal("no protocol error")
	}
	if got, want := e.Error(), "workerAux: unknown signal: 99"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if AsProtocolError(errors.E("other")) != nil {
		t.Error("unexpected protocol error")
	}
}

// loopback is a Caller that delivers envelopes directly to an RPC
// transport. Every failEvery-th call is delivered but reports a
// temporary failure, which forces a retry.
type loopback struct {
	mu        sync.Mutex
	to        func() *RPC
	calls     int
	failEvery int
}

func (l *loopback) Call(ctx context.Context, method string, arg, reply interface{}) error {
	if method != "Test.Deliver" {
		return fmt.Errorf("bad method %s", method)
	}
	if err := l.to().Deliver(arg.(Envelope)); err != nil {
		return err
	}
	l.mu.Lock()
	l.calls++
	fail := l.failEvery > 0 && l.calls%l.failEvery == 0
	l.mu.Unlock()
	if fail {
		return errors.E(errors.Net, errors.Temporary, "lost reply")
	}
	return nil
}

func TestRPC(t *testing.T) {
	const N = 3
	var (
		ctx   = context.Background()
		ts    = make([]*RPC, N)
		peers = make([]Caller, N)
	)
	for i := range peers {
		i := i
		peers[i] = &loopback{to: func() *RPC { return ts[i] }, failEvery: 3}
	}
	for i := range ts {
		ts[i] = NewRPC(ctx, i, peers, "Test.Deliver", NewMailbox(), 2)
	}
	defer func() {
		for _, tr := range ts {
			tr.Close()
		}
	}()
	const M = 20
	var sends []*Request
	for i := 0; i < M; i++ {
		sends = append(sends, ts[0].Isend(1, TagWork, []byte{byte(i)}))
		sends = append(sends, ts[0].Isend(0, TagWork, []byte{byte(i)}))
	}
	for _, s := range sends {
		if err := s.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	for _, dest := range []int{0, 1} {
		for i := 0; i < M; i++ {
			r := ts[dest].Irecv(0, TagWork)
			if err := r.Wait(ctx); err != nil {
				t.Fatal(err)
			}
			if got, want := r.Bytes()[0], byte(i); got != want {
				t.Errorf("rank %d: got %v, want %v", dest, got, want)
			}
		}
		// Retried calls must not produce duplicates.
		if r := ts[dest].Irecv(AnySource, TagWork); r.Test() {
			t.Errorf("rank %d: unexpected message %v", dest, r.Bytes())
		}
	}
}

func TestRPCClosed(t *testing.T) {
	peers := []Caller{nil, nil}
	tr := NewRPC(context.Background(), 0, peers, "Test.Deliver", NewMailbox(), 0)
	tr.Close()
	if err := tr.Isend(1, TagAux, nil).Err(); !Is(err, TransportFailure) {
		t.Errorf("expected transport failure, got %v", err)
	}
	if err := tr.Irecv(1, TagAux).Err(); err == nil {
		t.Error("expected error")
	}
}

func TestTagString(t *testing.T) {
	for _, c := range []struct {
		tag  Tag
		want string
	}{
		{TagAux, "aux"},
		{TagQuiesceDown, "quiesce.down"},
		{AnyTag, "any"},
		{Tag(100), "tag(100)"},
	} {
		if got := c.tag.String(); got != c.want {
			t.Errorf("got %v, want %v", got, c.want)
		}
	}
}
