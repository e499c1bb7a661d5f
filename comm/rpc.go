// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

// sendRetryPolicy is the policy used to retry sends that fail with
// temporary or network errors.
var sendRetryPolicy = retry.MaxTries(retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5), 10)

// A Caller invokes a remote method. *bigmachine.Machine is a Caller.
type Caller interface {
	Call(ctx context.Context, serviceMethod string, arg, reply interface{}) error
}

// An Envelope is the unit of delivery of the RPC transport. Seq
// numbers envelopes per sender and receiver pair, so that a receiver
// can discard duplicates introduced by retried calls.
type Envelope struct {
	Source int
	Seq    uint64
	Tag    Tag
	Data   []byte
}

type outgoing struct {
	req  *Request
	env  Envelope
	dest int
}

// RPC is a transport whose messages are delivered by calling a
// method on each peer. Sends to each destination are performed in
// order by a dedicated goroutine; calls that fail with temporary or
// network errors are retried, and the receiver drops the duplicates
// this may produce. Messages to the local rank bypass the network.
type RPC struct {
	rank   int
	peers  []Caller
	method string
	box    *Mailbox

	ctx    context.Context
	cancel func()
	limit  *limiter.Limiter
	sendc  []chan *outgoing
	wg     sync.WaitGroup

	sendMu  sync.Mutex
	closed  bool
	nextSeq []uint64

	recvMu  sync.Mutex
	lastSeq []uint64
}

// DefaultMaxInflight is the default number of concurrent outbound
// calls allowed by an RPC transport.
const DefaultMaxInflight = 16

// NewRPC returns a new RPC transport for the provided rank. Peers
// lists the callers of all ranks (the caller at the local rank is
// never used); messages are delivered through the named method,
// which must accept an Envelope and forward it to the receiving
// transport's Deliver. Local deliveries are made to box. At most
// maxInflight calls are outstanding at any time.
func NewRPC(ctx context.Context, rank int, peers []Caller, method string, box *Mailbox, maxInflight int) *RPC {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	t := &RPC{
		rank:    rank,
		peers:   peers,
		method:  method,
		box:     box,
		limit:   limiter.New(),
		sendc:   make([]chan *outgoing, len(peers)),
		nextSeq: make([]uint64, len(peers)),
		lastSeq: make([]uint64, len(peers)),
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.limit.Release(maxInflight)
	for dest := range peers {
		if dest == rank {
			continue
		}
		t.sendc[dest] = make(chan *outgoing, 1024)
		t.wg.Add(1)
		go t.sender(t.sendc[dest])
	}
	return t
}

// Rank implements Transport.
func (t *RPC) Rank() int { return t.rank }

// Size implements Transport.
func (t *RPC) Size() int { return len(t.peers) }

// Isend implements Transport.
func (t *RPC) Isend(dest int, tag Tag, p []byte) *Request {
	if dest < 0 || dest >= len(t.peers) {
		return completed(dest, tag, Fatal(TransportFailure, "comm.Isend", fmt.Sprintf("destination %d out of range [0, %d)", dest, len(t.peers))))
	}
	if dest == t.rank {
		err := t.box.Deliver(t.rank, tag, append([]byte(nil), p...))
		if err != nil {
			err = Fatal(TransportFailure, "comm.Isend", err)
		}
		return completed(dest, tag, err)
	}
	t.sendMu.Lock()
	if t.closed {
		t.sendMu.Unlock()
		return completed(dest, tag, Fatal(TransportFailure, "comm.Isend", "transport closed"))
	}
	t.nextSeq[dest]++
	o := &outgoing{
		req:  newRequest(dest, tag, nil),
		env:  Envelope{Source: t.rank, Seq: t.nextSeq[dest], Tag: tag, Data: p},
		dest: dest,
	}
	// Sending while holding the lock keeps sequence numbers in
	// channel order.
	t.sendc[dest] <- o
	t.sendMu.Unlock()
	return o.req
}

func (t *RPC) sender(c chan *outgoing) {
	defer t.wg.Done()
	for o := range c {
		if o.req.Test() {
			continue
		}
		o.req.complete(o.dest, nil, t.call(o))
	}
}

func (t *RPC) call(o *outgoing) error {
	if err := t.limit.Acquire(t.ctx, 1); err != nil {
		return Fatal(TransportFailure, "comm.Isend", err)
	}
	defer t.limit.Release(1)
	for retries := 0; ; retries++ {
		err := t.peers[o.dest].Call(t.ctx, t.method, o.env, nil)
		if err == nil {
			return nil
		}
		if !errors.Is(errors.Net, err) && !errors.IsTemporary(err) {
			return Fatal(TransportFailure, "comm.Isend", err)
		}
		log.Error.Printf("comm: send %d->%d (%s): retrying(%d): %v", t.rank, o.dest, o.env.Tag, retries, err)
		if werr := retry.Wait(t.ctx, sendRetryPolicy, retries); werr != nil {
			return Fatal(TransportFailure, "comm.Isend", err)
		}
	}
}

// Deliver delivers an envelope received from a peer. Duplicate
// envelopes are dropped.
func (t *RPC) Deliver(env Envelope) error {
	if env.Source < 0 || env.Source >= len(t.peers) {
		return Fatal(UnexpectedMessage, "comm.Deliver", fmt.Sprintf("source %d out of range [0, %d)", env.Source, len(t.peers)))
	}
	t.recvMu.Lock()
	if env.Seq <= t.lastSeq[env.Source] {
		t.recvMu.Unlock()
		log.Debug.Printf("comm: dropping duplicate envelope %d from %d", env.Seq, env.Source)
		return nil
	}
	defer t.recvMu.Unlock()
	t.lastSeq[env.Source] = env.Seq
	return t.box.Deliver(env.Source, env.Tag, env.Data)
}

// Irecv implements Transport.
func (t *RPC) Irecv(source int, tag Tag) *Request {
	return t.box.Post(source, tag)
}

// Notify implements Transport.
func (t *RPC) Notify() <-chan struct{} {
	return t.box.Notify()
}

// Close stops the transport's senders, failing any sends that have
// not yet been performed, and closes the mailbox.
func (t *RPC) Close() {
	t.sendMu.Lock()
	if t.closed {
		t.sendMu.Unlock()
		return
	}
	t.closed = true
	for _, c := range t.sendc {
		if c != nil {
			close(c)
		}
	}
	t.sendMu.Unlock()
	t.cancel()
	t.wg.Wait()
	t.box.Close(nil)
}
