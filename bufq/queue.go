// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bufq manages the send buffers of a rank. A Queue owns a
// pool of reusable pack buffers and the buffers of outstanding sends,
// so that a rank can have many non-blocking sends in flight without
// per-message allocation. A MultiQueue batches small records
// (segments) destined to the same rank into a single physical
// message.
//
// Queues are not safe for concurrent use: each is owned by a rank's
// event loop.
package bufq

import (
	"context"

	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/pack"
)

// DefaultScavengeSize is the default bound on the number of
// in-flight sends (and pooled free buffers) of a Queue.
const DefaultScavengeSize = 64

type inflight struct {
	buf *pack.Buffer
	req *comm.Request
	tag comm.Tag
}

// A Queue issues non-blocking sends on a transport and retains their
// buffers until they complete. At most scavengeSize sends are left
// in flight when Send returns: a sender that exceeds the bound waits
// for its oldest sends to complete. This is the queue's backpressure.
type Queue struct {
	t            comm.Transport
	scavengeSize int

	free     []*pack.Buffer
	inflight []inflight
	sent     []int64
	err      error
}

// New returns a new queue that sends on transport t. If scavengeSize
// is not positive, DefaultScavengeSize is used.
func New(t comm.Transport, scavengeSize int) *Queue {
	if scavengeSize <= 0 {
		scavengeSize = DefaultScavengeSize
	}
	return &Queue{
		t:            t,
		scavengeSize: scavengeSize,
		sent:         make([]int64, comm.NumTags()),
	}
}

// Transport returns the queue's transport.
func (q *Queue) Transport() comm.Transport { return q.t }

// GetFree returns an empty buffer, exclusively owned by the caller
// until it is passed to Send.
func (q *Queue) GetFree() *pack.Buffer {
	if n := len(q.free); n > 0 {
		buf := q.free[n-1]
		q.free[n-1] = nil
		q.free = q.free[:n-1]
		buf.Reset()
		return buf
	}
	return new(pack.Buffer)
}

// Release returns an unsent buffer to the free pool.
func (q *Queue) Release(buf *pack.Buffer) {
	if len(q.free) < q.scavengeSize {
		q.free = append(q.free, buf)
	}
}

// Send sends the contents of buf to dest with the provided tag.
// Ownership of buf passes to the queue. Send returns the first
// error encountered by any of the queue's sends; such errors are
// fatal.
func (q *Queue) Send(ctx context.Context, buf *pack.Buffer, dest int, tag comm.Tag) error {
	if q.err != nil {
		return q.err
	}
	req := q.t.Isend(dest, tag, buf.Bytes())
	if tag.Valid() {
		q.sent[tag]++
	}
	q.inflight = append(q.inflight, inflight{buf, req, tag})
	q.Scavenge()
	for q.err == nil && len(q.inflight) > q.scavengeSize {
		if err := q.inflight[0].req.Wait(ctx); err != nil && !q.inflight[0].req.Test() {
			// The context is done; the send remains in flight.
			return err
		}
		q.Scavenge()
	}
	return q.err
}

// Scavenge reclaims the buffers of completed sends. Up to
// scavengeSize reclaimed buffers are kept for reuse; the remainder
// are dropped.
func (q *Queue) Scavenge() {
	n := 0
	for _, f := range q.inflight {
		if !f.req.Test() {
			q.inflight[n] = f
			n++
			continue
		}
		q.complete(f)
		q.Release(f.buf)
	}
	for i := n; i < len(q.inflight); i++ {
		q.inflight[i] = inflight{}
	}
	q.inflight = q.inflight[:n]
}

func (q *Queue) complete(f inflight) {
	if err := f.req.Err(); err != nil && q.err == nil {
		q.err = err
	}
}

// CompleteAll waits for every outstanding send with the provided tag
// (or all sends, if tag is comm.AnyTag) to complete. Their buffers
// are dropped rather than pooled.
func (q *Queue) CompleteAll(ctx context.Context, tag comm.Tag) error {
	n := 0
	for i, f := range q.inflight {
		if tag != comm.AnyTag && f.tag != tag {
			q.inflight[n] = f
			n++
			continue
		}
		if err := f.req.Wait(ctx); err != nil && !f.req.Test() {
			// Keep the remaining sends.
			n += copy(q.inflight[n:], q.inflight[i:])
			q.inflight = q.inflight[:n]
			return err
		}
		q.complete(f)
	}
	for i := n; i < len(q.inflight); i++ {
		q.inflight[i] = inflight{}
	}
	q.inflight = q.inflight[:n]
	return q.err
}

// Cancel cancels every outstanding send. It is used only in
// teardown.
func (q *Queue) Cancel() {
	for _, f := range q.inflight {
		f.req.Cancel()
	}
	q.inflight = nil
}

// InFlight returns the number of sends that have not yet been
// reclaimed.
func (q *Queue) InFlight() int { return len(q.inflight) }

// Free returns the number of pooled free buffers.
func (q *Queue) Free() int { return len(q.free) }

// Sent returns the total number of messages sent on the provided
// tags.
func (q *Queue) Sent(tags ...comm.Tag) int64 {
	var n int64
	for _, tag := range tags {
		if tag.Valid() {
			n += q.sent[tag]
		}
	}
	return n
}

// Err returns the first error encountered by a send.
func (q *Queue) Err() error { return q.err }
