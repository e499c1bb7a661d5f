// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import "fmt"

// A Transport moves byte payloads between the ranks of a cluster.
// Sends and receives are non-blocking: they return requests that
// are later tested or waited upon. The payload passed to Isend must
// not be modified until the send request completes.
type Transport interface {
	// Rank returns the rank of the local process.
	Rank() int
	// Size returns the number of ranks in the cluster.
	Size() int
	// Isend sends p to rank dest with the provided tag.
	Isend(dest int, tag Tag, p []byte) *Request
	// Irecv posts a receive for a message from source (or
	// AnySource) with the provided tag.
	Irecv(source int, tag Tag) *Request
	// Notify returns a channel that is closed when the next message
	// arrives at this rank.
	Notify() <-chan struct{}
}

// Local is a transport between ranks in the same process. Sends
// are eager: the payload is copied and delivered to the receiver's
// mailbox before Isend returns.
type Local struct {
	rank  int
	boxes []*Mailbox
}

// NewLocal returns the transports of an n-rank in-process cluster.
func NewLocal(n int) []*Local {
	boxes := make([]*Mailbox, n)
	for i := range boxes {
		boxes[i] = NewMailbox()
	}
	ts := make([]*Local, n)
	for i := range ts {
		ts[i] = &Local{rank: i, boxes: boxes}
	}
	return ts
}

// Rank implements Transport.
func (l *Local) Rank() int { return l.rank }

// Size implements Transport.
func (l *Local) Size() int { return len(l.boxes) }

// Isend implements Transport.
func (l *Local) Isend(dest int, tag Tag, p []byte) *Request {
	if dest < 0 || dest >= len(l.boxes) {
		return completed(dest, tag, Fatal(TransportFailure, "comm.Isend", fmt.Sprintf("destination %d out of range [0, %d)", dest, len(l.boxes))))
	}
	err := l.boxes[dest].Deliver(l.rank, tag, append([]byte(nil), p...))
	if err != nil {
		err = Fatal(TransportFailure, "comm.Isend", err)
	}
	return completed(dest, tag, err)
}

// Irecv implements Transport.
func (l *Local) Irecv(source int, tag Tag) *Request {
	return l.boxes[l.rank].Post(source, tag)
}

// Notify implements Transport.
func (l *Local) Notify() <-chan struct{} {
	return l.boxes[l.rank].Notify()
}

// Close closes the local rank's mailbox with the provided error.
func (l *Local) Close(err error) {
	l.boxes[l.rank].Close(err)
}
