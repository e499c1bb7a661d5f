// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"sync"

	"github.com/grailbio/base/errors"
)

type envelope struct {
	source int
	p      []byte
}

// A Mailbox matches arriving messages with posted receives for one
// rank. Arrivals that match no posted receive are queued. Both
// queues are FIFO per tag, so that messages from a fixed sender on
// a fixed tag are received in arrival order.
type Mailbox struct {
	mu     sync.Mutex
	queued [numTags][]envelope
	posted [numTags][]*Request
	waitc  chan struct{}
	err    error
}

// NewMailbox returns an empty, open mailbox.
func NewMailbox() *Mailbox {
	return new(Mailbox)
}

// Deliver delivers a message from source with the provided tag. The
// mailbox takes ownership of p. Deliver returns an error if the
// mailbox is closed.
func (m *Mailbox) Deliver(source int, tag Tag, p []byte) error {
	if !tag.Valid() {
		return Fatal(UnexpectedMessage, "comm.Deliver", tag)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	posted := m.posted[tag]
	for i, r := range posted {
		if r.want != AnySource && r.want != source {
			continue
		}
		m.posted[tag] = append(posted[:i], posted[i+1:]...)
		r.complete(source, p, nil)
		m.broadcast()
		return nil
	}
	m.queued[tag] = append(m.queued[tag], envelope{source, p})
	m.broadcast()
	return nil
}

// Post posts a receive for a message from source (or AnySource)
// with the provided tag. The returned request completes when a
// matching message arrives.
func (m *Mailbox) Post(source int, tag Tag) *Request {
	if !tag.Valid() {
		return completed(source, tag, Fatal(UnexpectedMessage, "comm.Post", tag))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return completed(source, tag, m.err)
	}
	r := newRequest(source, tag, m.unpost)
	queued := m.queued[tag]
	for i, e := range queued {
		if source != AnySource && e.source != source {
			continue
		}
		m.queued[tag] = append(queued[:i], queued[i+1:]...)
		r.complete(e.source, e.p, nil)
		return r
	}
	m.posted[tag] = append(m.posted[tag], r)
	return r
}

func (m *Mailbox) unpost(r *Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	posted := m.posted[r.tag]
	for i := range posted {
		if posted[i] == r {
			m.posted[r.tag] = append(posted[:i], posted[i+1:]...)
			return
		}
	}
}

// Notify returns a channel that is closed at the next delivery.
// Callers that sleep on the channel should obtain it before testing
// their requests, so that no arrival is missed.
func (m *Mailbox) Notify() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waitc == nil {
		m.waitc = make(chan struct{})
	}
	return m.waitc
}

func (m *Mailbox) broadcast() {
	if m.waitc != nil {
		close(m.waitc)
		m.waitc = nil
	}
}

// Queued returns the number of arrived but unreceived messages.
func (m *Mailbox) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, q := range m.queued {
		n += len(q)
	}
	return n
}

// Close closes the mailbox: posted receives complete with err, as
// do subsequent receives, and subsequent deliveries fail. If err is
// nil, a generic error is used.
func (m *Mailbox) Close(err error) {
	if err == nil {
		err = errors.E(errors.Unavailable, "comm: mailbox closed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	m.err = err
	for tag := range m.posted {
		for _, r := range m.posted[tag] {
			r.complete(r.want, nil, err)
		}
		m.posted[tag] = nil
		m.queued[tag] = nil
	}
	m.broadcast()
}
