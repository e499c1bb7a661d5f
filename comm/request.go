// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
)

// ErrCanceled is the error with which cancelled requests complete.
var ErrCanceled = errors.E(errors.Canceled, "comm: request canceled")

// A Request is a pending non-blocking send or receive. A request
// completes exactly once; its source, payload, and error are valid
// only after completion, as reported by Test or Wait.
type Request struct {
	tag  Tag
	want int
	peer int

	once   sync.Once
	done   chan struct{}
	p      []byte
	err    error
	cancel func(*Request)
}

func newRequest(peer int, tag Tag, cancel func(*Request)) *Request {
	return &Request{
		tag:    tag,
		want:   peer,
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// complete completes the request. It returns false if the request
// had already completed.
func (r *Request) complete(peer int, p []byte, err error) bool {
	ok := false
	r.once.Do(func() {
		r.peer = peer
		r.p = p
		r.err = err
		close(r.done)
		ok = true
	})
	return ok
}

// Test tells whether the request has completed. Test never blocks.
func (r *Request) Test() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the request completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the request completes or the context is done,
// and returns the request's error.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error with which the request completed.
func (r *Request) Err() error { return r.err }

// Tag returns the request's tag.
func (r *Request) Tag() Tag { return r.tag }

// Source returns the sender of a completed receive, or the
// destination of a send.
func (r *Request) Source() int { return r.peer }

// Bytes returns the payload of a completed receive. The caller owns
// the returned slice.
func (r *Request) Bytes() []byte { return r.p }

// Cancel abandons the request. Cancellation is meant for teardown:
// a cancelled receive no longer matches messages, and a cancelled
// send may or may not be delivered. Cancel is a no-op on completed
// requests.
func (r *Request) Cancel() {
	if r.Test() {
		return
	}
	if r.cancel != nil {
		r.cancel(r)
	}
	r.complete(r.want, nil, ErrCanceled)
}

// completed returns a request that has already completed with the
// provided error.
func completed(peer int, tag Tag, err error) *Request {
	r := newRequest(peer, tag, nil)
	r.complete(peer, nil, err)
	return r
}

// Pending returns an incomplete request for a message exchanged
// with peer, along with a function that completes it. It allows
// transports to be implemented outside of this package.
func Pending(peer int, tag Tag) (*Request, func(p []byte, err error)) {
	r := newRequest(peer, tag, nil)
	return r, func(p []byte, err error) { r.complete(peer, p, err) }
}
