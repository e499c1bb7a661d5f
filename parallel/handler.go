// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/pack"
)

// maxHandled bounds the number of messages a handler processes per
// poll, so that a busy tag cannot starve the others.
const maxHandled = 32

// A handler is a message-triggered state machine: a posted receive
// on one tag, and the action run on each message that arrives.
type handler struct {
	name string
	tag  comm.Tag
	t    comm.Transport
	req  *comm.Request
	// handle processes one message. The reader is positioned after
	// the message's leading signal.
	handle func(source int, sig signal, r *pack.Reader) error

	handled int64
}

// poll processes the messages that have arrived for the handler. It
// returns the number of messages processed.
func (h *handler) poll() (int, error) {
	var n int
	for n < maxHandled {
		if h.req == nil {
			h.req = h.t.Irecv(comm.AnySource, h.tag)
		}
		if !h.req.Test() {
			break
		}
		req := h.req
		h.req = nil
		if err := req.Err(); err != nil {
			return n, comm.Fatal(comm.TransportFailure, h.name, err)
		}
		n++
		h.handled++
		r := pack.NewReader(req.Bytes())
		sig := readSignal(r)
		if err := r.Err(); err != nil {
			return n, comm.Fatal(comm.Corrupt, h.name, err)
		}
		if err := h.handle(req.Source(), sig, r); err != nil {
			return n, err
		}
		if err := r.Err(); err != nil {
			return n, comm.Fatal(comm.Corrupt, h.name+"."+sig.String(), err)
		}
	}
	return n, nil
}

// cancel abandons the handler's posted receive.
func (h *handler) cancel() {
	if h.req != nil {
		h.req.Cancel()
		h.req = nil
	}
}
