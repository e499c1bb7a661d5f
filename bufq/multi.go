// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bufq

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/pack"
)

type segmented struct {
	buf *pack.Buffer
	// off is the offset of the segment count.
	off int
	n   int
}

// A MultiQueue batches records to each destination into a single
// message of at most maxSegments segments. A physical message
// consists of the queue's prefix, a uint32 segment count and the
// segments themselves. Buffers are flushed when they fill up, or
// explicitly by Flush.
type MultiQueue struct {
	q           *Queue
	tag         comm.Tag
	maxSegments int
	prefix      func(*pack.Buffer)
	open        map[int]*segmented
	segments    int64
	messages    int64
}

// NewMulti returns a MultiQueue that sends on q with the provided
// tag. If prefix is non-nil, it is called to write a header (e.g., a
// signal discriminator) to each new buffer.
func NewMulti(q *Queue, tag comm.Tag, maxSegments int, prefix func(*pack.Buffer)) *MultiQueue {
	if maxSegments <= 0 {
		maxSegments = 1
	}
	return &MultiQueue{
		q:           q,
		tag:         tag,
		maxSegments: maxSegments,
		prefix:      prefix,
		open:        make(map[int]*segmented),
	}
}

// Segment returns the buffer to which the next segment to dest is
// written. The caller must call SegmentDone after writing the
// segment.
func (m *MultiQueue) Segment(dest int) *pack.Buffer {
	s := m.open[dest]
	if s == nil {
		s = &segmented{buf: m.q.GetFree()}
		if m.prefix != nil {
			m.prefix(s.buf)
		}
		s.off = s.buf.Len()
		s.buf.PutUint32(0)
		m.open[dest] = s
	}
	return s.buf
}

// SegmentDone records the completion of a segment to dest, flushing
// the destination's buffer if it is full.
func (m *MultiQueue) SegmentDone(ctx context.Context, dest int) error {
	s := m.open[dest]
	if s == nil {
		panic(fmt.Sprintf("bufq: SegmentDone(%d) without Segment", dest))
	}
	s.n++
	m.segments++
	if s.n >= m.maxSegments {
		return m.flush(ctx, dest)
	}
	return nil
}

func (m *MultiQueue) flush(ctx context.Context, dest int) error {
	s := m.open[dest]
	delete(m.open, dest)
	s.buf.SetUint32At(s.off, uint32(s.n))
	m.messages++
	return m.q.Send(ctx, s.buf, dest, m.tag)
}

// Flush sends all partially filled buffers.
func (m *MultiQueue) Flush(ctx context.Context) error {
	if len(m.open) == 0 {
		return nil
	}
	dests := make([]int, 0, len(m.open))
	for dest := range m.open {
		dests = append(dests, dest)
	}
	sort.Ints(dests)
	for _, dest := range dests {
		if err := m.flush(ctx, dest); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of unflushed segments to dest.
func (m *MultiQueue) Pending(dest int) int {
	if s := m.open[dest]; s != nil {
		return s.n
	}
	return 0
}

// Empty tells whether there are no unflushed segments.
func (m *MultiQueue) Empty() bool { return len(m.open) == 0 }

// Segments returns the total number of segments written.
func (m *MultiQueue) Segments() int64 { return m.segments }

// Messages returns the number of physical messages sent.
func (m *MultiQueue) Messages() int64 { return m.messages }

// ReadSegments reads a segment count from r and calls fn once per
// segment. Each call must consume exactly one segment.
func ReadSegments(r *pack.Reader, fn func(r *pack.Reader) error) error {
	n := r.Uint32()
	if err := r.Err(); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if err := fn(r); err != nil {
			return err
		}
		if err := r.Err(); err != nil {
			return err
		}
	}
	return nil
}
