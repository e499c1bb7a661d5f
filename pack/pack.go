// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pack implements the symmetric byte-buffer encoding used by
// every pebbl wire record. Records carry no self-description: the
// sender and the receiver must agree on the sequence of fields,
// usually by message tag and a leading signal discriminator.
//
// Integers are written as zig-zag varints; fixed-width fields
// (Uint32, Uint64, Float64) are little-endian, and floating point
// values round-trip bit for bit.
package pack

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// A Buffer accumulates packed values. The zero Buffer is ready to
// use.
type Buffer struct {
	buf     []byte
	scratch [binary.MaxVarintLen64]byte
}

// NewBuffer returns a Buffer whose initial contents are p. The
// Buffer takes ownership of p.
func NewBuffer(p []byte) *Buffer {
	return &Buffer{buf: p}
}

// PutInt appends v.
func (b *Buffer) PutInt(v int) {
	b.PutInt64(int64(v))
}

// PutInt64 appends v.
func (b *Buffer) PutInt64(v int64) {
	n := binary.PutVarint(b.scratch[:], v)
	b.buf = append(b.buf, b.scratch[:n]...)
}

// PutUint32 appends v as 4 fixed bytes.
func (b *Buffer) PutUint32(v uint32) {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], v)
	b.buf = append(b.buf, p[:]...)
}

// SetUint32At overwrites the 4 bytes at offset off with v. It is
// used to patch headers (such as segment counts) after the fact.
func (b *Buffer) SetUint32At(off int, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[off:off+4], v)
}

// PutUint64 appends v as 8 fixed bytes.
func (b *Buffer) PutUint64(v uint64) {
	var p [8]byte
	binary.LittleEndian.PutUint64(p[:], v)
	b.buf = append(b.buf, p[:]...)
}

// PutFloat64 appends the IEEE 754 bits of v.
func (b *Buffer) PutFloat64(v float64) {
	b.PutUint64(math.Float64bits(v))
}

// PutBool appends v.
func (b *Buffer) PutBool(v bool) {
	if v {
		b.buf = append(b.buf, 1)
	} else {
		b.buf = append(b.buf, 0)
	}
}

// PutBytes appends a length-prefixed copy of p.
func (b *Buffer) PutBytes(p []byte) {
	b.PutInt(len(p))
	b.buf = append(b.buf, p...)
}

// PutString appends a length-prefixed s.
func (b *Buffer) PutString(s string) {
	b.PutInt(len(s))
	b.buf = append(b.buf, s...)
}

// Write appends p verbatim. It implements io.Writer so that
// buffers may be the target of other encoders.
func (b *Buffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Bytes returns the packed contents of the buffer. The returned
// slice aliases the buffer until the next mutation.
func (b *Buffer) Bytes() []byte { return b.buf }

// Len returns the number of packed bytes.
func (b *Buffer) Len() int { return len(b.buf) }

// Reset empties the buffer, retaining its storage.
func (b *Buffer) Reset() { b.buf = b.buf[:0] }

// A Reader unpacks values in the order they were packed. Errors are
// sticky: after the first malformed or short read, every subsequent
// read returns the zero value and Err reports the failure.
type Reader struct {
	p   []byte
	off int
	err error
}

// NewReader returns a Reader that unpacks p.
func NewReader(p []byte) *Reader {
	return &Reader{p: p}
}

// Err returns the first error encountered while unpacking.
func (r *Reader) Err() error { return r.err }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.p) - r.off }

func (r *Reader) fail(what string) {
	if r.err == nil {
		r.err = errors.E(errors.Integrity, fmt.Sprintf("pack: short or malformed %s at offset %d of %d", what, r.off, len(r.p)))
	}
}

// Int unpacks an int.
func (r *Reader) Int() int {
	return int(r.Int64())
}

// Int64 unpacks an int64.
func (r *Reader) Int64() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.p[r.off:])
	if n <= 0 {
		r.fail("varint")
		return 0
	}
	r.off += n
	return v
}

// Uint32 unpacks a fixed-width uint32.
func (r *Reader) Uint32() uint32 {
	p := r.Raw(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

// Uint64 unpacks a fixed-width uint64.
func (r *Reader) Uint64() uint64 {
	p := r.Raw(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

// Float64 unpacks a float64.
func (r *Reader) Float64() float64 {
	return math.Float64frombits(r.Uint64())
}

// Bool unpacks a bool.
func (r *Reader) Bool() bool {
	p := r.Raw(1)
	if p == nil {
		return false
	}
	switch p[0] {
	case 0:
		return false
	case 1:
		return true
	}
	r.off--
	r.fail("bool")
	return false
}

// Bytes unpacks a length-prefixed byte slice. The returned slice is
// a copy.
func (r *Reader) Bytes() []byte {
	n := r.Int()
	if n < 0 {
		r.fail("length")
		return nil
	}
	p := r.Raw(n)
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}

// String unpacks a length-prefixed string.
func (r *Reader) String() string {
	n := r.Int()
	if n < 0 {
		r.fail("length")
		return ""
	}
	return string(r.Raw(n))
}

// Raw returns the next n bytes without copying, or nil if fewer
// than n bytes remain.
func (r *Reader) Raw(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Len() < n {
		r.fail(fmt.Sprintf("%d-byte field", n))
		return nil
	}
	p := r.p[r.off : r.off+n : r.off+n]
	r.off += n
	return p
}
