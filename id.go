// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import (
	"fmt"

	"github.com/grailbio/pebbl/pack"
)

// An ID identifies a subproblem. IDs are unique across a cluster:
// serial numbers are monotonic per creating rank.
type ID struct {
	Serial  int64
	Creator int
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Creator, id.Serial)
}

// Less orders IDs by serial number, then creator.
func (id ID) Less(other ID) bool {
	if id.Serial != other.Serial {
		return id.Serial < other.Serial
	}
	return id.Creator < other.Creator
}

// Pack writes the ID to b.
func (id ID) Pack(b *pack.Buffer) {
	b.PutInt64(id.Serial)
	b.PutInt(id.Creator)
}

// UnpackID reads an ID written by ID.Pack.
func UnpackID(r *pack.Reader) ID {
	return ID{Serial: r.Int64(), Creator: r.Int()}
}

// An IDGen assigns IDs for one creating rank.
type IDGen struct {
	creator int
	last    int64
}

// NewIDGen returns a generator of IDs created by the provided rank.
func NewIDGen(creator int) *IDGen {
	return &IDGen{creator: creator}
}

// Next returns a fresh ID.
func (g *IDGen) Next() ID {
	g.last++
	return ID{Serial: g.last, Creator: g.creator}
}

// Last returns the last serial number assigned.
func (g *IDGen) Last() int64 { return g.last }

// Restore resumes numbering after the provided serial number, as
// when restarting from a checkpoint.
func (g *IDGen) Restore(last int64) { g.last = last }
