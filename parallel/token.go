// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"container/heap"
	"fmt"

	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/pack"
)

// A Token advertises work held by another rank: either a whole
// subproblem (WhichChild == -1) or the remaining children of a
// separated subproblem, starting at child WhichChild. The owning
// rank, SPProcessor, keeps the subproblem in its arena under the
// handle MemAddress until the token is dispatched or discarded.
type Token struct {
	Bound               float64
	Integrality         float64
	State               pebbl.State
	ID                  pebbl.ID
	Depth               int
	ChildrenRepresented int
	SPProcessor         int
	WhichChild          int
	MemAddress          int64
}

func newToken(s *pebbl.Sub, owner int, handle int64) Token {
	t := Token{
		Bound:               s.Bound,
		Integrality:         s.Integrality,
		State:               s.State,
		ID:                  s.ID,
		Depth:               s.Depth,
		ChildrenRepresented: 1,
		SPProcessor:         owner,
		WhichChild:          -1,
		MemAddress:          handle,
	}
	if s.State == pebbl.Separated {
		t.ChildrenRepresented = s.ChildrenLeft
		t.WhichChild = s.SplitGenItem
		t.Depth++
	}
	return t
}

func (t Token) String() string {
	return fmt.Sprintf("token %v@%d/%d bound %g children %d", t.ID, t.SPProcessor, t.MemAddress, t.Bound, t.ChildrenRepresented)
}

// Pack writes the token to b.
func (t Token) Pack(b *pack.Buffer) {
	b.PutFloat64(t.Bound)
	b.PutFloat64(t.Integrality)
	b.PutInt(int(t.State))
	t.ID.Pack(b)
	b.PutInt(t.Depth)
	b.PutInt(t.ChildrenRepresented)
	b.PutInt(t.SPProcessor)
	b.PutInt(t.WhichChild)
	b.PutInt64(t.MemAddress)
}

// UnpackToken reads a token written by Token.Pack.
func UnpackToken(r *pack.Reader) (Token, error) {
	var t Token
	t.Bound = r.Float64()
	t.Integrality = r.Float64()
	t.State = pebbl.State(r.Int())
	t.ID = pebbl.UnpackID(r)
	t.Depth = r.Int()
	t.ChildrenRepresented = r.Int()
	t.SPProcessor = r.Int()
	t.WhichChild = r.Int()
	t.MemAddress = r.Int64()
	if err := r.Err(); err != nil {
		return t, comm.Fatal(comm.Corrupt, "UnpackToken", err)
	}
	if !t.State.Valid() || t.ChildrenRepresented < 1 || t.SPProcessor < 0 || t.WhichChild < -1 {
		return t, comm.Fatal(comm.Corrupt, "UnpackToken", t.String())
	}
	return t, nil
}

// A tokenPool is a hub's best-first pool of tokens.
type tokenPool struct {
	sense  pebbl.Sense
	tokens []Token
}

func (p *tokenPool) Len() int { return len(p.tokens) }
func (p *tokenPool) Less(i, j int) bool {
	a, b := &p.tokens[i], &p.tokens[j]
	if a.Bound != b.Bound {
		return p.sense.Better(a.Bound, b.Bound)
	}
	if a.Depth != b.Depth {
		return a.Depth > b.Depth
	}
	return a.ID.Less(b.ID)
}
func (p *tokenPool) Swap(i, j int)      { p.tokens[i], p.tokens[j] = p.tokens[j], p.tokens[i] }
func (p *tokenPool) Push(x interface{}) { p.tokens = append(p.tokens, x.(Token)) }
func (p *tokenPool) Pop() interface{} {
	n := len(p.tokens) - 1
	t := p.tokens[n]
	p.tokens = p.tokens[:n]
	return t
}

func (p *tokenPool) insert(t Token) { heap.Push(p, t) }

func (p *tokenPool) pop() Token { return heap.Pop(p).(Token) }

// best returns the best token without removing it.
func (p *tokenPool) best() Token { return p.tokens[0] }

// children returns the number of subproblems represented by the
// pool.
func (p *tokenPool) children() int {
	var n int
	for _, t := range p.tokens {
		n += t.ChildrenRepresented
	}
	return n
}

// prune removes and returns the tokens for which fn returns true.
func (p *tokenPool) prune(fn func(Token) bool) []Token {
	var (
		kept   = p.tokens[:0]
		pruned []Token
	)
	for _, t := range p.tokens {
		if fn(t) {
			pruned = append(pruned, t)
		} else {
			kept = append(kept, t)
		}
	}
	p.tokens = kept
	if len(pruned) > 0 {
		heap.Init(p)
	}
	return pruned
}

func (p *tokenPool) clear() []Token {
	tokens := p.tokens
	p.tokens = nil
	return tokens
}
