// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the search counters of a pebbl rank. Each
// counter belongs to a Map; snapshots of maps (Values) are packed
// into result and checkpoint records and summed across ranks.
// Counters may be read concurrently with their updates, so that
// progress can be reported from outside a rank's event loop.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/pebbl/pack"
)

// Values is a snapshot of the values in a collection.
type Values map[string]int64

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values, len(v))
	for k, x := range v {
		w[k] = x
	}
	return w
}

// Add adds every value in w to v.
func (v Values) Add(w Values) {
	for k, x := range w {
		v[k] += x
	}
}

func (v Values) keys() []string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	keys := v.keys()
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// Pack writes the values to b in key order.
func (v Values) Pack(b *pack.Buffer) {
	keys := v.keys()
	b.PutInt(len(keys))
	for _, key := range keys {
		b.PutString(key)
		b.PutInt64(v[key])
	}
}

// Unpack reads values packed by Pack and adds them to v.
func (v Values) Unpack(r *pack.Reader) error {
	n := r.Int()
	for i := 0; i < n && r.Err() == nil; i++ {
		key := r.String()
		v[key] += r.Int64()
	}
	return r.Err()
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{
		values: make(map[string]*Int),
	}
}

// Int returns the counter with the provided name. The counter is
// created if it does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	m.mu.Unlock()
	return v
}

// AddAll adds all counters in the map to the provided snapshot.
func (m *Map) AddAll(vals Values) {
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] += v.Get()
	}
	m.mu.Unlock()
}

// Snapshot returns the current values of the map's counters.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	m.AddAll(vals)
	return vals
}

// Restore sets the map's counters to the provided values. Counters
// absent from vals are zeroed.
func (m *Map) Restore(vals Values) {
	m.mu.Lock()
	for _, v := range m.values {
		v.Set(0)
	}
	m.mu.Unlock()
	for k, x := range vals {
		m.Int(k).Set(x)
	}
}

// An Int is a integer counter. Ints can be atomically
// incremented and set.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
