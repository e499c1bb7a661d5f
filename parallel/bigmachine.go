// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/comm"
	"golang.org/x/sync/errgroup"
)

// A Factory constructs a problem from its arguments. Factories are
// registered by name, so that every machine of a cluster can
// construct the same problem.
type Factory func(args []string) (pebbl.Problem, error)

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]Factory)
)

// Register registers a problem factory under the provided name.
// Register should be called from an init function, so that
// factories are available on every machine. It panics if the name is
// already registered.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, ok := factories[name]; ok {
		log.Panicf("parallel.Register: problem %s registered twice", name)
	}
	factories[name] = factory
}

func init() {
	gob.Register(&service{})
}

// Lookup returns the factory registered under the provided name.
func Lookup(name string) (Factory, bool) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factory, ok := factories[name]
	return factory, ok
}

// setupRequest configures one machine of a cluster.
type setupRequest struct {
	Rank   int
	Addrs  []string
	Name   string
	Args   []string
	Params Params
}

// service is the bigmachine service that runs one rank of a
// distributed search. Messages between ranks are delivered by calls
// to Pebbl.Deliver.
type service struct {
	// MaxInflight bounds the number of concurrent deliveries to
	// peers.
	MaxInflight int

	b     *bigmachine.B
	dials once.Map

	mu    sync.Mutex
	rpc   *comm.RPC
	coord *Coordinator
}

func (s *service) Init(b *bigmachine.B) error {
	s.b = b
	return nil
}

// Setup sets up the rank's transport and coordinator.
func (s *service) Setup(ctx context.Context, req setupRequest, _ *struct{}) error {
	factory, ok := Lookup(req.Name)
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("problem %s not registered", req.Name))
	}
	problem, err := factory(req.Args)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rpc != nil {
		return errors.E(errors.Precondition, "pebbl: machine already set up")
	}
	peers := make([]comm.Caller, len(req.Addrs))
	for i, addr := range req.Addrs {
		peers[i] = &peer{s: s, rank: i, addr: addr}
	}
	// The transport outlives the setup call.
	rpc := comm.NewRPC(context.Background(), req.Rank, peers, "Pebbl.Deliver", comm.NewMailbox(), s.MaxInflight)
	coord, err := New(problem, rpc, req.Params)
	if err != nil {
		rpc.Close()
		return err
	}
	s.rpc, s.coord = rpc, coord
	log.Printf("pebbl: rank %d of %d: set up problem %s", req.Rank, len(req.Addrs), problem.Name())
	return nil
}

// Deliver delivers a message from a peer.
func (s *service) Deliver(ctx context.Context, env comm.Envelope, _ *struct{}) error {
	s.mu.Lock()
	rpc := s.rpc
	s.mu.Unlock()
	if rpc == nil {
		return errors.E(errors.Unavailable, errors.Temporary, "pebbl: machine not set up")
	}
	return rpc.Deliver(env)
}

// Solve runs the rank's search to completion.
func (s *service) Solve(ctx context.Context, _ struct{}, res *pebbl.Result) error {
	s.mu.Lock()
	rpc, coord := s.rpc, s.coord
	s.mu.Unlock()
	if coord == nil {
		return errors.E(errors.Precondition, "pebbl: machine not set up")
	}
	r, err := coord.Solve(ctx)
	rpc.Close()
	if err != nil {
		return err
	}
	*res = *r
	return nil
}

// A peer is a lazily dialed machine.
type peer struct {
	s       *service
	rank    int
	addr    string
	machine *bigmachine.Machine
}

func (p *peer) Call(ctx context.Context, method string, arg, reply interface{}) error {
	err := p.s.dials.Do(p.rank, func() (err error) {
		p.machine, err = p.s.b.Dial(ctx, p.addr)
		return
	})
	if err != nil {
		return err
	}
	return p.machine.Call(ctx, method, arg, reply)
}

// RunBigmachine runs a search on n machines started from b. The
// problem is constructed on each machine by the factory registered
// under the provided name. The machines are stopped when the search
// completes.
func RunBigmachine(ctx context.Context, b *bigmachine.B, n int, name string, args []string, params Params) (*pebbl.Result, error) {
	if _, ok := Lookup(name); !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("problem %s not registered", name))
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	machines, err := b.Start(ctx, n, bigmachine.Services{"Pebbl": &service{MaxInflight: comm.DefaultMaxInflight}})
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, m := range machines {
			m.Cancel()
		}
	}()
	addrs := make([]string, len(machines))
	for i, m := range machines {
		select {
		case <-m.Wait(bigmachine.Running):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := m.Err(); err != nil {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("machine %s failed to start", m.Addr), err)
		}
		addrs[i] = m.Addr
	}
	log.Printf("pebbl: %s: started %d machines", name, len(machines))
	err = traverse.Each(len(machines), func(i int) error {
		return machines[i].RetryCall(ctx, "Pebbl.Setup", setupRequest{
			Rank:   i,
			Addrs:  addrs,
			Name:   name,
			Args:   args,
			Params: params,
		}, nil)
	})
	if err != nil {
		return nil, err
	}
	results := make([]*pebbl.Result, len(machines))
	g, gctx := errgroup.WithContext(ctx)
	for i := range machines {
		i := i
		g.Go(func() error {
			results[i] = new(pebbl.Result)
			return machines[i].Call(gctx, "Pebbl.Solve", struct{}{}, results[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results[0], nil
}
