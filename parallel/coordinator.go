// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package parallel implements distributed branch-and-bound search.
// Every rank runs a Coordinator: a single event loop that interleaves
// units of search work with message-triggered handlers and the
// co-tree protocols that implement global operations (termination
// detection, checkpointing, repository merges and result
// collection).
//
// Ranks are grouped into clusters, each served by a hub. Workers
// release work to hubs as tokens; hubs dispatch tokens to the least
// loaded workers of their cluster, and ask heavily loaded workers to
// donate work when others are idle. Subproblems move directly from
// their owner to the worker chosen by the hub.
package parallel

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/bufq"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/cotree"
	"github.com/grailbio/pebbl/pack"
	"github.com/grailbio/pebbl/stats"
)

// Names of the counters maintained by parallel searches, in
// addition to those of pebbl.Search.
const (
	StatTokensSent       = "tokensSent"
	StatTokensReceived   = "tokensReceived"
	StatDispatched       = "dispatched"
	StatTransferred      = "transferred"
	StatRebalanced       = "rebalanced"
	StatCheckpoints      = "checkpoints"
	StatMessagesSent     = "messagesSent"
	StatMessagesReceived = "messagesReceived"
)

// An Option configures a Coordinator.
type Option func(c *Coordinator)

// Status configures the coordinator to report its progress to the
// provided status group.
func Status(group *status.Group) Option {
	return func(c *Coordinator) {
		c.status = group
	}
}

// Eventer configures the coordinator to log search events to e.
func Eventer(e eventlog.Eventer) Option {
	return func(c *Coordinator) {
		c.eventer = e
	}
}

// Topology configures the spanning tree used by global protocols.
func Topology(topo cotree.Topology) Option {
	return func(c *Coordinator) {
		c.topo = topo
	}
}

// Checkpoint phases.
const (
	ckptNone = iota
	// ckptWaves: paused, waiting until the network is quiet.
	ckptWaves
	// ckptBarrier: checkpoint written, waiting for every rank.
	ckptBarrier
)

// Checkpoint wave verdicts, decided by the root.
const (
	verdictAgain = iota
	verdictStable
	verdictResume
)

// A Coordinator runs one rank of a distributed search.
type Coordinator struct {
	*pebbl.Search

	params  Params
	t       comm.Transport
	q       *bufq.Queue
	topo    cotree.Topology
	rank    int
	size    int
	status  *status.Group
	eventer eventlog.Eventer
	rand    *rand.Rand

	// ctx is the context of the running solve, used by hooks called
	// from the search.
	ctx context.Context

	handlers []*handler
	next     int
	repos    *handler

	// sent and recv count the work-carrying messages sent directly
	// and received by this rank.
	sent, recv int64
	tokenQ     *bufq.MultiQueue
	subQ       *bufq.MultiQueue

	// Worker state.
	hub           int
	hubs          []int
	arena         map[int64]*pebbl.Sub
	nextHandle    int64
	clusterLoad   float64
	clusterTokens int
	reportedEmpty bool
	unacked       int

	// Hub state.
	isHub     bool
	members   []int
	tokens    tokenPool
	loads     map[int]*workerLoad
	polling   bool
	replies   int
	lastPoll  time.Time
	pruneGen  int
	boundsGen int

	// Termination.
	quiesce    *cotree.Walker
	wave       counts
	checking   bool
	check      counts
	checkWave  counts
	terminated bool

	// Enumeration.
	merge     *cotree.Walker
	mergeRepo *pebbl.Repository
	mergeLast float64
	mergeFull bool
	lastMerge time.Time
	forwards  int

	// Checkpointing.
	ckpt           *cotree.Walker
	ckptPhase      int
	ckptAbort      bool
	ckptReason     string
	ckptWrite      bool
	ckptVerdict    int
	ckptWave       counts
	ckptPrev       counts
	ckptHavePrev   bool
	lastCheckpoint time.Time
	paused         bool

	// A checkpoint started before this rank completed the previous
	// one's barrier.
	ckptPending       bool
	ckptPendingAbort  bool
	ckptPendingReason string

	// Aborts.
	mu            sync.Mutex
	abortRequest  string
	limitHit      bool
	abortStarted  bool
	deferredAbort string
	aborted       bool

	// Results.
	results  *cotree.Walker
	resStats stats.Values
	resBest  *pebbl.Solution
	resAbort string
	final    *pebbl.Result

	// fault is the first fatal error raised by a search hook, which
	// cannot return it. The event loop does.
	fault error

	tokensSent, tokensReceived, dispatched, transferred, rebalanced, checkpoints *stats.Int
}

// counts aggregates work-message counters over a set of ranks.
type counts struct {
	n          int
	idle       bool
	sent, recv int64
}

func (c *counts) reset() { *c = counts{idle: true} }

func (c *counts) add(idle bool, sent, recv int64) {
	c.n++
	c.idle = c.idle && idle
	c.sent += sent
	c.recv += recv
}

// A workerLoad is a hub's estimate of a worker's load: the load the
// worker last reported, plus the work dispatched to it since.
type workerLoad struct {
	load        int
	dispatched  int
	rebalancing bool
}

func (w *workerLoad) estimate() int { return w.load + w.dispatched }

// New returns a coordinator for the rank of transport t.
func New(problem pebbl.Problem, t comm.Transport, params Params, opts ...Option) (*Coordinator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	x, err := pebbl.NewSearch(problem, params.Params, t.Rank())
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		Search:  x,
		params:  params,
		t:       t,
		q:       bufq.New(t, params.ScavengeSize),
		rank:    t.Rank(),
		size:    t.Size(),
		eventer: eventlog.Nop{},
		rand:    rand.New(rand.NewSource(params.Seed + int64(t.Rank()))),
		arena:   make(map[int64]*pebbl.Sub),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.topo == nil {
		c.topo = cotree.NewNary(c.size, params.TreeFanout)
	}
	if c.topo.Size() != c.size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("topology of size %d for %d ranks", c.topo.Size(), c.size))
	}
	c.tokensSent = c.Stats.Int(StatTokensSent)
	c.tokensReceived = c.Stats.Int(StatTokensReceived)
	c.dispatched = c.Stats.Int(StatDispatched)
	c.transferred = c.Stats.Int(StatTransferred)
	c.rebalanced = c.Stats.Int(StatRebalanced)
	c.checkpoints = c.Stats.Int(StatCheckpoints)

	c.tokenQ = bufq.NewMulti(c.q, comm.TagHub, params.MaxSegments, func(b *pack.Buffer) { putSignal(b, tokenSignal) })
	c.subQ = bufq.NewMulti(c.q, comm.TagWork, params.MaxSPPacking, func(b *pack.Buffer) { putSignal(b, subproblemSignal) })

	cluster := params.ClusterSize
	c.hub = c.rank - c.rank%cluster
	for h := 0; h < c.size; h += cluster {
		c.hubs = append(c.hubs, h)
	}
	if c.hub == c.rank {
		c.isHub = true
		c.tokens.sense = c.Sense
		c.loads = make(map[int]*workerLoad)
		for r := c.rank; r < c.rank+cluster && r < c.size; r++ {
			c.members = append(c.members, r)
			c.loads[r] = new(workerLoad)
		}
	}

	c.handlers = []*handler{
		{name: "workerAux", tag: comm.TagAux, t: t, handle: c.counted(c.handleAux)},
		{name: "hub", tag: comm.TagHub, t: t, handle: c.counted(c.handleHub)},
		{name: "work", tag: comm.TagWork, t: t, handle: c.counted(c.handleWork)},
		{name: "reposRecv", tag: comm.TagRepository, t: t, handle: c.counted(c.handleRepository)},
		{name: "incumbent", tag: comm.TagIncumbent, t: t, handle: c.handleIncumbent},
	}
	c.repos = c.handlers[3]

	c.quiesce = cotree.New("quiesce", c.q, c.topo, comm.TagQuiesceUp, comm.TagQuiesceDown, c.quiesceHooks())
	c.ckpt = cotree.New("checkpoint", c.q, c.topo, comm.TagCheckpointUp, comm.TagCheckpointDown, c.checkpointHooks())
	c.merge = cotree.New("merge", c.q, c.topo, comm.TagMergeUp, comm.TagMergeDown, c.mergeHooks())
	c.results = cotree.New("results", c.q, c.topo, comm.TagResultsUp, comm.TagResultsDown, c.resultsHooks())

	if c.Enumerating() {
		c.SetHooks(c.route, c.improved)
	} else {
		c.SetHooks(nil, c.improved)
	}
	return c, nil
}

// counted wraps a handler action to count work-carrying messages.
func (c *Coordinator) counted(fn func(int, signal, *pack.Reader) error) func(int, signal, *pack.Reader) error {
	return func(source int, sig signal, r *pack.Reader) error {
		if sig.workCarrying() {
			c.recv++
		}
		return fn(source, sig, r)
	}
}

// Rank returns the coordinator's rank.
func (c *Coordinator) Rank() int { return c.rank }

// Abort requests that the search be aborted with the provided
// reason. It may be called from any goroutine.
func (c *Coordinator) Abort(reason string) {
	c.mu.Lock()
	if c.abortRequest == "" {
		c.abortRequest = reason
	}
	c.mu.Unlock()
}

func (c *Coordinator) takeAbortRequest() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason := c.abortRequest
	c.abortRequest = ""
	return reason
}

// workSent returns the number of work-carrying messages sent by this
// rank.
func (c *Coordinator) workSent() int64 {
	return c.sent + c.tokenQ.Messages() + c.subQ.Messages()
}

// idle tells whether the rank holds no work: no subproblems, parked
// or pooled, no tokens, and no unacknowledged solutions.
func (c *Coordinator) idle() bool {
	return c.Pool.Len() == 0 && len(c.arena) == 0 && c.tokens.Len() == 0 &&
		c.tokenQ.Empty() && c.subQ.Empty() && c.unacked == 0
}

// send sends a control message to dest. The message consists of the
// signal followed by whatever fn writes.
func (c *Coordinator) send(ctx context.Context, dest int, tag comm.Tag, sig signal, fn func(b *pack.Buffer)) error {
	buf := c.q.GetFree()
	putSignal(buf, sig)
	if fn != nil {
		fn(buf)
	}
	if sig.workCarrying() {
		c.sent++
	}
	log.Debug.Printf("pebbl: rank %d: send %v to %d", c.rank, sig, dest)
	return c.q.Send(ctx, buf, dest, tag)
}

// broadcast sends a control message to every other rank.
func (c *Coordinator) broadcast(ctx context.Context, tag comm.Tag, sig signal, fn func(b *pack.Buffer)) error {
	for r := 0; r < c.size; r++ {
		if r == c.rank {
			continue
		}
		if err := c.send(ctx, r, tag, sig, fn); err != nil {
			return err
		}
	}
	return nil
}

// Solve runs the search on this rank until global termination and
// returns the final result, which is identical on every rank.
func (c *Coordinator) Solve(ctx context.Context) (*pebbl.Result, error) {
	c.ctx = ctx
	res, err := c.solve(ctx)
	c.teardown()
	if err != nil {
		log.Error.Printf("pebbl: rank %d: %v", c.rank, err)
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) solve(ctx context.Context) (*pebbl.Result, error) {
	c.Reset()
	c.reset()
	if c.rank == c.topo.Root() {
		c.eventer.Event("pebbl:solveStart", "problem", c.Problem.Name(), "ranks", c.size)
	}
	if c.params.Restart {
		if err := c.restore(ctx); err != nil {
			return nil, err
		}
	} else if c.rank == c.topo.Root() {
		root, err := c.NewRoot()
		if err != nil {
			return nil, err
		}
		c.Pool.Insert(root)
	}
	var task *status.Task
	if c.status != nil {
		task = c.status.Start(fmt.Sprintf("rank %d", c.rank))
		defer task.Done()
	}
	lastStatus := time.Now()
	for !c.terminated {
		if err := c.iterate(ctx); err != nil {
			return nil, err
		}
		if task != nil && time.Since(lastStatus) > c.params.StatusInterval {
			task.Printf("pool %d tokens %d incumbent %g %s", c.Pool.Len(), c.tokens.Len(), c.Incumbent.Value, c.Stats.Snapshot())
			lastStatus = time.Now()
		}
	}
	res, err := c.finish(ctx)
	if err != nil {
		return nil, err
	}
	if task != nil {
		task.Print(res.TerminationInfo)
	}
	if c.rank == c.topo.Root() {
		log.Printf("pebbl: %s: %s in %v on %d ranks (%s)", c.Problem.Name(), res.TerminationInfo, c.Elapsed(), c.size, res.Stats)
		c.eventer.Event("pebbl:solveEnd", "problem", c.Problem.Name(), "value", res.Value, "termination", res.TerminationInfo)
	}
	return res, nil
}

// reset prepares the coordinator's own state for a new search.
func (c *Coordinator) reset() {
	now := time.Now()
	c.sent, c.recv = 0, 0
	c.arena = make(map[int64]*pebbl.Sub)
	c.nextHandle = 0
	c.clusterLoad, c.clusterTokens = 0, 0
	c.reportedEmpty = false
	c.unacked = 0
	c.tokens.clear()
	for _, w := range c.loads {
		*w = workerLoad{}
	}
	c.polling = false
	c.lastPoll = now
	c.wave.reset()
	c.checking = false
	c.terminated = false
	c.mergeRepo = pebbl.NewRepository(c.Sense, c.params.EnumCount)
	c.lastMerge = now
	c.forwards = 0
	c.ckptPhase = ckptNone
	c.ckptPending = false
	c.lastCheckpoint = now
	c.paused = false
	c.limitHit = false
	c.abortStarted = false
	c.deferredAbort = ""
	c.aborted = false
	c.final = nil
	c.fault = nil
	for _, w := range []*cotree.Walker{c.quiesce, c.ckpt, c.merge, c.results} {
		if !w.Idle() {
			w.Abandon()
		}
		w.Reset()
	}
}

// iterate runs one iteration of the event loop. If nothing could be
// done, it waits for a message to arrive.
func (c *Coordinator) iterate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Obtain the notification channel before polling, so that
	// arrivals during the iteration wake the wait below.
	notify := c.t.Notify()
	progress, err := c.poll()
	if err != nil {
		return err
	}
	if c.fault != nil {
		return c.fault
	}
	if c.terminated {
		return nil
	}
	if err := c.checkAbort(ctx); err != nil {
		return err
	}
	if !c.paused && c.Pool.Len() > 0 {
		if err := c.work(ctx); err != nil {
			return err
		}
		if c.fault != nil {
			return c.fault
		}
		progress = true
	}
	if c.isHub {
		ok, err := c.hubWork(ctx)
		if err != nil {
			return err
		}
		progress = progress || ok
	}
	if err := c.reportLoad(ctx); err != nil {
		return err
	}
	ok, err := c.runProtocols(ctx)
	if err != nil {
		return err
	}
	progress = progress || ok
	if err := c.tokenQ.Flush(ctx); err != nil {
		return err
	}
	if err := c.subQ.Flush(ctx); err != nil {
		return err
	}
	c.q.Scavenge()
	if err := c.q.Err(); err != nil {
		return comm.Fatal(comm.TransportFailure, "Coordinator.send", err)
	}
	if !progress && !c.terminated {
		c.wait(ctx, notify)
	}
	return nil
}

// poll polls the handlers round-robin, starting with a different
// handler each iteration.
func (c *Coordinator) poll() (bool, error) {
	var progress bool
	for i := range c.handlers {
		h := c.handlers[(c.next+i)%len(c.handlers)]
		n, err := h.poll()
		if err != nil {
			return false, err
		}
		progress = progress || n > 0
	}
	c.next = (c.next + 1) % len(c.handlers)
	return progress, nil
}

// wait blocks until a message arrives, the context is done, or it is
// time to perform periodic duties.
func (c *Coordinator) wait(ctx context.Context, notify <-chan struct{}) {
	timer := time.NewTimer(c.params.LoadPollInterval)
	defer timer.Stop()
	select {
	case <-notify:
	case <-ctx.Done():
	case <-timer.C:
	}
}

// work performs one unit of search work on the best local
// subproblem, or releases it to a hub.
func (c *Coordinator) work(ctx context.Context) error {
	s, err := c.Pool.Select()
	if err != nil {
		return err
	}
	if s.State == pebbl.Separated && s.ChildrenLeft > 0 && !c.CanFathom(s.Bound) && c.shouldRelease() {
		return c.release(ctx, s)
	}
	return c.Step(s)
}

// runProtocols advances the co-tree protocols and reacts to their
// completion.
func (c *Coordinator) runProtocols(ctx context.Context) (bool, error) {
	var progress bool
	ok, err := c.runQuiesce(ctx)
	if err != nil {
		return false, err
	}
	progress = progress || ok
	if c.terminated {
		return true, nil
	}
	if ok, err = c.runCheckpoint(ctx); err != nil {
		return false, err
	}
	progress = progress || ok
	if c.Enumerating() && c.size > 1 {
		if ok, err = c.runMerge(ctx); err != nil {
			return false, err
		}
		progress = progress || ok
	}
	return progress, nil
}

// run runs w and tells whether its state changed.
func run(ctx context.Context, w *cotree.Walker) (bool, bool, error) {
	state, rounds := w.State(), w.Rounds()
	done, err := w.Run(ctx)
	return done, w.State() != state || w.Rounds() != rounds, err
}

// checkAbort starts an abort if one was requested or the search
// exceeded its limits.
func (c *Coordinator) checkAbort(ctx context.Context) error {
	reason := c.takeAbortRequest()
	if reason == "" && !c.limitHit {
		if reason = c.CheckLimits(); reason != "" {
			c.limitHit = true
		}
	}
	if reason == "" {
		return nil
	}
	log.Printf("pebbl: rank %d: abort requested: %s", c.rank, reason)
	if c.rank == c.topo.Root() {
		return c.startAbort(ctx, reason)
	}
	return c.send(ctx, c.topo.Root(), comm.TagAux, startAbortSignal, func(b *pack.Buffer) { b.PutString(reason) })
}

// startAbort aborts the search everywhere. It runs on the root. If
// checkpoints are configured, the search checkpoints first so that
// it can be restarted.
func (c *Coordinator) startAbort(ctx context.Context, reason string) error {
	if c.abortStarted {
		return nil
	}
	if c.ckptPhase != ckptNone || c.checking {
		c.deferredAbort = reason
		return nil
	}
	c.abortStarted = true
	if c.params.CheckpointDir != "" {
		return c.startCheckpoint(ctx, true, reason)
	}
	if err := c.broadcast(ctx, comm.TagAux, startAbortSignal, func(b *pack.Buffer) { b.PutString(reason) }); err != nil {
		return err
	}
	c.clearForAbort(reason)
	return nil
}

// clearForAbort abandons every subproblem held by the rank.
func (c *Coordinator) clearForAbort(reason string) {
	n := c.Search.Abort(reason)
	n += len(c.arena)
	c.arena = make(map[int64]*pebbl.Sub)
	n += len(c.tokens.clear())
	c.aborted = true
	log.Printf("pebbl: rank %d: abort: %s; abandoned %d subproblems and tokens", c.rank, reason, n)
}

// fail records err as the rank's fault, unless one is recorded
// already.
func (c *Coordinator) fail(err error) {
	if c.fault == nil {
		c.fault = err
	}
}

// teardown cancels outstanding receives and sends.
func (c *Coordinator) teardown() {
	for _, h := range c.handlers {
		h.cancel()
	}
	for _, w := range []*cotree.Walker{c.quiesce, c.ckpt, c.merge, c.results} {
		if !w.Idle() {
			w.Abandon()
		}
	}
	c.q.Cancel()
}
