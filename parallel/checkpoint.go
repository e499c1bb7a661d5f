// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"context"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pebbl"
	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/cotree"
	"github.com/grailbio/pebbl/pack"
)

// A checkpoint is the on-disk state of one rank. State holds the
// packed search state, followed by the rank's parked subproblems
// and, for hubs, their tokens.
type checkpoint struct {
	Problem     string
	Rank, Size  int
	Enumerating bool
	Time        time.Time
	State       []byte
	Checksum    uint32
}

// CheckpointPath returns the path of the checkpoint of the provided
// rank.
func CheckpointPath(dir, problem string, rank int) string {
	return file.Join(dir, fmt.Sprintf("%s-%d.chk", problem, rank))
}

// startCheckpoint starts a checkpoint. It runs on the root.
func (c *Coordinator) startCheckpoint(ctx context.Context, abort bool, reason string) error {
	log.Printf("pebbl: %s: checkpoint (abort %v)", c.Problem.Name(), abort)
	if err := c.broadcast(ctx, comm.TagAux, startCheckpointSignal, func(b *pack.Buffer) {
		b.PutBool(abort)
		b.PutString(reason)
	}); err != nil {
		return err
	}
	c.beginCheckpoint(abort, reason)
	return nil
}

// beginCheckpoint pauses the rank until the checkpoint is written.
func (c *Coordinator) beginCheckpoint(abort bool, reason string) {
	c.paused = true
	c.ckptPhase = ckptWaves
	c.ckptAbort = abort
	c.ckptReason = reason
	c.ckptWrite = false
	c.ckptHavePrev = false
	c.ckptWave.reset()
	c.ckpt.Reset()
}

func (c *Coordinator) checkpointHooks() cotree.Hooks {
	return cotree.Hooks{
		ReadyToStart: func() bool {
			return c.ckptPhase != ckptNone && c.tokenQ.Empty() && c.subQ.Empty()
		},
		UpReceive: func(child int, r *pack.Reader) error {
			c.ckptWave.add(true, r.Int64(), r.Int64())
			return nil
		},
		UpPack: func(b *pack.Buffer) error {
			b.PutInt64(c.ckptWave.sent + c.workSent())
			b.PutInt64(c.ckptWave.recv + c.recv)
			return nil
		},
		RootAction: func() error {
			c.ckptWave.add(true, c.workSent(), c.recv)
			if c.ckptPhase == ckptBarrier {
				c.ckptVerdict = verdictResume
				return nil
			}
			wave := c.ckptWave
			stable := wave.sent == wave.recv && c.ckptHavePrev && c.ckptPrev.sent == wave.sent && c.ckptPrev.recv == wave.recv
			c.ckptPrev, c.ckptHavePrev = wave, wave.sent == wave.recv
			if !stable {
				c.ckptVerdict = verdictAgain
				return nil
			}
			c.ckptVerdict = verdictStable
			c.ckptWrite = true
			return c.broadcast(c.ctx, comm.TagAux, writeCheckpointSignal, nil)
		},
		DownReceive: func(r *pack.Reader) error {
			c.ckptVerdict = r.Int()
			return nil
		},
		DownPack: func(child int, b *pack.Buffer) error {
			b.PutInt(c.ckptVerdict)
			return nil
		},
	}
}

// runCheckpoint advances the checkpoint protocol. On the root, it
// also starts periodic checkpoints.
func (c *Coordinator) runCheckpoint(ctx context.Context) (bool, error) {
	if c.ckptPhase == ckptNone {
		if c.rank != c.topo.Root() || c.checking || c.aborted || c.params.CheckpointDir == "" {
			return false, nil
		}
		interval := c.params.checkpointInterval()
		if interval <= 0 || time.Since(c.lastCheckpoint) < interval {
			return false, nil
		}
		return true, c.startCheckpoint(ctx, false, "")
	}
	done, changed, err := run(ctx, c.ckpt)
	if err != nil || !done {
		return changed, err
	}
	switch c.ckptPhase {
	case ckptWaves:
		switch c.ckptVerdict {
		case verdictAgain:
			c.ckpt.Reset()
			c.ckptWave.reset()
			return true, nil
		case verdictStable:
			if !c.ckptWrite {
				return changed, nil
			}
			if err := c.writeCheckpoint(ctx); err != nil {
				return false, err
			}
			if c.ckptAbort {
				c.clearForAbort(c.ckptReason)
			}
			c.ckptPhase = ckptBarrier
			c.ckpt.Reset()
			c.ckptWave.reset()
			return true, nil
		default:
			return false, comm.Fatal(comm.StateViolation, "checkpoint", fmt.Sprintf("verdict %d during waves", c.ckptVerdict))
		}
	case ckptBarrier:
		if c.ckptVerdict != verdictResume {
			return false, comm.Fatal(comm.StateViolation, "checkpoint", fmt.Sprintf("verdict %d during barrier", c.ckptVerdict))
		}
		c.ckptPhase = ckptNone
		c.paused = false
		c.lastCheckpoint = time.Now()
		if c.ckptPending {
			c.ckptPending = false
			c.beginCheckpoint(c.ckptPendingAbort, c.ckptPendingReason)
			return true, nil
		}
		if reason := c.deferredAbort; reason != "" {
			c.deferredAbort = ""
			if err := c.startAbort(ctx, reason); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return changed, nil
}

// writeCheckpoint writes the rank's state to its checkpoint file.
func (c *Coordinator) writeCheckpoint(ctx context.Context) (err error) {
	var b pack.Buffer
	c.PackState(&b)
	b.PutInt64(c.nextHandle)
	b.PutInt(len(c.arena))
	for handle, s := range c.arena {
		b.PutInt64(handle)
		s.Pack(&b, c.Enumerating())
	}
	b.PutInt(c.tokens.Len())
	for _, t := range c.tokens.tokens {
		t.Pack(&b)
	}
	chk := checkpoint{
		Problem:     c.Problem.Name(),
		Rank:        c.rank,
		Size:        c.size,
		Enumerating: c.Enumerating(),
		Time:        time.Now(),
		State:       b.Bytes(),
		Checksum:    crc32.ChecksumIEEE(b.Bytes()),
	}
	path := CheckpointPath(c.params.CheckpointDir, c.Problem.Name(), c.rank)
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E("checkpoint", path, err)
	}
	defer func() {
		if closeErr := f.Close(ctx); err == nil && closeErr != nil {
			err = errors.E("checkpoint", path, closeErr)
		}
	}()
	if err := gob.NewEncoder(f.Writer(ctx)).Encode(&chk); err != nil {
		return errors.E("checkpoint", path, err)
	}
	c.checkpoints.Add(1)
	c.eventer.Event("pebbl:checkpoint", "problem", chk.Problem, "rank", c.rank, "bytes", len(chk.State), "abort", c.ckptAbort)
	log.Debug.Printf("pebbl: rank %d: wrote checkpoint %s (%d bytes)", c.rank, path, len(chk.State))
	return nil
}

// readCheckpoint reads and validates the checkpoint at path.
func readCheckpoint(ctx context.Context, path string) (chk checkpoint, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return chk, errors.E("restart", path, err)
	}
	defer func() {
		if closeErr := f.Close(ctx); err == nil && closeErr != nil {
			err = closeErr
		}
	}()
	if err := gob.NewDecoder(f.Reader(ctx)).Decode(&chk); err != nil {
		return chk, errors.E(errors.Integrity, "restart", path, err)
	}
	if sum := crc32.ChecksumIEEE(chk.State); sum != chk.Checksum {
		return chk, errors.E(errors.Integrity, "restart", path,
			fmt.Sprintf("checksum mismatch: %08x, want %08x", sum, chk.Checksum))
	}
	return chk, nil
}

// restore restores the rank's state from its checkpoint.
func (c *Coordinator) restore(ctx context.Context) error {
	path := CheckpointPath(c.params.CheckpointDir, c.Problem.Name(), c.rank)
	chk, err := readCheckpoint(ctx, path)
	if err != nil {
		return err
	}
	switch {
	case chk.Problem != c.Problem.Name():
		return errors.E(errors.Invalid, "restart", path, fmt.Sprintf("checkpoint of problem %s", chk.Problem))
	case chk.Rank != c.rank || chk.Size != c.size:
		return errors.E(errors.Invalid, "restart", path, fmt.Sprintf("checkpoint of rank %d of %d, want %d of %d", chk.Rank, chk.Size, c.rank, c.size))
	case chk.Enumerating != c.Enumerating():
		return errors.E(errors.Invalid, "restart", path, "enumeration mode changed")
	}
	r := pack.NewReader(chk.State)
	if err := c.UnpackState(r); err != nil {
		return errors.E("restart", path, err)
	}
	c.nextHandle = r.Int64()
	n := r.Int()
	for i := 0; i < n && r.Err() == nil; i++ {
		handle := r.Int64()
		s, err := pebbl.UnpackSub(r, c.Problem, c.Enumerating())
		if err != nil {
			return errors.E("restart", path, err)
		}
		c.arena[handle] = s
	}
	n = r.Int()
	for i := 0; i < n && r.Err() == nil; i++ {
		t, err := UnpackToken(r)
		if err != nil {
			return errors.E("restart", path, err)
		}
		if !c.isHub {
			return errors.E(errors.Integrity, "restart", path, "tokens held by a worker")
		}
		c.tokens.insert(t)
	}
	if err := r.Err(); err != nil {
		return errors.E(errors.Integrity, "restart", path, err)
	}
	log.Printf("pebbl: rank %d: restarted from %s (checkpoint of %v): %d subproblems, %d parked, %d tokens",
		c.rank, path, chk.Time, c.Pool.Len(), len(c.arena), c.tokens.Len())
	return nil
}
