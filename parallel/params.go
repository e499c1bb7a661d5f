// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pebbl"
)

// Params are the tuning parameters of a parallel search. The
// embedded search parameters apply to every rank; limits such as
// MaxSubproblems are enforced per rank.
type Params struct {
	pebbl.Params

	// ClusterSize is the number of ranks served by each hub. Rank r
	// is served by the hub r - r%ClusterSize.
	ClusterSize int
	// TreeFanout is the fanout of the spanning tree used by global
	// protocols, when no topology is configured.
	TreeFanout int

	// TargetScatterProb is the probability with which a worker
	// releases the children of a separated subproblem to a hub,
	// when its cluster is not starved for work.
	TargetScatterProb float64
	// GlobalScatterProb is the probability that released work is
	// sent to a random other hub instead of the worker's own.
	GlobalScatterProb float64
	// MinWorkerLoad is the smallest local pool from which a worker
	// releases work.
	MinWorkerLoad int
	// RebalLoadFac: a worker whose pool exceeds RebalLoadFac times
	// its cluster's average load releases work unconditionally.
	RebalLoadFac float64
	// LoadBalDonorFac: a hub asks a worker to donate work to its
	// idle peers only if the worker's load is at least
	// LoadBalDonorFac times the cluster average.
	LoadBalDonorFac float64
	// HubLowLoad is the estimated load below which a hub dispatches
	// work to a worker.
	HubLowLoad int
	// MaxSPPacking is the maximum number of subproblems carried by
	// a single transfer or donated in response to one rebalance
	// request.
	MaxSPPacking int
	// MaxSegments is the maximum number of tokens batched into one
	// message to a hub.
	MaxSegments int
	// ScavengeSize bounds the number of outstanding sends per rank.
	ScavengeSize int

	// LoadPollInterval is the interval at which hubs poll the loads
	// of their workers.
	LoadPollInterval time.Duration
	// MergeInterval is the interval between merges of the solution
	// repository when enumerating.
	MergeInterval time.Duration

	// CheckpointMinutes is the interval, in minutes, between
	// checkpoints. Zero disables periodic checkpoints. Checkpoints
	// are written only if CheckpointDir is set; aborted searches
	// then checkpoint before they stop.
	CheckpointMinutes float64
	CheckpointDir     string
	// Restart resumes the search from the checkpoint in
	// CheckpointDir.
	Restart bool

	// StatusInterval is the interval at which progress is reported.
	StatusInterval time.Duration
	// Seed seeds the random choices of work release.
	Seed int64
}

// DefaultParams returns the default parallel parameters.
func DefaultParams() Params {
	return Params{
		Params:            pebbl.DefaultParams(),
		ClusterSize:       8,
		TreeFanout:        2,
		TargetScatterProb: 0.25,
		GlobalScatterProb: 0.1,
		MinWorkerLoad:     2,
		RebalLoadFac:      2,
		LoadBalDonorFac:   1.5,
		HubLowLoad:        2,
		MaxSPPacking:      8,
		MaxSegments:       16,
		ScavengeSize:      64,
		LoadPollInterval:  20 * time.Millisecond,
		MergeInterval:     100 * time.Millisecond,
		StatusInterval:    time.Second,
	}
}

// Validate returns an error if the parameters are invalid.
func (p Params) Validate() error {
	if err := p.Params.Validate(); err != nil {
		return err
	}
	switch {
	case p.ClusterSize < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("cluster size %d less than 1", p.ClusterSize))
	case p.TreeFanout < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("tree fanout %d less than 1", p.TreeFanout))
	case p.TargetScatterProb < 0 || p.TargetScatterProb > 1:
		return errors.E(errors.Invalid, fmt.Sprintf("scatter probability %g not in [0, 1]", p.TargetScatterProb))
	case p.GlobalScatterProb < 0 || p.GlobalScatterProb > 1:
		return errors.E(errors.Invalid, fmt.Sprintf("global scatter probability %g not in [0, 1]", p.GlobalScatterProb))
	case p.MaxSPPacking < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("subproblem packing %d less than 1", p.MaxSPPacking))
	case p.MaxSegments < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("max segments %d less than 1", p.MaxSegments))
	case p.ScavengeSize < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("scavenge size %d less than 1", p.ScavengeSize))
	case p.LoadPollInterval <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("load poll interval %v not positive", p.LoadPollInterval))
	case p.CheckpointMinutes < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("negative checkpoint interval %g", p.CheckpointMinutes))
	case p.Restart && p.CheckpointDir == "":
		return errors.E(errors.Invalid, "restart requires a checkpoint directory")
	}
	return nil
}

func (p Params) checkpointInterval() time.Duration {
	return time.Duration(p.CheckpointMinutes * float64(time.Minute))
}
