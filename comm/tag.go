// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm provides the point-to-point message layer used by
// pebbl ranks: typed message tags, non-blocking send and receive
// requests that are tested or waited upon, and transports that carry
// messages between ranks in the same process or across bigmachine
// machines.
//
// Transports are reliable and ordered: messages between a fixed
// sender, receiver, and tag are delivered in the order they were
// sent. No ordering is guaranteed across tags or across sender and
// receiver pairs.
package comm

import "fmt"

// A Tag identifies a stream of messages. Receives are matched
// against arriving messages by tag and source.
type Tag int

// AnyTag matches sends with any tag. It is accepted only where
// documented (e.g., by bufq.Queue.CompleteAll); transports require
// concrete tags.
const AnyTag Tag = -1

// AnySource matches messages from any sender.
const AnySource = -1

const (
	// TagAux carries worker auxiliary control signals: load polls,
	// termination checks, checkpoint and abort coordination.
	TagAux Tag = iota
	// TagHub carries messages addressed to a rank in its hub role:
	// released tokens, load reports and termination-check replies.
	TagHub
	// TagWork carries dispatch requests and transferred subproblems.
	TagWork
	// TagRepository carries solution-repository traffic.
	TagRepository
	// TagIncumbent carries incumbent broadcasts.
	TagIncumbent
	TagQuiesceUp
	TagQuiesceDown
	TagCheckpointUp
	TagCheckpointDown
	TagMergeUp
	TagMergeDown
	TagResultsUp
	TagResultsDown

	numTags
)

// NumTags returns the number of concrete tags.
func NumTags() int { return int(numTags) }

var tagNames = [...]string{
	TagAux:            "aux",
	TagHub:            "hub",
	TagWork:           "work",
	TagRepository:     "repository",
	TagIncumbent:      "incumbent",
	TagQuiesceUp:      "quiesce.up",
	TagQuiesceDown:    "quiesce.down",
	TagCheckpointUp:   "checkpoint.up",
	TagCheckpointDown: "checkpoint.down",
	TagMergeUp:        "merge.up",
	TagMergeDown:      "merge.down",
	TagResultsUp:      "results.up",
	TagResultsDown:    "results.down",
}

// Valid tells whether t is a concrete tag.
func (t Tag) Valid() bool {
	return t >= 0 && t < numTags
}

func (t Tag) String() string {
	if t == AnyTag {
		return "any"
	}
	if !t.Valid() {
		return fmt.Sprintf("tag(%d)", int(t))
	}
	return tagNames[t]
}
