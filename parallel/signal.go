// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parallel

import (
	"fmt"

	"github.com/grailbio/pebbl/comm"
	"github.com/grailbio/pebbl/pack"
)

// A signal is the discriminator leading every control message.
type signal int

const (
	// Worker auxiliary signals, on comm.TagAux.
	quiescencePollSignal signal = iota + 1
	terminateSignal
	loadInfoSignal
	terminateCheckSignal
	continueSignal
	startCheckpointSignal
	writeCheckpointSignal
	startAbortSignal
	rebalanceSignal

	// Hub signals, on comm.TagHub.
	tokenSignal
	workerLoadSignal
	terminateCheckReplySignal

	// Work signals, on comm.TagWork.
	dispatchSignal
	subproblemSignal

	// Repository signals, on comm.TagRepository and the merge tree.
	hashSolSignal
	ackSolSignal
	newLastSolSignal
	forwardSolSignal
	reposArraySignal

	// Incumbent broadcast, on comm.TagIncumbent.
	incumbentSignal

	maxSignal
)

var signalNames = [...]string{
	quiescencePollSignal:      "quiescencePoll",
	terminateSignal:           "terminate",
	loadInfoSignal:            "loadInfo",
	terminateCheckSignal:      "terminateCheck",
	continueSignal:            "continue",
	startCheckpointSignal:     "startCheckpoint",
	writeCheckpointSignal:     "writeCheckpoint",
	startAbortSignal:          "startAbort",
	rebalanceSignal:           "rebalance",
	tokenSignal:               "token",
	workerLoadSignal:          "workerLoad",
	terminateCheckReplySignal: "terminateCheckReply",
	dispatchSignal:            "dispatch",
	subproblemSignal:          "subproblem",
	hashSolSignal:             "hashSol",
	ackSolSignal:              "ackSol",
	newLastSolSignal:          "newLastSol",
	forwardSolSignal:          "forwardSol",
	reposArraySignal:          "reposArray",
	incumbentSignal:           "incumbent",
}

func (s signal) String() string {
	if s > 0 && s < maxSignal {
		return signalNames[s]
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// putSignal begins a control message.
func putSignal(b *pack.Buffer, s signal) {
	b.PutInt(int(s))
}

// readSignal reads the leading signal of a message.
func readSignal(r *pack.Reader) signal {
	return signal(r.Int())
}

// unknownSignal returns the fatal error reported for a signal that
// is not valid on the handler's tag.
func unknownSignal(op string, tag comm.Tag, s signal) error {
	return comm.Fatal(comm.UnknownSignal, op, fmt.Sprintf("%v on tag %v", s, tag))
}

// workCarrying tells whether messages with the signal can create
// work at the receiver. Such messages are counted by termination
// detection.
func (s signal) workCarrying() bool {
	switch s {
	case tokenSignal, dispatchSignal, subproblemSignal, rebalanceSignal, hashSolSignal, ackSolSignal:
		return true
	}
	return false
}
