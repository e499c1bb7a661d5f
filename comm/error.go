// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Code enumerates the kinds of protocol errors. Every protocol error
// indicates that the distributed state machines have diverged (or
// that the transport has failed) and is not locally recoverable.
type Code int

const (
	// UnknownSignal reports a control message with an unrecognized
	// signal discriminator.
	UnknownSignal Code = iota + 1
	// PoolUnderflow reports a selection from an empty subproblem pool.
	PoolUnderflow
	// ChildUnderflow reports a request for more children than a
	// subproblem has left.
	ChildUnderflow
	// UnexpectedMessage reports a well-formed message that arrived
	// in a state that does not admit it.
	UnexpectedMessage
	// TransportFailure reports a failed send or receive.
	TransportFailure
	// Corrupt reports a message that could not be unpacked.
	Corrupt
	// StateViolation reports an illegal subproblem state transition.
	StateViolation
)

var codeNames = map[Code]string{
	UnknownSignal:     "unknown signal",
	PoolUnderflow:     "pool underflow",
	ChildUnderflow:    "child underflow",
	UnexpectedMessage: "unexpected message",
	TransportFailure:  "transport failure",
	Corrupt:           "corrupt message",
	StateViolation:    "state violation",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ProtocolError describes a fatal protocol failure: the operation
// that detected it and the offending value.
type ProtocolError struct {
	Code  Code
	Op    string
	Value interface{}
}

func (e *ProtocolError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Value)
}

// Fatal returns a fatal error wrapping a ProtocolError.
func Fatal(code Code, op string, value interface{}) error {
	return errors.E(errors.Fatal, &ProtocolError{Code: code, Op: op, Value: value})
}

// Is tells whether err is (or wraps) a ProtocolError with the
// provided code.
func Is(err error, code Code) bool {
	e := AsProtocolError(err)
	return e != nil && e.Code == code
}

// AsProtocolError returns the ProtocolError wrapped by err, or nil.
func AsProtocolError(err error) *ProtocolError {
	for err != nil {
		switch e := err.(type) {
		case *ProtocolError:
			return e
		case *errors.Error:
			err = e.Err
		default:
			return nil
		}
	}
	return nil
}
