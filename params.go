// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pebbl

import (
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
)

// Params are the tuning parameters of a search.
type Params struct {
	// RelTolerance and AbsTolerance define when a subproblem is no
	// better than the incumbent: subproblems whose bound does not
	// beat the incumbent by more than max(AbsTolerance,
	// RelTolerance*|incumbent|) are pruned.
	RelTolerance float64
	AbsTolerance float64

	// EnumCount is the number of solutions to enumerate. Values
	// greater than 1 enable enumeration: the search retains the
	// EnumCount best distinct solutions instead of only the best.
	EnumCount int
	// HasEnumCutoff and EnumCutoff set an absolute threshold for
	// enumeration: solutions worse than EnumCutoff are not retained.
	HasEnumCutoff bool
	EnumCutoff    float64

	// Order is the local subproblem selection order.
	Order Order

	// ValidateBounds checks that every child's bound is no better
	// than its parent's, failing the search otherwise.
	ValidateBounds bool

	// MaxSubproblems aborts the search after the given number of
	// subproblems has been bounded. Zero means no limit.
	MaxSubproblems int64
	// MaxWallTime aborts the search after the given duration. Zero
	// means no limit.
	MaxWallTime time.Duration
}

// DefaultParams returns the default tuning parameters.
func DefaultParams() Params {
	return Params{
		RelTolerance: 1e-7,
		EnumCount:    1,
		Order:        BestFirst,
	}
}

// Enumerating tells whether the parameters call for enumeration.
func (p Params) Enumerating() bool {
	return p.EnumCount > 1 || p.HasEnumCutoff
}

// Validate returns an error if the parameters are invalid.
func (p Params) Validate() error {
	switch {
	case p.RelTolerance < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("negative relative tolerance %g", p.RelTolerance))
	case p.AbsTolerance < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("negative absolute tolerance %g", p.AbsTolerance))
	case p.EnumCount < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("enumeration count %d less than 1", p.EnumCount))
	case p.Order < BestFirst || p.Order > BreadthFirst:
		return errors.E(errors.Invalid, fmt.Sprintf("invalid order %v", p.Order))
	case p.MaxSubproblems < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("negative subproblem limit %d", p.MaxSubproblems))
	case p.MaxWallTime < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("negative wall time limit %v", p.MaxWallTime))
	}
	return nil
}
