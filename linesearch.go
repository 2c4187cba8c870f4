// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptychocg

const (
	defaultShrink  = 0.5
	defaultMinStep = 1e-32
)

// Backtracking is a backtracking line search. Starting from an initial step
// length it shrinks the step until the step does not increase the function.
type Backtracking struct {
	// Shrink is the factor by which the step length is
	// multiplied on each backtrack. It must be in (0, 1).
	// If it is zero, 0.5 is used.
	Shrink float64
	// MinStep is the step length at or below which the search
	// gives up. If it is zero, 1e-32 is used.
	MinStep float64
}

// Search returns a step length along a direction for the function f of the
// step length, starting from step. The returned step satisfies
// f(step) <= f(0) whenever it is positive.
//
// If no such step larger than MinStep exists, Search returns 0 and
// ErrLineSearch. The error is recoverable: the caller should leave the point
// unchanged for this iteration.
func (b Backtracking) Search(f func(step float64) float64, step float64) (float64, error) {
	shrink := b.Shrink
	if shrink == 0 {
		shrink = defaultShrink
	}
	if shrink <= 0 || 1 <= shrink {
		panic("ptychocg: invalid Backtracking.Shrink")
	}
	minStep := b.MinStep
	if minStep == 0 {
		minStep = defaultMinStep
	}
	if step <= 0 {
		panic("ptychocg: non-positive initial step")
	}

	f0 := f(0)
	// A NaN trial value also backtracks.
	for step > minStep && !(f(step) <= f0) {
		step *= shrink
	}
	if step <= minStep {
		return 0, ErrLineSearch
	}
	return step, nil
}
