// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ptychocg provides an iterative solver for the ptychographic phase
// retrieval problem. Given far-field diffraction intensities recorded at many
// overlapping scan positions, it refines a complex object transmission
// function and, optionally, the complex probe that illuminated it, using a
// nonlinear conjugate gradient method under a Gaussian or Poisson noise model.
//
// The projection operator that simulates the measurement is supplied by the
// caller through the Operator and Kernel interfaces. Package fftop provides a
// reference implementation running on the CPU.
package ptychocg

import (
	"errors"
	"fmt"
	"time"
)

// Dims describes the geometry of a ptychography problem.
type Dims struct {
	// Views is the number of independent angular views.
	Views int
	// Height and Width are the vertical and horizontal
	// size of the reconstructed object grid in pixels.
	Height, Width int
	// Scans is the number of scan positions per view.
	Scans int
	// Probe is the width and height of the probe in pixels.
	Probe int
	// DetY and DetX are the height and width of the
	// detector in pixels.
	DetY, DetX int
}

// ObjectLen returns the number of samples in an object field.
func (d Dims) ObjectLen() int { return d.Views * d.Height * d.Width }

// ProbeLen returns the number of samples in a probe field.
func (d Dims) ProbeLen() int { return d.Views * d.Probe * d.Probe }

// ScanLen returns the number of coordinates in a set of scan positions.
func (d Dims) ScanLen() int { return d.Views * d.Scans * 2 }

// DataLen returns the number of detector pixels over all views and scans.
// It is also the length of a simulated far field.
func (d Dims) DataLen() int { return d.Views * d.Scans * d.DetY * d.DetX }

// FarLen is an alias of DataLen for complex far fields.
func (d Dims) FarLen() int { return d.DataLen() }

// Batch returns d with the number of views replaced by views.
func (d Dims) Batch(views int) Dims {
	d.Views = views
	return d
}

func (d Dims) validate() error {
	switch {
	case d.Views <= 0, d.Height <= 0, d.Width <= 0, d.Scans <= 0,
		d.Probe <= 0, d.DetY <= 0, d.DetX <= 0:
		return fmt.Errorf("ptychocg: non-positive dimension in %+v: %w", d, ErrShape)
	case d.Probe > d.Height || d.Probe > d.Width:
		return fmt.Errorf("ptychocg: probe %d larger than object %dx%d: %w", d.Probe, d.Height, d.Width, ErrShape)
	}
	return nil
}

// Operator is the ptychographic projection operator for a batch of views. It
// must be linear in the object and in the probe separately.
//
// The number of views v in a call is implied by len(scan)/(2*Scans) and never
// exceeds the number of views the operator was allocated for. Slice lengths
// must match v; operators may panic otherwise.
type Operator interface {
	// Forward stores into dst, of shape [v][Scans][DetY][DetX], the far
	// field of object, of shape [v][Height][Width], illuminated by probe,
	// of shape [v][Probe][Probe], at the scan positions.
	Forward(dst, object []complex128, scan []float64, probe []complex128)

	// AdjointObject stores into dst, of shape [v][Height][Width], the
	// adjoint of Forward with respect to the object applied to far.
	AdjointObject(dst, far []complex128, scan []float64, probe []complex128)

	// AdjointProbe stores into dst, of shape [v][Probe][Probe], the
	// adjoint of Forward with respect to the probe applied to far.
	AdjointProbe(dst, far []complex128, scan []float64, object []complex128)
}

// Kernel allocates projection operators on a device. Operators that hold
// device resources should implement io.Closer; Session closes them on release.
type Kernel interface {
	// NewOperator returns an operator for batches of at most d.Views views
	// on the given device.
	NewOperator(device int, d Dims) (Operator, error)
}

// Operation specifies the type of operation.
type Operation uint64

// Operations commanded by Method.Iterate.
const (
	NoOperation Operation = 0

	// Project the object in Context.SrcObject illuminated
	// by Context.SrcProbe and store the far field into
	// Context.Dst.
	Forward Operation = 1 << (iota - 1)

	// Apply the adjoint of Forward with respect to the
	// object to Context.Far using Context.Probe and store
	// the result into Context.Dst.
	AdjointObject

	// Apply the adjoint of Forward with respect to the
	// probe to Context.Far using Context.Object and store
	// the result into Context.Dst.
	AdjointProbe

	// Evaluate the loss of the far field in Context.Far
	// against Context.Data and emit a diagnostic Record.
	// Report must not change the state of the solve.
	Report

	// EndIteration indicates that Method has finished
	// one outer iteration. Context.ObjectStep,
	// Context.ProbeStep, Context.Exhausted and
	// Context.Restarted describe the iteration.
	EndIteration
)

// Subproblem is a set of subproblems of an outer iteration.
type Subproblem uint8

const (
	ObjectSubproblem Subproblem = 1 << iota
	ProbeSubproblem
)

func (s Subproblem) String() string {
	switch s {
	case 0:
		return "none"
	case ObjectSubproblem:
		return "object"
	case ProbeSubproblem:
		return "probe"
	case ObjectSubproblem | ProbeSubproblem:
		return "object+probe"
	}
	return fmt.Sprintf("Subproblem(%d)", uint8(s))
}

// Method is an iterative method that refines the object, and optionally the
// probe, of a batch of views.
//
// Method uses a reverse-communication interface between the iterative
// algorithm and the caller. Method commands the caller to perform projections
// via Operation returned from Iterate. This keeps Method independent of the
// projection kernel and of where its memory lives.
type Method interface {
	// Init initializes the method for a batch with dimensions d.
	// Init resets all state carried between iterations.
	Init(d Dims)

	// Iterate retrieves data from Context, updates it, and returns the next
	// operation. The caller must perform the Operation using data in
	// Context, and call Iterate again.
	Iterate(*Context) (Operation, error)
}

// Context mediates the communication between a Method and the caller. It must
// not be modified or accessed apart from the commanded Operations.
type Context struct {
	// Object and Probe are the current estimates for the batch.
	// Method updates them in place.
	Object, Probe []complex128
	// Data holds the measured intensities of the batch.
	Data []float64

	// Model is the noise model of the solve.
	Model NoiseModel
	// RecoverProbe indicates whether the probe is refined.
	RecoverProbe bool

	// SrcObject and SrcProbe are the sources of Forward.
	SrcObject, SrcProbe []complex128
	// Far is the source of the adjoint operations and of Report.
	Far []complex128
	// Dst is the destination of Forward and the adjoint operations.
	Dst []complex128

	// ObjectStep and ProbeStep are the step lengths taken in the
	// current iteration. ProbeStep is zero if the probe is not
	// recovered.
	ObjectStep, ProbeStep float64
	// Exhausted holds the subproblems whose line search failed in
	// the current iteration.
	Exhausted Subproblem
	// Restarted holds the subproblems whose search direction was reset
	// to steepest descent because the conjugate update degenerated.
	Restarted Subproblem
}

// Record is a convergence diagnostic emitted during a solve.
type Record struct {
	// View is the first view of the batch.
	View int
	// Iteration is the outer iteration within the batch.
	Iteration  int
	ObjectStep float64
	ProbeStep  float64
	Loss       float64
}

// Stats holds statistics about a solve.
type Stats struct {
	// Batches is the number of batches processed.
	Batches int
	// Iterations is the number of outer iterations
	// summed over all batches.
	Iterations int
	// Forward is the number of Forward operations.
	Forward int
	// Adjoint is the number of AdjointObject and
	// AdjointProbe operations.
	Adjoint int
	// Restarts is the number of search directions
	// reset to steepest descent.
	Restarts int
	// LineSearchFailures is the number of line
	// searches that found no improving step.
	LineSearchFailures int
	// StartTime is an approximate time
	// when the solve was started.
	StartTime time.Time
	// Runtime is an approximate duration
	// of the solve.
	Runtime time.Duration
}

func (s *Stats) add(o Stats) {
	s.Batches += o.Batches
	s.Iterations += o.Iterations
	s.Forward += o.Forward
	s.Adjoint += o.Adjoint
	s.Restarts += o.Restarts
	s.LineSearchFailures += o.LineSearchFailures
}

// Result holds the result of a solve.
type Result struct {
	// Object and Probe are the refined fields,
	// with the shapes of the inputs.
	Object, Probe []complex128
	// Stats holds the statistics of the solve.
	Stats Stats
}

var (
	// ErrShape is returned when an array does not have the
	// rank or extent its role requires.
	ErrShape = errors.New("ptychocg: shape mismatch")
	// ErrElementKind is returned when an array holds the wrong
	// kind of elements, for example real where complex is expected.
	ErrElementKind = errors.New("ptychocg: element kind mismatch")
	// ErrData is returned for invalid input values such as negative
	// intensities or scan positions outside the object.
	ErrData = errors.New("ptychocg: invalid data")
	// ErrLineSearch is returned by a line search that found no step
	// that does not increase the loss. It is recoverable.
	ErrLineSearch = errors.New("ptychocg: line search failed")
	// ErrClosed is returned when a released session is used.
	ErrClosed = errors.New("ptychocg: session closed")
)

// ShapeError reports an array whose length does not match the problem
// dimensions.
type ShapeError struct {
	Name      string
	Want, Got int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("ptychocg: %s has %d elements, want %d", e.Name, e.Got, e.Want)
}

func (e *ShapeError) Unwrap() error { return ErrShape }

func reuse(v []complex128, n int) []complex128 {
	if cap(v) < n {
		return make([]complex128, n)
	}
	return v[:n]
}

func reuseFloat(v []float64, n int) []float64 {
	if cap(v) < n {
		return make([]float64, n)
	}
	return v[:n]
}
