// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptychocg

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"

	"gonum.org/v1/gonum/blas/cblas128"
	"gonum.org/v1/gonum/cmplxs"
)

const defaultReportEvery = 8

// CG implements the nonlinear conjugate gradient method for ptychography. Each
// outer iteration first refines the object with the probe fixed and then, if
// Context.RecoverProbe is set, refines the probe with the object fixed. Each
// subproblem takes a step along the direction
//  d_{k+1} = -∇f_{k+1} + β_k*d_k,   d_0 = -∇f_0,
// with the step length chosen by a backtracking line search.
//
// The object gradient is normalized by max|probe|² and the probe gradient by
// max|object|²·Scans to compensate for the scaling of the projection operator.
//
// CG needs Forward, AdjointObject and, when recovering the probe, AdjointProbe
// operations.
type CG struct {
	// Variant computes β_k for both subproblems.
	// If Variant is nil, DaiYuan is used.
	Variant Variant
	// LineSearch chooses the step lengths.
	LineSearch Backtracking
	// ReportEvery is the number of outer iterations between
	// Report operations, the first being at iteration 0.
	// If it is zero, it is set to 8.
	ReportEvery int

	d      Dims
	resume int
	iter   int
	every  int

	obj, prb subproblem

	// Far-field scratch shared by both subproblems, which run in turn.
	far, farDir []complex128
	resid       []complex128
	trial       []complex128
}

// subproblem holds the conjugate gradient state of one field.
type subproblem struct {
	grad     []complex128
	gradPrev []complex128
	dir      []complex128
	step     float64
}

func (s *subproblem) init(n int) {
	s.grad = reuse(s.grad, n)
	s.gradPrev = reuse(s.gradPrev, n)
	s.dir = reuse(s.dir, n)
	s.step = 0
}

// next updates the search direction from the gradient and reports whether the
// conjugate update degenerated and steepest descent was taken instead.
func (s *subproblem) next(v Variant, first bool) (restarted bool) {
	if !first {
		beta := v.Beta(s.grad, s.gradPrev, s.dir)
		if cmplx.IsNaN(beta) || cmplx.IsInf(beta) {
			restarted = true
		} else {
			// d = β d - g
			cblas128.Scal(beta, vec(s.dir))
			cblas128.Axpy(-1, vec(s.grad), vec(s.dir))
			copy(s.gradPrev, s.grad)
			return false
		}
	}
	copy(s.dir, s.grad)
	cblas128.Scal(-1, vec(s.dir))
	copy(s.gradPrev, s.grad)
	return restarted
}

// Init implements the Method interface.
func (cg *CG) Init(d Dims) {
	if err := d.validate(); err != nil {
		panic(err)
	}
	if cg.ReportEvery < 0 {
		panic("ptychocg: negative CG.ReportEvery")
	}
	if cg.Variant == nil {
		cg.Variant = DaiYuan{}
	}
	cg.every = cg.ReportEvery
	if cg.every == 0 {
		cg.every = defaultReportEvery
	}

	cg.d = d
	cg.obj.init(d.ObjectLen())
	cg.prb.init(d.ProbeLen())
	n := d.FarLen()
	cg.far = reuse(cg.far, n)
	cg.farDir = reuse(cg.farDir, n)
	cg.resid = reuse(cg.resid, n)
	cg.trial = reuse(cg.trial, n)

	cg.iter = 0
	cg.resume = 1
}

// Iterate implements the Method interface.
func (cg *CG) Iterate(ctx *Context) (Operation, error) {
	switch cg.resume {
	case 1:
		ctx.ObjectStep, ctx.ProbeStep = 0, 0
		ctx.Exhausted, ctx.Restarted = 0, 0
		ctx.SrcObject = ctx.Object
		ctx.SrcProbe = ctx.Probe
		ctx.Dst = cg.far
		cg.resume = 2
		return Forward, nil
		// f = F(ψ, prb)
	case 2:
		ctx.Model.Residual(cg.resid, cg.far, ctx.Data)
		ctx.Far = cg.resid
		ctx.Dst = cg.obj.grad
		cg.resume = 3
		return AdjointObject, nil
		// g = F*ₒ r
	case 3:
		m := maxAbs(ctx.Probe)
		cblas128.Scal(complex(1/(m*m), 0), vec(cg.obj.grad))
		if cg.obj.next(cg.Variant, cg.iter == 0) {
			ctx.Restarted |= ObjectSubproblem
		}
		ctx.SrcObject = cg.obj.dir
		ctx.SrcProbe = ctx.Probe
		ctx.Dst = cg.farDir
		cg.resume = 4
		return Forward, nil
		// fd = F(dψ, prb)
	case 4:
		step := cg.obj.step
		if ctx.RecoverProbe || step == 0 {
			step = 1
		}
		cg.obj.step = cg.search(ctx, ObjectSubproblem, step)
		ctx.ObjectStep = cg.obj.step
		if cg.obj.step > 0 {
			cblas128.Axpy(complex(cg.obj.step, 0), vec(cg.obj.dir), vec(ctx.Object))
		}
		if !ctx.RecoverProbe {
			return cg.report(ctx)
		}
		ctx.SrcObject = ctx.Object
		ctx.SrcProbe = ctx.Probe
		ctx.Dst = cg.far
		cg.resume = 5
		return Forward, nil
		// f = F(ψ, prb)
	case 5:
		ctx.Model.Residual(cg.resid, cg.far, ctx.Data)
		ctx.Far = cg.resid
		ctx.Dst = cg.prb.grad
		cg.resume = 6
		return AdjointProbe, nil
		// g = F*ₚ r
	case 6:
		m := maxAbs(ctx.Object)
		cblas128.Scal(complex(1/(m*m*float64(cg.d.Scans)), 0), vec(cg.prb.grad))
		if cg.prb.next(cg.Variant, cg.iter == 0) {
			ctx.Restarted |= ProbeSubproblem
		}
		ctx.SrcObject = ctx.Object
		ctx.SrcProbe = cg.prb.dir
		ctx.Dst = cg.farDir
		cg.resume = 7
		return Forward, nil
		// fd = F(ψ, dprb)
	case 7:
		cg.prb.step = cg.search(ctx, ProbeSubproblem, 1)
		ctx.ProbeStep = cg.prb.step
		if cg.prb.step > 0 {
			cblas128.Axpy(complex(cg.prb.step, 0), vec(cg.prb.dir), vec(ctx.Probe))
		}
		return cg.report(ctx)
	case 8:
		ctx.Far = cg.far
		cg.resume = 9
		return Report, nil
	case 9:
		return cg.end(ctx)

	default:
		panic("ptychocg: CG.Init not called")
	}
}

// report commands the forward projection of the updated fields when a
// diagnostic is due and ends the iteration otherwise.
func (cg *CG) report(ctx *Context) (Operation, error) {
	if cg.iter%cg.every != 0 {
		return cg.end(ctx)
	}
	ctx.SrcObject = ctx.Object
	ctx.SrcProbe = ctx.Probe
	ctx.Dst = cg.far
	cg.resume = 8
	return Forward, nil
}

func (cg *CG) end(ctx *Context) (Operation, error) {
	ctx.SrcObject, ctx.SrcProbe = nil, nil
	ctx.Far, ctx.Dst = nil, nil
	cg.iter++
	cg.resume = 1
	return EndIteration, nil
}

// search runs the line search along the direction whose far field is in
// cg.farDir. The far field of the current point is in cg.far. The projection
// is linear in each field, so trial points need no further projections.
func (cg *CG) search(ctx *Context, s Subproblem, step float64) float64 {
	f := func(step float64) float64 {
		copy(cg.trial, cg.far)
		cblas128.Axpy(complex(step, 0), vec(cg.farDir), vec(cg.trial))
		return ctx.Model.Loss(cg.trial, ctx.Data)
	}
	step, err := cg.LineSearch.Search(f, step)
	if err != nil {
		ctx.Exhausted |= s
		return 0
	}
	return step
}

// Variant calculates the scaling parameter, β, used for updating the
// conjugate direction of a subproblem. Variants must not keep state, since one
// Variant serves both subproblems.
type Variant interface {
	// Beta returns the value of the scaling parameter. A non-finite β
	// restarts the subproblem with the steepest descent direction.
	Beta(grad, gradPrev, dirPrev []complex128) complex128
}

// DaiYuan implements the Dai-Yuan variant of the CG method that computes the
// scaling parameter β_k according to the formula
//  β_k = |∇f_{k+1}|^2 / d_k^H y_k,
// where y_k = ∇f_{k+1} - ∇f_k.
type DaiYuan struct{}

// Beta implements the Variant interface.
func (DaiYuan) Beta(grad, gradPrev, dirPrev []complex128) complex128 {
	norm := cblas128.Nrm2(vec(grad))
	den := cblas128.Dotc(vec(dirPrev), vec(grad)) - cblas128.Dotc(vec(dirPrev), vec(gradPrev))
	return complex(norm*norm, 0) / den
}

// FletcherReeves implements the Fletcher-Reeves variant of the CG method that
// computes the scaling parameter β_k according to the formula
//  β_k = |∇f_{k+1}|^2 / |∇f_k|^2.
type FletcherReeves struct{}

// Beta implements the Variant interface.
func (FletcherReeves) Beta(grad, gradPrev, _ []complex128) complex128 {
	norm := cblas128.Nrm2(vec(grad))
	prev := cblas128.Nrm2(vec(gradPrev))
	return complex((norm/prev)*(norm/prev), 0)
}

// PolakRibierePolyak implements the Polak-Ribiere-Polyak variant of the CG
// method that computes the scaling parameter β_k according to the formula
//  β_k = max(0, Re(y_k^H ∇f_{k+1}) / |∇f_k|^2),
// where y_k = ∇f_{k+1} - ∇f_k.
type PolakRibierePolyak struct{}

// Beta implements the Variant interface.
func (PolakRibierePolyak) Beta(grad, gradPrev, _ []complex128) complex128 {
	norm := cblas128.Nrm2(vec(grad))
	prev := cblas128.Nrm2(vec(gradPrev))
	dot := real(cblas128.Dotc(vec(gradPrev), vec(grad)))
	beta := (norm*norm - dot) / (prev * prev)
	if beta < 0 {
		beta = 0
	}
	return complex(beta, 0)
}

// HestenesStiefel implements the Hestenes-Stiefel variant of the CG method
// that computes the scaling parameter β_k according to the formula
//  β_k = y_k^H ∇f_{k+1} / d_k^H y_k,
// where y_k = ∇f_{k+1} - ∇f_k.
type HestenesStiefel struct{}

// Beta implements the Variant interface.
func (HestenesStiefel) Beta(grad, gradPrev, dirPrev []complex128) complex128 {
	num := cblas128.Dotc(vec(grad), vec(grad)) - cblas128.Dotc(vec(gradPrev), vec(grad))
	den := cblas128.Dotc(vec(dirPrev), vec(grad)) - cblas128.Dotc(vec(dirPrev), vec(gradPrev))
	return num / den
}

// SteepestDescent turns CG into gradient descent by always returning β = 0.
type SteepestDescent struct{}

// Beta implements the Variant interface.
func (SteepestDescent) Beta(_, _, _ []complex128) complex128 { return 0 }

// ParseVariant returns the variant named s. The names are dai-yuan,
// fletcher-reeves, polak-ribiere-polyak, hestenes-stiefel and
// steepest-descent.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dai-yuan":
		return DaiYuan{}, nil
	case "fletcher-reeves":
		return FletcherReeves{}, nil
	case "polak-ribiere-polyak":
		return PolakRibierePolyak{}, nil
	case "hestenes-stiefel":
		return HestenesStiefel{}, nil
	case "steepest-descent":
		return SteepestDescent{}, nil
	}
	return nil, fmt.Errorf("ptychocg: unknown CG variant %q", s)
}

func vec(x []complex128) cblas128.Vector {
	return cblas128.Vector{N: len(x), Inc: 1, Data: x}
}

// maxAbs returns max |x_i|.
func maxAbs(x []complex128) float64 {
	if len(x) == 0 {
		return 0
	}
	return cmplxs.Norm(x, math.Inf(1))
}
