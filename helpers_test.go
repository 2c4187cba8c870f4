// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptychocg

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"sync"
)

// pointwise is a projection operator for problems whose object, probe and
// detector all have the same size and that have a single scan at the origin.
// It multiplies the object by the probe pixel by pixel.
type pointwise struct {
	k      *pointwiseKernel
	device int
	d      Dims
	closed bool
}

func (op *pointwise) check() {
	if op.closed {
		panic("operator used after Close")
	}
}

func (op *pointwise) Forward(dst, object []complex128, scan []float64, probe []complex128) {
	op.check()
	for i := range dst {
		dst[i] = object[i] * probe[i]
	}
}

func (op *pointwise) AdjointObject(dst, far []complex128, scan []float64, probe []complex128) {
	op.check()
	for i := range dst {
		dst[i] = far[i] * cmplx.Conj(probe[i])
	}
}

func (op *pointwise) AdjointProbe(dst, far []complex128, scan []float64, object []complex128) {
	op.check()
	for i := range dst {
		dst[i] = far[i] * cmplx.Conj(object[i])
	}
}

func (op *pointwise) Close() error {
	op.k.mu.Lock()
	defer op.k.mu.Unlock()
	if op.closed {
		return errors.New("operator closed twice")
	}
	op.closed = true
	op.k.open--
	return nil
}

// pointwiseKernel allocates pointwise operators and counts the open ones.
type pointwiseKernel struct {
	// fail is the device on which allocation fails, if not negative.
	fail int

	mu    sync.Mutex
	open  int
	width int
}

func newPointwiseKernel() *pointwiseKernel {
	return &pointwiseKernel{fail: -1}
}

func (k *pointwiseKernel) NewOperator(device int, d Dims) (Operator, error) {
	if device == k.fail {
		return nil, errors.New("out of device memory")
	}
	if d.Scans != 1 || d.Height != d.Probe || d.Width != d.Probe || d.DetY != d.Probe || d.DetX != d.Probe {
		return nil, errors.New("unsupported dimensions")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.open++
	k.width = d.Views
	return &pointwise{k: k, device: device, d: d}, nil
}

func (k *pointwiseKernel) openOperators() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.open
}

// pointwiseProblem returns a problem for the pointwise operator with a unit
// probe whose measured data are the intensities of the object truth. The
// initial object is 0.3·truth.
func pointwiseProblem(rnd *rand.Rand, views, n int) (p Problem, truth []complex128) {
	d := Dims{Views: views, Height: n, Width: n, Scans: 1, Probe: n, DetY: n, DetX: n}
	truth = make([]complex128, d.ObjectLen())
	for i := range truth {
		truth[i] = cmplx.Rect(0.5+rnd.Float64(), 2*math.Pi*rnd.Float64()-math.Pi)
	}
	p = Problem{
		Dims:   d,
		Data:   make([]float64, d.DataLen()),
		Object: make([]complex128, d.ObjectLen()),
		Probe:  make([]complex128, d.ProbeLen()),
		Scan:   make([]float64, d.ScanLen()),
	}
	for i, v := range truth {
		a := cmplx.Abs(v)
		p.Data[i] = a * a
		p.Object[i] = 0.3 * v
	}
	for i := range p.Probe {
		p.Probe[i] = 1
	}
	return p, truth
}

func randComplex(rnd *rand.Rand, n int) []complex128 {
	v := make([]complex128, n)
	for i := range v {
		v[i] = complex(rnd.NormFloat64(), rnd.NormFloat64())
	}
	return v
}
