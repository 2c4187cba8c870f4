// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fftop implements the ptychographic projection operator on the CPU
// using the FFTs of gonum.org/v1/gonum/dsp/fourier.
//
// For a scan position (y, x) the operator takes the Probe×Probe tile of the
// object whose top-left corner is at (y, x), interpolating bilinearly for
// fractional positions, multiplies it by the probe, places the product in the
// centre of a DetY×DetX frame and applies a unitary two-dimensional discrete
// Fourier transform.
package fftop

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/cmplxs"
	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/tekinbicer/ptychocg"
	"github.com/tekinbicer/ptychocg/internal/triplet"
)

// Operator is a projection operator for batches of views. It is not safe for
// concurrent use; allocate one operator per goroutine.
type Operator struct {
	d ptychocg.Dims

	rows, cols *fourier.CmplxFFT
	scale      complex128

	q      *triplet.Matrix
	tile   []complex128
	patch  []complex128
	frame  []complex128
	row    []complex128
	col    []complex128
	colOut []complex128

	released bool
}

// New returns an operator for batches of at most d.Views views. The detector
// must be at least as large as the probe.
func New(d ptychocg.Dims) (*Operator, error) {
	switch {
	case d.Views <= 0, d.Height <= 0, d.Width <= 0, d.Scans <= 0,
		d.Probe <= 0, d.DetY <= 0, d.DetX <= 0:
		return nil, fmt.Errorf("fftop: non-positive dimension in %+v: %w", d, ptychocg.ErrShape)
	case d.Probe > d.Height || d.Probe > d.Width:
		return nil, fmt.Errorf("fftop: probe %d larger than object %dx%d: %w", d.Probe, d.Height, d.Width, ptychocg.ErrShape)
	case d.Probe > d.DetY || d.Probe > d.DetX:
		return nil, fmt.Errorf("fftop: probe %d larger than detector %dx%d: %w", d.Probe, d.DetY, d.DetX, ptychocg.ErrShape)
	}
	p2 := d.Probe * d.Probe
	return &Operator{
		d:      d,
		rows:   fourier.NewCmplxFFT(d.DetX),
		cols:   fourier.NewCmplxFFT(d.DetY),
		scale:  complex(1/math.Sqrt(float64(d.DetY*d.DetX)), 0),
		q:      triplet.New(p2, d.Height*d.Width),
		tile:   make([]complex128, p2),
		patch:  make([]complex128, p2),
		frame:  make([]complex128, d.DetY*d.DetX),
		row:    make([]complex128, d.DetX),
		col:    make([]complex128, d.DetY),
		colOut: make([]complex128, d.DetY),
	}, nil
}

// Close releases the FFT plans and scratch memory of the operator. The
// operator must not be used afterwards.
func (op *Operator) Close() error {
	if op.released {
		return errors.New("fftop: operator already released")
	}
	op.released = true
	op.rows, op.cols = nil, nil
	op.q = nil
	op.tile, op.patch, op.frame = nil, nil, nil
	op.row, op.col, op.colOut = nil, nil, nil
	return nil
}

// views returns the number of views of a call and checks the lengths of the
// per-view arrays.
func (op *Operator) views(scan []float64, lens ...[2]int) int {
	if op.released {
		panic("fftop: operator used after Close")
	}
	d := op.d
	if len(scan)%(2*d.Scans) != 0 {
		panic("fftop: bad scan length")
	}
	v := len(scan) / (2 * d.Scans)
	if v > d.Views {
		panic("fftop: too many views")
	}
	for _, l := range lens {
		if l[0] != v*l[1] {
			panic("fftop: bad length")
		}
	}
	return v
}

// Forward implements the ptychocg.Operator interface.
func (op *Operator) Forward(dst, object []complex128, scan []float64, probe []complex128) {
	d := op.d
	no, np, nf := d.Height*d.Width, d.Probe*d.Probe, d.DetY*d.DetX
	v := op.views(scan, [2]int{len(dst), d.Scans * nf}, [2]int{len(object), no}, [2]int{len(probe), np})
	for k := 0; k < v; k++ {
		obj := object[k*no : (k+1)*no]
		prb := probe[k*np : (k+1)*np]
		for s := 0; s < d.Scans; s++ {
			i := k*d.Scans + s
			op.gather(scan[2*i], scan[2*i+1])
			op.q.MulVec(op.tile, obj)
			cmplxs.Mul(op.tile, prb)
			op.embed()
			op.fft2(false)
			copy(dst[i*nf:(i+1)*nf], op.frame)
		}
	}
}

// AdjointObject implements the ptychocg.Operator interface.
func (op *Operator) AdjointObject(dst, far []complex128, scan []float64, probe []complex128) {
	d := op.d
	no, np, nf := d.Height*d.Width, d.Probe*d.Probe, d.DetY*d.DetX
	v := op.views(scan, [2]int{len(dst), no}, [2]int{len(far), d.Scans * nf}, [2]int{len(probe), np})
	for i := range dst {
		dst[i] = 0
	}
	for k := 0; k < v; k++ {
		obj := dst[k*no : (k+1)*no]
		prb := probe[k*np : (k+1)*np]
		for s := 0; s < d.Scans; s++ {
			i := k*d.Scans + s
			copy(op.frame, far[i*nf:(i+1)*nf])
			op.fft2(true)
			op.crop()
			cmplxs.MulConj(op.tile, prb)
			op.gather(scan[2*i], scan[2*i+1])
			op.q.AddMulTransVec(obj, op.tile)
		}
	}
}

// AdjointProbe implements the ptychocg.Operator interface.
func (op *Operator) AdjointProbe(dst, far []complex128, scan []float64, object []complex128) {
	d := op.d
	no, np, nf := d.Height*d.Width, d.Probe*d.Probe, d.DetY*d.DetX
	v := op.views(scan, [2]int{len(dst), np}, [2]int{len(far), d.Scans * nf}, [2]int{len(object), no})
	for i := range dst {
		dst[i] = 0
	}
	for k := 0; k < v; k++ {
		obj := object[k*no : (k+1)*no]
		prb := dst[k*np : (k+1)*np]
		for s := 0; s < d.Scans; s++ {
			i := k*d.Scans + s
			copy(op.frame, far[i*nf:(i+1)*nf])
			op.fft2(true)
			op.crop()
			op.gather(scan[2*i], scan[2*i+1])
			op.q.MulVec(op.patch, obj)
			cmplxs.Add(prb, cmplxs.MulConjTo(op.patch, op.tile, op.patch))
		}
	}
}

// gather builds in op.q the bilinear interpolation that extracts the probe
// tile with top-left corner at (y, x) from an object.
func (op *Operator) gather(y, x float64) {
	d := op.d
	y0, x0 := math.Floor(y), math.Floor(x)
	fy, fx := y-y0, x-x0
	iy, ix := int(y0), int(x0)

	op.q.Reset()
	for _, c := range [4]struct {
		dy, dx int
		w      float64
	}{
		{0, 0, (1 - fy) * (1 - fx)},
		{0, 1, (1 - fy) * fx},
		{1, 0, fy * (1 - fx)},
		{1, 1, fy * fx},
	} {
		if c.w == 0 {
			continue
		}
		for i := 0; i < d.Probe; i++ {
			r := (iy + i + c.dy) * d.Width
			for j := 0; j < d.Probe; j++ {
				op.q.Append(i*d.Probe+j, r+ix+j+c.dx, c.w)
			}
		}
	}
}

// embed places op.tile in the centre of a zeroed op.frame.
func (op *Operator) embed() {
	d := op.d
	for i := range op.frame {
		op.frame[i] = 0
	}
	oy, ox := (d.DetY-d.Probe)/2, (d.DetX-d.Probe)/2
	for i := 0; i < d.Probe; i++ {
		copy(op.frame[(oy+i)*d.DetX+ox:(oy+i)*d.DetX+ox+d.Probe], op.tile[i*d.Probe:(i+1)*d.Probe])
	}
}

// crop extracts the centre of op.frame into op.tile. It is the adjoint of
// embed.
func (op *Operator) crop() {
	d := op.d
	oy, ox := (d.DetY-d.Probe)/2, (d.DetX-d.Probe)/2
	for i := 0; i < d.Probe; i++ {
		copy(op.tile[i*d.Probe:(i+1)*d.Probe], op.frame[(oy+i)*d.DetX+ox:(oy+i)*d.DetX+ox+d.Probe])
	}
}

// fft2 applies the unitary two-dimensional DFT, or its inverse, to op.frame
// in place.
func (op *Operator) fft2(inverse bool) {
	d := op.d
	for r := 0; r < d.DetY; r++ {
		line := op.frame[r*d.DetX : (r+1)*d.DetX]
		if inverse {
			op.rows.Sequence(op.row, line)
		} else {
			op.rows.Coefficients(op.row, line)
		}
		copy(line, op.row)
	}
	for c := 0; c < d.DetX; c++ {
		for r := 0; r < d.DetY; r++ {
			op.col[r] = op.frame[r*d.DetX+c]
		}
		if inverse {
			op.cols.Sequence(op.colOut, op.col)
		} else {
			op.cols.Coefficients(op.colOut, op.col)
		}
		for r := 0; r < d.DetY; r++ {
			op.frame[r*d.DetX+c] = op.colOut[r] * op.scale
		}
	}
}

// Kernel allocates CPU operators. Every device index is a separate operator
// with its own plans and scratch memory, so several devices run batches in
// parallel.
type Kernel struct{}

// NewOperator implements the ptychocg.Kernel interface.
func (Kernel) NewOperator(device int, d ptychocg.Dims) (ptychocg.Operator, error) {
	if device < 0 {
		return nil, fmt.Errorf("fftop: invalid device %d", device)
	}
	return New(d)
}
