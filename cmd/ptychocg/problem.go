// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/tekinbicer/ptychocg"
	"github.com/tekinbicer/ptychocg/internal/config"
	"github.com/tekinbicer/ptychocg/internal/npyfile"
)

// readProblem reads the input arrays named by in.
func readProblem(in config.InputConfig) (ptychocg.Problem, error) {
	data, err := npyfile.ReadReal(in.Data, 4)
	if err != nil {
		return ptychocg.Problem{}, err
	}
	object, err := npyfile.ReadComplex(in.Object, 3)
	if err != nil {
		return ptychocg.Problem{}, err
	}
	probe, err := npyfile.ReadComplex(in.Probe, 3)
	if err != nil {
		return ptychocg.Problem{}, err
	}
	scan, err := npyfile.ReadReal(in.Scan, 3)
	if err != nil {
		return ptychocg.Problem{}, err
	}
	p, err := newProblem(data, object, probe, scan)
	if err != nil {
		return ptychocg.Problem{}, err
	}
	if in.FFTShift {
		fftshift(p.Data, p.Dims)
	}
	return p, nil
}

// newProblem derives the dimensions of a problem from the shapes of its
// arrays:
//  data   [views][scans][dety][detx]
//  object [views][height][width]
//  probe  [views][probe][probe]
//  scan   [views][scans][2]
func newProblem(data npyfile.Array[float64], object, probe npyfile.Array[complex128], scan npyfile.Array[float64]) (ptychocg.Problem, error) {
	d := ptychocg.Dims{
		Views:  object.Shape[0],
		Height: object.Shape[1],
		Width:  object.Shape[2],
		Scans:  data.Shape[1],
		Probe:  probe.Shape[1],
		DetY:   data.Shape[2],
		DetX:   data.Shape[3],
	}
	for _, c := range []struct {
		name      string
		want, got int
	}{
		{"data views", d.Views, data.Shape[0]},
		{"probe views", d.Views, probe.Shape[0]},
		{"probe width", d.Probe, probe.Shape[2]},
		{"scan views", d.Views, scan.Shape[0]},
		{"scan positions", d.Scans, scan.Shape[1]},
		{"scan coordinates", 2, scan.Shape[2]},
	} {
		if c.want != c.got {
			return ptychocg.Problem{}, &ptychocg.ShapeError{Name: c.name, Want: c.want, Got: c.got}
		}
	}
	p := ptychocg.Problem{
		Dims:   d,
		Data:   data.Data,
		Object: object.Data,
		Probe:  probe.Data,
		Scan:   scan.Data,
	}
	return p, p.Validate()
}

// fftshift swaps the quadrants of every detector frame of data so that the
// zero frequency moves from the centre to the first pixel.
func fftshift(data []float64, d ptychocg.Dims) {
	nf := d.DetY * d.DetX
	tmp := make([]float64, nf)
	sy, sx := d.DetY/2, d.DetX/2
	for off := 0; off < len(data); off += nf {
		frame := data[off : off+nf]
		for i := 0; i < d.DetY; i++ {
			for j := 0; j < d.DetX; j++ {
				tmp[i*d.DetX+j] = frame[((i+sy)%d.DetY)*d.DetX+(j+sx)%d.DetX]
			}
		}
		copy(frame, tmp)
	}
}
