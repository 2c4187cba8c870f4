// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package npyfile reads and writes the NumPy .npy arrays exchanged by the
// ptychocg command.
package npyfile

import (
	"fmt"
	"math/cmplx"
	"os"
	"strings"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/cmplxs"
	"gonum.org/v1/gonum/mat"

	"github.com/tekinbicer/ptychocg"
)

// Array is a row-major array read from a file.
type Array[T float64 | complex128] struct {
	Shape []int
	Data  []T
}

// ReadComplex reads a complex array of the given rank from path. Both
// single- and double-precision files are accepted.
func ReadComplex(path string, rank int) (Array[complex128], error) {
	var a Array[complex128]
	err := read(path, rank, func(r *npyio.Reader, kind string) error {
		switch kind {
		case "c8":
			var v []complex64
			if err := r.Read(&v); err != nil {
				return fmt.Errorf("npyfile: reading %s: %w", path, err)
			}
			a.Data = make([]complex128, len(v))
			for i, x := range v {
				a.Data[i] = complex128(x)
			}
		case "c16":
			if err := r.Read(&a.Data); err != nil {
				return fmt.Errorf("npyfile: reading %s: %w", path, err)
			}
		default:
			return fmt.Errorf("npyfile: %s holds %s, want complex: %w", path, kind, ptychocg.ErrElementKind)
		}
		a.Shape = r.Header.Descr.Shape
		return nil
	})
	return a, err
}

// ReadReal reads a real array of the given rank from path. Both single- and
// double-precision files are accepted.
func ReadReal(path string, rank int) (Array[float64], error) {
	var a Array[float64]
	err := read(path, rank, func(r *npyio.Reader, kind string) error {
		switch kind {
		case "f4":
			var v []float32
			if err := r.Read(&v); err != nil {
				return fmt.Errorf("npyfile: reading %s: %w", path, err)
			}
			a.Data = make([]float64, len(v))
			for i, x := range v {
				a.Data[i] = float64(x)
			}
		case "f8":
			if err := r.Read(&a.Data); err != nil {
				return fmt.Errorf("npyfile: reading %s: %w", path, err)
			}
		default:
			return fmt.Errorf("npyfile: %s holds %s, want real: %w", path, kind, ptychocg.ErrElementKind)
		}
		a.Shape = r.Header.Descr.Shape
		return nil
	})
	return a, err
}

func read(path string, rank int, body func(r *npyio.Reader, kind string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return fmt.Errorf("npyfile: %s: %w", path, err)
	}
	descr := r.Header.Descr
	if len(descr.Shape) != rank {
		return fmt.Errorf("npyfile: %s has rank %d, want %d: %w", path, len(descr.Shape), rank, ptychocg.ErrShape)
	}
	if descr.Fortran {
		return fmt.Errorf("npyfile: %s is in Fortran order: %w", path, ptychocg.ErrShape)
	}
	// Strip the byte order from a type string such as "<c8".
	kind := strings.TrimLeft(descr.Type, "<>|=")
	return body(r, kind)
}

// WriteComplex writes v as a one-dimensional complex array to path.
func WriteComplex(path string, v []complex128) error {
	return write(path, v)
}

// WriteMatrix writes m as a two-dimensional real array to path.
func WriteMatrix(path string, m *mat.Dense) error {
	return write(path, m)
}

func write(path string, v interface{}) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := npyio.Write(f, v); err != nil {
		return fmt.Errorf("npyfile: writing %s: %w", path, err)
	}
	return nil
}

// Amplitude returns the h×w amplitude image of the k-th field of v.
func Amplitude(v []complex128, k, h, w int) *mat.Dense {
	data := make([]float64, h*w)
	cmplxs.Abs(data, field(v, k, h, w))
	return mat.NewDense(h, w, data)
}

// Phase returns the h×w phase image of the k-th field of v.
func Phase(v []complex128, k, h, w int) *mat.Dense {
	f := field(v, k, h, w)
	data := make([]float64, h*w)
	for i, z := range f {
		data[i] = cmplx.Phase(z)
	}
	return mat.NewDense(h, w, data)
}

func field(v []complex128, k, h, w int) []complex128 {
	return v[k*h*w : (k+1)*h*w]
}
