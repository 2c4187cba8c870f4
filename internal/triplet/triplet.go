// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package triplet provides a sparse real matrix in coordinate format acting on
// complex vectors.
package triplet

type triplet struct {
	i, j int
	v    float64
}

// Matrix is an r×c sparse matrix stored as a list of (i, j, v) triplets.
// Repeated entries are summed.
type Matrix struct {
	r, c int
	data []triplet
}

func New(r, c int) *Matrix {
	return &Matrix{
		r: r,
		c: c,
	}
}

func (m *Matrix) Dims() (r, c int) {
	return m.r, m.c
}

// NNZ returns the number of stored entries.
func (m *Matrix) NNZ() int {
	return len(m.data)
}

// Reset removes all entries and keeps the storage for reuse.
func (m *Matrix) Reset() {
	m.data = m.data[:0]
}

func (m *Matrix) Append(i, j int, v float64) {
	if i < 0 || m.r <= i {
		panic("row index out of range")
	}
	if j < 0 || m.c <= j {
		panic("column index out of range")
	}
	m.data = append(m.data, triplet{i, j, v})
}

// MulVec computes dst = M*x.
func (m *Matrix) MulVec(dst, x []complex128) {
	r, c := m.Dims()
	if c != len(x) {
		panic("dimension mismatch")
	}
	if r != len(dst) {
		panic("dimension mismatch")
	}
	for i := range dst {
		dst[i] = 0
	}
	for _, aij := range m.data {
		dst[aij.i] += complex(aij.v, 0) * x[aij.j]
	}
}

// AddMulTransVec computes dst += M^T*x.
func (m *Matrix) AddMulTransVec(dst, x []complex128) {
	r, c := m.Dims()
	if c != len(dst) {
		panic("dimension mismatch")
	}
	if r != len(x) {
		panic("dimension mismatch")
	}
	for _, aij := range m.data {
		dst[aij.j] += complex(aij.v, 0) * x[aij.i]
	}
}
