// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptychocg

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"
)

// NoiseModel selects the loss functional minimized by a solve.
type NoiseModel int

const (
	// Gaussian is the amplitude least-squares model
	//  L(f) = Σ (|f| - √d)².
	Gaussian NoiseModel = iota
	// Poisson is the negative log-likelihood of photon counts
	//  L(f) = Σ |f|² - 2 d log(|f| + ε).
	Poisson
)

// eps guards the logarithm and the division of the Poisson model.
const eps = 1e-32

func (m NoiseModel) String() string {
	switch m {
	case Gaussian:
		return "gaussian"
	case Poisson:
		return "poisson"
	}
	return fmt.Sprintf("NoiseModel(%d)", int(m))
}

// ParseNoiseModel returns the noise model named s.
func ParseNoiseModel(s string) (NoiseModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gaussian":
		return Gaussian, nil
	case "poisson":
		return Poisson, nil
	}
	return 0, fmt.Errorf("ptychocg: unknown noise model %q", s)
}

// Loss returns the value of the loss functional for the simulated far field
// far against the measured intensities data.
func (m NoiseModel) Loss(far []complex128, data []float64) float64 {
	if len(far) != len(data) {
		panic("ptychocg: mismatched far field and data")
	}
	var f float64
	switch m {
	case Gaussian:
		for i, v := range far {
			r := cmplx.Abs(v) - math.Sqrt(data[i])
			f += r * r
		}
	case Poisson:
		for i, v := range far {
			a := cmplx.Abs(v)
			f += a*a - 2*data[i]*math.Log(a+eps)
		}
	default:
		panic("ptychocg: invalid noise model")
	}
	return f
}

// Residual stores into dst the detector-plane residual of far against data.
// Applying an adjoint projection to the residual yields the gradient of the
// loss up to a constant factor.
func (m NoiseModel) Residual(dst, far []complex128, data []float64) {
	if len(far) != len(data) || len(dst) != len(far) {
		panic("ptychocg: mismatched far field and data")
	}
	switch m {
	case Gaussian:
		// r = f - √d exp(i arg f)
		for i, v := range far {
			dst[i] = v - cmplx.Rect(math.Sqrt(data[i]), cmplx.Phase(v))
		}
	case Poisson:
		// r = f - d f / (|f|² + ε)
		for i, v := range far {
			a := cmplx.Abs(v)
			dst[i] = v - complex(data[i]/(a*a+eps), 0)*v
		}
	default:
		panic("ptychocg: invalid noise model")
	}
}
