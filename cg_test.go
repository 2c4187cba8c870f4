// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptychocg

import (
	"context"
	"io"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/cmplxs"
	"gonum.org/v1/gonum/floats/scalar"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestVariants(t *testing.T) {
	grad := []complex128{1 + 1i, 2}
	gradPrev := []complex128{1, 0}
	dirPrev := []complex128{-1, 0}
	for _, test := range []struct {
		v    Variant
		want complex128
	}{
		{DaiYuan{}, 6i},
		{FletcherReeves{}, 6},
		{PolakRibierePolyak{}, 5},
		{HestenesStiefel{}, 1 + 5i},
		{SteepestDescent{}, 0},
	} {
		got := test.v.Beta(grad, gradPrev, dirPrev)
		if cmplx.Abs(got-test.want) > 1e-14 {
			t.Errorf("%T: want β=%v, got %v", test.v, test.want, got)
		}
	}

	// Polak-Ribiere-Polyak restarts instead of taking a negative β.
	if got := (PolakRibierePolyak{}).Beta([]complex128{1}, []complex128{2}, []complex128{-2}); got != 0 {
		t.Errorf("PolakRibierePolyak: want β=0, got %v", got)
	}
}

func TestParseVariant(t *testing.T) {
	for _, test := range []struct {
		s    string
		want Variant
	}{
		{"dai-yuan", DaiYuan{}},
		{"Fletcher-Reeves", FletcherReeves{}},
		{"polak-ribiere-polyak", PolakRibierePolyak{}},
		{"hestenes-stiefel", HestenesStiefel{}},
		{"steepest-descent", SteepestDescent{}},
	} {
		v, err := ParseVariant(test.s)
		if err != nil {
			t.Errorf("Case %q: unexpected error %v", test.s, err)
			continue
		}
		if v != test.want {
			t.Errorf("Case %q: want %T, got %T", test.s, test.want, v)
		}
	}
	if _, err := ParseVariant("newton"); err == nil {
		t.Error("expected error for unknown variant")
	}
}

func TestMaxAbs(t *testing.T) {
	for _, test := range []struct {
		x    []complex128
		want float64
	}{
		{nil, 0},
		{[]complex128{0}, 0},
		{[]complex128{1, -2i, 3 + 4i, -1}, 5},
		{[]complex128{-7, 1 + 1i}, 7},
	} {
		if got := maxAbs(test.x); got != test.want {
			t.Errorf("Case %v: want %v, got %v", test.x, test.want, got)
		}
	}
}

func TestSubproblemNext(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	const n = 10
	var s subproblem
	s.init(n)

	copy(s.grad, randComplex(rnd, n))
	if s.next(DaiYuan{}, true) {
		t.Error("first direction reported as restart")
	}
	for i := range s.dir {
		if s.dir[i] != -s.grad[i] || s.gradPrev[i] != s.grad[i] {
			t.Fatalf("first direction is not steepest descent at %d", i)
		}
	}

	// An unchanged gradient makes the Dai-Yuan denominator vanish.
	if !s.next(DaiYuan{}, false) {
		t.Error("degenerate Dai-Yuan update not reported")
	}
	for i := range s.dir {
		if s.dir[i] != -s.grad[i] {
			t.Fatalf("degenerate update did not restart with steepest descent at %d", i)
		}
	}

	// A regular update follows d = β d - g.
	dir := append([]complex128(nil), s.dir...)
	copy(s.grad, randComplex(rnd, n))
	beta := DaiYuan{}.Beta(s.grad, s.gradPrev, dir)
	if s.next(DaiYuan{}, false) {
		t.Error("regular update reported as restart")
	}
	for i := range s.dir {
		want := beta*dir[i] - s.grad[i]
		if cmplx.Abs(s.dir[i]-want) > 1e-12 {
			t.Errorf("unexpected direction at %d: want %v, got %v", i, want, s.dir[i])
		}
	}
}

func TestCGObject(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, views := range []int{1, 3} {
		p, truth := pointwiseProblem(rnd, views, 6)
		res, err := Solve(context.Background(), newPointwiseKernel(), p, Settings{
			Iterations: 4,
			Model:      Gaussian,
			Logger:     quietLogger(),
		}, DeviceConfig{Logger: quietLogger()})
		if err != nil {
			t.Fatalf("Case views=%v: unexpected error %v", views, err)
		}
		if dist := cmplxs.Distance(res.Object, truth, math.Inf(1)); dist > 1e-10 {
			t.Errorf("Case views=%v: unexpected object, |want-got|=%v", views, dist)
		}
		if res.Stats.Iterations != 4 || res.Stats.Batches != 1 {
			t.Errorf("Case views=%v: unexpected stats %+v", views, res.Stats)
		}
	}
}

func TestCGMonotone(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, test := range []struct {
		model   NoiseModel
		probe   bool
		variant Variant
	}{
		{Gaussian, false, DaiYuan{}},
		{Gaussian, true, DaiYuan{}},
		{Poisson, false, FletcherReeves{}},
		{Poisson, true, DaiYuan{}},
		{Poisson, true, PolakRibierePolyak{}},
		{Gaussian, true, HestenesStiefel{}},
	} {
		p, _ := pointwiseProblem(rnd, 2, 5)
		for i := range p.Data {
			p.Data[i] = 10 * rnd.Float64()
		}
		for i := range p.Probe {
			p.Probe[i] = cmplx.Rect(0.5+rnd.Float64(), rnd.Float64())
		}
		var losses []float64
		_, err := Solve(context.Background(), newPointwiseKernel(), p, Settings{
			Iterations:   20,
			Model:        test.model,
			RecoverProbe: test.probe,
			NewMethod: func() Method {
				return &CG{Variant: test.variant, ReportEvery: 1}
			},
			Logger:   quietLogger(),
			Recorder: func(r Record) { losses = append(losses, r.Loss) },
		}, DeviceConfig{Logger: quietLogger()})
		if err != nil {
			t.Fatalf("Case %v, probe=%v, %T: unexpected error %v", test.model, test.probe, test.variant, err)
		}
		if len(losses) != 20 {
			t.Fatalf("Case %v, probe=%v, %T: want 20 records, got %d", test.model, test.probe, test.variant, len(losses))
		}
		for i := 1; i < len(losses); i++ {
			if losses[i] > losses[i-1]+1e-9*math.Abs(losses[i-1]) {
				t.Errorf("Case %v, probe=%v, %T: loss increased at iteration %d: %v > %v",
					test.model, test.probe, test.variant, i, losses[i], losses[i-1])
			}
		}
		if !(losses[len(losses)-1] < losses[0]) {
			t.Errorf("Case %v, probe=%v, %T: loss did not decrease: %v", test.model, test.probe, test.variant, losses)
		}
	}
}

func TestCGOperations(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, test := range []struct {
		probe            bool
		iterations       int
		forward, adjoint int
		records          []int
	}{
		{false, 3, 3*2 + 1, 3, []int{0}},
		{true, 3, 3*4 + 1, 6, []int{0}},
		{false, 17, 17*2 + 3, 17, []int{0, 8, 16}},
	} {
		p, _ := pointwiseProblem(rnd, 1, 4)
		var iters []int
		res, err := Solve(context.Background(), newPointwiseKernel(), p, Settings{
			Iterations:   test.iterations,
			Model:        Poisson,
			RecoverProbe: test.probe,
			Logger:       quietLogger(),
			Recorder:     func(r Record) { iters = append(iters, r.Iteration) },
		}, DeviceConfig{Logger: quietLogger()})
		if err != nil {
			t.Fatalf("Case probe=%v, iterations=%v: unexpected error %v", test.probe, test.iterations, err)
		}
		s := res.Stats
		if s.Forward != test.forward || s.Adjoint != test.adjoint || s.Iterations != test.iterations {
			t.Errorf("Case probe=%v, iterations=%v: unexpected stats %+v", test.probe, test.iterations, s)
		}
		if len(iters) != len(test.records) {
			t.Errorf("Case probe=%v, iterations=%v: want records at %v, got %v", test.probe, test.iterations, test.records, iters)
			continue
		}
		for i := range iters {
			if iters[i] != test.records[i] {
				t.Errorf("Case probe=%v, iterations=%v: want records at %v, got %v", test.probe, test.iterations, test.records, iters)
				break
			}
		}
	}
}

func TestCGReportLoss(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	p, _ := pointwiseProblem(rnd, 1, 4)
	for i := range p.Data {
		p.Data[i] = 5 * rnd.Float64()
	}
	var rec Record
	res, err := Solve(context.Background(), newPointwiseKernel(), p, Settings{
		Iterations:   1,
		Model:        Poisson,
		RecoverProbe: true,
		Logger:       quietLogger(),
		Recorder:     func(r Record) { rec = r },
	}, DeviceConfig{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	far := make([]complex128, p.Dims.FarLen())
	for i := range far {
		far[i] = res.Object[i] * res.Probe[i]
	}
	want := Poisson.Loss(far, p.Data)
	if !scalar.EqualWithinAbsOrRel(rec.Loss, want, 1e-12, 1e-12) {
		t.Errorf("reported loss %v does not match the returned fields, want %v", rec.Loss, want)
	}
	if rec.ObjectStep <= 0 {
		t.Errorf("unexpected object step %v", rec.ObjectStep)
	}
}

func TestCGInitPanics(t *testing.T) {
	for i, f := range []func(){
		func() { (&CG{}).Init(Dims{}) },
		func() { (&CG{ReportEvery: -1}).Init(Dims{Views: 1, Height: 2, Width: 2, Scans: 1, Probe: 2, DetY: 2, DetX: 2}) },
		func() { (&CG{}).Iterate(&Context{}) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Case %d: expected panic", i)
				}
			}()
			f()
		}()
	}
}
