// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptychocg

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"math/cmplx"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Problem holds the inputs of a ptychography solve. The arrays are stored
// row-major with the shapes described by Dims:
//  Data   [Views][Scans][DetY][DetX]  measured intensities
//  Object [Views][Height][Width]      initial object
//  Probe  [Views][Probe][Probe]       initial probe
//  Scan   [Views][Scans][2]           (y, x) positions of the probe
// Solve does not modify them.
type Problem struct {
	Dims   Dims
	Data   []float64
	Object []complex128
	Probe  []complex128
	Scan   []float64
}

// Settings holds settings for a solve.
type Settings struct {
	// Iterations is the number of outer iterations per batch.
	// If it is zero, the initial object and probe are returned.
	Iterations int

	// Model is the noise model of the loss functional.
	Model NoiseModel

	// RecoverProbe indicates whether the probe is refined
	// together with the object.
	RecoverProbe bool

	// NewMethod returns the method run on a batch. It is called
	// once per device. If it is nil, CG with default settings
	// is used.
	NewMethod func() Method

	// Logger receives diagnostics. If it is nil, the session
	// logger is used.
	Logger logrus.FieldLogger

	// Recorder, if not nil, is called with every diagnostic
	// record. Calls are serialized.
	Recorder func(Record)
}

// Validate checks that the arrays of p match p.Dims and hold valid values.
func (p *Problem) Validate() error {
	if err := p.Dims.validate(); err != nil {
		return err
	}
	for _, a := range []struct {
		name      string
		want, got int
	}{
		{"data", p.Dims.DataLen(), len(p.Data)},
		{"object", p.Dims.ObjectLen(), len(p.Object)},
		{"probe", p.Dims.ProbeLen(), len(p.Probe)},
		{"scan", p.Dims.ScanLen(), len(p.Scan)},
	} {
		if a.want != a.got {
			return &ShapeError{Name: a.name, Want: a.want, Got: a.got}
		}
	}

	for i, v := range p.Data {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("ptychocg: intensity %v at index %d: %w", v, i, ErrData)
		}
	}
	maxY := float64(p.Dims.Height - p.Dims.Probe)
	maxX := float64(p.Dims.Width - p.Dims.Probe)
	for i := 0; i < len(p.Scan); i += 2 {
		y, x := p.Scan[i], p.Scan[i+1]
		if !(0 <= y && y <= maxY && 0 <= x && x <= maxX) {
			return fmt.Errorf("ptychocg: scan position %d (%v, %v) outside [0, %v]×[0, %v]: %w",
				i/2, y, x, maxY, maxX, ErrData)
		}
	}
	for _, v := range p.Object {
		if cmplx.IsNaN(v) || cmplx.IsInf(v) {
			return fmt.Errorf("ptychocg: non-finite initial object: %w", ErrData)
		}
	}
	for _, v := range p.Probe {
		if cmplx.IsNaN(v) || cmplx.IsInf(v) {
			return fmt.Errorf("ptychocg: non-finite initial probe: %w", ErrData)
		}
	}
	return nil
}

// worker runs batches on one device.
type worker struct {
	device int
	op     Operator
	method Method
	b      batch
	stats  Stats
}

// Solve refines the object and probe of p. The views of p are processed in
// batches of Width views; each batch runs settings.Iterations outer iterations
// of the method.
//
// Solve validates p before any projection and returns ErrShape or ErrData if
// it is malformed. If ctx is canceled, Solve returns the context error and no
// result.
func (s *Session) Solve(ctx context.Context, p Problem, settings Settings) (Result, error) {
	stats := Stats{StartTime: time.Now()}

	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if p.Dims.Batch(s.dims.Views) != s.dims {
		return Result{}, fmt.Errorf("ptychocg: problem dimensions %+v do not match session %+v: %w", p.Dims, s.dims, ErrShape)
	}
	if settings.Iterations < 0 {
		return Result{}, fmt.Errorf("ptychocg: negative number of iterations %d", settings.Iterations)
	}
	if settings.Model != Gaussian && settings.Model != Poisson {
		return Result{}, fmt.Errorf("ptychocg: invalid noise model %v", settings.Model)
	}
	log := settings.Logger
	if log == nil {
		log = s.log
	}
	newMethod := settings.NewMethod
	if newMethod == nil {
		newMethod = func() Method { return &CG{} }
	}

	s.run.Lock()
	defer s.run.Unlock()
	ops, err := s.operators()
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Object: append([]complex128(nil), p.Object...),
		Probe:  append([]complex128(nil), p.Probe...),
	}
	if settings.Iterations == 0 {
		stats.Runtime = time.Since(stats.StartTime)
		res.Stats = stats
		return res, nil
	}

	workers := make([]*worker, len(ops))
	for i, op := range ops {
		workers[i] = &worker{
			device: s.devices[i],
			op:     op,
			method: newMethod(),
		}
	}

	var mu sync.Mutex
	emit := func(r Record) {
		log.WithFields(logrus.Fields{
			"view":        r.View,
			"iteration":   r.Iteration,
			"object_step": r.ObjectStep,
			"probe_step":  r.ProbeStep,
			"loss":        r.Loss,
		}).Info("conjugate gradient")
		if settings.Recorder != nil {
			mu.Lock()
			settings.Recorder(r)
			mu.Unlock()
		}
	}

	err = forEachBatch(ctx, p.Dims.Views, s.width, workers, func(ctx context.Context, w *worker, lo, hi int) error {
		w.b.stage(&p, &res, lo, hi)
		log.WithFields(logrus.Fields{
			"device": w.device,
			"views":  fmt.Sprintf("[%d, %d)", lo, hi),
		}).Debug("staged batch")
		if err := iterate(ctx, w, &settings, emit, log); err != nil {
			return err
		}
		w.b.unstage(&res)
		w.stats.Batches++
		return nil
	})
	for _, w := range workers {
		stats.add(w.stats)
	}
	stats.Runtime = time.Since(stats.StartTime)
	if err != nil {
		return Result{Stats: stats}, err
	}
	res.Stats = stats
	return res, nil
}

// iterate runs the method of w on the batch staged in w until the number of
// outer iterations in settings is reached.
func iterate(ctx context.Context, w *worker, settings *Settings, emit func(Record), log logrus.FieldLogger) error {
	b := &w.b
	c := &Context{
		Object:       b.object,
		Probe:        b.probe,
		Data:         b.data,
		Model:        settings.Model,
		RecoverProbe: settings.RecoverProbe,
	}
	w.method.Init(b.d)

	var iter int
	for {
		op, err := w.method.Iterate(c)
		if err != nil {
			return err
		}

		switch op {
		case NoOperation:

		case Forward:
			w.op.Forward(c.Dst, c.SrcObject, b.scan, c.SrcProbe)
			w.stats.Forward++

		case AdjointObject, AdjointProbe:
			if op == AdjointObject {
				w.op.AdjointObject(c.Dst, c.Far, b.scan, c.Probe)
			} else {
				w.op.AdjointProbe(c.Dst, c.Far, b.scan, c.Object)
			}
			w.stats.Adjoint++

		case Report:
			emit(Record{
				View:       b.lo,
				Iteration:  iter,
				ObjectStep: c.ObjectStep,
				ProbeStep:  c.ProbeStep,
				Loss:       settings.Model.Loss(c.Far, c.Data),
			})

		case EndIteration:
			w.stats.Iterations++
			if c.Exhausted != 0 {
				w.stats.LineSearchFailures += bits.OnesCount8(uint8(c.Exhausted))
				log.WithFields(logrus.Fields{
					"view":       b.lo,
					"iteration":  iter,
					"subproblem": c.Exhausted,
				}).Warn("line search failed for conjugate gradient")
			}
			if c.Restarted != 0 {
				w.stats.Restarts += bits.OnesCount8(uint8(c.Restarted))
				log.WithFields(logrus.Fields{
					"view":       b.lo,
					"iteration":  iter,
					"subproblem": c.Restarted,
				}).Warn("conjugate direction degenerated, restarting from steepest descent")
			}
			iter++
			if iter == settings.Iterations {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

		default:
			panic("ptychocg: invalid operation")
		}
	}
}
