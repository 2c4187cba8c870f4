// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptychocg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// DeviceConfig holds the process-wide device settings of a Session.
type DeviceConfig struct {
	// Devices lists the devices to run on. One operator is
	// allocated per device and batches are distributed over
	// them. If it is empty, device 0 is used.
	Devices []int

	// BatchWidth is the number of views processed together
	// on a device. If it is zero, it is derived from
	// MemoryLimit.
	BatchWidth int

	// MemoryLimit bounds the working set of a batch in bytes
	// when BatchWidth is zero. If it is zero, all views form
	// a single batch.
	MemoryLimit int64

	// Logger receives lifecycle events. If it is nil, the
	// standard logrus logger is used.
	Logger logrus.FieldLogger
}

// Session owns the projection operators of a solve. Operators are acquired by
// Open and released by Close; a Session must be closed on every exit path:
//  s, err := ptychocg.Open(kernel, dims, cfg)
//  if err != nil {
//  	return err
//  }
//  defer s.Close()
// To stop a running solve on an interrupt, cancel the context passed to Solve;
// Close then waits for Solve to return and releases the operators.
type Session struct {
	dims    Dims
	width   int
	devices []int
	log     logrus.FieldLogger

	// run serializes solves, which must not share operators.
	run sync.Mutex

	mu     sync.Mutex
	ops    []Operator
	closed bool
}

// Open allocates one operator per configured device from k for batches of
// problems with dimensions d.
func Open(k Kernel, d Dims, cfg DeviceConfig) (*Session, error) {
	if k == nil {
		panic("ptychocg: nil kernel")
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	if cfg.BatchWidth < 0 {
		return nil, fmt.Errorf("ptychocg: negative batch width %d", cfg.BatchWidth)
	}

	s := &Session{
		dims:    d,
		width:   cfg.BatchWidth,
		devices: cfg.Devices,
		log:     cfg.Logger,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if len(s.devices) == 0 {
		s.devices = []int{0}
	}
	if s.width == 0 {
		s.width = BatchWidth(d, cfg.MemoryLimit)
	}
	if s.width > d.Views {
		s.width = d.Views
	}
	if d.Views%s.width != 0 {
		s.log.WithFields(logrus.Fields{
			"views": d.Views,
			"width": s.width,
		}).Info("batch width does not divide the views, the last batch is shorter")
	}

	for _, dev := range s.devices {
		op, err := k.NewOperator(dev, d.Batch(s.width))
		if err != nil {
			s.release()
			return nil, fmt.Errorf("ptychocg: allocating operator on device %d: %w", dev, err)
		}
		s.ops = append(s.ops, op)
		s.log.WithFields(logrus.Fields{
			"device": dev,
			"width":  s.width,
		}).Debug("acquired projection operator")
	}
	return s, nil
}

// Dims returns the problem dimensions of the session.
func (s *Session) Dims() Dims { return s.dims }

// Width returns the number of views in a full batch.
func (s *Session) Width() int { return s.width }

// Close releases the operators of the session. It waits for a running Solve
// to return. Close is safe to call more than once and from several
// goroutines; calls after the first return nil.
func (s *Session) Close() error {
	s.run.Lock()
	defer s.run.Unlock()
	return s.release()
}

func (s *Session) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for i, op := range s.ops {
		c, ok := op.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ptychocg: releasing operator on device %d: %w", s.devices[i], err))
			continue
		}
		s.log.WithField("device", s.devices[i]).Debug("released projection operator")
	}
	s.ops = nil
	return errors.Join(errs...)
}

// operators returns the operators of an open session.
func (s *Session) operators() ([]Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.ops, nil
}

// Solve opens a session on k, solves p and closes the session. The operators
// are released on every return path, including cancellation of ctx.
func Solve(ctx context.Context, k Kernel, p Problem, settings Settings, cfg DeviceConfig) (res Result, err error) {
	s, err := Open(k, p.Dims, cfg)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return s.Solve(ctx, p, settings)
}
