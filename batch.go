// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptychocg

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Partition splits views into contiguous batches of at most width views.
// It is used like a scanner:
//  p := NewPartition(views, width)
//  for p.Next() {
//  	lo, hi := p.Range()
//  	...
//  }
// Batches are yielded in increasing order, do not overlap and cover
// [0, views) exactly once. The last batch is shorter if width does not
// divide views. A Partition cannot be restarted.
type Partition struct {
	views, width int
	lo, hi       int
}

// NewPartition returns a partition of views into batches of width views.
func NewPartition(views, width int) *Partition {
	if views < 0 {
		panic("ptychocg: negative number of views")
	}
	if width <= 0 {
		panic("ptychocg: batch width not positive")
	}
	return &Partition{views: views, width: width}
}

// Next advances to the next batch and reports whether there is one.
func (p *Partition) Next() bool {
	p.lo = p.hi
	if p.lo >= p.views {
		return false
	}
	p.hi = min(p.lo+p.width, p.views)
	return true
}

// Range returns the views [lo, hi) of the current batch.
func (p *Partition) Range() (lo, hi int) {
	return p.lo, p.hi
}

// BatchWidth returns the largest number of views whose working set fits in
// limit bytes of device memory, and at least one. If limit is not positive,
// BatchWidth returns d.Views.
func BatchWidth(d Dims, limit int64) int {
	if d.Views <= 0 {
		panic("ptychocg: number of views not positive")
	}
	if limit <= 0 {
		return d.Views
	}
	one := d.Batch(1)
	const (
		complexSize = 16
		floatSize   = 8
	)
	// Field, gradient, previous gradient and direction of both
	// subproblems, four far-field buffers, data and scan positions.
	perView := complexSize*(4*int64(one.ObjectLen())+4*int64(one.ProbeLen())+4*int64(one.FarLen())) +
		floatSize*(int64(one.DataLen())+int64(one.ScanLen()))
	w := limit / perView
	switch {
	case w < 1:
		return 1
	case w > int64(d.Views):
		return d.Views
	}
	return int(w)
}

// batch is the device-resident working set of a range of views.
type batch struct {
	lo, hi int
	d      Dims

	object, probe []complex128
	scan, data    []float64
}

// stage copies the views [lo, hi) of the host arrays into the working set.
// The object and probe are taken from res, which holds the current estimates.
func (b *batch) stage(p *Problem, res *Result, lo, hi int) {
	b.lo, b.hi = lo, hi
	b.d = p.Dims.Batch(hi - lo)
	one := p.Dims.Batch(1)

	b.object = reuse(b.object, b.d.ObjectLen())
	copy(b.object, res.Object[lo*one.ObjectLen():hi*one.ObjectLen()])
	b.probe = reuse(b.probe, b.d.ProbeLen())
	copy(b.probe, res.Probe[lo*one.ProbeLen():hi*one.ProbeLen()])
	b.scan = reuseFloat(b.scan, b.d.ScanLen())
	copy(b.scan, p.Scan[lo*one.ScanLen():hi*one.ScanLen()])
	b.data = reuseFloat(b.data, b.d.DataLen())
	copy(b.data, p.Data[lo*one.DataLen():hi*one.DataLen()])
}

// unstage copies the refined object and probe back to res.
func (b *batch) unstage(res *Result) {
	one := b.d.Batch(1)
	copy(res.Object[b.lo*one.ObjectLen():b.hi*one.ObjectLen()], b.object)
	copy(res.Probe[b.lo*one.ProbeLen():b.hi*one.ProbeLen()], b.probe)
}

// forEachBatch calls body for every batch of width views out of views. With a
// single worker batches run in order on the caller's goroutine. With several
// workers each batch runs on a free worker, so a worker is never used by two
// batches at once. Canceling ctx stops starting new batches.
func forEachBatch(ctx context.Context, views, width int, workers []*worker, body func(ctx context.Context, w *worker, lo, hi int) error) error {
	p := NewPartition(views, width)
	if len(workers) == 1 {
		for p.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			lo, hi := p.Range()
			if err := body(ctx, workers[0], lo, hi); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(workers))
	free := make(chan *worker, len(workers))
	for _, w := range workers {
		free <- w
	}
	for p.Next() {
		lo, hi := p.Range()
		var w *worker
		select {
		case w = <-free:
		case <-gctx.Done():
		}
		if w == nil {
			break
		}
		g.Go(func() error {
			defer func() { free <- w }()
			return body(gctx, w, lo, hi)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
