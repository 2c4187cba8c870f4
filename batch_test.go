// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptychocg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPartition(t *testing.T) {
	for _, test := range []struct {
		views, width int
		want         [][2]int
	}{
		{0, 3, nil},
		{1, 1, [][2]int{{0, 1}}},
		{6, 2, [][2]int{{0, 2}, {2, 4}, {4, 6}}},
		{7, 3, [][2]int{{0, 3}, {3, 6}, {6, 7}}},
		{4, 10, [][2]int{{0, 4}}},
	} {
		p := NewPartition(test.views, test.width)
		var got [][2]int
		for p.Next() {
			lo, hi := p.Range()
			got = append(got, [2]int{lo, hi})
		}
		if len(got) != len(test.want) {
			t.Errorf("Case views=%v, width=%v: want %v, got %v", test.views, test.width, test.want, got)
			continue
		}
		for i := range got {
			if got[i] != test.want[i] {
				t.Errorf("Case views=%v, width=%v: want %v, got %v", test.views, test.width, test.want, got)
				break
			}
		}
		if p.Next() {
			t.Errorf("Case views=%v, width=%v: partition restarted", test.views, test.width)
		}
	}
}

func TestPartitionCover(t *testing.T) {
	for views := 0; views < 20; views++ {
		for width := 1; width < 25; width++ {
			seen := make([]int, views)
			prev := 0
			p := NewPartition(views, width)
			for p.Next() {
				lo, hi := p.Range()
				if lo != prev || hi <= lo || hi-lo > width {
					t.Fatalf("Case views=%v, width=%v: bad batch [%d, %d)", views, width, lo, hi)
				}
				for i := lo; i < hi; i++ {
					seen[i]++
				}
				prev = hi
			}
			for i, n := range seen {
				if n != 1 {
					t.Errorf("Case views=%v, width=%v: view %d covered %d times", views, width, i, n)
				}
			}
		}
	}
}

func TestBatchWidth(t *testing.T) {
	d := Dims{Views: 10, Height: 8, Width: 8, Scans: 4, Probe: 4, DetY: 4, DetX: 4}
	one := d.Batch(1)
	perView := int64(16*(4*one.ObjectLen()+4*one.ProbeLen()+4*one.FarLen()) + 8*(one.DataLen()+one.ScanLen()))
	for _, test := range []struct {
		limit int64
		want  int
	}{
		{0, 10},
		{-5, 10},
		{1, 1},
		{perView, 1},
		{3*perView + perView/2, 3},
		{100 * perView, 10},
	} {
		if got := BatchWidth(d, test.limit); got != test.want {
			t.Errorf("Case limit=%v: want %v, got %v", test.limit, test.want, got)
		}
	}
}

func TestForEachBatch(t *testing.T) {
	for _, nw := range []int{1, 2, 3, 5} {
		workers := make([]*worker, nw)
		busy := make([]int32, nw)
		for i := range workers {
			workers[i] = &worker{device: i}
		}
		var (
			mu   sync.Mutex
			seen = make([]int, 23)
		)
		err := forEachBatch(context.Background(), 23, 4, workers, func(ctx context.Context, w *worker, lo, hi int) error {
			if !atomic.CompareAndSwapInt32(&busy[w.device], 0, 1) {
				t.Errorf("Case workers=%v: worker %d used concurrently", nw, w.device)
			}
			defer atomic.StoreInt32(&busy[w.device], 0)
			mu.Lock()
			for i := lo; i < hi; i++ {
				seen[i]++
			}
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Errorf("Case workers=%v: unexpected error %v", nw, err)
		}
		for i, n := range seen {
			if n != 1 {
				t.Errorf("Case workers=%v: view %d covered %d times", nw, i, n)
			}
		}
	}
}

func TestForEachBatchError(t *testing.T) {
	errBatch := errors.New("batch failed")
	for _, nw := range []int{1, 3} {
		workers := make([]*worker, nw)
		for i := range workers {
			workers[i] = &worker{device: i}
		}
		var calls int32
		err := forEachBatch(context.Background(), 40, 1, workers, func(ctx context.Context, w *worker, lo, hi int) error {
			atomic.AddInt32(&calls, 1)
			if lo == 0 {
				return errBatch
			}
			<-ctx.Done()
			return ctx.Err()
		})
		if !errors.Is(err, errBatch) {
			t.Errorf("Case workers=%v: want batch error, got %v", nw, err)
		}
		if n := atomic.LoadInt32(&calls); n >= 40 {
			t.Errorf("Case workers=%v: all %d batches started after a failure", nw, n)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := forEachBatch(ctx, 4, 1, []*worker{{}}, func(ctx context.Context, w *worker, lo, hi int) error {
		t.Error("batch started on a canceled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}
