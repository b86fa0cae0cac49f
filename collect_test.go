// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray_test

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/bigarray"
	"github.com/grailbio/bigarray/arraytest"
)

// TestCollectIdempotent collects the same array twice: the second
// collect returns identical data and resubmits nothing.
func TestCollectIdempotent(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()
	ctx := context.Background()

	a, err := bigarray.Rand(sess, 50, 50, 1, bigarray.Blocking{Rows: 20, Cols: 20})
	if err != nil {
		t.Fatal(err)
	}
	b, err := a.Add(a)
	if err != nil {
		t.Fatal(err)
	}
	first, err := b.Collect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	submitted := sess.Stats().Int("submit").Get()
	done := sess.Stats().Int("done").Get()

	second, err := b.Collect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Equal(second) {
		t.Error("collects disagree")
	}
	if got, want := sess.Stats().Int("submit").Get(), submitted; got != want {
		t.Errorf("second collect submitted %d tasks", got-want)
	}
	if got, want := sess.Stats().Int("done").Get(), done; got != want {
		t.Errorf("second collect ran %d tasks", got-want)
	}
}

func TestAt(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()
	ctx := context.Background()

	src := arraytest.Seq(40, 30)
	a, err := bigarray.New(sess, src, bigarray.Blocking{Rows: 7, Cols: 11})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []struct{ i, j int }{{0, 0}, {39, 29}, {7, 11}, {20, 15}} {
		got, err := a.At(ctx, c.i, c.j)
		if err != nil {
			t.Fatal(err)
		}
		if want := src.At(c.i, c.j); got != want {
			t.Errorf("at (%d,%d): got %v, want %v", c.i, c.j, got, want)
		}
	}
	if _, err = a.At(ctx, 40, 0); !bigarray.IsOutOfRange(err) {
		t.Errorf("got %v, want out of range", err)
	}
}

func TestCollectBlock(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()
	ctx := context.Background()

	src := arraytest.Seq(10, 10)
	a, err := bigarray.New(sess, src, bigarray.Blocking{Rows: 4, Cols: 4})
	if err != nil {
		t.Fatal(err)
	}
	b, err := a.CollectBlock(ctx, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Equal(src.Slice(8, 10, 4, 8)) {
		t.Errorf("got %v", b)
	}
	if _, err = a.CollectBlock(ctx, 3, 0); !bigarray.IsOutOfRange(err) {
		t.Errorf("got %v, want out of range", err)
	}
}

// TestCollectDeadline runs a computation too large to finish within
// the deadline: the timed-out collect fails while the work keeps
// running, and a later collect succeeds.
func TestCollectDeadline(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()

	a, err := bigarray.Rand(sess, 600, 600, 2, bigarray.Blocking{Rows: 60, Cols: 60})
	if err != nil {
		t.Fatal(err)
	}
	b, err := a.MatMul(a)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	if _, err = b.Collect(ctx); !bigarray.IsTimeout(err) {
		t.Fatalf("got %v, want timeout", err)
	}
	got, err := b.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r, c := got.Dims(); r != 600 || c != 600 {
		t.Fatalf("got %dx%d, want 600x600", r, c)
	}
}

// TestCollectFetchDeadline expires the deadline after the blocks
// have resolved, so the failure surfaces from the fetch rather than
// the wait. It must classify as a timeout all the same.
func TestCollectFetchDeadline(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()

	a, err := bigarray.New(sess, arraytest.Seq(4, 4), bigarray.Blocking{Rows: 4, Cols: 4})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = a.Collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err = a.Collect(ctx); !bigarray.IsTimeout(err) {
		t.Fatalf("got %v, want timeout", err)
	}
}
