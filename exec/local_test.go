// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"

	"github.com/grailbio/bigarray/block"
	"github.com/grailbio/bigarray/kernel"
	"github.com/grailbio/testutil"
)

func waitResolved(t *testing.T, h *Handle) {
	t.Helper()
	state, err := h.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != HandleResolved {
		t.Fatalf("handle %s: %v", h, h.Err())
	}
}

func TestLocalExecutor(t *testing.T) {
	sess := Start(Local, Parallelism(2))
	defer sess.Shutdown()
	ctx := context.Background()

	a, err := sess.Source(0, 0, block.Make(2, 2, []float64{1, 2, 3, 4}))
	if err != nil {
		t.Fatal(err)
	}
	b := sess.Submit(kernel.Fill, kernel.Args{Rows: 2, Cols: 2, Value: 1}, 0, 0, nil)
	c := sess.Submit(kernel.Add, kernel.Args{}, 0, 0, []*Handle{a, b})
	d := sess.Submit(kernel.Scale, kernel.Args{Value: 2}, 0, 0, []*Handle{c})

	waitResolved(t, d)
	got, err := sess.Fetch(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	want := block.Make(2, 2, []float64{4, 6, 8, 10})
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLocalExecutorParallel(t *testing.T) {
	sess := Start(Local, Parallelism(4))
	defer sess.Shutdown()
	ctx := context.Background()

	// A wide independent layer followed by a combine chain.
	const n = 32
	handles := make([]*Handle, n)
	for i := range handles {
		handles[i] = sess.Submit(kernel.Fill, kernel.Args{Rows: 1, Cols: 1, Value: 1}, 0, i, nil)
	}
	acc := handles[0]
	for i := 1; i < n; i++ {
		acc = sess.Submit(kernel.Combine, kernel.Args{Reduce: kernel.ReduceSum}, 0, 0, []*Handle{acc, handles[i]})
	}
	waitResolved(t, acc)
	got, err := sess.Fetch(ctx, acc)
	if err != nil {
		t.Fatal(err)
	}
	if got.At(0, 0) != n {
		t.Fatalf("got %v, want %v", got.At(0, 0), n)
	}
}

func TestLocalExecutorKernelError(t *testing.T) {
	sess := Start(Local, Parallelism(2))
	defer sess.Shutdown()

	// Combine over mismatched shapes is a malformed task: it fails
	// fatally and is not retried.
	a := sess.Submit(kernel.Fill, kernel.Args{Rows: 1, Cols: 2, Value: 1}, 0, 0, nil)
	b := sess.Submit(kernel.Fill, kernel.Args{Rows: 2, Cols: 1, Value: 1}, 0, 1, nil)
	c := sess.Submit(kernel.Combine, kernel.Args{Reduce: kernel.ReduceSum}, 0, 0, []*Handle{a, b})

	state, err := c.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state != HandleFailed {
		t.Fatalf("got %v, want %v", state, HandleFailed)
	}
	if got, want := sess.Stats().Int("retry").Get(), int64(0); got != want {
		t.Fatalf("got %v retries, want %v", got, want)
	}
}

func TestLocalExecutorFileStore(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	sess := Start(Local, Parallelism(2), StorePrefix(dir+"/"))
	defer sess.Shutdown()

	h := sess.Submit(kernel.Fill, kernel.Args{Rows: 3, Cols: 3, Value: 7}, 0, 0, nil)
	waitResolved(t, h)
	got, err := sess.Fetch(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}
	if r, c := got.Dims(); r != 3 || c != 3 || got.At(2, 2) != 7 {
		t.Fatalf("got %v", got)
	}
}
