// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package arraytest provides utilities for testing bigarray
// computations: deterministic matrix builders and collection
// helpers.
package arraytest

import (
	"context"
	"testing"

	"github.com/grailbio/bigarray"
	"github.com/grailbio/bigarray/block"
	"github.com/grailbio/bigarray/exec"
)

// Session returns a local session for testing. Callers defer
// Shutdown.
func Session(opts ...exec.Option) *exec.Session {
	return exec.Start(append([]exec.Option{exec.Local, exec.Parallelism(4)}, opts...)...)
}

// Seq returns an r by c block whose element (i, j) is i*c+j, so
// every element is distinct and position-identifying.
func Seq(r, c int) *block.Block {
	b := block.New(r, c)
	data := b.Data()
	for i := range data {
		data[i] = float64(i)
	}
	return b
}

// Const returns an r by c block filled with v.
func Const(r, c int, v float64) *block.Block {
	b := block.New(r, c)
	data := b.Data()
	for i := range data {
		data[i] = v
	}
	return b
}

// Identity returns the n by n identity block.
func Identity(n int) *block.Block {
	b := block.New(n, n)
	for i := 0; i < n; i++ {
		b.Set(i, i, 1)
	}
	return b
}

// Collect collects the array, failing the test on error.
func Collect(t *testing.T, a *bigarray.Array) *block.Block {
	t.Helper()
	b, err := a.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	return b
}

// AssertEqual collects the array and fails the test unless the
// result equals want exactly.
func AssertEqual(t *testing.T, a *bigarray.Array, want *block.Block) {
	t.Helper()
	got := Collect(t, a)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// AssertClose collects the array and fails the test unless the
// result matches want within a small tolerance.
func AssertClose(t *testing.T, a *bigarray.Array, want *block.Block) {
	t.Helper()
	got := Collect(t, a)
	if !got.AllClose(want, 1e-9, 1e-9) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
