// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray_test

import (
	"testing"

	"github.com/grailbio/bigarray"
	"github.com/grailbio/bigarray/arraytest"
	"github.com/grailbio/bigarray/block"
)

func TestConcatCols(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()
	blocking := bigarray.Blocking{Rows: 25, Cols: 20}

	x := arraytest.Seq(50, 40)
	y := arraytest.Const(50, 40, 7)
	a, err := bigarray.New(sess, x, blocking)
	if err != nil {
		t.Fatal(err)
	}
	b, err := bigarray.New(sess, y, blocking)
	if err != nil {
		t.Fatal(err)
	}

	// Concatenation moves no data: no tasks are submitted.
	submitted := sess.Stats().Int("submit").Get()
	c, err := a.Concat(b, bigarray.AxisCols)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := sess.Stats().Int("submit").Get(), submitted; got != want {
		t.Errorf("concat submitted %d tasks", got-want)
	}
	if r, cc := c.Shape(); r != 50 || cc != 80 {
		t.Fatalf("got %dx%d, want 50x80", r, cc)
	}
	want := block.New(50, 80)
	want.Paste(x, 0, 0)
	want.Paste(y, 0, 40)
	arraytest.AssertEqual(t, c, want)
}

func TestConcatRows(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()
	blocking := bigarray.Blocking{Rows: 4, Cols: 6}

	x := arraytest.Seq(10, 12)
	y := arraytest.Seq(6, 12)
	a, err := bigarray.New(sess, x, blocking)
	if err != nil {
		t.Fatal(err)
	}
	b, err := bigarray.New(sess, y, blocking)
	if err != nil {
		t.Fatal(err)
	}
	c, err := a.Concat(b, bigarray.AxisRows)
	if err != nil {
		t.Fatal(err)
	}
	want := block.New(16, 12)
	want.Paste(x, 0, 0)
	want.Paste(y, 10, 0)
	arraytest.AssertEqual(t, c, want)

	// The joint leaves a ragged interior grid row (10 % 4 != 0);
	// operations over the concatenated array still work.
	d, err := c.Add(c)
	if err != nil {
		t.Fatal(err)
	}
	want2 := block.New(16, 12)
	for i := 0; i < 16; i++ {
		for j := 0; j < 12; j++ {
			want2.Set(i, j, 2*want.At(i, j))
		}
	}
	arraytest.AssertEqual(t, d, want2)
}

func TestConcatMismatch(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()

	a, err := bigarray.New(sess, arraytest.Seq(10, 10), bigarray.Blocking{Rows: 5, Cols: 5})
	if err != nil {
		t.Fatal(err)
	}
	// Differing extent along the non-concat axis.
	b, err := bigarray.New(sess, arraytest.Seq(12, 10), bigarray.Blocking{Rows: 5, Cols: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = a.Concat(b, bigarray.AxisCols); !bigarray.IsShapeMismatch(err) {
		t.Errorf("got %v, want shape mismatch", err)
	}
	// Same shape, differing blocking along the shared axis.
	c, err := bigarray.New(sess, arraytest.Seq(10, 10), bigarray.Blocking{Rows: 4, Cols: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = a.Concat(c, bigarray.AxisCols); !bigarray.IsShapeMismatch(err) {
		t.Errorf("got %v, want shape mismatch", err)
	}
}
