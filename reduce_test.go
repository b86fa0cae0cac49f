// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray_test

import (
	"math"
	"testing"

	"github.com/grailbio/bigarray"
	"github.com/grailbio/bigarray/arraytest"
	"github.com/grailbio/bigarray/block"
)

// TestSumOnes reduces a 100x100 array of ones in 25x25 blocks along
// the column axis: every row sums to 100.
func TestSumOnes(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()

	ones, err := bigarray.Ones(sess, 100, 100, bigarray.Blocking{Rows: 25, Cols: 25})
	if err != nil {
		t.Fatal(err)
	}
	sum, err := ones.Sum(bigarray.AxisCols)
	if err != nil {
		t.Fatal(err)
	}
	if r, c := sum.Shape(); r != 100 || c != 1 {
		t.Fatalf("got %dx%d, want 100x1", r, c)
	}
	arraytest.AssertEqual(t, sum, arraytest.Const(100, 1, 100))
}

func TestReduceAxes(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()

	src := arraytest.Seq(9, 7)
	a, err := bigarray.New(sess, src, bigarray.Blocking{Rows: 4, Cols: 3})
	if err != nil {
		t.Fatal(err)
	}

	colSums := block.New(1, 7)
	rowMins := block.New(9, 1)
	rowMaxs := block.New(9, 1)
	for i := 0; i < 9; i++ {
		mn, mx := math.Inf(1), math.Inf(-1)
		for j := 0; j < 7; j++ {
			v := src.At(i, j)
			colSums.Set(0, j, colSums.At(0, j)+v)
			mn, mx = math.Min(mn, v), math.Max(mx, v)
		}
		rowMins.Set(i, 0, mn)
		rowMaxs.Set(i, 0, mx)
	}

	sum, err := a.Sum(bigarray.AxisRows)
	if err != nil {
		t.Fatal(err)
	}
	arraytest.AssertClose(t, sum, colSums)

	mins, err := a.Min(bigarray.AxisCols)
	if err != nil {
		t.Fatal(err)
	}
	arraytest.AssertEqual(t, mins, rowMins)

	maxs, err := a.Max(bigarray.AxisCols)
	if err != nil {
		t.Fatal(err)
	}
	arraytest.AssertEqual(t, maxs, rowMaxs)
}

func TestReduceBoth(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()

	src := arraytest.Seq(10, 10)
	a, err := bigarray.New(sess, src, bigarray.Blocking{Rows: 3, Cols: 4})
	if err != nil {
		t.Fatal(err)
	}
	total, err := a.Sum(bigarray.AxisBoth)
	if err != nil {
		t.Fatal(err)
	}
	if r, c := total.Shape(); r != 1 || c != 1 {
		t.Fatalf("got %dx%d, want 1x1", r, c)
	}
	// sum 0..99 = 4950.
	arraytest.AssertClose(t, total, arraytest.Const(1, 1, 4950))

	mx, err := a.Max(bigarray.AxisBoth)
	if err != nil {
		t.Fatal(err)
	}
	arraytest.AssertEqual(t, mx, arraytest.Const(1, 1, 99))
}

func TestMean(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()

	a, err := bigarray.New(sess, arraytest.Seq(10, 10), bigarray.Blocking{Rows: 4, Cols: 4})
	if err != nil {
		t.Fatal(err)
	}
	mean, err := a.Mean(bigarray.AxisBoth)
	if err != nil {
		t.Fatal(err)
	}
	arraytest.AssertClose(t, mean, arraytest.Const(1, 1, 49.5))

	// Row means of seq rows: mean of row i is i*10+4.5.
	rows, err := a.Mean(bigarray.AxisCols)
	if err != nil {
		t.Fatal(err)
	}
	want := block.New(10, 1)
	for i := 0; i < 10; i++ {
		want.Set(i, 0, float64(i)*10+4.5)
	}
	arraytest.AssertClose(t, rows, want)
}
