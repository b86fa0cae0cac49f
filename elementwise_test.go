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

func TestElementwise(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()
	blocking := bigarray.Blocking{Rows: 7, Cols: 5}

	x := arraytest.Seq(20, 15)
	y := arraytest.Const(20, 15, 3)
	a, err := bigarray.New(sess, x, blocking)
	if err != nil {
		t.Fatal(err)
	}
	b, err := bigarray.New(sess, y, blocking)
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range []struct {
		name string
		op   func() (*bigarray.Array, error)
		f    func(x, y float64) float64
	}{
		{"add", func() (*bigarray.Array, error) { return a.Add(b) }, func(x, y float64) float64 { return x + y }},
		{"sub", func() (*bigarray.Array, error) { return a.Sub(b) }, func(x, y float64) float64 { return x - y }},
		{"mul", func() (*bigarray.Array, error) { return a.Mul(b) }, func(x, y float64) float64 { return x * y }},
		{"div", func() (*bigarray.Array, error) { return a.Div(b) }, func(x, y float64) float64 { return x / y }},
	} {
		res, err := c.op()
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		want := block.New(20, 15)
		for i := 0; i < 20; i++ {
			for j := 0; j < 15; j++ {
				want.Set(i, j, c.f(x.At(i, j), y.At(i, j)))
			}
		}
		arraytest.AssertEqual(t, res, want)
	}
}

func TestScaleShift(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()

	a, err := bigarray.New(sess, arraytest.Seq(6, 6), bigarray.Blocking{Rows: 4, Cols: 4})
	if err != nil {
		t.Fatal(err)
	}
	want := block.New(6, 6)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			want.Set(i, j, float64(i*6+j)*2+1)
		}
	}
	arraytest.AssertEqual(t, a.Scale(2).Shift(1), want)
}

func TestElementwiseShapeMismatch(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()

	a, err := bigarray.New(sess, arraytest.Seq(10, 10), bigarray.Blocking{Rows: 5, Cols: 5})
	if err != nil {
		t.Fatal(err)
	}
	b, err := bigarray.New(sess, arraytest.Seq(10, 12), bigarray.Blocking{Rows: 5, Cols: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = a.Add(b); !bigarray.IsShapeMismatch(err) {
		t.Errorf("got %v, want shape mismatch", err)
	}

	// Same shape, different blocking: also a mismatch.
	c, err := bigarray.New(sess, arraytest.Seq(10, 10), bigarray.Blocking{Rows: 4, Cols: 4})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = a.Add(c); !bigarray.IsShapeMismatch(err) {
		t.Errorf("got %v, want shape mismatch", err)
	}
}
