// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray_test

import (
	"testing"

	"github.com/grailbio/bigarray"
	"github.com/grailbio/bigarray/arraytest"
)

func TestSlice(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()

	src := arraytest.Seq(100, 100)
	a, err := bigarray.New(sess, src, bigarray.Blocking{Rows: 30, Cols: 30})
	if err != nil {
		t.Fatal(err)
	}

	// Rows 10:60 span block boundaries on both ends.
	s, err := a.Rows(10, 60)
	if err != nil {
		t.Fatal(err)
	}
	if r, c := s.Shape(); r != 50 || c != 100 {
		t.Fatalf("got %dx%d, want 50x100", r, c)
	}
	arraytest.AssertEqual(t, s, src.Slice(10, 60, 0, 100))

	// An interior rectangle misaligned with the grid.
	s, err = a.Slice(7, 64, 13, 88)
	if err != nil {
		t.Fatal(err)
	}
	arraytest.AssertEqual(t, s, src.Slice(7, 64, 13, 88))

	// A block-aligned slice shares blocks by reference: no new tasks.
	submitted := sess.Stats().Int("submit").Get()
	s, err = a.Slice(30, 60, 30, 60)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := sess.Stats().Int("submit").Get(), submitted; got != want {
		t.Errorf("aligned slice submitted %d tasks", got-want)
	}
	arraytest.AssertEqual(t, s, src.Slice(30, 60, 30, 60))

	// Column sugar.
	s, err = a.Cols(95, 100)
	if err != nil {
		t.Fatal(err)
	}
	arraytest.AssertEqual(t, s, src.Slice(0, 100, 95, 100))
}

func TestSliceOutOfRange(t *testing.T) {
	sess := arraytest.Session()
	defer sess.Shutdown()

	a, err := bigarray.New(sess, arraytest.Seq(10, 10), bigarray.Blocking{Rows: 5, Cols: 5})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []struct{ r0, r1, c0, c1 int }{
		{-1, 5, 0, 5},
		{0, 11, 0, 5},
		{5, 4, 0, 5},
		{0, 5, 3, 11},
	} {
		if _, err := a.Slice(c.r0, c.r1, c.c0, c.c1); !bigarray.IsOutOfRange(err) {
			t.Errorf("slice %v: got %v, want out of range", c, err)
		}
	}
}
