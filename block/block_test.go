// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package block

import (
	"testing"

	"github.com/grailbio/base/errors"
)

func TestNew(t *testing.T) {
	b := New(3, 4)
	rows, cols := b.Dims()
	if got, want := rows, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := cols, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := b.NumElem(), 12; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := b.Dtype(), Float64; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if got, want := b.At(i, j), 0.0; got != want {
				t.Fatalf("at (%d, %d): got %v, want %v", i, j, got, want)
			}
		}
	}
}

func TestFromRows(t *testing.T) {
	b, err := FromRows([][]float64{{1, 2, 3}, {4, 5, 6}})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := b.At(1, 2), 6.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := b.At(0, 0), 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, err = FromRows([][]float64{{1, 2}, {3}})
	if err == nil {
		t.Fatal("expected error for ragged rows")
	}
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSlice(t *testing.T) {
	b, err := FromRows([][]float64{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{9, 10, 11, 12},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := b.Slice(1, 3, 1, 3)
	want, err := FromRows([][]float64{{6, 7}, {10, 11}})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Equal(want) {
		t.Errorf("got %v, want %v", s.Data(), want.Data())
	}
	// Empty slices are permitted.
	s = b.Slice(2, 2, 0, 4)
	if got, want := s.NumElem(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPaste(t *testing.T) {
	b := New(3, 3)
	src, err := FromRows([][]float64{{1, 2}, {3, 4}})
	if err != nil {
		t.Fatal(err)
	}
	b.Paste(src, 1, 1)
	want, err := FromRows([][]float64{
		{0, 0, 0},
		{0, 1, 2},
		{0, 3, 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !b.Equal(want) {
		t.Errorf("got %v, want %v", b.Data(), want.Data())
	}
}

func TestPasteSliceRoundTrip(t *testing.T) {
	b, err := FromRows([][]float64{
		{1, 2, 3, 4, 5},
		{6, 7, 8, 9, 10},
		{11, 12, 13, 14, 15},
		{16, 17, 18, 19, 20},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Disassemble into 2x2 tiles (clipped at the edges) and
	// reassemble into a fresh block.
	got := New(4, 5)
	for r0 := 0; r0 < 4; r0 += 2 {
		for c0 := 0; c0 < 5; c0 += 2 {
			r1, c1 := r0+2, c0+2
			if r1 > 4 {
				r1 = 4
			}
			if c1 > 5 {
				c1 = 5
			}
			got.Paste(b.Slice(r0, r1, c0, c1), r0, c0)
		}
	}
	if !got.Equal(b) {
		t.Errorf("got %v, want %v", got.Data(), b.Data())
	}
}

func TestAllClose(t *testing.T) {
	a, err := FromRows([][]float64{{1, 2}, {3, 4}})
	if err != nil {
		t.Fatal(err)
	}
	c, err := FromRows([][]float64{{1 + 1e-9, 2}, {3, 4 - 1e-9}})
	if err != nil {
		t.Fatal(err)
	}
	if !a.AllClose(c, 1e-8, 0) {
		t.Error("blocks should be close")
	}
	if a.AllClose(c, 1e-12, 0) {
		t.Error("blocks should not be close at 1e-12")
	}
	if a.Equal(c) {
		t.Error("blocks should not be equal")
	}
	if !a.Equal(a) {
		t.Error("block should equal itself")
	}
}

func TestCheckPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	b := New(2, 2)
	b.At(2, 0)
}
