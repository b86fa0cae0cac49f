// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"fmt"

	"github.com/grailbio/bigarray/exec"
	"github.com/grailbio/bigarray/kernel"
)

// Elementwise applies the binary elementwise op to a and b, which
// must have identical shapes and identical blockings. One task is
// created per block, depending only on the two corresponding input
// blocks.
//
// Requiring equal blockings, not just equal shapes, keeps the graph
// one-to-one: with ragged grids a single output block could straddle
// several input blocks on each side.
func (a *Array) Elementwise(b *Array, op kernel.Op) (*Array, error) {
	switch op {
	case kernel.Add, kernel.Sub, kernel.Mul, kernel.Div:
	default:
		return nil, errInvalidShape(fmt.Sprintf("op %v is not a binary elementwise operation", op))
	}
	ar, ac := a.Shape()
	br, bc := b.Shape()
	if ar != br || ac != bc {
		return nil, errShapeMismatch(fmt.Sprintf("elementwise %v of %dx%d and %dx%d", op, ar, ac, br, bc))
	}
	if !a.grid.Equal(b.grid) {
		return nil, errShapeMismatch(fmt.Sprintf("elementwise %v over differing blockings", op))
	}
	grid := a.grid
	handles := make([]*exec.Handle, len(a.handles))
	for i := 0; i < grid.NumRows(); i++ {
		for j := 0; j < grid.NumCols(); j++ {
			in := []*exec.Handle{a.handle(i, j), b.handle(i, j)}
			handles[i*grid.NumCols()+j] = a.sess.Submit(op, kernel.Args{}, i, j, in)
		}
	}
	return newArray(a.sess, grid, a.blockRows, a.blockCols, handles), nil
}

// Add returns the elementwise sum a + b.
func (a *Array) Add(b *Array) (*Array, error) { return a.Elementwise(b, kernel.Add) }

// Sub returns the elementwise difference a - b.
func (a *Array) Sub(b *Array) (*Array, error) { return a.Elementwise(b, kernel.Sub) }

// Mul returns the elementwise (Hadamard) product a * b.
func (a *Array) Mul(b *Array) (*Array, error) { return a.Elementwise(b, kernel.Mul) }

// Div returns the elementwise quotient a / b. Division by zero
// follows float64 semantics.
func (a *Array) Div(b *Array) (*Array, error) { return a.Elementwise(b, kernel.Div) }

// Scale returns a with every element multiplied by c.
func (a *Array) Scale(c float64) *Array {
	return a.scalar(kernel.Scale, c)
}

// Shift returns a with c added to every element.
func (a *Array) Shift(c float64) *Array {
	return a.scalar(kernel.Shift, c)
}

func (a *Array) scalar(op kernel.Op, c float64) *Array {
	grid := a.grid
	handles := make([]*exec.Handle, len(a.handles))
	for i := 0; i < grid.NumRows(); i++ {
		for j := 0; j < grid.NumCols(); j++ {
			in := []*exec.Handle{a.handle(i, j)}
			handles[i*grid.NumCols()+j] = a.sess.Submit(op, kernel.Args{Value: c}, i, j, in)
		}
	}
	return newArray(a.sess, grid, a.blockRows, a.blockCols, handles)
}
