// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"fmt"

	"github.com/grailbio/bigarray/exec"
	"github.com/grailbio/bigarray/kernel"
)

// Sum returns the sum of a along the provided axis: AxisRows yields
// a 1 by C row of column sums, AxisCols an R by 1 column of row
// sums, AxisBoth a 1 by 1 grand total.
func (a *Array) Sum(axis Axis) (*Array, error) {
	return a.reduce(kernel.ReduceSum, axis)
}

// Min returns the minimum of a along the provided axis.
func (a *Array) Min(axis Axis) (*Array, error) {
	return a.reduce(kernel.ReduceMin, axis)
}

// Max returns the maximum of a along the provided axis.
func (a *Array) Max(axis Axis) (*Array, error) {
	return a.reduce(kernel.ReduceMax, axis)
}

// Mean returns the arithmetic mean of a along the provided axis,
// computed as the sum scaled by the collapsed extent.
func (a *Array) Mean(axis Axis) (*Array, error) {
	sum, err := a.Sum(axis)
	if err != nil {
		return nil, err
	}
	rows, cols := a.Shape()
	var n int
	switch axis {
	case AxisRows:
		n = rows
	case AxisCols:
		n = cols
	case AxisBoth:
		n = rows * cols
	}
	mean := sum.Scale(1 / float64(n))
	sum.Discard()
	return mean, nil
}

// reduce collapses the provided axis. Stage one folds each block
// locally; stage two merges the partial folds along the collapsed
// dimension in a strict left-to-right chain, which fixes the
// accumulation order of non-associative float operations.
func (a *Array) reduce(red kernel.Reducer, axis Axis) (*Array, error) {
	switch axis {
	case AxisRows, AxisCols:
	case AxisBoth:
		// Collapse columns first, then rows of the R by 1 remnant.
		cols, err := a.reduce(red, AxisCols)
		if err != nil {
			return nil, err
		}
		both, err := cols.reduce(red, AxisRows)
		cols.Discard()
		return both, err
	default:
		return nil, errInvalidShape(fmt.Sprintf("reduce along axis %d", axis))
	}

	foldArgs := kernel.Args{Axis: int(axis), Reduce: red}
	combineArgs := kernel.Args{Reduce: red}
	sess := a.sess
	if axis == AxisCols {
		// R by 1: one combine chain per grid row.
		handles := make([]*exec.Handle, a.grid.NumRows())
		for i := 0; i < a.grid.NumRows(); i++ {
			acc := sess.Submit(kernel.Fold, foldArgs, i, 0, []*exec.Handle{a.handle(i, 0)})
			for j := 1; j < a.grid.NumCols(); j++ {
				part := sess.Submit(kernel.Fold, foldArgs, i, j, []*exec.Handle{a.handle(i, j)})
				next := sess.Submit(kernel.Combine, combineArgs, i, 0, []*exec.Handle{acc, part})
				sess.Release(acc)
				sess.Release(part)
				acc = next
			}
			handles[i] = acc
		}
		grid := NewGrid(a.grid.heights, []int{1})
		return newArray(sess, grid, a.blockRows, 1, handles), nil
	}

	// 1 by C: one combine chain per grid column, walking rows top to
	// bottom.
	handles := make([]*exec.Handle, a.grid.NumCols())
	for j := 0; j < a.grid.NumCols(); j++ {
		acc := sess.Submit(kernel.Fold, foldArgs, 0, j, []*exec.Handle{a.handle(0, j)})
		for i := 1; i < a.grid.NumRows(); i++ {
			part := sess.Submit(kernel.Fold, foldArgs, i, j, []*exec.Handle{a.handle(i, j)})
			next := sess.Submit(kernel.Combine, combineArgs, 0, j, []*exec.Handle{acc, part})
			sess.Release(acc)
			sess.Release(part)
			acc = next
		}
		handles[j] = acc
	}
	grid := NewGrid([]int{1}, a.grid.widths)
	return newArray(sess, grid, 1, a.blockCols, handles), nil
}
