// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"fmt"

	"github.com/grailbio/bigarray/exec"
)

// Concat returns a and b joined along the provided axis: AxisRows
// stacks b below a, AxisCols places b to the right of a. The
// operands must agree in extent and in blocking along the other
// axis. No data moves: the result's grid is the juxtaposition of the
// operand grids, sharing their blocks by reference. The joint may
// leave a smaller-than-nominal interior grid row or column where a
// ends.
func (a *Array) Concat(b *Array, axis Axis) (*Array, error) {
	ar, ac := a.Shape()
	br, bc := b.Shape()
	var grid Grid
	switch axis {
	case AxisRows:
		if ac != bc || !equalInts(a.grid.widths, b.grid.widths) {
			return nil, errShapeMismatch(fmt.Sprintf("concat rows of %dx%d and %dx%d with differing column blockings", ar, ac, br, bc))
		}
		heights := append(append([]int{}, a.grid.heights...), b.grid.heights...)
		grid = NewGrid(heights, a.grid.widths)
	case AxisCols:
		if ar != br || !equalInts(a.grid.heights, b.grid.heights) {
			return nil, errShapeMismatch(fmt.Sprintf("concat cols of %dx%d and %dx%d with differing row blockings", ar, ac, br, bc))
		}
		widths := append(append([]int{}, a.grid.widths...), b.grid.widths...)
		grid = NewGrid(a.grid.heights, widths)
	default:
		return nil, errInvalidShape(fmt.Sprintf("concat along axis %d", axis))
	}
	handles := make([]*exec.Handle, grid.NumRows()*grid.NumCols())
	for i := 0; i < grid.NumRows(); i++ {
		for j := 0; j < grid.NumCols(); j++ {
			var h *exec.Handle
			switch {
			case axis == AxisRows && i >= a.grid.NumRows():
				h = b.handle(i-a.grid.NumRows(), j)
			case axis == AxisCols && j >= a.grid.NumCols():
				h = b.handle(i, j-a.grid.NumCols())
			default:
				h = a.handle(i, j)
			}
			h.Retain()
			handles[i*grid.NumCols()+j] = h
		}
	}
	return newArray(a.sess, grid, a.blockRows, a.blockCols, handles), nil
}
