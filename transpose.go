// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"github.com/grailbio/bigarray/exec"
	"github.com/grailbio/bigarray/kernel"
)

// T returns the transpose of a. Block (i, j) of the result is the
// local transpose of block (j, i) of a, so there are no cross-block
// dependencies and the grid is the mirrored source grid.
func (a *Array) T() *Array {
	heights := make([]int, a.grid.NumCols())
	for j := range heights {
		heights[j] = a.grid.Width(j)
	}
	widths := make([]int, a.grid.NumRows())
	for i := range widths {
		widths[i] = a.grid.Height(i)
	}
	grid := NewGrid(heights, widths)
	handles := make([]*exec.Handle, len(a.handles))
	for i := 0; i < grid.NumRows(); i++ {
		for j := 0; j < grid.NumCols(); j++ {
			in := []*exec.Handle{a.handle(j, i)}
			handles[i*grid.NumCols()+j] = a.sess.Submit(kernel.Transpose, kernel.Args{}, i, j, in)
		}
	}
	return newArray(a.sess, grid, a.blockCols, a.blockRows, handles)
}
