// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"fmt"

	"github.com/grailbio/bigarray/exec"
	"github.com/grailbio/bigarray/kernel"
)

// MatMul returns the matrix product a @ b; a.Cols must equal b.Rows.
// The operands may be blocked differently: b is first re-blocked so
// that its row boundaries line up with a's column boundaries, which
// reduces to handle sharing when they already align. The result has
// a's row blocking and b's column blocking. Each result block is one
// task accumulating its partial products left to right, so results
// are deterministic for a given blocking.
func (a *Array) MatMul(b *Array) (*Array, error) {
	ar, ac := a.Shape()
	br, bc := b.Shape()
	if ac != br {
		return nil, errShapeMismatch(fmt.Sprintf("matmul of %dx%d and %dx%d", ar, ac, br, bc))
	}

	// Align b's rows to a's columns.
	heights := make([]int, a.grid.NumCols())
	for k := range heights {
		heights[k] = a.grid.Width(k)
	}
	widths := make([]int, b.grid.NumCols())
	for j := range widths {
		widths[j] = b.grid.Width(j)
	}
	bAligned := b.extract(0, 0, NewGrid(heights, widths))
	bCols := len(widths)
	defer func() {
		// The aligned handles were only inputs to the product tasks;
		// drop the references extract took on them.
		for _, h := range bAligned {
			a.sess.Release(h)
		}
	}()

	outHeights := make([]int, a.grid.NumRows())
	for i := range outHeights {
		outHeights[i] = a.grid.Height(i)
	}
	grid := NewGrid(outHeights, widths)
	nk := a.grid.NumCols()
	handles := make([]*exec.Handle, grid.NumRows()*grid.NumCols())
	for i := 0; i < grid.NumRows(); i++ {
		for j := 0; j < grid.NumCols(); j++ {
			in := make([]*exec.Handle, 0, 2*nk)
			for k := 0; k < nk; k++ {
				in = append(in, a.handle(i, k), bAligned[k*bCols+j])
			}
			handles[i*grid.NumCols()+j] = a.sess.Submit(kernel.MatMul, kernel.Args{}, i, j, in)
		}
	}
	return newArray(a.sess, grid, a.blockRows, b.blockCols, handles), nil
}
