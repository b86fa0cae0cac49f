// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"fmt"

	"github.com/grailbio/bigarray/exec"
	"github.com/grailbio/bigarray/kernel"
)

// Slice returns the half-open rectangle [r0:r1, c0:c1] of a as a new
// array. The result keeps a's nominal block shape. Each result block
// is produced by one gather task over the source blocks it
// straddles; result blocks that coincide exactly with a source block
// share it by reference instead.
func (a *Array) Slice(r0, r1, c0, c1 int) (*Array, error) {
	rows, cols := a.Shape()
	if r0 < 0 || r1 > rows || r0 > r1 || c0 < 0 || c1 > cols || c0 > c1 {
		return nil, errOutOfRange(fmt.Sprintf("slice [%d:%d, %d:%d] of %dx%d array", r0, r1, c0, c1, rows, cols))
	}
	grid, err := Partition(r1-r0, c1-c0, Blocking{Rows: a.blockRows, Cols: a.blockCols, AllowEmpty: true})
	if err != nil {
		return nil, err
	}
	handles := a.extract(r0, c0, grid)
	return newArray(a.sess, grid, a.blockRows, a.blockCols, handles), nil
}

// Rows returns the row slice [r0:r1, :].
func (a *Array) Rows(r0, r1 int) (*Array, error) {
	_, cols := a.Shape()
	return a.Slice(r0, r1, 0, cols)
}

// Cols returns the column slice [:, c0:c1].
func (a *Array) Cols(c0, c1 int) (*Array, error) {
	rows, _ := a.Shape()
	return a.Slice(0, rows, c0, c1)
}

// extract produces the handles of grid, whose cells cover the
// rectangle of a starting at (r0, c0), in row-major order. A cell
// that lines up exactly with one source block reuses its handle; all
// other cells become gather tasks with one source rectangle per
// straddled block.
func (a *Array) extract(r0, c0 int, grid Grid) []*exec.Handle {
	handles := make([]*exec.Handle, grid.NumRows()*grid.NumCols())
	for i := 0; i < grid.NumRows(); i++ {
		gr0 := r0 + grid.RowOffset(i)
		gr1 := gr0 + grid.Height(i)
		for j := 0; j < grid.NumCols(); j++ {
			gc0 := c0 + grid.ColOffset(j)
			gc1 := gc0 + grid.Width(j)
			si0, si1 := a.grid.RowAt(gr0), a.grid.RowAt(gr1-1)
			sj0, sj1 := a.grid.ColAt(gc0), a.grid.ColAt(gc1-1)
			if gr0 == a.grid.RowOffset(si0) && gr1 == a.grid.RowOffset(si0)+a.grid.Height(si0) &&
				gc0 == a.grid.ColOffset(sj0) && gc1 == a.grid.ColOffset(sj0)+a.grid.Width(sj0) {
				h := a.handle(si0, sj0)
				h.Retain()
				handles[i*grid.NumCols()+j] = h
				continue
			}
			var (
				in    []*exec.Handle
				rects []kernel.Rect
			)
			for si := si0; si <= si1; si++ {
				for sj := sj0; sj <= sj1; sj++ {
					sr0, sc0 := a.grid.RowOffset(si), a.grid.ColOffset(sj)
					in = append(in, a.handle(si, sj))
					rects = append(rects, kernel.Rect{
						R0:    max(gr0, sr0) - sr0,
						R1:    min(gr1, sr0+a.grid.Height(si)) - sr0,
						C0:    max(gc0, sc0) - sc0,
						C1:    min(gc1, sc0+a.grid.Width(sj)) - sc0,
						AtRow: max(gr0, sr0) - gr0,
						AtCol: max(gc0, sc0) - gc0,
					})
				}
			}
			args := kernel.Args{Rows: grid.Height(i), Cols: grid.Width(j), Rects: rects}
			handles[i*grid.NumCols()+j] = a.sess.Submit(kernel.Extract, args, i, j, in)
		}
	}
	return handles
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
