// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import "fmt"

// DefaultTargetBlockElems is the per-block element count targeted by
// DefaultBlocking. At 8 bytes per element it keeps default blocks
// around 8MB, large enough to amortize task overhead and small enough
// to ship between machines comfortably.
const DefaultTargetBlockElems = 1 << 20

// A Blocking requests a nominal block shape for partitioning. The
// trailing grid row and column are clipped when the requested shape
// does not divide the array evenly.
type Blocking struct {
	// Rows and Cols give the nominal block shape.
	Rows, Cols int
	// AllowEmpty permits zero-extent arrays, which otherwise fail
	// with an invalid shape error.
	AllowEmpty bool
}

// DefaultBlocking returns a blocking for an r by c array with
// square-ish blocks holding around DefaultTargetBlockElems elements.
// Small arrays get a single block.
func DefaultBlocking(r, c int) Blocking {
	b := Blocking{Rows: r, Cols: c}
	for b.Rows*b.Cols > DefaultTargetBlockElems {
		if b.Rows >= b.Cols {
			b.Rows = (b.Rows + 1) / 2
		} else {
			b.Cols = (b.Cols + 1) / 2
		}
	}
	return b
}

// orDefault substitutes the default blocking for an r by c array
// when b is the zero value, so constructors accept an unspecified
// blocking.
func (b Blocking) orDefault(r, c int) Blocking {
	if b.Rows == 0 && b.Cols == 0 {
		d := DefaultBlocking(r, c)
		d.AllowEmpty = b.AllowEmpty
		return d
	}
	return b
}

// A Grid describes the partitioning of an array into a rectangular
// grid of blocks. All blocks in a grid row share a height and all
// blocks in a grid column share a width, so a grid is fully described
// by its per-row heights and per-column widths. Grids are immutable
// once computed.
type Grid struct {
	heights []int
	widths  []int
	rowOff  []int
	colOff  []int
}

// Partition computes the grid that covers an r by c array with
// blocks of the provided blocking. It fails with an invalid shape
// error when the blocking is not positive or when the array is empty
// without AllowEmpty.
func Partition(r, c int, b Blocking) (Grid, error) {
	if r < 0 || c < 0 {
		return Grid{}, errInvalidShape(fmt.Sprintf("negative array shape %dx%d", r, c))
	}
	if b.Rows <= 0 || b.Cols <= 0 {
		return Grid{}, errInvalidShape(fmt.Sprintf("block shape %dx%d is not positive", b.Rows, b.Cols))
	}
	if (r == 0 || c == 0) && !b.AllowEmpty {
		return Grid{}, errInvalidShape(fmt.Sprintf("empty array shape %dx%d", r, c))
	}
	return Grid{
		heights: chop(r, b.Rows),
		widths:  chop(c, b.Cols),
		rowOff:  offsets(chop(r, b.Rows)),
		colOff:  offsets(chop(c, b.Cols)),
	}, nil
}

// NewGrid constructs a grid directly from per-row heights and
// per-column widths. Most callers use Partition; NewGrid serves
// grids whose spans are already known, such as checkpoint manifests.
func NewGrid(heights, widths []int) Grid {
	return Grid{
		heights: heights,
		widths:  widths,
		rowOff:  offsets(heights),
		colOff:  offsets(widths),
	}
}
// chop splits extent n into ceil(n/size) spans of at most size.
func chop(n, size int) []int {
	if n == 0 {
		return nil
	}
	spans := make([]int, 0, (n+size-1)/size)
	for n > size {
		spans = append(spans, size)
		n -= size
	}
	return append(spans, n)
}

// offsets returns the exclusive prefix sums of spans, with a final
// entry holding the total extent.
func offsets(spans []int) []int {
	off := make([]int, len(spans)+1)
	for i, s := range spans {
		off[i+1] = off[i] + s
	}
	return off
}

// NumRows returns the number of grid rows.
func (g Grid) NumRows() int { return len(g.heights) }

// NumCols returns the number of grid columns.
func (g Grid) NumCols() int { return len(g.widths) }

// Height returns the height of grid row i.
func (g Grid) Height(i int) int { return g.heights[i] }

// Width returns the width of grid column j.
func (g Grid) Width(j int) int { return g.widths[j] }

// RowOffset returns the global row index at which grid row i starts.
// RowOffset(NumRows()) is the total row extent.
func (g Grid) RowOffset(i int) int { return g.rowOff[i] }

// ColOffset returns the global column index at which grid column j
// starts. ColOffset(NumCols()) is the total column extent.
func (g Grid) ColOffset(j int) int { return g.colOff[j] }

// Rows returns the total row extent covered by the grid.
func (g Grid) Rows() int { return g.rowOff[len(g.rowOff)-1] }

// Cols returns the total column extent covered by the grid.
func (g Grid) Cols() int { return g.colOff[len(g.colOff)-1] }

// RowAt returns the grid row containing global row index r.
func (g Grid) RowAt(r int) int { return findSpan(g.rowOff, r) }

// ColAt returns the grid column containing global column index c.
func (g Grid) ColAt(c int) int { return findSpan(g.colOff, c) }

// Equal tells whether two grids partition identically.
func (g Grid) Equal(h Grid) bool {
	return equalInts(g.heights, h.heights) && equalInts(g.widths, h.widths)
}

// findSpan returns the index i such that off[i] <= x < off[i+1].
func findSpan(off []int, x int) int {
	lo, hi := 0, len(off)-1
	for lo < hi-1 {
		mid := (lo + hi) / 2
		if off[mid] <= x {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
