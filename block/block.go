// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package block implements the dense sub-matrix unit on which
// distributed array computation operates. A Block stores a 2-d region
// of a larger array in row-major order together with its local shape
// and element type. Blocks are immutable once they are handed to the
// execution engine: operations allocate fresh blocks and never mutate
// their inputs, so resolved blocks may be read concurrently without
// synchronization.
package block

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// Dtype is the element type tag carried by a block. It is validated
// by the wire codec so that version skew or corruption is detected at
// decode time, not deep inside a kernel.
type Dtype uint8

const (
	// Invalid is the zero Dtype, carried by no valid block.
	Invalid Dtype = iota
	// Float64 is the element type of kernel computation.
	Float64
	maxDtype
)

var dtypes = [...]string{"INVALID", "float64"}

// String returns a human-readable representation of the dtype.
func (d Dtype) String() string {
	if d >= maxDtype {
		return fmt.Sprintf("DTYPE(%d)", d)
	}
	return dtypes[d]
}

// Size returns the encoded size of one element in bytes.
func (d Dtype) Size() int {
	switch d {
	case Float64:
		return 8
	default:
		return 0
	}
}

// A Block is a dense, row-major sub-matrix. The zero Block is empty
// and invalid; use New, Make, or FromRows to construct one.
type Block struct {
	dtype      Dtype
	rows, cols int
	data       []float64
}

// New returns a zero-filled block with the provided shape.
// New panics if either dimension is negative.
func New(rows, cols int) *Block {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("block.New: invalid shape %dx%d", rows, cols))
	}
	return &Block{
		dtype: Float64,
		rows:  rows,
		cols:  cols,
		data:  make([]float64, rows*cols),
	}
}

// Make returns a block wrapping the provided row-major data. The
// block takes ownership of the slice; the caller must not retain it.
// Make panics if the data length does not match the shape. It is
// intended for kernel and ingest code that has already sized its
// buffers correctly; user-provided data should go through FromRows.
func Make(rows, cols int, data []float64) *Block {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		panic(fmt.Sprintf("block.Make: %d elements for shape %dx%d", len(data), rows, cols))
	}
	return &Block{dtype: Float64, rows: rows, cols: cols, data: data}
}

// FromRows copies the provided rows into a new block. It returns an
// error if the rows are ragged or empty in one dimension only.
func FromRows(rows [][]float64) (*Block, error) {
	r := len(rows)
	if r == 0 {
		return New(0, 0), nil
	}
	c := len(rows[0])
	for i, row := range rows {
		if len(row) != c {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("block.FromRows: row %d has %d elements, row 0 has %d", i, len(row), c))
		}
	}
	b := New(r, c)
	for i, row := range rows {
		copy(b.data[i*c:(i+1)*c], row)
	}
	return b, nil
}

// Dims returns the block's local shape.
func (b *Block) Dims() (rows, cols int) { return b.rows, b.cols }

// Dtype returns the block's element type tag.
func (b *Block) Dtype() Dtype { return b.dtype }

// NumElem returns the number of elements stored in the block.
func (b *Block) NumElem() int { return b.rows * b.cols }

// At returns the element at (i, j). It panics if the indices are out
// of range; range checking against the global shape is the caller's
// responsibility.
func (b *Block) At(i, j int) float64 {
	b.check(i, j)
	return b.data[i*b.cols+j]
}

// Set stores v at (i, j). Set may only be used while a block is being
// built (ingest, kernels, tests); blocks are immutable once resolved.
func (b *Block) Set(i, j int, v float64) {
	b.check(i, j)
	b.data[i*b.cols+j] = v
}

func (b *Block) check(i, j int) {
	if i < 0 || i >= b.rows || j < 0 || j >= b.cols {
		panic(fmt.Sprintf("block: index (%d, %d) out of range %dx%d", i, j, b.rows, b.cols))
	}
}

// Data returns the block's row-major backing slice. Callers must
// treat it as read-only.
func (b *Block) Data() []float64 { return b.data }

// Row returns the i'th row of the block. The returned slice aliases
// the block's backing store and must be treated as read-only.
func (b *Block) Row(i int) []float64 {
	if i < 0 || i >= b.rows {
		panic(fmt.Sprintf("block: row %d out of range %dx%d", i, b.rows, b.cols))
	}
	return b.data[i*b.cols : (i+1)*b.cols]
}

// Slice returns a new block holding a copy of the half-open
// sub-rectangle [r0:r1, c0:c1]. It panics if the rectangle falls
// outside the block; operation-level range validation happens before
// tasks are built.
func (b *Block) Slice(r0, r1, c0, c1 int) *Block {
	if r0 < 0 || r1 < r0 || r1 > b.rows || c0 < 0 || c1 < c0 || c1 > b.cols {
		panic(fmt.Sprintf("block: slice [%d:%d, %d:%d] out of range %dx%d", r0, r1, c0, c1, b.rows, b.cols))
	}
	s := New(r1-r0, c1-c0)
	for i := r0; i < r1; i++ {
		copy(s.data[(i-r0)*s.cols:], b.data[i*b.cols+c0:i*b.cols+c1])
	}
	return s
}

// Paste copies src into the receiver with its upper-left corner at
// (atRow, atCol). It panics if src does not fit. Paste mutates the
// receiver and is therefore restricted to block assembly before the
// result is published.
func (b *Block) Paste(src *Block, atRow, atCol int) {
	if atRow < 0 || atCol < 0 || atRow+src.rows > b.rows || atCol+src.cols > b.cols {
		panic(fmt.Sprintf("block: paste %dx%d at (%d, %d) into %dx%d", src.rows, src.cols, atRow, atCol, b.rows, b.cols))
	}
	for i := 0; i < src.rows; i++ {
		copy(b.data[(atRow+i)*b.cols+atCol:], src.data[i*src.cols:(i+1)*src.cols])
	}
}

// Equal reports whether c has the same shape and bit-identical
// elements as b.
func (b *Block) Equal(c *Block) bool {
	if b.rows != c.rows || b.cols != c.cols {
		return false
	}
	for i, v := range b.data {
		if v != c.data[i] {
			return false
		}
	}
	return true
}

// AllClose reports whether c has the same shape as b and every
// element satisfies |b-c| <= atol + rtol*|c|.
func (b *Block) AllClose(c *Block, atol, rtol float64) bool {
	if b.rows != c.rows || b.cols != c.cols {
		return false
	}
	for i, v := range b.data {
		w := c.data[i]
		if math.IsNaN(v) || math.IsNaN(w) {
			return false
		}
		if math.Abs(v-w) > atol+rtol*math.Abs(w) {
			return false
		}
	}
	return true
}

// String returns a compact description of the block for logs and
// debug output.
func (b *Block) String() string {
	return fmt.Sprintf("block<%dx%d %s>", b.rows, b.cols, b.dtype)
}
