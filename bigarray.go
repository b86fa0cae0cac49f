// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/bigarray/block"
	"github.com/grailbio/bigarray/exec"
	"github.com/grailbio/bigarray/kernel"
	"github.com/spaolacci/murmur3"
)

// An Axis names a direction of a 2D array, NumPy style: axis 0 runs
// down the rows, axis 1 across the columns. Reducing along an axis
// collapses it.
type Axis int

const (
	// AxisRows collapses the row axis: a reduction yields one row.
	AxisRows Axis = 0
	// AxisCols collapses the column axis: a reduction yields one
	// column.
	AxisCols Axis = 1
	// AxisBoth collapses both axes, yielding a single element.
	AxisBoth Axis = 2
)

// An Array is a distributed 2D array of float64s, partitioned into a
// grid of blocks. Each block is a future: it may be pending,
// resolved or failed, and operations compose arrays without waiting.
// Arrays are immutable and cheap to copy by reference.
type Array struct {
	sess    *exec.Session
	grid    Grid
	handles []*exec.Handle

	// blockRows and blockCols are the nominal block shape; trailing
	// blocks may be smaller.
	blockRows, blockCols int
}

// newArray wraps a grid of block handles into an Array. It takes
// ownership of one reference to each handle; callers that reuse a
// handle across arrays must Retain it first.
func newArray(sess *exec.Session, grid Grid, blockRows, blockCols int, handles []*exec.Handle) *Array {
	return &Array{
		sess:      sess,
		grid:      grid,
		handles:   handles,
		blockRows: blockRows,
		blockCols: blockCols,
	}
}

// New partitions the dense matrix b according to blocking and
// registers each block with the session, returning an array whose
// blocks are immediately resolved. A zero blocking selects
// DefaultBlocking.
func New(sess *exec.Session, b *block.Block, blocking Blocking) (*Array, error) {
	r, c := b.Dims()
	blocking = blocking.orDefault(r, c)
	grid, err := Partition(r, c, blocking)
	if err != nil {
		return nil, err
	}
	handles := make([]*exec.Handle, grid.NumRows()*grid.NumCols())
	for i := 0; i < grid.NumRows(); i++ {
		for j := 0; j < grid.NumCols(); j++ {
			r0, c0 := grid.RowOffset(i), grid.ColOffset(j)
			blk := b.Slice(r0, r0+grid.Height(i), c0, c0+grid.Width(j))
			h, err := sess.Source(i, j, blk)
			if err != nil {
				return nil, err
			}
			handles[i*grid.NumCols()+j] = h
		}
	}
	return newArray(sess, grid, blocking.Rows, blocking.Cols, handles), nil
}

// FromBlocks constructs an array directly from a grid of resolved
// driver-resident blocks in row-major order. The block shapes must
// match the grid exactly. It is used to reconstitute checkpointed
// arrays.
func FromBlocks(sess *exec.Session, grid Grid, blockRows, blockCols int, blocks []*block.Block) (*Array, error) {
	if len(blocks) != grid.NumRows()*grid.NumCols() {
		return nil, errInvalidShape(fmt.Sprintf("%d blocks for a %dx%d grid", len(blocks), grid.NumRows(), grid.NumCols()))
	}
	handles := make([]*exec.Handle, len(blocks))
	for i := 0; i < grid.NumRows(); i++ {
		for j := 0; j < grid.NumCols(); j++ {
			blk := blocks[i*grid.NumCols()+j]
			br, bc := blk.Dims()
			if br != grid.Height(i) || bc != grid.Width(j) {
				return nil, errInvalidShape(fmt.Sprintf("block (%d,%d) is %dx%d, want %dx%d", i, j, br, bc, grid.Height(i), grid.Width(j)))
			}
			h, err := sess.Source(i, j, blk)
			if err != nil {
				return nil, err
			}
			handles[i*grid.NumCols()+j] = h
		}
	}
	return newArray(sess, grid, blockRows, blockCols, handles), nil
}

// Full returns an r by c array with every element set to v. Blocks
// are materialized by worker tasks, so no element storage is
// allocated on the driver. A zero blocking selects DefaultBlocking,
// as in every constructor.
func Full(sess *exec.Session, r, c int, v float64, blocking Blocking) (*Array, error) {
	return generate(sess, r, c, blocking, func(grid Grid, i, j int) (kernel.Op, kernel.Args) {
		return kernel.Fill, kernel.Args{Rows: grid.Height(i), Cols: grid.Width(j), Value: v}
	})
}

// Zeros returns an r by c array of zeros.
func Zeros(sess *exec.Session, r, c int, blocking Blocking) (*Array, error) {
	return Full(sess, r, c, 0, blocking)
}

// Ones returns an r by c array of ones.
func Ones(sess *exec.Session, r, c int, blocking Blocking) (*Array, error) {
	return Full(sess, r, c, 1, blocking)
}

// Eye returns an r by c array with scale on the main diagonal and
// zeros elsewhere.
func Eye(sess *exec.Session, r, c int, scale float64, blocking Blocking) (*Array, error) {
	return generate(sess, r, c, blocking, func(grid Grid, i, j int) (kernel.Op, kernel.Args) {
		// The global diagonal crosses local row 0 of block (i, j) at
		// local column rowOff-colOff. Out-of-range values mean the
		// diagonal misses the block, which the kernel handles.
		return kernel.Eye, kernel.Args{
			Rows:  grid.Height(i),
			Cols:  grid.Width(j),
			Value: scale,
			Diag:  grid.RowOffset(i) - grid.ColOffset(j),
		}
	})
}

// Rand returns an r by c array of uniform pseudo-random values in
// [0, 1). The result is a pure function of seed, the shape and the
// blocking: each block derives an independent stream from a seed
// mixed with its grid coordinate, so regeneration after machine loss
// is deterministic.
func Rand(sess *exec.Session, r, c int, seed uint64, blocking Blocking) (*Array, error) {
	return generate(sess, r, c, blocking, func(grid Grid, i, j int) (kernel.Op, kernel.Args) {
		return kernel.Random, kernel.Args{
			Rows: grid.Height(i),
			Cols: grid.Width(j),
			Seed: blockSeed(seed, i, j),
		}
	})
}

// blockSeed derives a per-block seed by hashing the user seed
// together with the grid coordinate. The seed is part of the hashed
// input so that all 64 bits of it matter.
func blockSeed(seed uint64, i, j int) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[:8], seed)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(i))
	binary.LittleEndian.PutUint64(buf[16:], uint64(j))
	return murmur3.Sum64(buf[:])
}

// generate builds an array from per-block source tasks. A zero
// blocking selects DefaultBlocking.
func generate(sess *exec.Session, r, c int, blocking Blocking, args func(grid Grid, i, j int) (kernel.Op, kernel.Args)) (*Array, error) {
	blocking = blocking.orDefault(r, c)
	grid, err := Partition(r, c, blocking)
	if err != nil {
		return nil, err
	}
	handles := make([]*exec.Handle, grid.NumRows()*grid.NumCols())
	for i := 0; i < grid.NumRows(); i++ {
		for j := 0; j < grid.NumCols(); j++ {
			op, a := args(grid, i, j)
			handles[i*grid.NumCols()+j] = sess.Submit(op, a, i, j, nil)
		}
	}
	return newArray(sess, grid, blocking.Rows, blocking.Cols, handles), nil
}

// Shape returns the global shape of the array.
func (a *Array) Shape() (rows, cols int) {
	return a.grid.Rows(), a.grid.Cols()
}

// BlockShape returns the nominal block shape. Trailing blocks, and
// interior blocks of concatenated arrays, may be smaller.
func (a *Array) BlockShape() (rows, cols int) {
	return a.blockRows, a.blockCols
}

// NumBlocks returns the shape of the block grid.
func (a *Array) NumBlocks() (rows, cols int) {
	return a.grid.NumRows(), a.grid.NumCols()
}

// Grid returns the array's partitioning.
func (a *Array) Grid() Grid { return a.grid }

// Session returns the session that owns the array's blocks.
func (a *Array) Session() *exec.Session { return a.sess }

// handle returns the handle of block (i, j).
func (a *Array) handle(i, j int) *exec.Handle {
	return a.handles[i*a.grid.NumCols()+j]
}

// Discard releases the array's claim on its blocks. Block storage is
// freed once no other array references a block and no submitted task
// still needs to read it. Using the array after Discard panics.
func (a *Array) Discard() {
	for _, h := range a.handles {
		a.sess.Release(h)
	}
	a.handles = nil
}
