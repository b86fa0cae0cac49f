// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package arrayio

import (
	"context"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigarray"
	"github.com/grailbio/bigarray/block"
	"github.com/grailbio/bigarray/exec"
)

// manifest describes a checkpointed array: its shape, nominal block
// shape and the exact spans of its grid, which may be ragged after
// concatenation.
type manifest struct {
	Rows, Cols           int
	BlockRows, BlockCols int
	Heights, Widths      []int
}

func manifestPath(prefix string) string {
	return prefix + "manifest"
}

func blockPath(prefix string, i, j int) string {
	return fmt.Sprintf("%sblock-%04d-%04d.zst", prefix, i, j)
}

// Write checkpoints the array under the provided grailfile prefix:
// a gob manifest plus one zstd-compressed encoded block per grid
// cell, written in parallel. Write waits for the whole array, so a
// permanently failed block fails the checkpoint.
func Write(ctx context.Context, a *bigarray.Array, prefix string) error {
	rows, cols := a.Shape()
	br, bc := a.BlockShape()
	grid := a.Grid()
	m := manifest{
		Rows:      rows,
		Cols:      cols,
		BlockRows: br,
		BlockCols: bc,
		Heights:   make([]int, grid.NumRows()),
		Widths:    make([]int, grid.NumCols()),
	}
	for i := range m.Heights {
		m.Heights[i] = grid.Height(i)
	}
	for j := range m.Widths {
		m.Widths[j] = grid.Width(j)
	}

	gc := grid.NumCols()
	err := traverse.Each(grid.NumRows()*gc, func(x int) error {
		i, j := x/gc, x%gc
		b, err := a.CollectBlock(ctx, i, j)
		if err != nil {
			return err
		}
		return writeBlock(ctx, blockPath(prefix, i, j), b)
	})
	if err != nil {
		return err
	}

	// The manifest is written last: its presence marks a complete
	// checkpoint.
	f, err := file.Create(ctx, manifestPath(prefix))
	if err != nil {
		return err
	}
	if err = gob.NewEncoder(f.Writer(ctx)).Encode(m); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

// Read reconstitutes a checkpointed array. The returned array's
// blocks are driver-resident sources, fully resolved.
func Read(ctx context.Context, sess *exec.Session, prefix string) (*bigarray.Array, error) {
	f, err := file.Open(ctx, manifestPath(prefix))
	if err != nil {
		return nil, err
	}
	var m manifest
	err = gob.NewDecoder(f.Reader(ctx)).Decode(&m)
	f.Close(ctx)
	if err != nil {
		return nil, err
	}
	grid := bigarray.NewGrid(m.Heights, m.Widths)
	gc := grid.NumCols()
	blocks := make([]*block.Block, grid.NumRows()*gc)
	err = traverse.Each(len(blocks), func(x int) error {
		b, err := readBlock(ctx, blockPath(prefix, x/gc, x%gc))
		if err != nil {
			return err
		}
		blocks[x] = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bigarray.FromBlocks(sess, grid, m.BlockRows, m.BlockCols, blocks)
}

func writeBlock(ctx context.Context, path string, b *block.Block) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f.Writer(ctx))
	if err != nil {
		f.Discard(ctx)
		return err
	}
	if err = block.Encode(zw, b); err == nil {
		err = zw.Close()
	} else {
		_ = zw.Close()
	}
	if err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

func readBlock(ctx context.Context, path string) (*block.Block, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	zr, err := zstd.NewReader(f.Reader(ctx))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return block.Decode(zr)
}
