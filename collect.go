// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigarray/block"
	"github.com/grailbio/bigarray/exec"
)

// collectRetryPolicy paces re-reads of blocks whose storage was
// lost between resolution and fetch; collectBlock bounds the number
// of attempts at collectMaxRetries.
var collectRetryPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 2)

const collectMaxRetries = 5

// Collect waits for every block of a to resolve and assembles the
// result into one dense matrix on the driver. Blocks are fetched in
// parallel. When a block fails permanently, Collect returns that
// block's error (the first in row-major order) and logs the rest; an
// expired ctx deadline returns a timeout error while the underlying
// tasks keep running, so a later Collect can succeed. Collect never
// resubmits resolved work: collecting twice returns identical
// results without re-running any task.
func (a *Array) Collect(ctx context.Context) (*block.Block, error) {
	rows, cols := a.Shape()
	out := block.New(rows, cols)
	gc := a.grid.NumCols()
	err := traverse.Each(len(a.handles), func(x int) error {
		i, j := x/gc, x%gc
		blk, err := a.collectBlock(ctx, i, j)
		if err != nil {
			return err
		}
		out.Paste(blk, a.grid.RowOffset(i), a.grid.ColOffset(j))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CollectBlock waits for block (i, j) alone and returns it.
func (a *Array) CollectBlock(ctx context.Context, i, j int) (*block.Block, error) {
	gr, gc := a.NumBlocks()
	if i < 0 || i >= gr || j < 0 || j >= gc {
		return nil, errOutOfRange(fmt.Sprintf("block (%d,%d) of a %dx%d grid", i, j, gr, gc))
	}
	return a.collectBlock(ctx, i, j)
}

// At waits for the single block covering element (i, j) and returns
// that element. Only the covering block is fetched.
func (a *Array) At(ctx context.Context, i, j int) (float64, error) {
	rows, cols := a.Shape()
	if i < 0 || i >= rows || j < 0 || j >= cols {
		return 0, errOutOfRange(fmt.Sprintf("element (%d,%d) of %dx%d array", i, j, rows, cols))
	}
	gi, gj := a.grid.RowAt(i), a.grid.ColAt(j)
	blk, err := a.collectBlock(ctx, gi, gj)
	if err != nil {
		return 0, err
	}
	return blk.At(i-a.grid.RowOffset(gi), j-a.grid.ColOffset(gj)), nil
}

// collectBlock waits for one handle and fetches its payload. A fetch
// can fail transiently when the machine holding the block died after
// resolution; the handle then returns to pending while the engine
// recomputes it, so collectBlock re-waits and retries a bounded
// number of times.
func (a *Array) collectBlock(ctx context.Context, i, j int) (*block.Block, error) {
	h := a.handle(i, j)
	for try := 0; ; try++ {
		state, err := h.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.E(errors.Timeout, fmt.Sprintf("collect block (%d,%d)", i, j), err)
			}
			return nil, err
		}
		if state == exec.HandleFailed {
			err = h.Err()
			log.Error.Printf("collect: block (%d,%d) failed: %v", i, j, err)
			return nil, err
		}
		blk, err := a.sess.Fetch(ctx, h)
		if err == nil {
			return blk, nil
		}
		if ctx.Err() != nil {
			return nil, errors.E(errors.Timeout, fmt.Sprintf("collect block (%d,%d)", i, j), err)
		}
		if errors.Match(fatal, err) {
			return nil, err
		}
		log.Error.Printf("collect: fetch block (%d,%d) %s: %v", i, j, h, err)
		if try >= collectMaxRetries {
			return nil, err
		}
		if err = retry.Wait(ctx, collectRetryPolicy, try); err != nil {
			return nil, err
		}
	}
}
