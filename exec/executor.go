// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the execution engine behind distributed
// arrays: futures for blocks (Handle), block-level tasks (Task), and
// sessions that schedule tasks onto executors as their inputs
// resolve. Two executors are provided: an in-process executor with a
// locality-aware worker pool, and a bigmachine executor that runs
// tasks on a cluster of machines.
package exec

import (
	"context"

	"github.com/grailbio/bigarray/block"
)

// Executor defines an interface used to provide implementations of
// task runners. An Executor is responsible for running single tasks
// and for storing and retrieving the block payloads of resolved
// handles.
type Executor interface {
	// Start starts the executor. It is called once, before any tasks
	// are submitted. The returned function tears the executor down.
	Start(*Session) (shutdown func())

	// Runnable marks the task as runnable: all of its inputs are
	// resolved. After a call to Runnable, the task should have state
	// >= TaskWaiting. The executor owns the task after Runnable and
	// reports its outcome to the session; only the session then
	// transitions handle state.
	Runnable(*Task)

	// Put stores a driver-resident source block as the payload of the
	// provided handle.
	Put(ctx context.Context, h *Handle, b *block.Block) (size int64, err error)

	// Fetch retrieves the payload of a resolved handle, wherever it
	// resides.
	Fetch(ctx context.Context, h *Handle) (*block.Block, error)

	// Discard releases the payload of the provided handle. It is
	// called by the session when no array references the handle and
	// no submitted consumer has still to read it.
	Discard(ctx context.Context, h *Handle)
}
