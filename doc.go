// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bigarray implements distributed, blocked 2D arrays of
// float64s. A bigarray is partitioned into a grid of dense blocks;
// operations on arrays build a graph of per-block tasks that are
// evaluated asynchronously by an execution engine, either in-process
// or on a cluster of bigmachine machines. Until collected, an array
// is a grid of futures: building arrays is cheap and non-blocking,
// and independent block tasks run in parallel.
//
// A computation starts from a session, which owns the executor and
// all block storage:
//
//	sess := exec.Start(exec.Local, exec.Parallelism(8))
//	defer sess.Shutdown()
//
//	a, err := bigarray.Rand(sess, 10000, 10000, 42, bigarray.Blocking{Rows: 1000, Cols: 1000})
//	...
//	c, err := a.MatMul(a.T())
//	...
//	sums, err := c.Sum(bigarray.AxisCols)
//	...
//	result, err := sums.Collect(ctx)
//
// Operations return new arrays immediately; only Collect, At and the
// arrayio writers wait for block tasks to finish. Failed tasks are
// retried a bounded number of times, and failures propagate to every
// array block that transitively depends on them, leaving independent
// blocks unaffected.
//
// Arrays are immutable. Discard releases an array's claim on its
// blocks so the engine can free their storage once no other array or
// running task needs them.
package bigarray
