// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kernel implements the local numeric kernels behind
// distributed array tasks. Operations form a closed enum: the
// execution engine dispatches on an Op tag and a gob-encodable Args
// struct, never on reflection or user code, so a task can be shipped
// to a remote worker as plain data. The per-block math itself is
// delegated to gonum.
package kernel

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigarray/block"
)

// Op identifies a block-level operation. The set is closed; each op
// maps to exactly one kernel function.
type Op uint8

const (
	// Invalid is the zero Op, performed by no valid task.
	Invalid Op = iota
	// Fill materializes a block with a constant value.
	Fill
	// Eye materializes a block of a scaled identity matrix.
	Eye
	// Random materializes a block of uniform pseudo-random values
	// from a per-block seed.
	Random
	// Add, Sub, Mul and Div are elementwise binary operations over
	// two blocks of identical shape.
	Add
	Sub
	Mul
	Div
	// Scale multiplies a block by a scalar; Shift adds a scalar.
	Scale
	Shift
	// Transpose transposes a single block locally.
	Transpose
	// MatMul accumulates partial matrix products over an even-length
	// input list of aligned (left, right) block pairs.
	MatMul
	// Extract gathers rectangles from its inputs into a fresh block.
	Extract
	// Fold collapses one axis of a single block.
	Fold
	// Combine merges two partial fold results of identical shape.
	Combine
	maxOp
)

var opStrings = [...]string{
	"INVALID", "fill", "eye", "rand",
	"add", "sub", "mul", "div",
	"scale", "shift",
	"transpose", "matmul", "extract", "fold", "combine",
}

// String returns the operation identifier used in task names and
// error messages.
func (o Op) String() string {
	if o >= maxOp {
		return fmt.Sprintf("OP(%d)", o)
	}
	return opStrings[o]
}

// Reducer identifies the combining function of Fold and Combine.
type Reducer uint8

const (
	ReduceSum Reducer = iota
	ReduceMin
	ReduceMax
)

var reducerStrings = [...]string{"sum", "min", "max"}

func (r Reducer) String() string {
	if int(r) >= len(reducerStrings) {
		return fmt.Sprintf("REDUCER(%d)", r)
	}
	return reducerStrings[r]
}

// A Rect names a half-open source rectangle within one Extract input
// and the position at which it lands in the output block.
type Rect struct {
	R0, R1, C0, C1 int
	AtRow, AtCol   int
}

// Args carries the parameters of a single task. Only the fields used
// by the task's op are meaningful. Args travels by gob to remote
// workers alongside the op tag.
type Args struct {
	// Rows and Cols give the output shape. Source ops, Extract and
	// Fold require it; other ops derive it from their inputs.
	Rows, Cols int
	// Value is the Fill value, Scale factor or Shift offset.
	Value float64
	// Seed seeds Random generation; it must be distinct per block
	// for independent streams and stable per block for determinism.
	Seed uint64
	// Diag is the local column crossed by the global diagonal in the
	// first row of an Eye block. It may be negative or out of range,
	// in which case the diagonal misses part or all of the block.
	Diag int
	// Axis is the collapsed axis of Fold: 0 folds rows away, 1 folds
	// columns away.
	Axis int
	// Reduce selects the combining function of Fold and Combine.
	Reduce Reducer
	// Rects holds one source rectangle per Extract input.
	Rects []Rect
}

// Compute applies op to the inputs and returns a freshly allocated
// output block. Inputs are never mutated. Compute validates arity and
// shape so that a malformed task fails cleanly rather than corrupting
// worker state; such failures indicate builder bugs and are not
// retryable.
func Compute(op Op, args Args, inputs []*block.Block) (*block.Block, error) {
	if err := checkArity(op, args, len(inputs)); err != nil {
		return nil, err
	}
	switch op {
	case Fill:
		return fill(args), nil
	case Eye:
		return eye(args), nil
	case Random:
		return random(args), nil
	case Add, Sub, Mul, Div:
		return binary(op, inputs[0], inputs[1])
	case Scale, Shift:
		return unaryScalar(op, args.Value, inputs[0]), nil
	case Transpose:
		return transpose(inputs[0]), nil
	case MatMul:
		return matmul(inputs)
	case Extract:
		return extract(args, inputs)
	case Fold:
		return fold(args, inputs[0])
	case Combine:
		return combine(args.Reduce, inputs[0], inputs[1])
	}
	return nil, errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("kernel: unknown op %v", op))
}

func checkArity(op Op, args Args, n int) error {
	ok := true
	switch op {
	case Fill, Eye, Random:
		ok = n == 0 && args.Rows >= 0 && args.Cols >= 0
	case Add, Sub, Mul, Div, Combine:
		ok = n == 2
	case Scale, Shift, Transpose, Fold:
		ok = n == 1
	case MatMul:
		ok = n >= 2 && n%2 == 0
	case Extract:
		ok = n >= 1 && len(args.Rects) == n
	default:
		ok = false
	}
	if !ok {
		return errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("kernel: op %v with %d inputs", op, n))
	}
	return nil
}
