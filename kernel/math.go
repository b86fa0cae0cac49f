// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigarray/block"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// dense wraps a block in a gonum matrix without copying. Gonum
// rejects zero-sized matrices, so callers must guard empty blocks
// before wrapping.
func dense(b *block.Block) *mat.Dense {
	r, c := b.Dims()
	return mat.NewDense(r, c, b.Data())
}

func fill(args Args) *block.Block {
	out := block.New(args.Rows, args.Cols)
	if args.Value != 0 {
		data := out.Data()
		for i := range data {
			data[i] = args.Value
		}
	}
	return out
}

func eye(args Args) *block.Block {
	out := block.New(args.Rows, args.Cols)
	// The global diagonal crosses local cell (i, i+Diag).
	for i := 0; i < args.Rows; i++ {
		if j := i + args.Diag; j >= 0 && j < args.Cols {
			out.Set(i, j, args.Value)
		}
	}
	return out
}

func random(args Args) *block.Block {
	out := block.New(args.Rows, args.Cols)
	rng := rand.New(rand.NewSource(int64(args.Seed)))
	data := out.Data()
	for i := range data {
		data[i] = rng.Float64()
	}
	return out
}

func binary(op Op, a, b *block.Block) (*block.Block, error) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return nil, errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("kernel: %v over %v and %v", op, a, b))
	}
	out := block.New(ar, ac)
	if out.NumElem() == 0 {
		return out, nil
	}
	m := dense(out)
	switch op {
	case Add:
		m.Add(dense(a), dense(b))
	case Sub:
		m.Sub(dense(a), dense(b))
	case Mul:
		m.MulElem(dense(a), dense(b))
	case Div:
		m.DivElem(dense(a), dense(b))
	}
	return out, nil
}

func unaryScalar(op Op, v float64, a *block.Block) *block.Block {
	r, c := a.Dims()
	out := block.New(r, c)
	if out.NumElem() == 0 {
		return out
	}
	switch op {
	case Scale:
		dense(out).Scale(v, dense(a))
	case Shift:
		copy(out.Data(), a.Data())
		floats.AddConst(v, out.Data())
	}
	return out
}

func transpose(a *block.Block) *block.Block {
	r, c := a.Dims()
	out := block.New(c, r)
	if out.NumElem() == 0 {
		return out
	}
	dense(out).Copy(dense(a).T())
	return out
}

// matmul computes sum_k inputs[2k] * inputs[2k+1], accumulating
// partial products left to right.
func matmul(inputs []*block.Block) (*block.Block, error) {
	lr, _ := inputs[0].Dims()
	_, rc := inputs[1].Dims()
	out := block.New(lr, rc)
	if lr == 0 || rc == 0 {
		return out, nil
	}
	m := dense(out)
	var part mat.Dense
	for k := 0; k < len(inputs); k += 2 {
		l, r := inputs[k], inputs[k+1]
		plr, plc := l.Dims()
		prr, prc := r.Dims()
		if plr != lr || prc != rc || plc != prr {
			return nil, errors.E(errors.Invalid, errors.Fatal,
				fmt.Sprintf("kernel: matmul pair %d: %v x %v does not align to %dx%d", k/2, l, r, lr, rc))
		}
		if plc == 0 {
			continue
		}
		part.Reset()
		part.Mul(dense(l), dense(r))
		m.Add(m, &part)
	}
	return out, nil
}

func extract(args Args, inputs []*block.Block) (*block.Block, error) {
	out := block.New(args.Rows, args.Cols)
	for i, b := range inputs {
		rect := args.Rects[i]
		br, bc := b.Dims()
		if rect.R0 < 0 || rect.R1 > br || rect.C0 < 0 || rect.C1 > bc ||
			rect.R1 < rect.R0 || rect.C1 < rect.C0 ||
			rect.AtRow < 0 || rect.AtRow+rect.R1-rect.R0 > args.Rows ||
			rect.AtCol < 0 || rect.AtCol+rect.C1-rect.C0 > args.Cols {
			return nil, errors.E(errors.Invalid, errors.Fatal,
				fmt.Sprintf("kernel: extract rect %+v from %v into %dx%d", rect, b, args.Rows, args.Cols))
		}
		out.Paste(b.Slice(rect.R0, rect.R1, rect.C0, rect.C1), rect.AtRow, rect.AtCol)
	}
	return out, nil
}

func fold(args Args, a *block.Block) (*block.Block, error) {
	r, c := a.Dims()
	switch args.Axis {
	case 0:
		out := block.New(minDim(r, 1), c)
		if r == 0 || c == 0 {
			return out, nil
		}
		acc := out.Data()
		copy(acc, a.Row(0))
		for i := 1; i < r; i++ {
			row := a.Row(i)
			switch args.Reduce {
			case ReduceSum:
				floats.Add(acc, row)
			case ReduceMin:
				for j, v := range row {
					acc[j] = math.Min(acc[j], v)
				}
			case ReduceMax:
				for j, v := range row {
					acc[j] = math.Max(acc[j], v)
				}
			}
		}
		return out, nil
	case 1:
		out := block.New(r, minDim(c, 1))
		if r == 0 || c == 0 {
			return out, nil
		}
		for i := 0; i < r; i++ {
			row := a.Row(i)
			var v float64
			switch args.Reduce {
			case ReduceSum:
				v = floats.Sum(row)
			case ReduceMin:
				v = floats.Min(row)
			case ReduceMax:
				v = floats.Max(row)
			}
			out.Set(i, 0, v)
		}
		return out, nil
	}
	return nil, errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("kernel: fold axis %d", args.Axis))
}

// minDim clamps a collapsed dimension: folding an empty extent keeps
// it empty rather than producing a phantom row or column.
func minDim(n, to int) int {
	if n < to {
		return n
	}
	return to
}

func combine(red Reducer, a, b *block.Block) (*block.Block, error) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return nil, errors.E(errors.Invalid, errors.Fatal, fmt.Sprintf("kernel: combine %v with %v", a, b))
	}
	out := block.New(ar, ac)
	av, bv := a.Data(), b.Data()
	ov := out.Data()
	switch red {
	case ReduceSum:
		copy(ov, av)
		floats.Add(ov, bv)
	case ReduceMin:
		for i := range av {
			ov[i] = math.Min(av[i], bv[i])
		}
	case ReduceMax:
		for i := range av {
			ov[i] = math.Max(av[i], bv[i])
		}
	}
	return out, nil
}
