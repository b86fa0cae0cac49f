// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package arrayio ingests and exports bigarrays: CSV files of
// float64s and compressed blockwise checkpoints. Paths are grailfile
// paths, so any registered scheme (local, s3) works.
package arrayio

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigarray"
	"github.com/grailbio/bigarray/block"
	"github.com/grailbio/bigarray/exec"
)

// ReadCSV reads a comma-separated file of float64s into an array
// with the provided blocking; a zero blocking selects the default
// for the file's shape. Every line must have the same number of
// fields. Lines are read sequentially but parsed in parallel, one
// batch per block row.
func ReadCSV(ctx context.Context, sess *exec.Session, path string, blocking bigarray.Blocking) (*bigarray.Array, error) {
	if blocking != (bigarray.Blocking{}) && (blocking.Rows <= 0 || blocking.Cols <= 0) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("readcsv %s: block shape %dx%d is not positive", path, blocking.Rows, blocking.Cols))
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	var lines []string
	scan := bufio.NewScanner(f.Reader(ctx))
	scan.Buffer(nil, 1<<24)
	for scan.Scan() {
		if line := strings.TrimSpace(scan.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err = scan.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("readcsv %s: empty file", path))
	}
	cols := 1 + strings.Count(lines[0], ",")
	if blocking == (bigarray.Blocking{}) {
		blocking = bigarray.DefaultBlocking(len(lines), cols)
	}
	b := block.New(len(lines), cols)
	nbatch := (len(lines) + blocking.Rows - 1) / blocking.Rows
	err = traverse.Each(nbatch, func(batch int) error {
		i0 := batch * blocking.Rows
		i1 := i0 + blocking.Rows
		if i1 > len(lines) {
			i1 = len(lines)
		}
		for i := i0; i < i1; i++ {
			fields := strings.Split(lines[i], ",")
			if len(fields) != cols {
				return errors.E(errors.Invalid, fmt.Sprintf("readcsv %s: line %d has %d fields, want %d", path, i+1, len(fields), cols))
			}
			row := b.Row(i)
			for j, field := range fields {
				v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
				if err != nil {
					return errors.E(errors.Invalid, fmt.Sprintf("readcsv %s: line %d field %d", path, i+1, j+1), err)
				}
				row[j] = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bigarray.New(sess, b, blocking)
}

// WriteCSV collects the array and writes it as a comma-separated
// file of float64s, one array row per line.
func WriteCSV(ctx context.Context, a *bigarray.Array, path string) (err error) {
	b, err := a.Collect(ctx)
	if err != nil {
		return err
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f.Writer(ctx))
	rows, cols := b.Dims()
	buf := make([]byte, 0, 32)
	for i := 0; i < rows; i++ {
		row := b.Row(i)
		for j := 0; j < cols; j++ {
			if j > 0 {
				if err = w.WriteByte(','); err != nil {
					return err
				}
			}
			buf = strconv.AppendFloat(buf[:0], row[j], 'g', -1, 64)
			if _, err = w.Write(buf); err != nil {
				return err
			}
		}
		if err = w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}
