// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray_test

import (
	"context"
	"fmt"

	"github.com/grailbio/bigarray"
	"github.com/grailbio/bigarray/exec"
)

func Example() {
	sess := exec.Start(exec.Local, exec.Parallelism(4))
	defer sess.Shutdown()
	ctx := context.Background()

	blocking := bigarray.Blocking{Rows: 50, Cols: 50}
	ones, err := bigarray.Ones(sess, 100, 100, blocking)
	if err != nil {
		fmt.Println(err)
		return
	}
	eye, err := bigarray.Eye(sess, 100, 100, 2, blocking)
	if err != nil {
		fmt.Println(err)
		return
	}
	// (ones @ eye) sums each row of a doubled identity: every
	// element becomes 2.
	prod, err := ones.MatMul(eye)
	if err != nil {
		fmt.Println(err)
		return
	}
	total, err := prod.Sum(bigarray.AxisBoth)
	if err != nil {
		fmt.Println(err)
		return
	}
	v, err := total.At(ctx, 0, 0)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(v)
	// Output: 20000
}
