// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigarray

import (
	"github.com/grailbio/base/errors"
)

// Array operations classify failures into a small taxonomy, mapped
// onto error kinds so failures compose with RPC and storage errors:
//
//	invalid shape   errors.Invalid      a malformed shape or blocking
//	shape mismatch  errors.Precondition operand shapes that don't combine
//	out of range    errors.NotExist     an index outside the array
//	task execution  errors.TooManyTries a block task that kept failing
//	timeout         errors.Timeout      a collect deadline expiring
//
// Shape and range errors are returned synchronously by the operation
// that detects them; no task enters the graph. Task errors surface
// from Collect, At and the arrayio writers.

func errInvalidShape(msg string) error {
	return errors.E(errors.Invalid, msg)
}

func errShapeMismatch(msg string) error {
	return errors.E(errors.Precondition, msg)
}

func errOutOfRange(msg string) error {
	return errors.E(errors.NotExist, msg)
}

// IsInvalidShape tells whether err reports a malformed array shape or
// blocking.
func IsInvalidShape(err error) bool {
	return errors.Is(errors.Invalid, err)
}

// IsShapeMismatch tells whether err reports operand shapes or grids
// that cannot be combined.
func IsShapeMismatch(err error) bool {
	return errors.Is(errors.Precondition, err)
}

// IsOutOfRange tells whether err reports an index outside the array.
func IsOutOfRange(err error) bool {
	return errors.Is(errors.NotExist, err)
}

// IsTaskError tells whether err reports a block task that failed
// permanently, either by exhausting its retry budget or by failing
// fatally.
func IsTaskError(err error) bool {
	return errors.Is(errors.TooManyTries, err) || errors.Match(fatal, err)
}

// IsTimeout tells whether err reports an expired collect deadline.
// The underlying computation keeps running; a later collect can
// still succeed.
func IsTimeout(err error) bool {
	return errors.Is(errors.Timeout, err)
}

var fatal = errors.E(errors.Fatal)
