// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/must"
)

// HandleState is the lifecycle state of a Handle. States are ordered
// so that their magnitudes correspond with progression.
type HandleState int

const (
	// HandlePending indicates that the handle's block has not yet been
	// produced.
	HandlePending HandleState = iota
	// HandleResolved indicates that the handle's block is materialized
	// and available through the session's executor.
	HandleResolved
	// HandleFailed indicates that the handle's producing task failed
	// terminally; the handle carries the error.
	HandleFailed
)

var handleStates = [...]string{"PENDING", "RESOLVED", "FAILED"}

// String returns the handle state as an upper-case string.
func (s HandleState) String() string { return handleStates[s] }

// A Handle is a future for a single block. It is resolved exactly
// once, by the task that produces it or by source ingestion, and is
// immutable thereafter. Handles are the unit of data dependency: the
// scheduler refers to them by dense id and infers task edges from
// shared handle identity. Handles never point back at the arrays that
// hold them.
type Handle struct {
	id   uint64
	name TaskName

	mu    sync.Mutex
	waitc chan struct{}
	state HandleState
	err   error

	// size is the payload size in bytes, set on resolution. It feeds
	// locality scheduling and stats.
	size int64

	// refs counts array references; readers counts consumer tasks
	// that have been submitted but have not finished running. When
	// both drop to zero the payload is eligible for release.
	refs    int
	readers int
	dropped bool

	// consumers holds the submitted tasks gated on this handle's
	// resolution. It is cleared when the handle leaves HandlePending.
	consumers []*Task
}

// ID returns the handle's session-unique identifier.
func (h *Handle) ID() uint64 { return h.id }

// Name returns the name of the task that produces this handle. The
// zero name identifies source data.
func (h *Handle) Name() TaskName { return h.name }

// State returns the handle's current state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	return state
}

// Err returns the handle's terminal error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	err := h.err
	h.mu.Unlock()
	if err == nil {
		return nil
	}
	return err
}

// Size returns the size of the resolved payload in bytes, or zero if
// the handle is unresolved.
func (h *Handle) Size() int64 {
	h.mu.Lock()
	size := h.size
	h.mu.Unlock()
	return size
}

// String returns a short human-readable description of the handle.
func (h *Handle) String() string {
	// Read state without the lock so String is safe while it is held.
	s := fmt.Sprintf("handle %d %s %s", h.id, h.name, h.state)
	if h.err != nil {
		s += ": " + h.err.Error()
	}
	return s
}

// broadcast notifies waiters of a state change. The handle's lock
// must be held.
func (h *Handle) broadcast() {
	if h.waitc != nil {
		close(h.waitc)
		h.waitc = nil
	}
}

// wait returns after the next broadcast, or when the context is done.
// The handle's lock must be held; it is reacquired before returning.
func (h *Handle) wait(ctx context.Context) error {
	if h.waitc == nil {
		h.waitc = make(chan struct{})
	}
	waitc := h.waitc
	h.mu.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	h.mu.Lock()
	return err
}

// Wait blocks until the handle leaves HandlePending or the context is
// done, returning the handle's state at that time.
func (h *Handle) Wait(ctx context.Context) (HandleState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	for h.state == HandlePending && err == nil {
		err = h.wait(ctx)
	}
	return h.state, err
}

// addConsumer registers task t as gated on h. It returns true if the
// handle is still pending (t must wait), and otherwise false. If the
// handle has failed, the error is recorded on the task by the caller.
// addConsumer is called both on first submission and on resubmission
// after loss; it does not alter read accounting.
func (h *Handle) addConsumer(t *Task) (pending bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case HandlePending:
		h.consumers = append(h.consumers, t)
		return true, nil
	case HandleFailed:
		return false, h.err
	}
	return false, nil
}

// startRead records that a submitted consumer task will read h's
// payload. It is balanced by finishRead when the consumer reaches a
// terminal state.
func (h *Handle) startRead() {
	h.mu.Lock()
	h.readers++
	h.mu.Unlock()
}

// resolve marks the handle resolved and returns the consumers to be
// re-examined for readiness. resolve is called exactly once, by the
// session, on behalf of the producing task.
func (h *Handle) resolve(size int64) []*Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	must.Truef(h.state == HandlePending, "resolve %s", h)
	h.state = HandleResolved
	h.size = size
	consumers := h.consumers
	h.consumers = nil
	h.broadcast()
	return consumers
}

// fail marks the handle failed with the provided error and returns
// the consumers to which failure propagates.
func (h *Handle) fail(err error) []*Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	must.Truef(h.state == HandlePending, "fail %s", h)
	h.state = HandleFailed
	h.err = err
	consumers := h.consumers
	h.consumers = nil
	h.broadcast()
	return consumers
}

// invalidate returns a resolved handle to HandlePending after its
// payload was lost with the machine holding it. Kernels are
// deterministic functions of their inputs, so a resubmitted producer
// resolves the handle with an identical payload; consumers never
// observe two distinct values. invalidate reports whether the handle
// was resolved.
func (h *Handle) invalidate() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HandleResolved {
		return false
	}
	h.state = HandlePending
	h.size = 0
	return true
}

// Retain adds an array reference to the handle. Arrays retain the
// handles in their grid; references are dropped through the session
// so that unreferenced payloads can be released.
func (h *Handle) Retain() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// release drops an array reference. It reports whether the payload
// became eligible for release: no array references it and no
// submitted consumer has still to read it.
func (h *Handle) release() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
	if h.refs > 0 || h.readers > 0 || h.dropped {
		return false
	}
	h.dropped = true
	return h.state == HandleResolved
}

// finishRead drops one reader (a consumer task that has finished
// running). It reports whether the payload became eligible for
// release.
func (h *Handle) finishRead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readers--
	if h.refs > 0 || h.readers > 0 || h.dropped {
		return false
	}
	h.dropped = true
	return h.state == HandleResolved
}
