// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigarray/kernel"
)

// ErrTaskLost indicates that a Task was in TaskLost state.
var ErrTaskLost = errors.New("task was lost")

// TaskState represents the runtime state of a Task. TaskState
// values are defined so that their magnitudes correspond with
// task progression.
type TaskState int

const (
	// TaskInit is the initial state of a task: it has been registered
	// with the session but still has unresolved inputs.
	TaskInit TaskState = iota

	// TaskWaiting indicates that a task has been scheduled for
	// execution (it is runnable) but has not yet been allocated
	// resources by the executor.
	TaskWaiting
	// TaskRunning is the state of a task that's currently being run.
	TaskRunning

	// TaskOk indicates that a task has successfully completed;
	// the task's output block is available to dependent tasks.
	//
	// All TaskState values greater than TaskOk indicate task
	// errors.
	TaskOk

	// TaskErr indicates that the task experienced a failure while
	// running; the task's error is available through (*Task).Err.
	TaskErr
	// TaskLost indicates that the task was executing on a worker
	// that is no longer available. Lost tasks are rescheduled by the
	// session without consuming the retry budget.
	TaskLost

	maxState
)

var states = [...]string{
	TaskInit:    "INIT",
	TaskWaiting: "WAITING",
	TaskRunning: "RUNNING",
	TaskOk:      "OK",
	TaskErr:     "ERROR",
	TaskLost:    "LOST",
}

// String returns the task state as an upper-case string, e.g.,
// "WAITING".
func (s TaskState) String() string { return states[s] }

// A TaskName uniquely names a task in a session. Names carry the
// operation and the output's grid coordinate so that logs, statuses,
// and errors identify the block a task computes.
type TaskName struct {
	// Op is the display name of the task's kernel operation.
	Op string
	// Row and Col are the coordinates of the task's output block in
	// its array's grid.
	Row, Col int
	// Seq disambiguates tasks from distinct operations that compute
	// the same coordinate.
	Seq uint64
}

// String returns a handy representation of the task name, e.g.,
// "mul[12]@3,0" for the task of operation 12 computing block (3,0).
func (n TaskName) String() string {
	op := n.Op
	if op == "" {
		op = "source"
	}
	return fmt.Sprintf("%s[%d]@%d,%d", op, n.Seq, n.Row, n.Col)
}

// A Task represents one unit of computation: a single kernel
// invocation producing exactly one block. Tasks are created by the
// session as operations are submitted; array operations never
// construct tasks directly. Tasks are self-contained: they name their
// input handles and their output handle, and carry everything a
// worker needs to compute the output.
//
// Tasks also maintain executable status: tasks may be waiting for
// execution, running, or completed. A task's mutex may be locked by
// its clients in order to coordinate state changes.
type Task struct {
	// Name is the name of the task. Tasks are named uniquely within a
	// session.
	Name TaskName
	// Op is the kernel operation the task applies.
	Op kernel.Op
	// Args carries the operation's parameters.
	Args kernel.Args
	// In holds the task's input handles in kernel argument order.
	In []*Handle
	// Out is the handle the task resolves on success.
	Out *Handle
	// Status is a status object to which task status is reported.
	Status *status.Task

	sync.Mutex
	waitc chan struct{}

	state TaskState
	err   error

	// missing counts the task's unresolved inputs. The task becomes
	// runnable when it reaches zero.
	missing int32

	// retries counts failed attempts charged against the session's
	// retry budget. consecutiveLost counts back-to-back losses so
	// that a task bouncing between dying workers eventually fails.
	retries         int
	consecutiveLost int
}

// NumIn returns the number of inputs of this task.
func (t *Task) NumIn() int { return len(t.In) }

// String returns a short, human-readable string describing the
// task and its state. We read state and err without holding the
// task's mutex so that it is safe to call String while locked.
func (t *Task) String() string {
	s := fmt.Sprintf("task %s %s", t.Name, t.state)
	if t.err != nil {
		s += ": " + t.err.Error()
	}
	return s
}

// decMissing decrements the task's unresolved input count, reporting
// whether the task became runnable.
func (t *Task) decMissing() bool {
	return atomic.AddInt32(&t.missing, -1) == 0
}

// Set sets the task's state to the provided state and notifies
// any waiters.
func (t *Task) Set(state TaskState) {
	t.Lock()
	t.state = state
	if state == TaskOk {
		t.consecutiveLost = 0
	}
	t.Broadcast()
	t.Unlock()
}

// Error sets the task's state to TaskErr and its error to the
// provided error. Waiters are notified.
func (t *Task) Error(err error) {
	t.Lock()
	t.state = TaskErr
	t.err = err
	t.Status.Printf(err.Error())
	t.Broadcast()
	t.Unlock()
}

// Errorf formats an error message using fmt.Errorf, sets the task's
// state to TaskErr and its err to the resulting error message.
func (t *Task) Errorf(format string, v ...interface{}) {
	t.Error(fmt.Errorf(format, v...))
}

// Err returns an error if the task's state is >= TaskErr. When the
// state is > TaskErr, Err returns an error describing the task's
// failed state, otherwise, t.err is returned.
func (t *Task) Err() error {
	t.Lock()
	defer t.Unlock()
	switch t.state {
	case TaskErr:
		if t.err == nil {
			panic("TaskErr without an err")
		}
		return t.err
	case TaskLost:
		return ErrTaskLost
	}
	if t.state > TaskLost {
		panic("unhandled state")
	}
	return nil
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.Lock()
	state := t.state
	t.Unlock()
	return state
}

// Broadcast notifies waiters of a state change. Broadcast must only
// be called while the task's lock is held.
func (t *Task) Broadcast() {
	if t.waitc != nil {
		close(t.waitc)
		t.waitc = nil
	}
}

// Wait returns after the next call to Broadcast, or if the context
// is complete. The task's lock must be held when calling Wait.
func (t *Task) Wait(ctx context.Context) error {
	if t.waitc == nil {
		t.waitc = make(chan struct{})
	}
	waitc := t.waitc
	t.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.Lock()
	return err
}

// WaitState returns when the task's state is at least the provided state,
// or else when the context is done.
func (t *Task) WaitState(ctx context.Context, state TaskState) (TaskState, error) {
	t.Lock()
	defer t.Unlock()
	var err error
	for t.state < state && err == nil {
		err = t.Wait(ctx)
	}
	return t.state, err
}

// inputSize returns the total size in bytes of the task's resolved
// inputs. Executors use it for locality-aware placement.
func (t *Task) inputSize() int64 {
	var size int64
	for _, h := range t.In {
		size += h.Size()
	}
	return size
}
