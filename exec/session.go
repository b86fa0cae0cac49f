// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigarray/block"
	"github.com/grailbio/bigarray/kernel"
	"github.com/grailbio/bigarray/stats"
	"github.com/grailbio/bigmachine"
)

// DefaultRetries is the number of times a failed task is retried
// before its failure becomes terminal.
const DefaultRetries = 2

// maxConsecutiveLost is the maximum number of times a task is
// resubmitted after being lost with a machine before the session
// gives up on it. Losses do not consume the retry budget.
const maxConsecutiveLost = 5

// fatalErr is used to match fatal errors, which are never retried.
var fatalErr = errors.E(errors.Fatal)

// Session is an execution session for distributed arrays. A session
// pairs an executor with the bookkeeping that turns submitted block
// operations into a running task graph: it assigns handle and task
// identities, gates tasks on their inputs, resolves output handles
// as tasks complete, retries failed tasks, and propagates terminal
// failures to every transitive dependent. A session is started by
// Start and torn down by Shutdown; there are no ambient globals.
//
// The session is the sole writer of handle state. Executors report
// task outcomes back to it and otherwise only read handles.
type Session struct {
	context.Context
	shutdown func()
	p        int
	retries  int
	executor Executor
	status   *status.Status
	group    *status.Group
	prefix   string
	stats    *stats.Map

	nextHandle uint64
	nextSeq    uint64
}

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		stats:   stats.NewMap(),
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-process executor.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. If any params are provided,
// they are applied to each machine allocated by the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Parallelism configures the session with the provided target
// parallelism.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Retries configures the number of times a failed task is retried
// before the failure is surfaced to callers.
func Retries(n int) Option {
	if n < 0 {
		panic("exec.Retries: n < 0")
	}
	return func(s *Session) {
		s.retries = n
	}
}

// Status configures the session with a status object to which
// task statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// StorePrefix configures the local executor with a file-backed block
// store rooted at the provided grailfile prefix. The default is an
// in-memory store.
func StorePrefix(prefix string) Option {
	return func(s *Session) {
		s.prefix = prefix
	}
}

// Start creates and starts a new session, configuring it according
// to the provided options. If no executor is configured, the session
// uses the bigmachine executor with bigmachine's local system.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = 1
	}
	if s.retries == 0 {
		s.retries = DefaultRetries
	}
	if s.status == nil {
		s.status = new(status.Status)
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	s.group = s.status.Group("tasks")
	s.shutdown = s.executor.Start(s)
	return s
}

// Parallelism returns the desired amount of evaluation parallelism.
func (s *Session) Parallelism() int {
	return s.p
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// Stats returns the session's counters: tasks submitted, run,
// retried, resubmitted after loss, and failed.
func (s *Session) Stats() *stats.Map {
	return s.stats
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

func (s *Session) newHandle(name TaskName) *Handle {
	// A fresh handle carries one reference, owned by whoever asked
	// for it (typically the array holding the handle in its grid).
	return &Handle{
		id:   atomic.AddUint64(&s.nextHandle, 1),
		name: name,
		refs: 1,
	}
}

// Seq returns a fresh sequence number, used to disambiguate tasks
// from distinct operations computing the same grid coordinate.
func (s *Session) Seq() uint64 {
	return atomic.AddUint64(&s.nextSeq, 1)
}

// Source registers a driver-resident block with the session,
// returning a resolved handle for it. (row, col) is the block's
// coordinate in its array's grid.
func (s *Session) Source(row, col int, b *block.Block) (*Handle, error) {
	h := s.newHandle(TaskName{Row: row, Col: col, Seq: s.Seq()})
	size, err := s.executor.Put(s.Context, h, b)
	if err != nil {
		return nil, err
	}
	h.resolve(size)
	return h, nil
}

// Submit registers a task applying op to the provided input handles,
// producing the block at grid coordinate (row, col) of its array.
// Submit returns the task's output handle immediately; the task runs
// as soon as all of its inputs are resolved. Inputs must be exactly
// the handles the output depends on: extra inputs serialize work
// that could run in parallel, and missing inputs would allow reads
// of unresolved data.
func (s *Session) Submit(op kernel.Op, args kernel.Args, row, col int, inputs []*Handle) *Handle {
	name := TaskName{Op: op.String(), Row: row, Col: col, Seq: s.Seq()}
	h := s.newHandle(name)
	task := &Task{
		Name:   name,
		Op:     op,
		Args:   args,
		In:     inputs,
		Out:    h,
		Status: s.group.Start(name),
	}
	s.stats.Int("submit").Add(1)
	for _, in := range inputs {
		in.startRead()
	}
	s.gate(task)
	return h
}

// gate registers task as a consumer of each of its unresolved
// inputs, marking it runnable if none remain. It is used both on
// first submission and on resubmission after loss.
func (s *Session) gate(task *Task) {
	atomic.StoreInt32(&task.missing, int32(len(task.In)))
	ready := len(task.In) == 0
	var failed error
	for _, in := range task.In {
		pending, err := in.addConsumer(task)
		if err != nil {
			// A failed input never resolves. It stays counted in
			// missing so that resolutions of the task's other inputs
			// cannot drive the count to zero and revive the task
			// after it has been cascaded below.
			if failed == nil {
				failed = err
			}
			continue
		}
		if !pending && task.decMissing() {
			ready = true
		}
	}
	if failed != nil {
		s.cascade(task, failed)
		return
	}
	if ready {
		s.ready(task)
	}
}

// ready hands a task whose inputs are all resolved to the executor.
// Terminal tasks are never handed back: a task that failed through a
// dependency stays failed.
func (s *Session) ready(task *Task) {
	if task.State() >= TaskOk {
		return
	}
	log.Debug.Printf("runnable: %s", task)
	s.executor.Runnable(task)
}

// taskOK is called by the executor when a task has completed and its
// payload, of the provided encoded size, is stored. The session
// resolves the task's output handle and wakes dependent tasks.
func (s *Session) taskOK(task *Task, size int64) {
	task.Lock()
	task.state = TaskOk
	task.consecutiveLost = 0
	task.Broadcast()
	task.Unlock()
	task.Status.Done()
	s.stats.Int("done").Add(1)
	for _, consumer := range task.Out.resolve(size) {
		if consumer.decMissing() {
			s.ready(consumer)
		}
	}
	s.finishReads(task)
}

// taskError is called by the executor when a task's run attempt
// failed. Transient failures are retried up to the session's retry
// budget; fatal errors and exhausted budgets become terminal,
// failing the task's output handle and every transitive dependent.
func (s *Session) taskError(task *Task, err error) {
	if !errors.Match(fatalErr, err) && task.retries < s.retries {
		task.retries++
		s.stats.Int("retry").Add(1)
		log.Error.Printf("task %s: attempt %d: %v; retrying", task.Name, task.retries, err)
		task.Status.Printf("retrying after error: %v", err)
		task.Set(TaskInit)
		s.ready(task)
		return
	}
	if !errors.Match(fatalErr, err) {
		err = errors.E(errors.TooManyTries, fmt.Sprintf("task %s", task.Name), err)
	}
	task.Error(err)
	task.Status.Printf("failed: %v", err)
	task.Status.Done()
	s.terminate(task, err)
}

// taskLost is called by the executor when a task's worker was lost.
// Lost tasks are resubmitted without consuming the retry budget; a
// task bouncing between dying workers eventually fails.
func (s *Session) taskLost(task *Task) {
	task.Lock()
	task.consecutiveLost++
	lost := task.consecutiveLost
	task.state = TaskLost
	task.Broadcast()
	task.Unlock()
	if lost > maxConsecutiveLost {
		err := errors.E(errors.TooManyTries, fmt.Sprintf("task %s: lost %d consecutive times", task.Name, lost))
		task.Error(err)
		task.Status.Printf("failed: %v", err)
		task.Status.Done()
		s.terminate(task, err)
		return
	}
	s.stats.Int("lost").Add(1)
	log.Error.Printf("task %s lost; resubmitting", task.Name)
	task.Set(TaskInit)
	s.gate(task)
}

// handleLost is called by the executor when the resolved payload of
// a handle disappeared with its machine. If the handle had a
// producing task, the session resubmits it; recomputation yields an
// identical payload since kernels are deterministic. Source handles
// have no producer: their payloads remain with the driver and the
// executor re-pushes them on demand.
func (s *Session) handleLost(h *Handle, producer *Task) {
	if !h.invalidate() {
		return
	}
	if producer != nil {
		s.taskLost(producer)
	}
}

// terminate propagates a terminal task failure: the task's output
// handle fails, and every consumer gated on it fails in turn without
// re-running completed sibling work. The failing task's state has
// already been set by the caller.
func (s *Session) terminate(task *Task, err error) {
	s.stats.Int("failed").Add(1)
	s.finishReads(task)
	for _, consumer := range task.Out.fail(err) {
		s.cascade(consumer, err)
	}
}

// cascade marks a never-run task failed because one of its inputs
// failed, and recurses into its own consumers. Lost tasks awaiting
// resubmission cascade too: their inputs will never resolve again.
func (s *Session) cascade(task *Task, err error) {
	task.Lock()
	if task.state >= TaskOk && task.state != TaskLost {
		task.Unlock()
		return
	}
	task.state = TaskErr
	task.err = err
	task.Broadcast()
	task.Unlock()
	task.Status.Printf("dependency failed: %v", err)
	task.Status.Done()
	s.stats.Int("failed").Add(1)
	s.finishReads(task)
	out := task.Out
	if out.State() != HandlePending {
		return
	}
	for _, consumer := range out.fail(err) {
		s.cascade(consumer, err)
	}
}

// finishReads drops the task's read claims on its inputs, releasing
// payloads that no array references and no other consumer needs.
func (s *Session) finishReads(task *Task) {
	for _, in := range task.In {
		if in.finishRead() {
			s.executor.Discard(s.Context, in)
		}
	}
}

// Release drops an array reference to the provided handle,
// discarding its payload once no reference and no submitted reader
// remains. Unresolved handles of discarded arrays are still drained:
// their tasks may run to completion, and their payloads are then
// immediately eligible for release.
func (s *Session) Release(h *Handle) {
	if h.release() {
		s.executor.Discard(s.Context, h)
	}
}

// Fetch returns the materialized block of the provided handle. The
// handle must be resolved; callers gate on Wait first.
func (s *Session) Fetch(ctx context.Context, h *Handle) (*block.Block, error) {
	if err := h.Err(); err != nil {
		return nil, err
	}
	return s.executor.Fetch(ctx, h)
}
