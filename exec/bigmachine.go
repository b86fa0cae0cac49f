// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigarray/block"
	"github.com/grailbio/bigarray/ctxsync"
	"github.com/grailbio/bigarray/kernel"
	"github.com/grailbio/bigarray/stats"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&worker{})
}

// retryPolicy is the default retry policy used for machine calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// bigmachineExecutor is an executor that runs individual block tasks
// on bigmachine machines. Task outputs stay resident on the machine
// that computed them; consumers read them peer to peer, and the
// driver records block locations so that tasks are placed with their
// inputs when possible.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess *Session
	b    *bigmachine.B
	mgr  *machineManager

	// store holds driver-resident source blocks. They are pushed to
	// machines on demand, at most once per machine.
	store Store

	status *status.Group
	cancel func()

	mu        sync.Mutex
	locations map[uint64]*arrayMachine
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

// Start registers the block worker service with bigmachine and then
// starts the machine manager.
func (x *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	x.sess = sess
	x.b = bigmachine.Start(x.system)
	x.store = newMemoryStore()
	x.locations = make(map[uint64]*arrayMachine)
	x.status = sess.Status().Group("bigmachine")
	machprocs := x.b.System().Maxprocs()
	if machprocs == 0 {
		machprocs = runtime.GOMAXPROCS(0)
	}
	x.mgr = newMachineManager(x.b, x.params, x.status, sess.p, machprocs, &worker{}, x.machineLost)
	ctx, cancel := context.WithCancel(sess.Context)
	x.cancel = cancel
	go x.mgr.Do(ctx)
	return func() {
		cancel()
		x.b.Shutdown()
	}
}

func (x *bigmachineExecutor) Runnable(task *Task) {
	task.Lock()
	switch task.state {
	case TaskWaiting, TaskRunning:
		task.Unlock()
		return
	}
	task.state = TaskWaiting
	task.Broadcast()
	task.Unlock()
	go x.run(task)
}

func (x *bigmachineExecutor) run(task *Task) {
	ctx := x.sess.Context
	task.Status.Print("waiting for a machine")

	var m *arrayMachine
	select {
	case <-ctx.Done():
		x.sess.taskError(task, errors.E(errors.Fatal, ctx.Err()))
		return
	case m = <-x.mgr.Offer(x.hint(task)):
	}

	// Build the run request: the location of every input, pushing
	// driver-resident source blocks to the machine at most once.
	req := runRequest{
		ID:   task.Out.ID(),
		Name: task.Name,
		Op:   task.Op,
		Args: task.Args,
	}
	req.Inputs = make([]inputLocation, len(task.In))
	for i, in := range task.In {
		id := in.ID()
		loc := x.location(id)
		if loc == nil {
			// A driver-resident source block.
			if err := x.push(ctx, m, id); err != nil {
				m.Done(err)
				task.Status.Printf("lost task while pushing input: %v", err)
				x.sess.taskLost(task)
				return
			}
			req.Inputs[i] = inputLocation{ID: id}
			continue
		}
		req.Inputs[i] = inputLocation{ID: id, Addr: loc.Addr}
	}

	task.Status.Print(m.Addr)
	task.Set(TaskRunning)
	var reply runReply
	err := m.RetryCall(ctx, "Worker.Run", req, &reply)
	m.Done(err)
	switch {
	case err == nil:
		if !m.Assign(task) {
			// The machine died between the reply and the assignment.
			x.sess.taskLost(task)
			return
		}
		x.setLocation(task.Out.ID(), m)
		x.sess.taskOK(task, reply.Size)
	case ctx.Err() != nil:
		x.sess.taskError(task, errors.E(errors.Fatal, err))
	case errors.Match(fatalErr, err):
		// Fatal errors aren't retryable.
		x.sess.taskError(task, err)
	default:
		// Everything else we consider as the task being lost. The
		// session will resubmit it.
		task.Status.Printf("lost task during evaluation: %v", err)
		x.sess.taskLost(task)
	}
}

// hint returns the machine holding the most input bytes for the
// task, or nil when its inputs reside with the driver.
func (x *bigmachineExecutor) hint(task *Task) *arrayMachine {
	x.mu.Lock()
	defer x.mu.Unlock()
	bytes := make(map[*arrayMachine]int64)
	var (
		best      *arrayMachine
		bestBytes int64
	)
	for _, in := range task.In {
		m := x.locations[in.ID()]
		if m == nil || m.Lost() {
			continue
		}
		bytes[m] += in.Size()
		if bytes[m] > bestBytes {
			best, bestBytes = m, bytes[m]
		}
	}
	return best
}

// push transfers a driver-resident block to the provided machine, at
// most once per machine.
func (x *bigmachineExecutor) push(ctx context.Context, m *arrayMachine, id uint64) error {
	return m.Pushes.Do(id, func() error {
		rc, err := x.store.Open(ctx, id, 0)
		if err != nil {
			return err
		}
		data, err := ioutil.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
		return m.RetryCall(ctx, "Worker.Push", pushRequest{ID: id, Data: data}, nil)
	})
}

// machineLost reconciles the loss of a machine: blocks resident
// there are forgotten and the handles of the tasks that produced
// them are invalidated so the session recomputes them elsewhere.
// Pushed source blocks need no recovery; the driver re-pushes them
// on demand.
func (x *bigmachineExecutor) machineLost(m *arrayMachine, tasks []*Task) {
	log.Error.Printf("lost machine %s: invalidating %d resident blocks", m.Addr, len(tasks))
	x.mu.Lock()
	for id, loc := range x.locations {
		if loc == m {
			delete(x.locations, id)
		}
	}
	x.mu.Unlock()
	for _, task := range tasks {
		x.sess.handleLost(task.Out, task)
	}
}

func (x *bigmachineExecutor) location(id uint64) *arrayMachine {
	x.mu.Lock()
	m := x.locations[id]
	x.mu.Unlock()
	return m
}

func (x *bigmachineExecutor) setLocation(id uint64, m *arrayMachine) {
	x.mu.Lock()
	x.locations[id] = m
	x.mu.Unlock()
}

func (x *bigmachineExecutor) Put(ctx context.Context, h *Handle, b *block.Block) (int64, error) {
	return storePut(ctx, x.store, h.ID(), b)
}

func (x *bigmachineExecutor) Fetch(ctx context.Context, h *Handle) (*block.Block, error) {
	m := x.location(h.ID())
	if m == nil {
		return storeGet(ctx, x.store, h.ID())
	}
	r := &machineRPCReader{ctx: ctx, machine: m.Machine, id: h.ID()}
	defer r.Close()
	return block.Decode(r)
}

func (x *bigmachineExecutor) Discard(ctx context.Context, h *Handle) {
	id := h.ID()
	m := x.location(id)
	if m == nil {
		if err := x.store.Discard(ctx, id); err != nil {
			log.Error.Printf("discard %s: %v", h, err)
		}
		return
	}
	x.mu.Lock()
	delete(x.locations, id)
	x.mu.Unlock()
	if err := m.Call(ctx, "Worker.Discard", id, nil); err != nil {
		log.Error.Printf("discard %s on %s: %v", h, m.Addr, err)
	}
}

// A worker is the bigmachine service that runs individual block
// tasks and serves the blocks of previous runs. Output is stored in
// a machine-local file store.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at
	// least one exported field.
	Exported struct{}

	b     *bigmachine.B
	store Store

	mu      sync.Mutex
	cond    *ctxsync.Cond
	running map[uint64]bool

	stats *stats.Map
}

func (w *worker) Init(b *bigmachine.B) error {
	w.b = b
	w.cond = ctxsync.NewCond(&w.mu)
	w.running = make(map[uint64]bool)
	w.stats = stats.NewMap()
	dir, err := ioutil.TempDir("", "bigarray")
	if err != nil {
		return err
	}
	w.store = &fileStore{Prefix: dir + "/"}
	return nil
}

// inputLocation names one task input and the address of the machine
// holding it. An empty address means the block was pushed from the
// driver and is resident locally.
type inputLocation struct {
	ID   uint64
	Addr string
}

// runRequest contains all data required to run an individual task.
type runRequest struct {
	// ID is the handle id under which the output block is stored.
	ID uint64
	// Name names the task for logs and errors.
	Name TaskName
	// Op and Args describe the kernel invocation.
	Op   kernel.Op
	Args kernel.Args
	// Inputs locates the task's input blocks in kernel argument
	// order.
	Inputs []inputLocation
}

type runReply struct {
	// Size is the encoded size of the output block.
	Size int64
}

// Run runs an individual task as described in the request. Run
// returns a nil error when the task was successfully run and its
// output deposited in the local store. Concurrent requests for the
// same output coalesce into a single run.
func (w *worker) Run(ctx context.Context, req runRequest, reply *runReply) (err error) {
	w.mu.Lock()
	for w.running[req.ID] {
		if err = w.cond.Wait(ctx); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	if info, err := w.store.Stat(ctx, req.ID); err == nil {
		// A previous attempt already deposited the block.
		w.mu.Unlock()
		reply.Size = info.Size
		return nil
	}
	w.running[req.ID] = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, req.ID)
		w.cond.Broadcast()
		w.mu.Unlock()
	}()
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while computing %s: %v\n%s", req.Name, e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
	}()

	// Gather inputs, dialing peer machines as necessary.
	in := make([]*block.Block, len(req.Inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, input := range req.Inputs {
		i, input := i, input
		g.Go(func() error {
			b, err := w.fetch(gctx, input)
			if err != nil {
				return err
			}
			in[i] = b
			w.stats.Int("read").Add(1)
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}

	out, err := kernel.Compute(req.Op, req.Args, in)
	if err != nil {
		log.Printf("task %s error: %v", req.Name, err)
		return errors.Recover(err)
	}
	size, err := storePut(ctx, w.store, req.ID, out)
	if err != nil {
		return err
	}
	w.stats.Int("tasks").Add(1)
	w.stats.Int("writebytes").Add(size)
	reply.Size = size
	return nil
}

// fetch returns one input block, reading it from the local store
// when resident and otherwise from the named peer machine.
func (w *worker) fetch(ctx context.Context, input inputLocation) (*block.Block, error) {
	b, err := storeGet(ctx, w.store, input.ID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(errors.NotExist, err) {
		return nil, err
	}
	if input.Addr == "" {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("input block %d has no location", input.ID))
	}
	machine, err := w.b.Dial(ctx, input.Addr)
	if err != nil {
		return nil, err
	}
	r := &machineRPCReader{ctx: ctx, machine: machine, id: input.ID}
	defer r.Close()
	return block.Decode(r)
}

// pushRequest carries an encoded driver-resident block to a machine.
type pushRequest struct {
	ID   uint64
	Data []byte
}

// Push deposits a driver-resident source block into the local store.
// Pushing an already-resident block is a no-op, so lost-and-retried
// pushes are safe.
func (w *worker) Push(ctx context.Context, req pushRequest, _ *struct{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.store.Stat(ctx, req.ID); err == nil {
		return nil
	}
	wc, err := w.store.Create(ctx, req.ID)
	if err != nil {
		return err
	}
	if _, err = wc.Write(req.Data); err != nil {
		_ = wc.Discard(ctx)
		return err
	}
	return wc.Commit(ctx)
}

// readRequest is the request payload for Worker.Read.
type readRequest struct {
	// ID is the handle id of the block to be read.
	ID uint64
	// Offset is the start offset of the read.
	Offset int64
}

// Read streams a stored block's encoded bytes.
func (w *worker) Read(ctx context.Context, req readRequest, rc *io.ReadCloser) (err error) {
	*rc, err = w.store.Open(ctx, req.ID, req.Offset)
	return
}

// Stat returns the stored metadata for a block.
func (w *worker) Stat(ctx context.Context, id uint64, info *blockInfo) (err error) {
	*info, err = w.store.Stat(ctx, id)
	return
}

// Discard removes a block from the local store.
func (w *worker) Discard(ctx context.Context, id uint64, _ *struct{}) error {
	return w.store.Discard(ctx, id)
}

// Stats returns a snapshot of the worker's counters.
func (w *worker) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = w.stats.Snapshot()
	return nil
}

// machineRPCReader reads a block's encoded bytes from a machine. It
// issues the (streaming) read RPC on the first call to Read so that
// data are not buffered unnecessarily, and resumes from its last
// offset on transient errors.
type machineRPCReader struct {
	ctx     context.Context
	machine *bigmachine.Machine
	id      uint64

	err     error
	reader  io.ReadCloser
	bytes   int64
	retries int
}

func (r *machineRPCReader) Read(data []byte) (int, error) {
	for {
		if r.err != nil {
			return 0, r.err
		}
		if r.reader == nil {
			if r.retries > 0 {
				log.Printf("Worker.Read %d: retrying(%d) rpc from offset %d", r.id, r.retries, r.bytes)
			}
			if err := r.machine.RetryCall(r.ctx, "Worker.Read", readRequest{r.id, r.bytes}, &r.reader); err != nil {
				r.err = err
				return 0, r.err
			}
		}
		n, err := r.reader.Read(data)
		if err == nil || err == io.EOF {
			r.err = err
			r.bytes += int64(n)
			return n, err
		}
		// Blindly retry regardless of error kind: the subsequent call
		// to Worker.Read detects any permanent error in any case.
		log.Error.Printf("machineRPCReader %s: error (%d) at %d bytes: %v", r.machine.Addr, r.retries, r.bytes, err)
		r.reader.Close()
		r.reader = nil
		r.retries++
		if r.err = retry.Wait(r.ctx, retryPolicy, r.retries); r.err != nil {
			return 0, r.err
		}
	}
}

func (r *machineRPCReader) Close() error {
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}
