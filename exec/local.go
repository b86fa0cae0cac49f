// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigarray/block"
	"github.com/grailbio/bigarray/kernel"
)

// localExecutor is an executor that runs tasks in-process on a fixed
// pool of workers. Payloads are kept in a single store shared by all
// workers, but the executor accounts which worker produced each
// block so that the locality policy is real: an idle worker is
// offered the ready task for which it already holds the most input
// bytes. This mirrors the placement policy of the bigmachine
// executor at process scale and makes it testable without a
// cluster.
type localExecutor struct {
	sess  *Session
	store Store

	runc  chan *Task
	idlec chan int

	cancel func()
	wg     sync.WaitGroup

	mu sync.Mutex
	// producedBy records, per handle id, the worker that computed the
	// block and its encoded size.
	producedBy map[uint64]workerSlot
	assignc    []chan *Task
}

type workerSlot struct {
	worker int
	size   int64
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{
		runc:       make(chan *Task),
		idlec:      make(chan int),
		producedBy: make(map[uint64]workerSlot),
	}
}

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	if l.store == nil {
		if sess.prefix != "" {
			l.store = &fileStore{Prefix: sess.prefix}
		} else {
			l.store = newMemoryStore()
		}
	}
	p := sess.p
	if p <= 0 {
		p = runtime.GOMAXPROCS(0)
	}
	ctx, cancel := context.WithCancel(sess.Context)
	l.cancel = cancel
	l.assignc = make([]chan *Task, p)
	for w := 0; w < p; w++ {
		l.assignc[w] = make(chan *Task)
		l.wg.Add(1)
		go l.work(ctx, w)
	}
	l.wg.Add(1)
	go l.dispatch(ctx)
	return func() {
		cancel()
		l.wg.Wait()
	}
}

func (l *localExecutor) Runnable(task *Task) {
	task.Lock()
	switch task.state {
	case TaskWaiting, TaskRunning:
		task.Unlock()
		return
	}
	task.state = TaskWaiting
	task.Broadcast()
	task.Unlock()
	go func() {
		select {
		case l.runc <- task:
		case <-l.sess.Done():
		}
	}()
}

// dispatch pairs idle workers with ready tasks. Among the ready
// tasks, an idle worker is assigned the one for which it holds the
// most input bytes; ties and workers holding nothing fall back to
// submission order.
func (l *localExecutor) dispatch(ctx context.Context) {
	defer l.wg.Done()
	var (
		ready []*Task
		idle  []int
	)
	for {
		select {
		case task := <-l.runc:
			ready = append(ready, task)
		case w := <-l.idlec:
			idle = append(idle, w)
		case <-ctx.Done():
			return
		}
		for len(ready) > 0 && len(idle) > 0 {
			w := idle[0]
			idle = idle[1:]
			i := l.pick(w, ready)
			task := ready[i]
			ready = append(ready[:i], ready[i+1:]...)
			select {
			case l.assignc[w] <- task:
			case <-ctx.Done():
				return
			}
		}
	}
}

// pick returns the index of the ready task for which worker w holds
// the most input bytes.
func (l *localExecutor) pick(w int, ready []*Task) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var (
		best      int
		bestBytes int64
	)
	for i, task := range ready {
		var bytes int64
		for _, in := range task.In {
			if slot, ok := l.producedBy[in.ID()]; ok && slot.worker == w {
				bytes += slot.size
			}
		}
		if bytes > bestBytes {
			best, bestBytes = i, bytes
		}
	}
	return best
}

func (l *localExecutor) work(ctx context.Context, w int) {
	defer l.wg.Done()
	for {
		select {
		case l.idlec <- w:
		case <-ctx.Done():
			return
		}
		select {
		case task := <-l.assignc[w]:
			l.run(ctx, w, task)
		case <-ctx.Done():
			return
		}
	}
}

func (l *localExecutor) run(ctx context.Context, w int, task *Task) {
	task.Set(TaskRunning)
	out, err := l.compute(ctx, task)
	if err != nil {
		l.sess.taskError(task, errors.Recover(err))
		return
	}
	size, err := storePut(ctx, l.store, task.Out.ID(), out)
	if err != nil {
		l.sess.taskError(task, errors.Recover(err))
		return
	}
	l.mu.Lock()
	l.producedBy[task.Out.ID()] = workerSlot{worker: w, size: size}
	l.mu.Unlock()
	l.sess.taskOK(task, size)
}

// compute fetches the task's inputs from the store and applies its
// kernel. Kernel panics are recovered and surfaced as fatal errors.
func (l *localExecutor) compute(ctx context.Context, task *Task) (out *block.Block, err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while computing %s: %v\n%s", task.Name, e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
	}()
	in := make([]*block.Block, len(task.In))
	for i, h := range task.In {
		b, err := storeGet(ctx, l.store, h.ID())
		if err != nil {
			return nil, err
		}
		in[i] = b
	}
	return kernel.Compute(task.Op, task.Args, in)
}

func (l *localExecutor) Put(ctx context.Context, h *Handle, b *block.Block) (int64, error) {
	return storePut(ctx, l.store, h.ID(), b)
}

func (l *localExecutor) Fetch(ctx context.Context, h *Handle) (*block.Block, error) {
	return storeGet(ctx, l.store, h.ID())
}

func (l *localExecutor) Discard(ctx context.Context, h *Handle) {
	if err := l.store.Discard(ctx, h.ID()); err != nil {
		log.Error.Printf("discard %s: %v", h, err)
	}
	l.mu.Lock()
	delete(l.producedBy, h.ID())
	l.mu.Unlock()
}
