// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigarray/stats"
	"github.com/grailbio/bigmachine"
)

// probationTimeout is the amount of time that a machine will remain
// in probation without being explicitly marked healthy.
var probationTimeout = 30 * time.Second

// maxStartMachines is the maximum number of machines that may be
// started in one batch.
const maxStartMachines = 10

// statsPollInterval is the period at which worker statistics are
// polled.
const statsPollInterval = 10 * time.Second

// machineHealth is the overall assessment of machine health by the
// bigmachine executor.
type machineHealth int

const (
	machineOk machineHealth = iota
	machineProbation
	machineLost
)

// arrayMachine manages a single bigmachine.Machine instance running
// the block worker service.
type arrayMachine struct {
	*bigmachine.Machine

	// Pushes ensures that each driver-resident source block is pushed
	// at most once to this machine.
	Pushes once.Map

	Stats  *stats.Map
	Status *status.Task

	// maxProcs is the number of tasks the machine runs concurrently.
	maxProcs int

	// procs is the number of procs on the machine that have tasks
	// assigned. procs is managed by the machineManager.
	procs int

	// health and lastFailure are managed by the machineManager.
	health      machineHealth
	lastFailure time.Time

	// index is the machine's index in the manager's probation queue.
	index int

	donec chan machineDone

	mu sync.Mutex

	// lost indicates whether the machine is considered lost as per
	// bigmachine.
	lost bool

	// tasks is the set of tasks whose output blocks reside on this
	// machine. It is used to invalidate handles when a machine fails.
	tasks []*Task
}

func (m *arrayMachine) String() string {
	var health string
	switch m.health {
	case machineOk:
		health = "ok"
	case machineProbation:
		health = "probation"
	case machineLost:
		health = "lost"
	}
	return fmt.Sprintf("%s (%s)", m.Addr, health)
}

// Done returns the machine's proc to the manager, reporting any
// error observed while running a task so that the manager can gauge
// the machine's health.
func (m *arrayMachine) Done(err error) {
	m.donec <- machineDone{m, err}
}

// Assign records that the provided task's output now resides on this
// machine. If the machine has already been lost, the task's output
// is immediately lost as well; the caller resubmits it.
func (m *arrayMachine) Assign(task *Task) (ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lost {
		return false
	}
	m.tasks = append(m.tasks, task)
	return true
}

// Go monitors the machine: it polls worker statistics at regular
// intervals and returns when the machine stops, handing back the
// set of tasks whose outputs died with it.
func (m *arrayMachine) Go(ctx context.Context) []*Task {
	stopped := m.Wait(bigmachine.Stopped)
loop:
	for ctx.Err() == nil {
		tctx, cancel := context.WithTimeout(ctx, statsPollInterval/2)
		var vals stats.Values
		verr := m.Machine.Call(tctx, "Worker.Stats", struct{}{}, &vals)
		mem, merr := m.Machine.MemInfo(tctx, false)
		cancel()
		if verr == nil && merr == nil {
			m.Stats.AddAll(vals)
			m.Status.Printf("mem %s/%s counters %s",
				data.Size(mem.System.Used), data.Size(mem.System.Total), vals)
		}
		select {
		case <-time.After(statsPollInterval):
		case <-ctx.Done():
		case <-stopped:
			break loop
		}
	}
	m.mu.Lock()
	m.lost = true
	tasks := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	return tasks
}

// Lost reports whether this machine is considered lost.
func (m *arrayMachine) Lost() bool {
	m.mu.Lock()
	lost := m.lost
	m.mu.Unlock()
	return lost
}

// machineFailureQ is a priority queue for arrayMachines, prioritized
// by the machine's last failure time.
type machineFailureQ []*arrayMachine

func (h machineFailureQ) Len() int           { return len(h) }
func (h machineFailureQ) Less(i, j int) bool { return h[i].lastFailure.Before(h[j].lastFailure) }
func (h machineFailureQ) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *machineFailureQ) Push(x interface{}) {
	m := x.(*arrayMachine)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *machineFailureQ) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	x.index = -1
	return x
}

// timer is a wrapper around time.Timer with an API convenient for
// managing probation timeouts.
type timer struct {
	t  *time.Timer
	at time.Time
}

// Clear clears t; subsequent calls to C() will return nil. If t is
// already cleared, no-op.
func (t *timer) Clear() {
	if t.t == nil {
		return
	}
	t.t.Stop()
	t.t = nil
}

// Set sets t to expire at at. If the timer was already set to expire
// at at, no-op, even if the timer has already expired.
func (t *timer) Set(at time.Time) {
	if t.t == nil {
		t.at = at
		t.t = time.NewTimer(time.Until(at))
		return
	}
	if t.at == at {
		return
	}
	if !t.t.Stop() {
		<-t.t.C
	}
	t.at = at
	t.t.Reset(time.Until(at))
}

// C returns a channel on which the current time is sent when t
// expires. If t is cleared, returns nil.
func (t *timer) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

// machineDone is used to report that a machine's task run is done,
// along with an error used to gauge the machine's health.
type machineDone struct {
	*arrayMachine
	Err error
}

// machineRequest asks the manager for a machine on which to run one
// task. hint, if non-nil, is the machine already holding the most
// input data for the task; the manager prefers it when it is healthy
// and has a free proc.
type machineRequest struct {
	hint *arrayMachine
	c    chan *arrayMachine
}

// startResult is used to signal the result of attempts to start
// machines.
type startResult struct {
	machines  []*arrayMachine
	nFailures int
}

// machineManager manages a cluster of arrayMachines, allocating task
// procs among them. It grows the cluster on demand up to its proc
// ceiling, places failing machines on probation, and reports lost
// machines to the executor so their resident blocks can be
// recomputed elsewhere.
type machineManager struct {
	b         *bigmachine.B
	params    []bigmachine.Param
	group     *status.Group
	maxp      int
	machprocs int
	worker    *worker
	reqc      chan machineRequest

	// onLost is invoked with the tasks whose outputs resided on a
	// machine that has been lost.
	onLost func(m *arrayMachine, tasks []*Task)

	machinesWG sync.WaitGroup
}

func newMachineManager(b *bigmachine.B, params []bigmachine.Param, group *status.Group, maxp, machprocs int, worker *worker, onLost func(*arrayMachine, []*Task)) *machineManager {
	if machprocs < 1 {
		machprocs = 1
	}
	return &machineManager{
		b:         b,
		params:    params,
		group:     group,
		maxp:      maxp,
		machprocs: machprocs,
		worker:    worker,
		reqc:      make(chan machineRequest),
		onLost:    onLost,
	}
}

// Offer asks the manager for a machine on which to run one task,
// preferring hint if it can take the work. The machine is delivered
// on the returned channel; the caller returns its proc with
// (*arrayMachine).Done.
func (m *machineManager) Offer(hint *arrayMachine) <-chan *arrayMachine {
	c := make(chan *arrayMachine, 1)
	m.reqc <- machineRequest{hint: hint, c: c}
	return c
}

// Do starts machine management. The user typically calls this
// asynchronously. Do services requests for machine capacity and
// monitors machine health: stopped machines are considered lost and
// removed from management.
func (m *machineManager) Do(ctx context.Context) {
	var (
		pending        int
		queue          []machineRequest
		startc         = make(chan startResult)
		lostc          = make(chan *arrayMachine)
		donec          = make(chan machineDone)
		machines       []*arrayMachine
		probation      machineFailureQ
		probationTimer timer
		// Consecutive failures to start machines hint at a systematic
		// problem preventing machine bootup.
		consecutiveStartFailures int
	)
	for {
		if len(probation) == 0 {
			probationTimer.Clear()
		} else {
			probationTimer.Set(probation[0].lastFailure.Add(probationTimeout))
		}
		select {
		case req := <-m.reqc:
			queue = append(queue, req)
		case <-probationTimer.C():
			mach := probation[0]
			mach.health = machineOk
			log.Printf("removing machine %s from probation", mach.Addr)
			heap.Remove(&probation, 0)
			machines = append(machines, mach)
			probationTimer.Clear()
		case done := <-donec:
			mach := done.arrayMachine
			mach.procs--
			switch {
			case done.Err != nil && errors.Is(errors.Net, done.Err) && mach.health == machineOk:
				// Probation is reserved for network errors, e.g. host
				// unavailable; application errors are remediated by the
				// session's retry policy.
				log.Error.Printf("putting machine %s on probation after error: %v", mach, done.Err)
				mach.health = machineProbation
				machines = removeMachine(machines, mach)
				mach.lastFailure = time.Now()
				heap.Push(&probation, mach)
			case done.Err == nil && mach.health == machineProbation:
				log.Printf("machine %s returned successful result; removing probation", mach)
				mach.health = machineOk
				heap.Remove(&probation, mach.index)
				machines = append(machines, mach)
			case mach.health == machineLost:
				// Already removed from management.
			case mach.health == machineProbation:
				mach.lastFailure = time.Now()
				heap.Fix(&probation, mach.index)
			case mach.health == machineOk:
			default:
				panic("invalid machine state")
			}
		case result := <-startc:
			pending -= m.machprocs * (len(result.machines) + result.nFailures)
			for _, mach := range result.machines {
				machines = append(machines, mach)
				mach.donec = donec
				m.machinesWG.Add(1)
				go func(mach *arrayMachine) {
					tasks := mach.Go(ctx)
					m.machinesWG.Done()
					if ctx.Err() == nil {
						lostc <- mach
						m.onLost(mach, tasks)
					}
				}(mach)
			}
			if len(result.machines) > 0 {
				consecutiveStartFailures = 0
			} else {
				consecutiveStartFailures += result.nFailures
				if consecutiveStartFailures > 8 {
					log.Printf("warning: failed to start last %d machines; check for systematic problem preventing machine bootup", consecutiveStartFailures)
				}
			}
		case mach := <-lostc:
			log.Error.Printf("machine %s stopped with error %v", mach, mach.Err())
			switch mach.health {
			case machineOk:
				machines = removeMachine(machines, mach)
			case machineProbation:
				heap.Remove(&probation, mach.index)
			}
			mach.health = machineLost
			mach.Status.Done()
		case <-ctx.Done():
			return
		}

		// Satisfy as many queued requests as capacity allows.
		var unmet []machineRequest
		for _, req := range queue {
			mach := schedule(req, machines)
			if mach == nil {
				unmet = append(unmet, req)
				continue
			}
			mach.procs++
			req.c <- mach
		}
		queue = unmet

		need := len(queue)
		for _, mach := range machines {
			need += mach.procs
		}
		if have := (len(machines) + len(probation)) * m.machprocs; have+pending < need && have+pending < m.maxp {
			needProcs := min(need, m.maxp) - have - pending
			needMachines := min((needProcs+m.machprocs-1)/m.machprocs, maxStartMachines)
			pending += needMachines * m.machprocs
			log.Printf("machinemanager: %d machines (%d procs); %d procs pending",
				len(machines), have, pending)
			go func() {
				machines := startMachines(ctx, m.b, m.group, m.machprocs, needMachines, m.worker, m.params...)
				startc <- startResult{
					machines:  machines,
					nFailures: needMachines - len(machines),
				}
			}()
		}
	}
}

// schedule returns a machine for the request: its hint when healthy
// with a free proc, and otherwise the machine with the most free
// procs. It returns nil if no machine has capacity.
func schedule(req machineRequest, machines []*arrayMachine) *arrayMachine {
	if h := req.hint; h != nil && h.health == machineOk && !h.Lost() && h.procs < h.maxProcs {
		return h
	}
	var best *arrayMachine
	for _, mach := range machines {
		if mach.procs >= mach.maxProcs {
			continue
		}
		if best == nil || mach.maxProcs-mach.procs > best.maxProcs-best.procs {
			best = mach
		}
	}
	return best
}

func removeMachine(ms []*arrayMachine, m *arrayMachine) []*arrayMachine {
	for i := range ms {
		if ms[i] == m {
			ms[i] = ms[len(ms)-1]
			return ms[:len(ms)-1]
		}
	}
	return ms
}

// startMachines starts a number of machines on b, installing the
// block worker service on each of them. startMachines returns the
// machines that reached bigmachine.Running state.
func startMachines(ctx context.Context, b *bigmachine.B, group *status.Group, maxProcs, n int, worker *worker, params ...bigmachine.Param) []*arrayMachine {
	params = append([]bigmachine.Param{bigmachine.Services{"Worker": worker}}, params...)
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		log.Error.Printf("error starting machines: %v", err)
		return nil
	}
	var wg sync.WaitGroup
	arrayMachines := make([]*arrayMachine, len(machines))
	for i := range machines {
		i := i
		mach := machines[i]
		status := group.Start()
		status.Print("waiting for machine to boot")
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-mach.Wait(bigmachine.Running)
			if err := mach.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", mach.Addr, err)
				status.Printf("failed to start: %v", err)
				status.Done()
				return
			}
			status.Title(mach.Addr)
			status.Print("running")
			log.Printf("machine %v is ready", mach.Addr)
			arrayMachines[i] = &arrayMachine{
				Machine:  mach,
				Stats:    stats.NewMap(),
				Status:   status,
				maxProcs: maxProcs,
			}
		}()
	}
	wg.Wait()
	n = 0
	for _, m := range arrayMachines {
		if m != nil {
			arrayMachines[n] = m
			n++
		}
	}
	return arrayMachines[:n]
}

func min(x, y int) int {
	if x < y {
		return x
	}
	return y
}
