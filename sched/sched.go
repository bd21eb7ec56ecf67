// Package sched implements the scheduler and process model,
// combined with the per-process CPU-time accounting and thread-note
// bookkeeping Biscuit kept as two separate files (accnt/accnt.go,
// tinfo/tinfo.go).
//
// tinfo.go's Current()/SetCurrent() identify "the running thread" via
// runtime.Gptr(), a patched-runtime hook that stashes a pointer in the
// per-goroutine structure — unavailable here. This package substitutes
// the idiomatic Go equivalent: each Process owns a dedicated goroutine
// for its entire lifetime (runLoop), and "the current process on CPU
// c" is simply c.current, read and written only by that CPU's own
// loop goroutine. No global or goroutine-local lookup is needed
// because callers always have the *Process they are acting on in
// hand, the same way tinfo.Current() handed back a *Tnote_t.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"biscuit-core/defs"
	"biscuit-core/handle"
	"biscuit-core/limits"
	"biscuit-core/resns"
	"biscuit-core/vmm"
	"biscuit-core/walltime"
)

// / State is a process's run-state.
type State int

const (
	Runnable State = iota
	Running
	Blocked
	Zombie
)

const timeslice = 20 * time.Millisecond

// / cpuTime accumulates the wall-clock duration a process has spent
// / actually running on a CPU, added at every point its slice ends
// / (Yield, Block, or its Body returning). Biscuit's accnt.Accnt_t
// / kept separate user/sys nanosecond counters because a real process
// / alternates between ring 3 and ring 0 execution; every Process here
// / runs its entire Body as one uninterrupted Go call with no
// / privilege split to measure, so there is only one clock to keep.
type cpuTime struct {
	mu sync.Mutex
	ns int64
}

func (c *cpuTime) add(d time.Duration) {
	c.mu.Lock()
	c.ns += int64(d)
	c.mu.Unlock()
}

func (c *cpuTime) get() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.ns)
}

// / Process is the per-thread state of : address space,
// / handle table, resource namespace, saved registers, and the
// / run/wait-queue linkage the scheduler needs.
type Process struct {
	Tid       defs.Tid_t
	AS        *vmm.AddressSpace
	Handles   *handle.Table
	Resources *resns.Namespace
	EntryRIP  uintptr // saved register state: instruction pointer at spawn
	UserRSP   uintptr // saved register state: user stack pointer at spawn

	Body func(*Process)

	usage cpuTime

	sched *Scheduler

	mu    sync.Mutex
	state State
	cpu   *CPU

	preemptDisable int32
	preemptDelayed bool
	sliceStart     time.Time

	turn chan struct{}
	done chan struct{}
}

// / State reports the process's current run-state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// / PreemptDisable brackets a critical section the way // / requires ("preempt_disable bracketing wraps any critical section
// / that holds a spinlock").
func (p *Process) PreemptDisable() {
	atomic.AddInt32(&p.preemptDisable, 1)
}

// / PreemptEnable ends the bracket; if a preemption was deferred while
// / disabled, it is serviced now via a cooperative Yield: the deferred
// / preemption fires as soon as the disable counter reaches zero.
func (p *Process) PreemptEnable() {
	if atomic.AddInt32(&p.preemptDisable, -1) == 0 && p.preemptDelayed {
		p.preemptDelayed = false
		p.Yield()
	}
}

// / PreemptCheck is the cooperative checkpoint a Body implementation
// / calls between units of work. Real Biscuit takes a genuine timer
// / interrupt mid-instruction-stream; a hosted Go goroutine cannot be
// / preempted at an arbitrary point without the runtime's own
// / scheduler cooperation, so this package substitutes explicit
// / checkpoints, the same trade the pre-1.14 Go runtime itself made
// / before async preemption existed.
func (p *Process) PreemptCheck() {
	if time.Since(p.sliceStart) < timeslice {
		return
	}
	if atomic.LoadInt32(&p.preemptDisable) != 0 {
		p.preemptDelayed = true
		return
	}
	p.Yield()
}

// / Yield is sched_yield(): requeue current and
// / pick next.
func (p *Process) Yield() {
	p.usage.add(time.Since(p.sliceStart))
	p.setState(Runnable)
	p.sched.enqueue(p)
	p.done <- struct{}{}
	<-p.turn
	p.sliceStart = time.Now()
}

// / Block is process_block(lock): atomically marks
// / current blocked and releases unlock (if non-nil) before the
// / switch, preventing a lost wakeup between the caller checking its
// / condition and actually suspending.
func (p *Process) Block(unlock func()) {
	p.usage.add(time.Since(p.sliceStart))
	p.setState(Blocked)
	if unlock != nil {
		unlock()
	}
	p.done <- struct{}{}
	<-p.turn
	p.setState(Running)
	p.sliceStart = time.Now()
}

// / CPUTime returns the total wall-clock time p has spent running,
// / accumulated across every slice — the data source for
// / process_time_get.
func (p *Process) CPUTime() time.Duration {
	return p.usage.get()
}

// / ProcessWait blocks until deadline, the direct analogue of
// / process_wait. It registers
// / with the scheduler's wait queue and re-enqueues itself on expiry.
func (p *Process) ProcessWait(deadline walltime.Timestamp) {
	e := p.sched.wq.Insert(deadline)
	go func() {
		<-e.Wake()
		p.sched.Wake(p)
	}()
	p.Block(nil)
}

// / CPU is one simulated per-CPU scheduling context: a local runnable
// / queue and a dedicated loop goroutine standing in for a physical
// / core. Per-CPU state is conceptually private to the CPU and
// / accessed without locks; this package keeps a small mutex only
// / because Go's goroutines, unlike real cores, share an address space
// / and the runq slice needs protecting from the scheduler's enqueue
// / running on another goroutine.
type CPU struct {
	ID    int
	sched *Scheduler

	mu      sync.Mutex
	runq    []*Process
	current *Process
	idle    bool
	wake    chan struct{}
}

// / Current returns the process this CPU is presently running, or nil
// / if it is idle.
func (c *CPU) Current() *Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *CPU) loop() {
	for {
		c.mu.Lock()
		if len(c.runq) == 0 {
			c.idle = true
			c.current = nil
			c.mu.Unlock()
			c.sched.addIdle(c)
			<-c.wake
			continue
		}
		p := c.runq[0]
		c.runq = c.runq[1:]
		c.idle = false
		c.current = p
		c.mu.Unlock()

		p.mu.Lock()
		p.cpu = c
		p.state = Running
		p.mu.Unlock()
		p.sliceStart = time.Now()

		p.turn <- struct{}{}
		<-p.done
	}
}

// / Scheduler owns every CPU's run queue and the global wait queue
// / blocking processes register with.
type Scheduler struct {
	log  logr.Logger
	cpus []*CPU
	wq   *walltime.Queue

	mu      sync.Mutex
	idle    []*CPU
	nextTid int64
}

// / New builds a scheduler with ncpu simulated CPUs, each running its
// / own dispatch loop, sharing wq as the global deadline-ordered wait
// / queue.
func New(log logr.Logger, ncpu int, wq *walltime.Queue) *Scheduler {
	s := &Scheduler{log: log, wq: wq}
	for i := 0; i < ncpu; i++ {
		c := &CPU{ID: i, sched: s, idle: true, wake: make(chan struct{}, 1)}
		s.cpus = append(s.cpus, c)
		s.idle = append(s.idle, c)
		go c.loop()
	}
	return s
}

func (s *Scheduler) addIdle(c *CPU) {
	s.mu.Lock()
	s.idle = append(s.idle, c)
	s.mu.Unlock()
}

// pickCPU implements process_enqueue's placement policy: prefer an
// idle CPU from the global idle list; otherwise the CPU with the
// shortest run queue.
func (s *Scheduler) pickCPU() *CPU {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.idle) > 0 {
		c := s.idle[0]
		s.idle = s.idle[1:]
		return c
	}
	best := s.cpus[0]
	for _, c := range s.cpus[1:] {
		c.mu.Lock()
		bl := len(best.runq)
		cl := len(c.runq)
		c.mu.Unlock()
		if cl < bl {
			best = c
		}
	}
	return best
}

func (s *Scheduler) enqueue(p *Process) {
	c := s.pickCPU()
	c.mu.Lock()
	c.runq = append(c.runq, p)
	wasIdle := c.idle
	c.idle = false
	c.mu.Unlock()
	if wasIdle {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// / Wake implements process_enqueue for a process transitioning
// / blocked → runnable. A no-op if p is not
// / currently blocked, so a racing timeout-then-message delivery
// / cannot double-enqueue.
func (s *Scheduler) Wake(p *Process) {
	p.mu.Lock()
	if p.state != Blocked {
		p.mu.Unlock()
		return
	}
	p.state = Runnable
	p.mu.Unlock()
	s.enqueue(p)
}

// / Spawn creates a new process bound to as/handles/resources running
// / body, and admits it as runnable (final
// / "enqueue as runnable" step). It fails no-memory if doing so would
// / exceed limits.Syslimit.Procs (per-subsystem
// / resource budgets).
func (s *Scheduler) Spawn(as *vmm.AddressSpace, handles *handle.Table, resources *resns.Namespace, body func(*Process)) (*Process, defs.Err_t) {
	if !limits.Syslimit.Procs.Take() {
		return nil, defs.ENOMEM
	}
	tid := defs.Tid_t(atomic.AddInt64(&s.nextTid, 1))
	p := &Process{
		Tid:       tid,
		AS:        as,
		Handles:   handles,
		Resources: resources,
		Body:      body,
		sched:     s,
		state:     Runnable,
		turn:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.runLoop()
	s.enqueue(p)
	return p, 0
}

func (p *Process) runLoop() {
	<-p.turn
	if p.Body != nil {
		p.Body(p)
	}
	p.usage.add(time.Since(p.sliceStart))
	p.setState(Zombie)
	if p.Handles != nil {
		p.Handles.CloseAll()
	}
	limits.Syslimit.Procs.Give()
	p.done <- struct{}{}
}
