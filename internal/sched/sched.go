// Package sched implements spec.md §4.3's priority scheduler: a 64-level
// ready-queue array with an auxiliary non-empty-queue list, round-robin
// dispatch within a level, and an MLFQS feedback mode.
//
// The teacher's goroutine.go grounds the thread lifecycle here (status
// constants, a single-owner "current thread" global, explicit block/
// unblock/yield state transitions instead of letting the Go runtime's own
// scheduler make those decisions) even though the teacher schedules real
// ARM64 goroutines and this package schedules simulated Thread records —
// the shape of thread_create/thread_block/thread_unblock/thread_yield/
// thread_exit is the same state machine either way.
package sched

import (
	"fmt"

	"github.com/go-pintos/kernel/internal/donation"
	"github.com/go-pintos/kernel/internal/fixedpoint"
	"github.com/rs/zerolog"
)

// Status mirrors the teacher's runtimeG.atomicstatus discriminant
// (_Grunnable/_Grunning/_Gwaiting/_Gdead), narrowed to the four states
// spec.md's thread lifecycle actually uses.
type Status int

const (
	StatusReady Status = iota
	StatusRunning
	StatusBlocked
	StatusDying
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusBlocked:
		return "blocked"
	case StatusDying:
		return "dying"
	default:
		return "unknown"
	}
}

// Scheduling bounds, per spec.md §3/§4.3.
const (
	PriMin = donation.PriMin
	PriMax = donation.PriMax

	NumLevels = PriMax + 1

	// PriDefault is the midpoint of [PriMin, PriMax]. ThreadCreate always
	// takes an explicit priority and does not apply this value itself.
	PriDefault = PriMax / 2

	NiceMin = -20
	NiceMax = 20

	TimeSlice = 4
	TimerFreq = 100 // ticks per second
)

// TID identifies a thread for the lifetime of the scheduler.
type TID uint64

// Thread is one schedulable unit: spec.md §3's Thread record. Donation
// bookkeeping is delegated to an embedded *donation.Thread so that locks
// built on this scheduler (see Lock in this package) can hand it straight
// to a donation.Forest.
type Thread struct {
	TID    TID
	Name   string
	Status Status

	*donation.Thread

	// nice and recent_cpu are MLFQS-only fields (spec.md §4.3); they sit
	// unused when the scheduler is in round-robin mode.
	nice      int
	recentCPU fixedpoint.T

	ticksInLevel int

	fifoNode   *fifoNode
	readyLevel int // level whose list holds fifoNode while READY
}

// fifoNode is the doubly-linked list element backing one priority level's
// ready queue (spec.md §4.3: "Round-robin occurs within a single priority
// level via FIFO order in its list").
type fifoNode struct {
	thread     *Thread
	prev, next *fifoNode
}

type fifoList struct {
	head, tail *fifoNode
	size       int
}

func (l *fifoList) pushBack(t *Thread) *fifoNode {
	n := &fifoNode{thread: t}
	if l.tail == nil {
		l.head, l.tail = n, n
	} else {
		n.prev = l.tail
		l.tail.next = n
		l.tail = n
	}
	l.size++
	return n
}

func (l *fifoList) popFront() *Thread {
	if l.head == nil {
		return nil
	}
	n := l.head
	l.remove(n)
	return n.thread
}

func (l *fifoList) remove(n *fifoNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.size--
}

// Mode selects round-robin-with-donation scheduling or MLFQS feedback
// scheduling; spec.md §4.3 treats these as mutually exclusive ("In MLFQS
// mode, donation is disabled").
type Mode int

const (
	ModeRoundRobin Mode = iota
	ModeMLFQS
)

// Scheduler owns the 64-entry ready-queue array, the non-empty-queue
// list, and the currently running thread, per spec.md §4.3.
type Scheduler struct {
	mode Mode
	log  zerolog.Logger

	levels       [NumLevels]fifoList
	nonEmpty     []uint8 // sorted descending list of occupied levels
	numReady     int
	running      *Thread
	nextTID      TID
	idle         *Thread
	forest       *donation.Forest
	byDonation   map[*donation.Thread]*Thread
	loadAvg      fixedpoint.T
	tickCount    uint64
	allThreads   map[TID]*Thread
}

// New creates a scheduler in the given mode, with an idle thread to
// dispatch when no other thread is ready.
func New(mode Mode, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		mode:       mode,
		log:        log,
		byDonation: make(map[*donation.Thread]*Thread),
		allThreads: make(map[TID]*Thread),
	}
	s.forest = donation.New(donation.NewHandoffGuard(), s)
	s.idle = s.newThreadLocked("idle", PriMin)
	s.idle.Status = StatusRunning
	s.running = s.idle
	return s
}

// PriorityChanged implements donation.Notifier: when a donation cascade
// changes a READY thread's priority, it must move to its new level
// (spec.md §4.4, last paragraph).
func (s *Scheduler) PriorityChanged(dt *donation.Thread) {
	t, ok := s.byDonation[dt]
	if !ok || t.Status != StatusReady || t.fifoNode == nil {
		return
	}
	s.removeFromReadyLocked(t)
	s.insertReadyLocked(t)
}

func (s *Scheduler) newThreadLocked(name string, priority uint8) *Thread {
	s.nextTID++
	dt := donation.NewThread(name, priority)
	t := &Thread{
		TID:    s.nextTID,
		Name:   name,
		Status: StatusBlocked,
		Thread: dt,
	}
	s.byDonation[dt] = t
	s.allThreads[t.TID] = t
	return t
}

// Forest exposes the scheduler's donation forest so synchronization
// primitives (see Lock) can drive it.
func (s *Scheduler) Forest() *donation.Forest { return s.forest }

// Running returns the currently dispatched thread.
func (s *Scheduler) Running() *Thread { return s.running }

// NumReady returns num_ready_threads, maintained in lock-step with the
// ready-queue array (spec.md §4.3).
func (s *Scheduler) NumReady() int { return s.numReady }

// ThreadCreate allocates a new thread, unblocks it, and yields if it
// outranks the caller (spec.md §4.3's thread_create contract — minus the
// page-allocation and switch-frame plumbing, which has no counterpart
// once threads are Go values rather than kernel stacks).
func (s *Scheduler) ThreadCreate(name string, priority uint8) *Thread {
	t := s.newThreadLocked(name, priority)
	s.log.Debug().Str("thread", name).Uint8("priority", priority).Msg("thread_create")
	s.Unblock(t)
	if t.Priority() > s.running.Priority() {
		s.Yield()
	}
	return t
}

// Block transitions t to BLOCKED and, if t is the running thread,
// dispatches a replacement. thread_block in spec.md §4.3.
func (s *Scheduler) Block(t *Thread) {
	if t.Status == StatusReady {
		s.removeFromReadyLocked(t)
	}
	t.Status = StatusBlocked
	if t == s.running {
		s.dispatch()
	}
}

// Unblock transitions t to READY and appends it to its priority level,
// without preempting the running thread. thread_unblock in spec.md §4.3.
func (s *Scheduler) Unblock(t *Thread) {
	if t.Status == StatusReady || t.Status == StatusRunning {
		return
	}
	t.Status = StatusReady
	s.insertReadyLocked(t)
}

// Yield re-queues the running thread and dispatches. thread_yield.
func (s *Scheduler) Yield() {
	t := s.running
	if t != s.idle {
		t.Status = StatusReady
		s.insertReadyLocked(t)
	}
	s.dispatch()
}

// Exit marks the running thread DYING, removes it from the all-threads
// table, and dispatches its successor. thread_exit.
func (s *Scheduler) Exit() {
	t := s.running
	t.Status = StatusDying
	delete(s.allThreads, t.TID)
	delete(s.byDonation, t.Thread)
	s.dispatch()
}

// SetPriority updates t's base priority via the donation forest and
// yields if the caller has been overtaken. thread_set_priority, §4.3
// (round-robin mode only).
func (s *Scheduler) SetPriority(t *Thread, p uint8) {
	if s.mode == ModeMLFQS {
		panic("sched: SetPriority is round-robin-only; use SetNice in MLFQS mode")
	}
	before := t.Priority()
	if t.Status == StatusReady {
		s.removeFromReadyLocked(t)
		s.forest.SetBase(t.Thread, p)
		s.insertReadyLocked(t)
	} else {
		s.forest.SetBase(t.Thread, p)
	}
	if t == s.running && before > t.Priority() {
		s.Yield()
	} else if t != s.running && t.Priority() > s.running.Priority() {
		s.Yield()
	}
}

// SetNice clamps n, recomputes t's dynamic priority, and yields if
// overtaken. thread_set_nice, §4.3 (MLFQS mode only).
func (s *Scheduler) SetNice(t *Thread, n int) {
	if s.mode != ModeMLFQS {
		panic("sched: SetNice requires MLFQS mode")
	}
	if n < NiceMin {
		n = NiceMin
	}
	if n > NiceMax {
		n = NiceMax
	}
	t.nice = n
	s.recomputeMLFQSPriorityLocked(t)
	if t != s.running && t.Priority() > s.running.Priority() {
		s.Yield()
	}
}

// Nice, RecentCPUx100, LoadAvgx100 are the observers spec.md §4.3 lists
// (thread_get_nice/_recent_cpu/_load_avg); Nice returns the raw value, the
// other two are scaled ×100.
func (t *Thread) Nice() int { return t.nice }

func (t *Thread) RecentCPUx100() int64 {
	return int64(fixedpoint.MulInt(t.recentCPU, 100).Round())
}

func (s *Scheduler) LoadAvgx100() int64 {
	return int64(fixedpoint.MulInt(s.loadAvg, 100).Round())
}

// Tick is the timer-interrupt handler's per-tick accounting, driving both
// preemption (every TimeSlice ticks) and, in MLFQS mode, recent_cpu/
// load_avg/priority recomputation (spec.md §4.3 "MLFQS (when enabled)").
func (s *Scheduler) Tick() {
	s.tickCount++
	if s.running != s.idle {
		s.running.ticksInLevel++
	}
	if s.mode == ModeMLFQS {
		if s.running != s.idle {
			s.running.recentCPU = fixedpoint.AddInt(s.running.recentCPU, 1)
		}
		if s.tickCount%TimerFreq == 0 {
			s.recomputeLoadAvgAndRecentCPULocked()
		}
		if s.tickCount%TimeSlice == 0 {
			for _, t := range s.allThreads {
				s.recomputeMLFQSPriorityLocked(t)
			}
		}
	}
	if s.running != s.idle && s.running.ticksInLevel >= TimeSlice {
		s.running.ticksInLevel = 0
		s.Yield()
	}
}

func (s *Scheduler) recomputeLoadAvgAndRecentCPULocked() {
	ready := fixedpoint.FromInt(int32(s.numReady))
	var runningTerm int32
	if s.running != s.idle {
		runningTerm = 1
	}
	readyPlusRunning := fixedpoint.AddInt(ready, runningTerm)

	fiftyNineSixtieths := fixedpoint.Div(fixedpoint.FromInt(59), fixedpoint.FromInt(60))
	oneSixtieth := fixedpoint.Div(fixedpoint.FromInt(1), fixedpoint.FromInt(60))
	s.loadAvg = fixedpoint.Add(
		fixedpoint.Mul(fiftyNineSixtieths, s.loadAvg),
		fixedpoint.Mul(oneSixtieth, readyPlusRunning),
	)

	twiceLoadAvg := fixedpoint.MulInt(s.loadAvg, 2)
	denom := fixedpoint.AddInt(twiceLoadAvg, 1)
	coeff := fixedpoint.Div(twiceLoadAvg, denom)
	for _, t := range s.allThreads {
		t.recentCPU = fixedpoint.AddInt(fixedpoint.Mul(coeff, t.recentCPU), int32(t.nice))
	}
}

func (s *Scheduler) recomputeMLFQSPriorityLocked(t *Thread) {
	recentCPUOver4 := fixedpoint.Div(t.recentCPU, fixedpoint.FromInt(4)).Floor()
	p := int(PriMax) - int(recentCPUOver4) - 2*t.nice
	if p < PriMin {
		p = PriMin
	}
	if p > PriMax {
		p = PriMax
	}
	if t.Status == StatusReady {
		s.removeFromReadyLocked(t)
		s.forest.SetBase(t.Thread, uint8(p))
		s.insertReadyLocked(t)
	} else if t.Status != StatusBlocked || t.Thread.Donee() == nil {
		s.forest.SetBase(t.Thread, uint8(p))
	}
}

// insertReadyLocked appends t to its priority level's FIFO list and
// maintains the non-empty-level list and num_ready_threads.
func (s *Scheduler) insertReadyLocked(t *Thread) {
	level := int(t.Priority())
	wasEmpty := s.levels[level].size == 0
	t.fifoNode = s.levels[level].pushBack(t)
	t.readyLevel = level
	s.numReady++
	if wasEmpty {
		s.insertNonEmptyLevel(level)
	}
}

func (s *Scheduler) removeFromReadyLocked(t *Thread) {
	level := t.readyLevel
	s.levels[level].remove(t.fifoNode)
	t.fifoNode = nil
	s.numReady--
	if s.levels[level].size == 0 {
		s.removeNonEmptyLevel(level)
	}
}

func (s *Scheduler) insertNonEmptyLevel(level int) {
	i := 0
	for i < len(s.nonEmpty) && int(s.nonEmpty[i]) > level {
		i++
	}
	s.nonEmpty = append(s.nonEmpty, 0)
	copy(s.nonEmpty[i+1:], s.nonEmpty[i:])
	s.nonEmpty[i] = uint8(level)
}

func (s *Scheduler) removeNonEmptyLevel(level int) {
	for i, l := range s.nonEmpty {
		if int(l) == level {
			s.nonEmpty = append(s.nonEmpty[:i], s.nonEmpty[i+1:]...)
			return
		}
	}
}

// dispatch picks the head of the highest non-empty level, or idle, and
// makes it the running thread.
func (s *Scheduler) dispatch() {
	if len(s.nonEmpty) == 0 {
		s.running = s.idle
		s.idle.Status = StatusRunning
		return
	}
	level := int(s.nonEmpty[0])
	next := s.levels[level].popFront()
	s.numReady--
	if s.levels[level].size == 0 {
		s.removeNonEmptyLevel(level)
	}
	next.Status = StatusRunning
	next.ticksInLevel = 0
	s.running = next
}

// AllThreadsCount reports the live thread count, for diagnostics.
func (s *Scheduler) AllThreadsCount() int { return len(s.allThreads) }

func (t *Thread) String() string {
	return fmt.Sprintf("Thread{%s tid=%d pri=%d status=%s}", t.Name, t.TID, t.Priority(), t.Status)
}
