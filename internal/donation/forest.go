// Package donation implements the priority-donation forest of spec.md
// §4.4: threads and locks as alternating nodes of a two-colored forest,
// each with out-degree at most one, cascading priority updates bounded to
// DONATION_MAX_DEPTH hops.
//
// The teacher has no donation forest of its own — Go's scheduler does not
// donate priority — so this package is grounded directly in spec.md §3/§4.4
// and in the "Design Notes" (§9) recommendation to give intrusive
// containers a stable handle instead of a raw pointer; Thread and Lock
// hold *pqueue.Node handles into each other's ordered donor sets instead
// of re-deriving position by linear scan.
package donation

import "github.com/go-pintos/kernel/internal/pqueue"

// Priority bounds and traversal cap, per spec.md §3/§4.4.
const (
	PriMin = 0
	PriMax = 63

	MaxDepth = 16
)

// Thread is a donation-forest node representing one schedulable thread's
// priority-donation bookkeeping (spec.md §3 "Thread... Donation:
// donee... donors...").
type Thread struct {
	Name string

	base      uint8
	effective uint8

	// donee is the lock this thread is blocked on, or nil.
	donee *Lock
	// donorNode is this thread's handle within donee.donors; valid iff
	// donee != nil.
	donorNode *pqueue.Node[*Thread]

	// donors is the set of locks this thread currently holds, ordered
	// by each lock's donated priority, highest first.
	donors *pqueue.Queue[*Lock]
}

// NewThread creates a thread node with the given base (and initially
// effective) priority.
func NewThread(name string, basePriority uint8) *Thread {
	t := &Thread{Name: name, base: basePriority, effective: basePriority}
	t.donors = pqueue.New(func(a, b *Lock) bool { return a.Priority() > b.Priority() })
	return t
}

// Priority returns the thread's current effective priority.
func (t *Thread) Priority() uint8 { return t.effective }

// BasePriority returns the thread's programmer-assigned base priority.
func (t *Thread) BasePriority() uint8 { return t.base }

// Donee returns the lock this thread is blocked on, or nil.
func (t *Thread) Donee() *Lock { return t.donee }

func (t *Thread) recompute() uint8 {
	eff := t.base
	if top, ok := t.donors.Top(); ok && top.Priority() > eff {
		eff = top.Priority()
	}
	t.effective = eff
	return eff
}

// Lock is a donation-forest node representing one synchronization
// primitive's donation bookkeeping (spec.md §3 "Lock... Donation:
// priority... donee... donors...").
type Lock struct {
	Name string

	priority uint8

	// donee is the thread currently holding this lock, or nil.
	donee *Thread
	// donorNode is this lock's handle within donee.donors; valid iff
	// donee != nil.
	donorNode *pqueue.Node[*Lock]

	// donors is the set of threads blocked waiting for this lock,
	// ordered by priority, highest first.
	donors *pqueue.Queue[*Thread]
}

// NewLock creates an unheld lock.
func NewLock(name string) *Lock {
	l := &Lock{Name: name, priority: PriMin}
	l.donors = pqueue.New(func(a, b *Thread) bool { return a.Priority() > b.Priority() })
	return l
}

// Priority returns the lock's current donated priority (PriMin if no one
// is waiting on it).
func (l *Lock) Priority() uint8 { return l.priority }

// Holder returns the thread currently holding this lock, or nil.
func (l *Lock) Holder() *Thread { return l.donee }

// PeekWaiter returns the highest-priority thread currently blocked on
// this lock, without removing it, so a caller can decide whether to wake
// anyone before calling Release.
func (l *Lock) PeekWaiter() (*Thread, bool) {
	return l.donors.Top()
}

func (l *Lock) recompute() uint8 {
	p := uint8(PriMin)
	if top, ok := l.donors.Top(); ok && top.Priority() > p {
		p = top.Priority()
	}
	l.priority = p
	return p
}

// Notifier is told whenever a thread's effective priority changes, so the
// scheduler can re-queue it at its new level (spec.md §4.4: "After
// priority recomputation on a thread that is READY, the scheduler must be
// told via a ready-queue update").
type Notifier interface {
	PriorityChanged(t *Thread)
}

type noopNotifier struct{}

func (noopNotifier) PriorityChanged(*Thread) {}

// Guard serializes forest mutations. Two implementations are provided:
// NewInterruptGuard (global interrupt-disable) and NewHandoffGuard (one
// process-wide mutex). Each is held for a whole operation, cascade
// included; neither takes per-node guards.
type Guard interface {
	Lock()
	Unlock()
}

// Forest implements the five operations of spec.md §4.4 over Thread/Lock
// nodes, serialized by the supplied Guard.
type Forest struct {
	guard    Guard
	notifier Notifier
}

// New creates a Forest synchronized by guard. If notifier is nil,
// priority-change notifications are discarded (useful for isolated tests
// of the forest's arithmetic).
func New(guard Guard, notifier Notifier) *Forest {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Forest{guard: guard, notifier: notifier}
}

// Block records that thread is now waiting for lock. Precondition:
// thread.Donee() == nil.
func (f *Forest) Block(thread *Thread, lock *Lock) {
	if thread.donee != nil {
		panic("donation: Block called on a thread that already has a donee")
	}
	f.guard.Lock()
	defer f.guard.Unlock()

	thread.donee = lock
	thread.donorNode = lock.donors.Push(thread)
	lock.recompute()
	f.propagateFromLock(lock, 0)
}

// Unblock records that thread is no longer waiting for its donee lock,
// because that lock has become free. Precondition: thread.Donee() != nil
// && thread.Donee().Holder() == nil.
func (f *Forest) Unblock(thread *Thread) {
	lock := thread.donee
	if lock == nil || lock.donee != nil {
		panic("donation: Unblock precondition violated (no donee, or donee still held)")
	}
	f.guard.Lock()
	defer f.guard.Unlock()

	lock.donors.Remove(thread.donorNode)
	thread.donorNode = nil
	thread.donee = nil
	lock.recompute()
	// No propagation: the lock has no holder, so there is nothing
	// upstream to update.
}

// Acquire records that thread now holds lock. Precondition:
// lock.Holder() == nil.
func (f *Forest) Acquire(thread *Thread, lock *Lock) {
	if lock.donee != nil {
		panic("donation: Acquire called on a lock that is already held")
	}
	f.guard.Lock()
	defer f.guard.Unlock()

	lock.donee = thread
	lock.donorNode = thread.donors.Push(lock)
	f.propagateThread(thread, 0)
}

// Release records that lock's holder has given it up. Precondition:
// lock.Holder() != nil && lock.Holder().Donee() == nil (the holder is not
// itself blocked on anything).
func (f *Forest) Release(lock *Lock) {
	holder := lock.donee
	if holder == nil || holder.donee != nil {
		panic("donation: Release precondition violated (not held, or holder is blocked)")
	}
	f.guard.Lock()
	defer f.guard.Unlock()

	holder.donors.Remove(lock.donorNode)
	lock.donorNode = nil
	lock.donee = nil
	holder.recompute()
	f.notifier.PriorityChanged(holder)
}

// SetBase changes thread's base priority. Precondition: thread.Donee() ==
// nil (it is not blocked — it is the top of its own chain).
func (f *Forest) SetBase(thread *Thread, p uint8) {
	if thread.donee != nil {
		panic("donation: SetBase called on a blocked thread")
	}
	if p > PriMax {
		panic("donation: priority out of range")
	}
	f.guard.Lock()
	defer f.guard.Unlock()

	thread.base = p
	thread.recompute()
	f.notifier.PriorityChanged(thread)
}

// propagateFromLock is invoked right after lock's donor set and priority
// have just been updated; it climbs through lock's holder, if any.
func (f *Forest) propagateFromLock(lock *Lock, hops int) {
	if hops >= MaxDepth {
		return
	}
	holder := lock.donee
	if holder == nil {
		return
	}
	if lock.donorNode != nil {
		holder.donors.Update(lock.donorNode)
	}
	f.propagateThread(holder, hops+1)
}

// propagateThread recomputes thread's effective priority (one of the
// locks it holds, or a lock it just started holding, may have changed
// priority) and, if thread's own priority changed and it is itself
// blocked, climbs further.
func (f *Forest) propagateThread(thread *Thread, hops int) {
	if hops >= MaxDepth {
		return
	}
	old := thread.effective
	thread.recompute()
	f.notifier.PriorityChanged(thread)
	if old == thread.effective {
		return
	}
	lock := thread.donee
	if lock == nil {
		return
	}
	if thread.donorNode != nil {
		lock.donors.Update(thread.donorNode)
	}
	oldLP := lock.priority
	lock.recompute()
	if lock.priority == oldLP {
		return
	}
	f.propagateFromLock(lock, hops+1)
}
