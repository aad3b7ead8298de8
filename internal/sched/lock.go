package sched

import "github.com/go-pintos/kernel/internal/donation"

// Lock is the scheduler-integrated synchronization primitive spec.md's
// overview describes: "Synchronization primitives built on the scheduler
// (semaphores, locks) invoke the donation forest on every block/unblock/
// acquire/release." It pairs one donation.Lock with the thread-blocking
// machinery.
//
// This package drives the scheduler synchronously (one Go call per
// scheduler event, the same discrete-event style thread_block/
// thread_unblock/thread_yield already use) rather than parking a real
// goroutine per thread, so Acquire cannot simply block the calling
// goroutine until the lock is free: a caller that loses the race is left
// BLOCKED and not running, and the driver (a test, or cmd/kernelsim's
// demo loop) must call FinishAcquire once the scheduler dispatches that
// thread again — exactly the point at which a real kernel's lock_acquire
// would resume inside sema_down after being woken.
type Lock struct {
	s  *Scheduler
	dl *donation.Lock
}

// NewLock creates an unheld, named lock owned by s.
func (s *Scheduler) NewLock(name string) *Lock {
	return &Lock{s: s, dl: donation.NewLock(name)}
}

// Acquire takes the lock immediately if free (returning true), or
// donates and blocks caller if held (returning false). caller must be
// the currently running thread in the false case.
func (l *Lock) Acquire(caller *Thread) bool {
	if l.dl.Holder() == nil {
		l.s.forest.Acquire(caller.Thread, l.dl)
		return true
	}
	l.s.forest.Block(caller.Thread, l.dl)
	l.s.Block(caller)
	return false
}

// FinishAcquire completes an Acquire that returned false, once the
// scheduler has dispatched caller again. Precondition: caller was woken
// by this lock's most recent Release (caller.Thread.Donee() == nil).
func (l *Lock) FinishAcquire(caller *Thread) {
	l.s.forest.Acquire(caller.Thread, l.dl)
}

// Release gives the lock up and, if a thread was waiting, wakes the
// highest-priority waiter (spec.md §4.4's release precondition: the
// holder must not itself be blocked on anything). The woken thread is
// only made READY — thread_unblock never preempts — so the caller of
// Release keeps running until it next yields or blocks.
func (l *Lock) Release() {
	waiter, hasWaiter := l.dl.PeekWaiter()
	l.s.forest.Release(l.dl)
	if hasWaiter {
		l.s.forest.Unblock(waiter)
		if th, ok := l.s.byDonation[waiter]; ok {
			l.s.Unblock(th)
		}
	}
}

// Holder returns the lock's current holder, or nil.
func (l *Lock) Holder() *Thread {
	dt := l.dl.Holder()
	if dt == nil {
		return nil
	}
	return l.s.byDonation[dt]
}
