package donation

import "sync"

// NewInterruptGuard returns a Guard that serializes forest mutations by
// disabling interrupts for their duration — spec.md §4.4's first listed
// strategy, "hold the single global interrupt-disable guard for the whole
// cascading walk."
func NewInterruptGuard(intr interface {
	Disable() bool
	SetLevel(bool) bool
}) Guard {
	return &interruptGuard{intr: intr}
}

type interruptGuard struct {
	intr interface {
		Disable() bool
		SetLevel(bool) bool
	}
	old bool
}

func (g *interruptGuard) Lock() { g.old = g.intr.Disable() }

func (g *interruptGuard) Unlock() { g.intr.SetLevel(g.old) }

// NewHandoffGuard returns a Guard backed by a single process-wide mutex,
// held for the whole of each forest operation including its cascading
// walk. It does not carry per-node semaphores and does not walk
// hand-over-hand: like NewInterruptGuard, it serializes every forest
// operation against every other, and differs from it only in using a Go
// mutex instead of an interrupt controller. Most donation tests use it.
func NewHandoffGuard() Guard {
	return &handoffGuard{}
}

type handoffGuard struct {
	mu sync.Mutex
}

func (g *handoffGuard) Lock() { g.mu.Lock() }

func (g *handoffGuard) Unlock() { g.mu.Unlock() }
