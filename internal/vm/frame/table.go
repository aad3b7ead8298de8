// Package frame implements spec.md §4.5.1's frame table: the fixed pool
// of physical frames, the used-queue second-chance replacement algorithm,
// and the identity-keyed frame-locking protocol that lets a concurrent
// eviction invalidate a stale caller deterministically.
//
// Grounded on the teacher's external-collaborator pattern (page.go backs
// itself with a bump allocator behind a thin kmalloc wrapper, keeping the
// replacement policy itself free of hardware detail) and on
// golang.org/x/sync/semaphore for the unlocked_frames counting semaphore
// spec.md §4.5.1/§5 calls out as "the only primitive that blocks when no
// frame is evictable."
package frame

import (
	"context"
	"sync"

	"github.com/go-pintos/kernel/internal/bitfield"
	"github.com/go-pintos/kernel/internal/external"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Owner is the per-frame owner callback set spec.md §4.5.1 requires:
// identity ("is this still my frame"), the second-chance accessed-bit
// probe, and the eviction write-back. Swappable pages (internal/vm/fault)
// and shared mmap entries (internal/vm/mmap) both implement it.
type Owner interface {
	// WasAccessed reports (and the caller, on true, is expected to also
	// call ResetAccessed) whether kpage has been touched since the last
	// reset, across every page-table entry backed by it.
	WasAccessed(kpage external.KPage) bool
	// ResetAccessed clears the accessed bit everywhere kpage is mapped.
	ResetAccessed(kpage external.KPage)
	// Evict is called with the table's used-queue lock already released,
	// exactly once, when this owner's frame has been chosen as a victim.
	// It must durably relocate the page's data (swap-out or mmap
	// write-back) before returning.
	Evict(kpage external.KPage)
}

type entry struct {
	owner  Owner
	kpage  external.KPage
	locked bool
	inUse  bool // present in the pool at all (vs. a never-allocated slot)

	prev, next int // used-queue links; -1 = none
}

// Table is the frame table: spec.md §3's "contiguous array of physical
// frames" plus the bookkeeping frame_get/frame_lock_*/frame_unlock_*/
// frame_free need.
type Table struct {
	pool *external.Pool
	log  zerolog.Logger

	mu      sync.Mutex
	entries []entry
	head    int // used-queue front (next eviction candidate)
	tail    int // used-queue back (most recently unlocked)

	unlocked *semaphore.Weighted
}

// New creates a frame table over pool, with unlocked_frames initialized
// to the pool's size, per spec.md §4.5.1.
func New(pool *external.Pool, log zerolog.Logger) *Table {
	n := pool.NumFrames()
	t := &Table{
		pool:     pool,
		log:      log,
		entries:  make([]entry, n),
		head:     -1,
		tail:     -1,
		unlocked: semaphore.NewWeighted(int64(n)),
	}
	for i := range t.entries {
		t.entries[i].prev, t.entries[i].next = -1, -1
	}
	return t
}

// Get returns a locked frame for owner, running the second-chance
// eviction loop if the pool has no free frame (spec.md §4.5.1
// frame_get).
func (t *Table) Get(ctx context.Context, owner Owner, zero bool) (external.KPage, error) {
	if err := t.unlocked.Acquire(ctx, 1); err != nil {
		return external.NoPage, err
	}

	t.mu.Lock()
	flags := external.Flags(0)
	if zero {
		flags |= external.PalZero
	}
	if kpage, ok := t.pool.GetPage(flags | external.PalUser); ok {
		i := t.pool.Index(kpage)
		t.entries[i] = entry{owner: owner, kpage: kpage, locked: true, inUse: true, prev: -1, next: -1}
		t.mu.Unlock()
		return kpage, nil
	}

	for {
		i, ok := t.popFrontLocked()
		if !ok {
			// unlocked_frames said a frame was available but the
			// used-queue is empty: every in-use frame is locked. This
			// is a kernel bug, not a transient race.
			t.mu.Unlock()
			panic("frame: unlocked_frames permitted Get with an empty used-queue")
		}
		e := &t.entries[i]
		if e.owner.WasAccessed(e.kpage) {
			e.owner.ResetAccessed(e.kpage)
			t.pushBackLocked(i)
			continue
		}

		victim := e.owner
		vkpage := e.kpage
		e.locked = true
		e.owner = nil // "owner cleared to mark the frame Locked"
		t.mu.Unlock() // release before the evict callback's I/O

		victim.Evict(vkpage)

		t.mu.Lock()
		e.owner = owner
		t.mu.Unlock()
		if zero {
			clear(t.pool.Bytes(vkpage))
		}
		return vkpage, nil
	}
}

// tryLock is the shared body of LockMmaped/LockSwappable: identity-keyed
// acquisition per spec.md §4.5.1.
func (t *Table) tryLock(ctx context.Context, kpage external.KPage, expected Owner) (bool, error) {
	if err := t.unlocked.Acquire(ctx, 1); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.pool.Index(kpage)
	e := &t.entries[i]
	if !e.inUse || e.locked || e.owner != expected {
		t.unlocked.Release(1)
		return false, nil
	}
	e.locked = true
	t.removeLocked(i)
	return true, nil
}

// LockMmaped attempts to lock kpage on behalf of a shared mmap entry
// (frame_lock_mmaped).
func (t *Table) LockMmaped(ctx context.Context, kpage external.KPage, shared Owner) (bool, error) {
	return t.tryLock(ctx, kpage, shared)
}

// LockSwappable attempts to lock kpage on behalf of a swappable-page
// owner (frame_lock_swappable).
func (t *Table) LockSwappable(ctx context.Context, kpage external.KPage, owner Owner) (bool, error) {
	return t.tryLock(ctx, kpage, owner)
}

// Unlock re-inserts kpage at the back of the used-queue under owner, the
// end farthest from the clock hand, giving it one full clock sweep before
// it can be re-evicted (frame_unlock_*).
func (t *Table) Unlock(kpage external.KPage, owner Owner) {
	t.mu.Lock()
	i := t.pool.Index(kpage)
	e := &t.entries[i]
	e.owner = owner
	e.locked = false
	t.pushBackLocked(i)
	t.mu.Unlock()
	t.unlocked.Release(1)
}

// Free releases a locked frame back to the pool (frame_free). The caller
// must have just locked or just obtained kpage from Get.
func (t *Table) Free(kpage external.KPage) {
	t.mu.Lock()
	i := t.pool.Index(kpage)
	t.entries[i] = entry{prev: -1, next: -1}
	t.mu.Unlock()
	t.pool.FreePage(kpage)
	t.unlocked.Release(1)
}

// Owner reports the current owner of kpage's table entry, for tests and
// diagnostics. The second result is true only if the frame is in use and
// unlocked, i.e. sitting in the used-queue.
func (t *Table) Owner(kpage external.KPage) (Owner, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[t.pool.Index(kpage)]
	return e.owner, e.inUse && !e.locked
}

// FrameState is one frame's snapshot for diagnostics (cmd/frameviz).
type FrameState struct {
	Index      int
	InUse      bool
	Locked     bool
	OwnerLabel string
	ClockHand  bool // true for the frame at the head of the used-queue
}

// frameFlags is the bitfield.Pack/Unpack view of a FrameState's booleans,
// mirroring the teacher's own page.go pattern of packing a Page's
// allocation flags ("flags uint32 // Packed PageFlags using bitfield")
// into one word instead of separate struct fields — used here for this
// table's diagnostic snapshot rather than the allocator's page metadata.
type frameFlags struct {
	InUse     bool `bitfield:",1"`
	Locked    bool `bitfield:",1"`
	ClockHand bool `bitfield:",1"`
}

// Flags packs s's booleans into a single word for callers (cmd/frameviz)
// that want a compact representation instead of the full struct, e.g. for
// a debug log line or a legend byte alongside the rendered PNG.
func (s FrameState) Flags() uint32 {
	packed, err := bitfield.Pack(frameFlags{InUse: s.InUse, Locked: s.Locked, ClockHand: s.ClockHand}, &bitfield.Config{NumBits: 3})
	if err != nil {
		// Three bool fields can never overflow a 3-bit word.
		panic(err)
	}
	return uint32(packed)
}

// Snapshot returns every frame's current state, for rendering. It does
// not expose Owner values directly (those are caller-defined types with
// no common label method); callers needing a name should type-switch or
// carry a side table keyed by Index.
func (t *Table) Snapshot() []FrameState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FrameState, len(t.entries))
	for i := range t.entries {
		e := &t.entries[i]
		out[i] = FrameState{
			Index:     i,
			InUse:     e.inUse,
			Locked:    e.locked,
			ClockHand: i == t.head,
		}
	}
	return out
}

func (t *Table) pushFrontLocked(i int) {
	t.entries[i].prev, t.entries[i].next = -1, t.head
	if t.head != -1 {
		t.entries[t.head].prev = i
	}
	t.head = i
	if t.tail == -1 {
		t.tail = i
	}
}

func (t *Table) pushBackLocked(i int) {
	t.entries[i].next, t.entries[i].prev = -1, t.tail
	if t.tail != -1 {
		t.entries[t.tail].next = i
	}
	t.tail = i
	if t.head == -1 {
		t.head = i
	}
}

func (t *Table) popFrontLocked() (int, bool) {
	if t.head == -1 {
		return -1, false
	}
	i := t.head
	t.removeLocked(i)
	return i, true
}

func (t *Table) removeLocked(i int) {
	e := &t.entries[i]
	if e.prev != -1 {
		t.entries[e.prev].next = e.next
	} else {
		t.head = e.next
	}
	if e.next != -1 {
		t.entries[e.next].prev = e.prev
	} else {
		t.tail = e.prev
	}
	e.prev, e.next = -1, -1
}
