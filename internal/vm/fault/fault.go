// Package fault implements spec.md §4.5.4 and the system overview's "Page
// fault → VM core resolves the faulting page" control flow: given a
// not-present or absent page-table entry, decide whether to zero-fill,
// lazy-load from a file, swap the page back in, or hand off to the shared
// mmap registry, and install the result behind a freshly locked frame.
//
// It also supplies the one frame.Owner the rest of the VM core was still
// missing: Swappable, the ordinary (non-mmap) process page — §4.5.1 calls
// this out by name ("frame_lock_swappable(pd, vpage, kpage)") but no
// concrete owner tied it to internal/vm/swap until this package.
//
// Grounded the same way internal/vm/swap is (no direct teacher analogue —
// the teacher has no page-table fault path of its own, being a bare-metal
// kernel with an identity-mapped MMU) in spec.md §4.5.4's algorithm
// description and in original_source/'s page.c/process.c stack-growth
// constant (32 bytes below esp), per SPEC_FULL.md's supplemented-features
// list.
package fault

import (
	"context"
	"errors"
	"sync"

	"github.com/go-pintos/kernel/internal/external"
	"github.com/go-pintos/kernel/internal/pte"
	"github.com/go-pintos/kernel/internal/vm/frame"
	"github.com/go-pintos/kernel/internal/vm/mmap"
	"github.com/go-pintos/kernel/internal/vm/swap"
	"github.com/rs/zerolog"
)

// StackGrowthSlack is the "32 bytes below the saved stack pointer" margin
// spec.md §4.5.4 and the "Stack growth" end-to-end scenario (§8) name.
const StackGrowthSlack = 32

// ErrKilled is returned when a fault cannot be resolved and, per spec.md
// §7 ("Policy violation by user code... the process is terminated"), the
// faulting process must be torn down by the caller.
var ErrKilled = errors.New("fault: access outside any mapped or growable region")

// PageTable is the minimal page-directory contract this package needs:
// read and install one vpage's PTE. internal/vm/mmap.MapPageTable (and any
// real page directory) satisfies this structurally.
type PageTable interface {
	Get(vpage uint32) pte.Entry
	Set(vpage uint32, e pte.Entry)
}

// Swappable is the frame.Owner for an ordinary process page backed by the
// swap device rather than a file (spec.md §4.5.1's frame_lock_swappable
// side, as opposed to frame_lock_mmaped). Two Swappable values compare
// equal — and so satisfy the identity-keyed lock in internal/vm/frame —
// iff they name the same (page table, virtual page) pair.
type Swappable struct {
	PD    PageTable
	VPage uint32
	Pool  *external.Pool
	Swap  *swap.Allocator
}

// WasAccessed implements frame.Owner by reading the hardware accessed bit
// straight from the owning PTE.
func (s Swappable) WasAccessed(external.KPage) bool {
	e := s.PD.Get(s.VPage)
	return e.Present() && e.Accessed()
}

// ResetAccessed implements frame.Owner.
func (s Swappable) ResetAccessed(external.KPage) {
	e := s.PD.Get(s.VPage)
	if e.Present() {
		s.PD.Set(s.VPage, e.WithAccessed(false))
	}
}

// Evict implements frame.Owner: spec.md §4.5.2's swap-out — write the page,
// then (and only then) flip the PTE to S(slot), per §5's swap-out ordering
// invariant. Out-of-swap is a kernel panic (spec.md §7: "Out of swap is a
// kernel panic... a safety net").
func (s Swappable) Evict(kpage external.KPage) {
	e := s.PD.Get(s.VPage)
	slot, ok := s.Swap.Alloc()
	if !ok {
		panic("fault: swap device exhausted")
	}
	s.Swap.WriteOut(slot, s.Pool.Bytes(kpage), e.Writable())
	s.PD.Set(s.VPage, pte.Swap(uint32(slot)))
}

// lazyLoadFlag marks a TagPointer payload as referring to this package's
// own lazy-load table rather than an internal/vm/mmap.UserMmap id — the
// "discriminant bool at the target" spec.md §3 describes, expressed here
// as a reserved high bit of the pointer payload rather than a field on a
// dereferenced struct, since this model carries opaque ids instead of raw
// pointers.
const lazyLoadFlag uint32 = 1 << 27

// LazyLoad describes a segment of a file that backs a page on first fault
// (spec.md §4.5.4: "reads length bytes from a file handle at a fixed
// offset and zeros the tail, then becomes a normal swappable page on
// unlock").
type LazyLoad struct {
	File     *external.File
	Offset   int64
	Length   int
	Writable bool
}

// Resolver ties the frame table, swap allocator, and mmap registry
// together to resolve page faults: the single entry point the overview's
// "Page fault → VM core resolves the faulting page" names.
type Resolver struct {
	frames *frame.Table
	swap   *swap.Allocator
	pool   *external.Pool
	mmap   *mmap.Registry // nil if this process space has no mmaps
	log    zerolog.Logger

	mu     sync.Mutex
	lazy   map[uint32]*LazyLoad
	nextID uint32
}

// New creates a Resolver. mmapReg may be nil for a process/test that never
// registers shared mmaps.
func New(frames *frame.Table, swapAlloc *swap.Allocator, pool *external.Pool, mmapReg *mmap.Registry, log zerolog.Logger) *Resolver {
	return &Resolver{
		frames: frames,
		swap:   swapAlloc,
		pool:   pool,
		mmap:   mmapReg,
		log:    log,
		lazy:   make(map[uint32]*LazyLoad),
	}
}

// InstallLazyLoad installs a not-present pointer-tag PTE at vpage referring
// to a freshly recorded LazyLoad record (spec.md §4.5.4); the ELF loader
// external collaborator calls this once per segment page instead of
// reading the file eagerly.
func (r *Resolver) InstallLazyLoad(pd PageTable, vpage uint32, ll *LazyLoad) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.lazy[id] = ll
	r.mu.Unlock()

	pd.Set(vpage, pte.Pointer(id|lazyLoadFlag))
}

// InstallZero installs a zero-fill-on-fault PTE at vpage (spec.md §3's Z
// tag), for pages the caller already knows are legitimately zero-filled
// (BSS, an eagerly-reserved initial stack page) rather than discovered via
// stack growth.
func InstallZero(pd PageTable, vpage uint32, writable bool) {
	pd.Set(vpage, pte.Zero(writable, 0))
}

// Resolve handles a page fault at vpage in pd. write reports whether the
// faulting access was a write; faultAddr, esp and stackBottom carry the
// information needed for the stack-growth capacity check (§4.5.4) — pass
// esp and stackBottom as (0, 0) for faults
// that can never legitimately grow the stack (e.g. a kernel thread with no
// user stack). Resolve returns ErrKilled when the fault cannot be
// satisfied and the caller (the syscall/exception dispatcher, outside this
// module's scope per spec.md §1) must terminate the process.
func (r *Resolver) Resolve(ctx context.Context, pd PageTable, vpage uint32, write bool, faultAddr, esp, stackBottom uintptr) error {
	entry := pd.Get(vpage)
	if entry.Present() {
		return nil // spurious fault (e.g. raced with a peer's Load); nothing to do.
	}
	r.log.Trace().Uint32("vpage", vpage).Bool("write", write).Msg("page fault")

	if entry.IsEmpty() {
		if !r.canGrowStack(faultAddr, esp, stackBottom) {
			r.log.Debug().Uint32("vpage", vpage).Msg("page fault outside any mapped or growable region")
			return ErrKilled
		}
		InstallZero(pd, vpage, true)
		return r.resolveZero(ctx, pd, vpage)
	}

	switch entry.GetTag() {
	case pte.TagZero:
		if write && !entry.ZeroWritable() {
			return ErrKilled
		}
		return r.resolveZero(ctx, pd, vpage)
	case pte.TagSwap:
		return r.resolveSwap(ctx, pd, vpage, entry)
	case pte.TagPointer:
		return r.resolvePointer(ctx, pd, vpage, entry)
	default:
		return ErrKilled
	}
}

// canGrowStack implements spec.md §4.5.4's capacity check: a completely
// unmapped page may only be grown into the stack if the access is both
// within the stack's maximum extent (at or above the fixed stack bottom)
// and no more than 32 bytes below the current stack pointer (a PUSH/PUSHA)
// — both conditions must hold, matching original_source/'s userprog/
// exception.c reading of "stack growth" (a lone `esp-32` check without
// also bounding against the fixed stack size would let a wild pointer
// anywhere below esp grow the stack unbounded).
func (r *Resolver) canGrowStack(faultAddr, esp, stackBottom uintptr) bool {
	if esp == 0 && stackBottom == 0 {
		return false
	}
	if faultAddr < stackBottom {
		return false
	}
	return faultAddr+StackGrowthSlack >= esp
}

func (r *Resolver) resolveZero(ctx context.Context, pd PageTable, vpage uint32) error {
	owner := Swappable{PD: pd, VPage: vpage, Pool: r.pool, Swap: r.swap}
	kpage, err := r.frames.Get(ctx, owner, true)
	if err != nil {
		return err
	}
	entry := pd.Get(vpage)
	writable := entry.GetTag() != pte.TagZero || entry.ZeroWritable()
	pd.Set(vpage, pte.Present(uint32(r.pool.Index(kpage)), writable, true))
	r.frames.Unlock(kpage, owner)
	return nil
}

func (r *Resolver) resolveSwap(ctx context.Context, pd PageTable, vpage uint32, entry pte.Entry) error {
	owner := Swappable{PD: pd, VPage: vpage, Pool: r.pool, Swap: r.swap}
	kpage, err := r.frames.Get(ctx, owner, false)
	if err != nil {
		return err
	}
	slot := swap.Slot(entry.Payload())
	writable := r.swap.ReadIn(slot, r.pool.Bytes(kpage))
	r.swap.Free(slot)
	pd.Set(vpage, pte.Present(uint32(r.pool.Index(kpage)), writable, true))
	r.frames.Unlock(kpage, owner)
	return nil
}

func (r *Resolver) resolvePointer(ctx context.Context, pd PageTable, vpage uint32, entry pte.Entry) error {
	payload := entry.Payload()
	if payload&lazyLoadFlag != 0 {
		return r.resolveLazyLoad(ctx, pd, vpage, payload&^lazyLoadFlag)
	}
	if r.mmap == nil {
		return ErrKilled
	}
	um, ok := r.mmap.Lookup(payload)
	if !ok {
		return ErrKilled
	}
	return r.mmap.Load(ctx, um)
}

func (r *Resolver) resolveLazyLoad(ctx context.Context, pd PageTable, vpage uint32, id uint32) error {
	r.mu.Lock()
	ll, ok := r.lazy[id]
	r.mu.Unlock()
	if !ok {
		return ErrKilled
	}

	owner := Swappable{PD: pd, VPage: vpage, Pool: r.pool, Swap: r.swap}
	kpage, err := r.frames.Get(ctx, owner, true)
	if err != nil {
		return err
	}
	ll.File.ReadAt(r.pool.Bytes(kpage)[:ll.Length], ll.Offset)
	pd.Set(vpage, pte.Present(uint32(r.pool.Index(kpage)), ll.Writable, true))
	r.frames.Unlock(kpage, owner)

	r.mu.Lock()
	delete(r.lazy, id)
	r.mu.Unlock()
	return nil
}
