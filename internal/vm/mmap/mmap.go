// Package mmap implements spec.md §4.5.3's shared memory-mapped-file
// registry: multiple page directories backed by the same physical frame
// when they mmap the same (file, offset, length, writable) region, with
// coherent load-on-fault, eviction write-back, and unregistration.
//
// Grounded on the teacher's page.go (a process-agnostic table keyed by a
// small struct, guarded by one lock, handing callers an opaque handle
// rather than a raw pointer) adapted from a bump allocator's free list to
// a reference-counted sharing registry.
package mmap

import (
	"context"
	"sync"

	"github.com/go-pintos/kernel/internal/external"
	"github.com/go-pintos/kernel/internal/pte"
	"github.com/go-pintos/kernel/internal/vm/frame"
)

// Key identifies a shareable mmap region: spec.md §4.5.3 step 1,
// "(inode_of(file), offset, length, writable_flag)".
type Key struct {
	Inode    external.InodeID
	Offset   int64
	Length   int
	Writable bool
}

// PageTable is the minimal page-directory contract mmap needs: read and
// install one vpage's PTE. A real kernel's pd[vpage] array; this module
// only ever needs single-entry get/set.
type PageTable interface {
	Get(vpage uint32) pte.Entry
	Set(vpage uint32, e pte.Entry)
}

// MapPageTable is a trivial PageTable backed by a map, standing in for a
// process's real page directory in tests and cmd/kernelsim's demo.
type MapPageTable struct {
	mu      sync.Mutex
	entries map[uint32]pte.Entry
}

// NewMapPageTable creates an empty page table.
func NewMapPageTable() *MapPageTable {
	return &MapPageTable{entries: make(map[uint32]pte.Entry)}
}

func (t *MapPageTable) Get(vpage uint32) pte.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[vpage]
}

func (t *MapPageTable) Set(vpage uint32, e pte.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[vpage] = e
}

// UserMmap is one process's share of a SharedEntry: spec.md's
// "user-mmap record", installed into exactly one (pd, vpage) pair.
type UserMmap struct {
	id     uint32
	pd     PageTable
	vpage  uint32
	shared *SharedEntry
}

// SharedEntry is the registry's per-region record: spec.md §4.5.3's
// shared entry, reference-counted by its users list.
type SharedEntry struct {
	key    Key
	file   *external.File
	mu     sync.Mutex
	users  []*UserMmap
	pool   *external.Pool
	frames *frame.Table

	present bool
	kpage   external.KPage
	dirty   bool
}

// Registry is the process-agnostic mmap registry, spec.md §5's "Mmap
// registry map: registry lock; per-entry lock protects peer list, file
// handle, and carried dirty flag."
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*SharedEntry

	pool   *external.Pool
	frames *frame.Table

	nextID uint32
	byID   map[uint32]*UserMmap
}

// NewRegistry creates an empty registry backed by frames for physical
// storage.
func NewRegistry(pool *external.Pool, frames *frame.Table) *Registry {
	return &Registry{
		entries: make(map[Key]*SharedEntry),
		pool:    pool,
		frames:  frames,
		byID:    make(map[uint32]*UserMmap),
	}
}

// Register implements spec.md §4.5.3's "Registration" algorithm.
func (r *Registry) Register(file *external.File, offset int64, length int, writable bool, pd PageTable, vpage uint32) *UserMmap {
	key := Key{Inode: file.Inode(), Offset: offset, Length: length, Writable: writable}

	r.mu.Lock()
	shared, exists := r.entries[key]
	if exists {
		shared.mu.Lock()
		r.mu.Unlock()

		um := r.newUserMmapLocked(pd, vpage, shared)
		if shared.present {
			pd.Set(vpage, pte.Present(uint32(r.pool.Index(shared.kpage)), shared.key.Writable, true))
		} else {
			pd.Set(vpage, pte.Pointer(um.id))
		}
		shared.users = append(shared.users, um)
		shared.mu.Unlock()
		return um
	}

	shared = &SharedEntry{
		key:    key,
		file:   file.Reopen(),
		pool:   r.pool,
		frames: r.frames,
	}
	if !writable {
		shared.file.DenyWrite()
	}
	r.entries[key] = shared
	um := r.newUserMmapLocked(pd, vpage, shared)
	shared.users = append(shared.users, um)
	pd.Set(vpage, pte.Pointer(um.id))
	r.mu.Unlock()
	return um
}

func (r *Registry) newUserMmapLocked(pd PageTable, vpage uint32, shared *SharedEntry) *UserMmap {
	r.nextID++
	um := &UserMmap{id: r.nextID, pd: pd, vpage: vpage, shared: shared}
	r.byID[um.id] = um
	return um
}

// ID returns the registry-local id a not-present PTE's pointer tag carries
// for this user-mmap record (spec.md §3's "PTR tag... a virtual pointer to
// a user-mmap or lazy-load record"). A page-fault resolver holds this value
// in the PTE it installs and uses Lookup to recover um later.
func (um *UserMmap) ID() uint32 { return um.id }

// Lookup recovers the UserMmap a not-present PTE's pointer tag refers to, so
// a page-fault resolver that sees a TagPointer entry can tell an mmap
// pointer apart from a lazy-load pointer (internal/vm/fault owns the latter)
// and dispatch to Load.
func (r *Registry) Lookup(id uint32) (*UserMmap, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	um, ok := r.byID[id]
	return um, ok
}

// Load implements spec.md §4.5.3's "Load-on-fault" algorithm.
func (r *Registry) Load(ctx context.Context, um *UserMmap) error {
	kpage, err := r.frames.Get(ctx, um.shared, false)
	if err != nil {
		return err
	}

	shared := um.shared
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if um.pd.Get(um.vpage).GetTag() != pte.TagPointer {
		// A peer raced ahead and already installed the mapping (or
		// evicted it again); the caller retries.
		r.frames.Free(kpage)
		return nil
	}

	buf := make([]byte, external.PageSize)
	shared.file.ReadAt(buf[:shared.key.Length], shared.key.Offset)
	copy(r.pool.Bytes(kpage), buf)

	frameNum := uint32(r.pool.Index(kpage))
	for _, peer := range shared.users {
		peer.pd.Set(peer.vpage, pte.Present(frameNum, shared.key.Writable, true))
	}
	shared.present = true
	shared.kpage = kpage

	r.frames.Unlock(kpage, shared)
	return nil
}

// WasAccessed implements frame.Owner: the OR of every peer PTE's
// accessed bit (spec.md §4.5.3 "Access probing").
func (s *SharedEntry) WasAccessed(external.KPage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, peer := range s.users {
		if e := peer.pd.Get(peer.vpage); e.Present() && e.Accessed() {
			return true
		}
	}
	return false
}

// ResetAccessed implements frame.Owner: clears every peer PTE's accessed
// bit.
func (s *SharedEntry) ResetAccessed(external.KPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, peer := range s.users {
		if e := peer.pd.Get(peer.vpage); e.Present() {
			peer.pd.Set(peer.vpage, e.WithAccessed(false))
		}
	}
}

// Evict implements frame.Owner: spec.md §4.5.3's "Eviction callback"
// (minus the used-queue-lock release, which internal/vm/frame.Table
// already performs generically before calling any Owner.Evict).
func (s *SharedEntry) Evict(kpage external.KPage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	anyDirty := s.dirty
	for _, peer := range s.users {
		if e := peer.pd.Get(peer.vpage); e.Present() {
			if e.Dirty() {
				anyDirty = true
			}
			peer.pd.Set(peer.vpage, pte.Pointer(peer.id))
		}
	}

	if s.key.Writable && anyDirty {
		s.file.WriteAt(s.pool.Bytes(kpage)[:s.key.Length], s.key.Offset)
	}
	s.dirty = false
	s.present = false
}

// Unregister implements spec.md §4.5.3's "Unregistration" algorithm.
func (r *Registry) Unregister(ctx context.Context, um *UserMmap) {
	shared := um.shared

	r.mu.Lock()
	shared.mu.Lock()

	if len(shared.users) == 1 && shared.users[0] == um {
		delete(r.entries, shared.key)
		r.mu.Unlock()

		if shared.present {
			ok, _ := r.frames.LockMmaped(ctx, shared.kpage, shared)
			if ok {
				anyDirty := shared.dirty
				if e := um.pd.Get(um.vpage); e.Present() && e.Dirty() {
					anyDirty = true
				}
				if shared.key.Writable && anyDirty {
					shared.file.WriteAt(r.pool.Bytes(shared.kpage)[:shared.key.Length], shared.key.Offset)
				}
				r.frames.Free(shared.kpage)
			}
		}
		shared.file.Close()
		shared.mu.Unlock()
	} else {
		r.mu.Unlock()
		for i, peer := range shared.users {
			if peer == um {
				shared.users = append(shared.users[:i], shared.users[i+1:]...)
				break
			}
		}
		if e := um.pd.Get(um.vpage); e.Present() && e.Dirty() {
			shared.dirty = true
		}
		shared.mu.Unlock()
	}

	um.pd.Set(um.vpage, pte.Empty)
	r.mu.Lock()
	delete(r.byID, um.id)
	r.mu.Unlock()
}
