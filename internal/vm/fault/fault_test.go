package fault

import (
	"context"
	"testing"

	"github.com/go-pintos/kernel/internal/external"
	"github.com/go-pintos/kernel/internal/kernlog"
	"github.com/go-pintos/kernel/internal/pte"
	"github.com/go-pintos/kernel/internal/vm/frame"
	"github.com/go-pintos/kernel/internal/vm/mmap"
	"github.com/go-pintos/kernel/internal/vm/swap"
	"github.com/stretchr/testify/require"
)

func newTestResolver(frames int) (*Resolver, *external.Pool) {
	pool := external.NewPool(frames)
	tab := frame.New(pool, kernlog.Nop())
	dev := external.NewBlock(frames * 4 * (external.PageSize / external.SectorSize))
	alloc := swap.New(dev)
	return New(tab, alloc, pool, nil, kernlog.Nop()), pool
}

// TestStackGrowthWithinSlack is the §8 "Stack growth" scenario's first
// half: an access a few bytes below esp on an otherwise-unmapped page
// succeeds and is zero-filled.
func TestStackGrowthWithinSlack(t *testing.T) {
	r, _ := newTestResolver(4)
	pd := mmap.NewMapPageTable()

	const esp = uintptr(0x10000)
	const stackBottom = uintptr(0x1000)
	err := r.Resolve(context.Background(), pd, 7, false, esp-8, esp, stackBottom)
	require.NoError(t, err)
	require.True(t, pd.Get(7).Present(), "expected the grown stack page to be installed present")
}

// TestStackGrowthBeyondSlackKillsProcess is the §8 scenario's second half:
// an access far below esp on an unmapped page is not a legitimate stack
// growth and must be refused so the caller can terminate the process.
func TestStackGrowthBeyondSlackKillsProcess(t *testing.T) {
	r, _ := newTestResolver(4)
	pd := mmap.NewMapPageTable()

	const esp = uintptr(0x10000)
	const stackBottom = uintptr(0x1000)
	err := r.Resolve(context.Background(), pd, 9, false, esp-64, esp, stackBottom)
	require.ErrorIs(t, err, ErrKilled)
	require.False(t, pd.Get(9).Present())
}

// TestStackGrowthBelowStackBottomKillsProcess: even within 32 bytes of esp,
// an address below the fixed stack-bottom bound is refused (the stack has
// reached its maximum size).
func TestStackGrowthBelowStackBottomKillsProcess(t *testing.T) {
	r, _ := newTestResolver(4)
	pd := mmap.NewMapPageTable()

	const esp = uintptr(0x1010)
	const stackBottom = uintptr(0x1000)
	err := r.Resolve(context.Background(), pd, 3, false, stackBottom-8, esp, stackBottom)
	require.ErrorIs(t, err, ErrKilled)
}

// TestSwapRoundTripThroughResolve is the "Swap round-trip" scenario's
// higher-level counterpart: a page resolved into memory, evicted to swap by a second
// fault's eviction, and faulted back in, must come back byte-identical.
func TestSwapRoundTripThroughResolve(t *testing.T) {
	r, pool := newTestResolver(1)
	pd := mmap.NewMapPageTable()

	const esp = uintptr(0x10000)
	const stackBottom = uintptr(0x1000)
	require.NoError(t, r.Resolve(context.Background(), pd, 1, false, esp-8, esp, stackBottom))

	entry := pd.Get(1)
	kpage := pool.Base() + external.KPage(entry.Frame())*external.PageSize
	pool.Bytes(kpage)[0] = 0xDE
	pool.Bytes(kpage)[1] = 0xAD
	pd.Set(1, entry.WithDirty(true))

	// A second fault, in a one-frame pool, forces vpage 1's frame to be
	// evicted (swapped out) to make room.
	pd2 := mmap.NewMapPageTable()
	require.NoError(t, r.Resolve(context.Background(), pd2, 1, false, esp-8, esp, stackBottom))

	evicted := pd.Get(1)
	require.Equal(t, pte.TagSwap, evicted.GetTag(), "expected vpage 1 to have been swapped out")

	require.NoError(t, r.Resolve(context.Background(), pd, 1, false, esp-8, esp, stackBottom))
	backIn := pd.Get(1)
	require.True(t, backIn.Present())
	kpage2 := pool.Base() + external.KPage(backIn.Frame())*external.PageSize
	require.Equal(t, byte(0xDE), pool.Bytes(kpage2)[0])
	require.Equal(t, byte(0xAD), pool.Bytes(kpage2)[1])
}

// TestLazyLoadBecomesSwappableOnUnlock exercises §4.5.4's lazy-load path:
// the page is filled from the file and installed present, after which it
// is an ordinary swappable page.
func TestLazyLoadBecomesSwappableOnUnlock(t *testing.T) {
	r, pool := newTestResolver(2)
	pd := mmap.NewMapPageTable()

	content := make([]byte, 4)
	content[0], content[1] = 0x11, 0x22
	file := external.OpenFile(1, content)
	r.InstallLazyLoad(pd, 4, &LazyLoad{File: file, Offset: 0, Length: 4, Writable: true})

	require.Equal(t, pte.TagPointer, pd.Get(4).GetTag())
	require.NoError(t, r.Resolve(context.Background(), pd, 4, false, 0, 0, 0))

	entry := pd.Get(4)
	require.True(t, entry.Present())
	kpage := pool.Base() + external.KPage(entry.Frame())*external.PageSize
	require.Equal(t, byte(0x11), pool.Bytes(kpage)[0])
	require.Equal(t, byte(0x22), pool.Bytes(kpage)[1])
	require.Equal(t, byte(0), pool.Bytes(kpage)[2], "tail past the lazy-load length must be zeroed")

	owner, _ := r.frames.Owner(kpage)
	require.IsType(t, Swappable{}, owner, "an unlocked lazy-loaded frame must be owned as an ordinary swappable page")
}

// TestMmapPointerDispatchesToRegistryLoad confirms a TagPointer PTE
// installed by internal/vm/mmap.Registry.Register is routed to the
// registry's own Load rather than misread as a lazy-load id.
func TestMmapPointerDispatchesToRegistryLoad(t *testing.T) {
	pool := external.NewPool(2)
	tab := frame.New(pool, kernlog.Nop())
	reg := mmap.NewRegistry(pool, tab)
	devAlloc := swap.New(external.NewBlock(4 * (external.PageSize / external.SectorSize)))
	r := New(tab, devAlloc, pool, reg, kernlog.Nop())

	content := make([]byte, external.PageSize)
	content[0] = 0x7A
	file := external.OpenFile(5, content)
	pd := mmap.NewMapPageTable()
	reg.Register(file, 0, external.PageSize, true, pd, 2)

	require.Equal(t, pte.TagPointer, pd.Get(2).GetTag())
	require.NoError(t, r.Resolve(context.Background(), pd, 2, false, 0, 0, 0))
	entry := pd.Get(2)
	require.True(t, entry.Present())
	kpage := pool.Base() + external.KPage(entry.Frame())*external.PageSize
	require.Equal(t, byte(0x7A), pool.Bytes(kpage)[0])
}

// TestResolvePresentEntryIsNoOp confirms a spurious re-fault on an
// already-present entry (a peer raced ahead) is a harmless no-op.
func TestResolvePresentEntryIsNoOp(t *testing.T) {
	r, _ := newTestResolver(2)
	pd := mmap.NewMapPageTable()
	pd.Set(6, pte.Present(0, true, true))
	require.NoError(t, r.Resolve(context.Background(), pd, 6, false, 0, 0, 0))
}
