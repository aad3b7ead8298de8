package swap

import (
	"sync"
	"testing"

	"github.com/go-pintos/kernel/internal/external"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(slots int) *Allocator {
	sectorsPerPage := external.PageSize / external.SectorSize
	dev := external.NewBlock(slots * sectorsPerPage)
	return New(dev)
}

// TestSwapRoundTrip reproduces the "Swap round-trip" scenario: write a
// page out with a given writability, read it back, and recover both the
// bytes and the writability bit.
func TestSwapRoundTrip(t *testing.T) {
	a := newTestAllocator(4)

	slot, ok := a.Alloc()
	require.True(t, ok, "expected a free slot")

	page := make([]byte, external.PageSize)
	for i := range page {
		page[i] = byte(i % 251)
	}
	a.WriteOut(slot, page, true)

	back := make([]byte, external.PageSize)
	writable := a.ReadIn(slot, back)
	require.True(t, writable, "expected writable=true to round-trip")
	require.Equal(t, page, back)

	a.Free(slot)
	slot2, ok := a.Alloc()
	require.True(t, ok)
	require.Equal(t, slot, slot2, "expected the freed slot to be reusable after Free")
}

// TestSwapSlotExclusivity is testable property #7: concurrent
// allocate/free never hands the same slot to two live callers.
func TestSwapSlotExclusivity(t *testing.T) {
	const slots = 64
	const workers = 16
	const rounds = 200

	a := newTestAllocator(slots)

	var mu sync.Mutex
	live := make(map[Slot]bool)

	var wg sync.WaitGroup
	errs := make(chan string, workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				slot, ok := a.Alloc()
				if !ok {
					continue
				}
				mu.Lock()
				if live[slot] {
					errs <- "slot double-allocated"
				}
				live[slot] = true
				mu.Unlock()

				mu.Lock()
				delete(live, slot)
				mu.Unlock()
				a.Free(slot)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Fatal(msg)
	}
}
