package pte

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresentEntryRoundTrip(t *testing.T) {
	e := Present(1234, true, true)
	require.True(t, e.Present())
	require.Equal(t, uint32(1234), e.Frame())
	require.True(t, e.Writable())
	require.True(t, e.User())
	require.False(t, e.Accessed())
	require.False(t, e.Dirty())

	e = e.WithAccessed(true).WithDirty(true)
	require.True(t, e.Accessed())
	require.True(t, e.Dirty())
	require.Equal(t, uint32(1234), e.Frame())
}

func TestSwapTag(t *testing.T) {
	e := Swap(99)
	require.False(t, e.Present())
	require.False(t, e.IsEmpty())
	require.Equal(t, TagSwap, e.GetTag())
	require.Equal(t, uint32(99), e.Payload())
}

func TestPointerTag(t *testing.T) {
	e := Pointer(0xABCDE)
	require.Equal(t, TagPointer, e.GetTag())
	require.Equal(t, uint32(0xABCDE), e.Payload())
}

func TestZeroTag(t *testing.T) {
	e := Zero(true, 7)
	require.Equal(t, TagZero, e.GetTag())
	require.True(t, e.ZeroWritable())
	require.Equal(t, uint32(7), e.ZeroAux())

	e2 := Zero(false, 0)
	require.False(t, e2.ZeroWritable())
}

func TestEmptyEntryHasNoTag(t *testing.T) {
	require.True(t, Empty.IsEmpty())
	require.Equal(t, TagNone, Empty.GetTag())
	require.False(t, Empty.Present())
}
