package pmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pmap/kernel/mm"
)

func TestBitmapAllocatorAllocFree(t *testing.T) {
	var alloc BitmapAllocator
	arena := mm.NewArena(8)
	alloc.Init(arena, mm.Frame(0), 8)

	total, free := alloc.Stats()
	require.EqualValues(t, 8, total)
	require.EqualValues(t, 8, free)

	var got []mm.Frame
	for i := 0; i < 8; i++ {
		f, err := alloc.AllocFrame()
		require.Nil(t, err)
		require.True(t, f.Valid())
		got = append(got, f)
	}

	// pool exhausted
	_, err := alloc.AllocFrame()
	require.NotNil(t, err)

	// frames are returned in increasing order and never repeat
	for i, f := range got {
		require.EqualValues(t, i, f)
	}

	require.Nil(t, alloc.FreeFrame(got[3]))
	_, free = alloc.Stats()
	require.EqualValues(t, 1, free)

	// double free is rejected
	require.NotNil(t, alloc.FreeFrame(got[3]))

	// the freed frame becomes available again
	f, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.EqualValues(t, got[3], f)
}

func TestBitmapAllocatorManaged(t *testing.T) {
	var alloc BitmapAllocator
	arena := mm.NewArena(16)
	alloc.Init(arena, mm.Frame(4), 4)

	require.False(t, alloc.Managed(mm.Frame(0)))
	require.False(t, alloc.Managed(mm.Frame(3)))
	require.True(t, alloc.Managed(mm.Frame(4)))
	require.True(t, alloc.Managed(mm.Frame(7)))
	require.False(t, alloc.Managed(mm.Frame(8)))
}

func TestBitmapAllocatorFreeUnmanaged(t *testing.T) {
	var alloc BitmapAllocator
	arena := mm.NewArena(4)
	alloc.Init(arena, mm.Frame(0), 4)

	err := alloc.FreeFrame(mm.Frame(99))
	require.NotNil(t, err)
}

func TestBitmapAllocatorZeroesFrame(t *testing.T) {
	var alloc BitmapAllocator
	arena := mm.NewArena(1)
	alloc.Init(arena, mm.Frame(0), 1)

	b := arena.Bytes(mm.Frame(0))
	for i := range b {
		b[i] = 0xAA
	}

	f, err := alloc.AllocFrame()
	require.Nil(t, err)

	for _, v := range arena.Bytes(f) {
		require.EqualValues(t, 0, v)
	}
}
