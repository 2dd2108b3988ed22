package pmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pmap/kernel/mm"
	"pmap/kernel/mm/pmm"
)

func TestGrowKernelFansOutToUserPmaps(t *testing.T) {
	arena := mm.NewArena(64)
	alloc := &pmm.BitmapAllocator{}
	alloc.Init(arena, mm.Frame(0), 64)

	kp, err := NewNormal(arena, alloc)
	require.Nil(t, err)

	up, err := NewNormal(arena, alloc)
	require.Nil(t, err)
	Register(up)
	t.Cleanup(func() { Unregister(up) })

	target := kernelVAHalf + (1 << 39) // one PML4 entry past the kernel base
	require.Nil(t, GrowKernel(kp, target))

	idx := levelIndex(kernelVAHalf, 0)
	kTbl := kp.tableAt(kp.root)
	uTbl := up.tableAt(up.root)

	require.True(t, kTbl[idx].hasFlags(FlagPresent))
	require.True(t, uTbl[idx].hasFlags(FlagPresent))
	require.Equal(t, kTbl[idx].frameAddr(), uTbl[idx].frameAddr())
}

func TestGrowKernelIsIdempotent(t *testing.T) {
	arena := mm.NewArena(64)
	alloc := &pmm.BitmapAllocator{}
	alloc.Init(arena, mm.Frame(0), 64)

	kp, err := NewNormal(arena, alloc)
	require.Nil(t, err)

	target := kernelVAHalf + (1 << 39)
	require.Nil(t, GrowKernel(kp, target))
	_, freeAfterFirst := alloc.Stats()

	require.Nil(t, GrowKernel(kp, target))
	_, freeAfterSecond := alloc.Stats()

	require.Equal(t, freeAfterFirst, freeAfterSecond)
}
