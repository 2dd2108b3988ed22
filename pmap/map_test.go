package pmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pmap/kernel/mm"
	"pmap/kernel/mm/pmm"
)

func newTestPmapWithGlobal(t *testing.T, frames uint32, globalSafe bool) *Pmap {
	t.Helper()
	old := globalPagesSafeFn
	globalPagesSafeFn = func() bool { return globalSafe }
	t.Cleanup(func() { globalPagesSafeFn = old })

	// reverseMap is package-global and keyed only by frame number, so each
	// test gets a fresh store; otherwise pv entries left behind by earlier
	// tests for the same frame numbers would show up in this test's chains.
	oldPV := reverseMap
	reverseMap = newPVStore()
	t.Cleanup(func() { reverseMap = oldPV })

	arena := mm.NewArena(int(frames))
	alloc := &pmm.BitmapAllocator{}
	alloc.Init(arena, mm.Frame(0), frames)
	p, err := NewNormal(arena, alloc)
	require.Nil(t, err)
	return p
}

func TestEnterThenExtract(t *testing.T) {
	p := newTestPmapWithGlobal(t, 32, false)

	backing := mm.Frame(20)
	require.Nil(t, p.Enter(0, 0x1000, backing, ProtRead|ProtWrite, CacheNormal, false, false))

	frame, prot, err := p.Extract(0x1000)
	require.Nil(t, err)
	require.Equal(t, backing, frame)
	require.Equal(t, ProtRead|ProtWrite, prot)

	resident, wired := p.Stats()
	require.EqualValues(t, 1, resident)
	require.EqualValues(t, 0, wired)
}

func TestEnterRejectsMisalignedAddress(t *testing.T) {
	p := newTestPmapWithGlobal(t, 32, false)
	err := p.Enter(0, 0x1001, mm.Frame(20), ProtRead, CacheNormal, false, false)
	require.Equal(t, ErrInvalidAddress, err)
}

func TestEnterRejectsNonCanonicalAddress(t *testing.T) {
	p := newTestPmapWithGlobal(t, 32, false)
	err := p.Enter(0, 0x0001_0000_0000_0000, mm.Frame(20), ProtRead, CacheNormal, false, false)
	require.Equal(t, ErrInvalidAddress, err)
}

func TestRemoveUnmapsAndDetachesPV(t *testing.T) {
	p := newTestPmapWithGlobal(t, 32, false)
	backing := mm.Frame(20)

	require.Nil(t, p.Enter(0, 0x2000, backing, ProtRead|ProtWrite, CacheNormal, false, false))
	require.False(t, reverseMap.empty(backing))

	require.Nil(t, p.Remove(0, 0x2000))
	require.True(t, reverseMap.empty(backing))

	_, _, err := p.Extract(0x2000)
	require.Equal(t, ErrNotMapped, err)

	resident, _ := p.Stats()
	require.EqualValues(t, 0, resident)
}

func TestRemoveNotMapped(t *testing.T) {
	p := newTestPmapWithGlobal(t, 32, false)
	err := p.Remove(0, 0x3000)
	require.Equal(t, ErrNotMapped, err)
}

func TestEnterReplaceFrameMovesPV(t *testing.T) {
	p := newTestPmapWithGlobal(t, 32, false)
	f1, f2 := mm.Frame(20), mm.Frame(21)

	require.Nil(t, p.Enter(0, 0x4000, f1, ProtRead, CacheNormal, false, false))
	require.Nil(t, p.Enter(0, 0x4000, f2, ProtRead, CacheNormal, false, false))

	require.True(t, reverseMap.empty(f1))
	require.False(t, reverseMap.empty(f2))

	resident, _ := p.Stats()
	require.EqualValues(t, 1, resident) // replace, not a second mapping
}

func TestWriteProtectNarrowsPermissions(t *testing.T) {
	p := newTestPmapWithGlobal(t, 32, false)
	require.Nil(t, p.Enter(0, 0x5000, mm.Frame(20), ProtRead|ProtWrite|ProtExec, CacheNormal, false, false))

	require.Nil(t, p.WriteProtect(0, 0x5000, ProtRead))

	_, prot, err := p.Extract(0x5000)
	require.Nil(t, err)
	require.Equal(t, ProtRead, prot)
}

func TestUnwireRequiresWiredMapping(t *testing.T) {
	p := newTestPmapWithGlobal(t, 32, false)
	require.Nil(t, p.Enter(0, 0x6000, mm.Frame(20), ProtRead, CacheNormal, false, false))

	err := p.Unwire(0x6000)
	require.Equal(t, ErrNotWired, err)

	require.Nil(t, p.Remove(0, 0x6000))
	require.Nil(t, p.Enter(0, 0x6000, mm.Frame(20), ProtRead, CacheNormal, true, false))
	_, wired := p.Stats()
	require.EqualValues(t, 1, wired)

	require.Nil(t, p.Unwire(0x6000))
	_, wired = p.Stats()
	require.EqualValues(t, 0, wired)
}

func TestClearAttrsClearsRequestedBits(t *testing.T) {
	p := newTestPmapWithGlobal(t, 32, false)
	require.Nil(t, p.Enter(0, 0x7000, mm.Frame(20), ProtRead|ProtWrite, CacheNormal, false, false))

	// simulate hardware having set accessed+dirty during a translation.
	res := walk(arenaTables{arena: p.arena}, p.root, 0x7000)
	res.Entry.setFlags(FlagAccessed | FlagDirty)

	ad, err := p.TestAttrs(0x7000)
	require.Nil(t, err)
	require.True(t, ad.Accessed)
	require.True(t, ad.Dirty)

	require.Nil(t, p.ClearAttrs(0, 0x7000, true, false))

	ad, err = p.TestAttrs(0x7000)
	require.Nil(t, err)
	require.False(t, ad.Accessed)
	require.True(t, ad.Dirty)
}

func TestEnterRangeMapsConsecutivePages(t *testing.T) {
	p := newTestPmapWithGlobal(t, 64, false)
	require.Nil(t, p.EnterRange(0, 0x10000, mm.Frame(20), 4, ProtRead|ProtWrite, CacheNormal, false, false))

	for i := 0; i < 4; i++ {
		frame, _, err := p.Extract(0x10000 + uintptr(i)*mm.PageSize)
		require.Nil(t, err)
		require.Equal(t, mm.Frame(20+i), frame)
	}

	resident, _ := p.Stats()
	require.EqualValues(t, 4, resident)
}

func TestPageRemoveUnmapsAllAliases(t *testing.T) {
	p1 := newTestPmapWithGlobal(t, 32, false)
	p2 := newTestPmapWithGlobal(t, 32, false)
	backing := mm.Frame(20)

	require.Nil(t, p1.Enter(0, 0x1000, backing, ProtRead|ProtWrite, CacheNormal, false, false))
	require.Nil(t, p2.Enter(0, 0x2000, backing, ProtRead|ProtWrite, CacheNormal, false, false))

	aliasCount := 0
	reverseMap.forEach(backing, func(*Pmap, uintptr) bool {
		aliasCount++
		return true
	})
	require.Equal(t, 2, aliasCount)

	PageRemove(0, backing)

	require.True(t, reverseMap.empty(backing))

	_, _, err := p1.Extract(0x1000)
	require.Equal(t, ErrNotMapped, err)
	_, _, err = p2.Extract(0x2000)
	require.Equal(t, ErrNotMapped, err)
}

func TestPageRemoveWithNoAliasesIsNoop(t *testing.T) {
	require.NotPanics(t, func() { PageRemove(0, mm.Frame(999)) })
}

func TestEnterCanFailReturnsErrorOnExhaustion(t *testing.T) {
	p := newTestPmapWithGlobal(t, 1, false) // the one frame is spent on the root itself
	err := p.Enter(0, 0x1000, mm.Frame(0), ProtRead, CacheNormal, false, true)
	require.Equal(t, ErrOutOfMemory, err)
}

func TestEnterWithoutCanFailPanicsOnExhaustion(t *testing.T) {
	p := newTestPmapWithGlobal(t, 1, false)
	require.Panics(t, func() {
		_ = p.Enter(0, 0x1000, mm.Frame(0), ProtRead, CacheNormal, false, false)
	})
}

func TestEnterSetsGlobalOnlyForKernelHalfWhenSafe(t *testing.T) {
	p := newTestPmapWithGlobal(t, 32, true)

	kernelVA := uintptr(0xffff800000001000)
	require.Nil(t, p.Enter(0, kernelVA, mm.Frame(20), ProtRead|ProtWrite, CacheNormal, false, false))

	res := walk(arenaTables{arena: p.arena}, p.root, kernelVA)
	require.True(t, res.Entry.hasFlags(FlagGlobal))
	require.False(t, res.Entry.hasFlags(FlagUser))

	userP := newTestPmapWithGlobal(t, 32, true)
	require.Nil(t, userP.Enter(0, 0x8000, mm.Frame(21), ProtRead, CacheNormal, false, false))
	res = walk(arenaTables{arena: userP.arena}, userP.root, 0x8000)
	require.False(t, res.Entry.hasFlags(FlagGlobal))
	require.True(t, res.Entry.hasFlags(FlagUser))
}
