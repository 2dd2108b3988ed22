package pmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pmap/kernel/mm"
	"pmap/kernel/mm/pmm"
)

func newTestPmapWithShadow(t *testing.T, frames uint32) (*Pmap, *pmm.BitmapAllocator) {
	t.Helper()
	arena := mm.NewArena(int(frames))
	alloc := &pmm.BitmapAllocator{}
	alloc.Init(arena, mm.Frame(0), frames)

	p, err := NewNormalWithShadow(arena, alloc)
	require.Nil(t, err)
	require.True(t, p.shadowRoot.Valid())
	return p, alloc
}

func TestEnterSpecialInstallsOnlyIntoShadowRoot(t *testing.T) {
	p, _ := newTestPmapWithShadow(t, 32)

	kernelVA := uintptr(0xffff800000002000)
	require.Nil(t, p.EnterSpecial(kernelVA, mm.Frame(9), ProtRead|ProtExec))

	shadowRes := walk(arenaTables{arena: p.arena}, p.shadowRoot, kernelVA)
	require.True(t, shadowRes.Present)
	require.Equal(t, mm.Frame(9), mm.FrameFromAddress(shadowRes.Entry.frameAddr()))

	mainRes := walk(arenaTables{arena: p.arena}, p.root, kernelVA)
	require.False(t, mainRes.Present)
}

func TestEnterSpecialRejectsUserAddress(t *testing.T) {
	p, _ := newTestPmapWithShadow(t, 32)
	err := p.EnterSpecial(0x1000, mm.Frame(9), ProtRead)
	require.Equal(t, ErrInvalidAddress, err)
}

func TestEnterSpecialPanicsWithoutShadowRoot(t *testing.T) {
	p, _ := newTestPmap(t, 16)
	require.Panics(t, func() {
		_ = p.EnterSpecial(0xffff800000002000, mm.Frame(9), ProtRead)
	})
}

func TestDestroyReclaimsShadowRoot(t *testing.T) {
	p, alloc := newTestPmapWithShadow(t, 32)

	_, beforeFree := alloc.Stats()
	require.Nil(t, p.Release())
	_, afterFree := alloc.Stats()

	// root + shadow root both returned to the allocator.
	require.Equal(t, beforeFree+2, afterFree)
}

func TestEnterSpecialRejectsExtendedPmap(t *testing.T) {
	p := newTestExtendedPmap(t)
	err := p.EnterSpecial(0xffff800000002000, mm.Frame(9), ProtRead)
	require.Equal(t, ErrWrongRegime, err)
}

func TestConvertWipesLeavesAndSwitchesKind(t *testing.T) {
	p, alloc := newTestPmap(t, 32)
	require.Nil(t, p.Enter(0, 0x1000, mm.Frame(5), ProtRead|ProtWrite, CacheNormal, false, false))

	_, before := alloc.Stats()
	require.Nil(t, Convert(0, p, KindExtended))
	_, after := alloc.Stats()

	require.Greater(t, after, before) // reclaimed intermediate + leaf table frames
	require.Equal(t, KindExtended, p.kind)

	resident, wired := p.Stats()
	require.EqualValues(t, 0, resident)
	require.EqualValues(t, 0, wired)

	res := walk(arenaTables{arena: p.arena}, p.root, 0x1000)
	require.False(t, res.Present)
}

func TestCollectIsDisabled(t *testing.T) {
	p, _ := newTestPmap(t, 16)
	require.Panics(t, func() { _ = Collect(p) })
}
