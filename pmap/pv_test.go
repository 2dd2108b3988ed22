package pmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pmap/kernel/mm"
)

func TestPVStoreAttachDetach(t *testing.T) {
	s := newPVStore()
	p1, p2 := &Pmap{}, &Pmap{}
	f := mm.Frame(7)

	require.True(t, s.empty(f))

	s.attach(f, p1, 0x1000)
	s.attach(f, p2, 0x2000)
	require.False(t, s.empty(f))

	var seen []uintptr
	s.forEach(f, func(p *Pmap, va uintptr) bool {
		seen = append(seen, va)
		return true
	})
	require.ElementsMatch(t, []uintptr{0x1000, 0x2000}, seen)

	s.detach(f, p1, 0x1000)
	seen = nil
	s.forEach(f, func(p *Pmap, va uintptr) bool {
		seen = append(seen, va)
		return true
	})
	require.Equal(t, []uintptr{0x2000}, seen)

	s.detach(f, p2, 0x2000)
	require.True(t, s.empty(f))
}

func TestPVStoreDetachMissingIsNoop(t *testing.T) {
	s := newPVStore()
	p1 := &Pmap{}
	// never attached; must not panic.
	s.detach(mm.Frame(3), p1, 0x1000)
	require.True(t, s.empty(mm.Frame(3)))
}

func TestPVStoreForEachEarlyExit(t *testing.T) {
	s := newPVStore()
	p1, p2 := &Pmap{}, &Pmap{}
	f := mm.Frame(1)
	s.attach(f, p1, 0x1000)
	s.attach(f, p2, 0x2000)

	visits := 0
	s.forEach(f, func(p *Pmap, va uintptr) bool {
		visits++
		return false
	})
	require.Equal(t, 1, visits)
}

func TestPVStoreForEachCanDetach(t *testing.T) {
	s := newPVStore()
	p1, p2 := &Pmap{}, &Pmap{}
	f := mm.Frame(9)
	s.attach(f, p1, 0x1000)
	s.attach(f, p2, 0x2000)

	s.forEach(f, func(p *Pmap, va uintptr) bool {
		s.detach(f, p, va)
		return true
	})

	require.True(t, s.empty(f))
}
