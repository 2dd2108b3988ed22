package pmap

// Paging geometry for the normal (4-level, 4 KiB leaf) amd64 regime.
const (
	pageLevels = 4

	// ptePhysPageMask extracts bits 12-51, the physical frame address
	// carried by a present entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// canonicalMask zeroes the sign-extended upper bits of a canonical
	// amd64 virtual address so it can be used for level indexing.
	canonicalMask = uintptr(0x0000ffffffffffff)
)

var (
	// pageLevelBits is the number of virtual-address bits consumed by
	// each paging level (9 bits => 512 entries/table on amd64).
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the bit position of each level's index field
	// within a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// PTEFlag describes a single bit (or group of bits) within a page table
// entry, extended with two software-defined bits (wired, pv-tracked) that
// a plain hardware-only encoding has no room for.
type PTEFlag uint64

const (
	// FlagPresent marks the entry as valid/in-memory.
	FlagPresent PTEFlag = 1 << 0

	// FlagRW marks the entry writable.
	FlagRW PTEFlag = 1 << 1

	// FlagUser marks the entry user-accessible.
	FlagUser PTEFlag = 1 << 2

	// FlagWriteThrough selects write-through caching for the entry.
	FlagWriteThrough PTEFlag = 1 << 3

	// FlagNoCache disables caching for the entry.
	FlagNoCache PTEFlag = 1 << 4

	// FlagAccessed is set by the processor when the entry is used to
	// satisfy an address translation.
	FlagAccessed PTEFlag = 1 << 5

	// FlagDirty is set by the processor when a write is made through
	// the entry.
	FlagDirty PTEFlag = 1 << 6

	// FlagLargePage marks a non-leaf-level entry as a large-page
	// terminal. Leaf (level pageLevels-1) operations never set it; the
	// walker must still recognize it on entries installed by other
	// agents of the system.
	FlagLargePage PTEFlag = 1 << 7

	// FlagGlobal marks the translation as global, exempting it from
	// invalidation on a root-register (CR3) reload. May only be set on
	// kernel mappings, and only when cpu.GlobalPagesSafe().
	FlagGlobal PTEFlag = 1 << 8

	// FlagWired is a software-only bit (bit 9, available for OS use on
	// real hardware) recording that the upper layer pinned this mapping
	// non-evictable. It has no hardware meaning.
	FlagWired PTEFlag = 1 << 9

	// FlagPVTracked is a software-only bit (bit 10) recording that a
	// pv_entry exists for this mapping.
	FlagPVTracked PTEFlag = 1 << 10

	// FlagWriteCombine requests write-combining caching via the PAT
	// mechanism when available (bit 11; encodeCacheMode sets FlagNoCache
	// instead when write-combining is not supported).
	FlagWriteCombine PTEFlag = 1 << 11

	// FlagNoExecute forbids instruction fetches through this entry.
	FlagNoExecute PTEFlag = 1 << 63
)

// pte is a single 64-bit page table entry. Mutations that are visible to
// other CPUs (installing or clearing a leaf) must go through a single
// aligned store/load, which a plain uint64 read/write already is on amd64.
type pte uint64

func (e pte) hasFlags(f PTEFlag) bool     { return uint64(e)&uint64(f) == uint64(f) }
func (e pte) hasAnyFlag(f PTEFlag) bool   { return uint64(e)&uint64(f) != 0 }
func (e *pte) setFlags(f PTEFlag)         { *e = pte(uint64(*e) | uint64(f)) }
func (e *pte) clearFlags(f PTEFlag)       { *e = pte(uint64(*e) &^ uint64(f)) }
func (e pte) frameAddr() uintptr          { return uintptr(e) & ptePhysPageMask }
func (e *pte) setFrameAddr(addr uintptr)  { *e = pte((uintptr(*e) &^ ptePhysPageMask) | (addr & ptePhysPageMask)) }

// Prot is the symbolic {read, write, execute} protection requested by a
// caller of Enter/WriteProtect. encodeProt translates this into hardware
// PTE bits.
type Prot uint8

const (
	// ProtRead grants load access. It is implied by ProtWrite and is a
	// no-op on amd64, which has no separate read-disable bit.
	ProtRead Prot = 1 << iota
	// ProtWrite grants store access.
	ProtWrite
	// ProtExec grants instruction-fetch access.
	ProtExec

	// ProtNone grants neither write nor execute access. amd64 has no
	// read-disable bit, so a present entry created with it is still
	// readable.
	ProtNone Prot = 0
)

// encodeProt translates symbolic protection attributes to hardware
// PTE bits (decodeProt is the reverse): write implies read, and absence of execute adds no-execute.
// Kept as its own pure function table so it can be tested independently
// of a full Enter call.
func encodeProt(p Prot) PTEFlag {
	var f PTEFlag
	if p&ProtWrite != 0 {
		f |= FlagRW
	}
	if p&ProtExec == 0 {
		f |= FlagNoExecute
	}
	return f
}

// decodeProt is the reverse mapping used by callers (e.g. write_protect)
// that need to know what permissions a live entry currently grants.
func decodeProt(f PTEFlag) Prot {
	p := ProtRead
	if f&FlagRW != 0 {
		p |= ProtWrite
	}
	if f&FlagNoExecute == 0 {
		p |= ProtExec
	}
	return p
}

// CacheMode selects the caching behavior of a mapping.
type CacheMode uint8

const (
	// CacheNormal is ordinary write-back cacheable memory.
	CacheNormal CacheMode = iota
	// CacheDisabled disables caching entirely.
	CacheDisabled
	// CacheWriteCombine requests write-combining, typically for
	// framebuffer-like MMIO regions.
	CacheWriteCombine
)

// wcSupportedFn reports whether the host's PAT configuration supports a
// true write-combining memory type. It is a function variable so tests can
// force the fallback path without needing real PAT MSRs — the same
// swap-a-package-level-*Fn-variable trick used elsewhere in this package
// to mock hardware facts.
var wcSupportedFn = func() bool { return true }

// encodeCacheMode converts {no-cache, write-combining} flags to the
// cache-mode bits: write-combining uses a hardware-supported encoding if
// available, else falls back to uncached.
func encodeCacheMode(m CacheMode) PTEFlag {
	switch m {
	case CacheDisabled:
		return FlagNoCache
	case CacheWriteCombine:
		if wcSupportedFn() {
			return FlagWriteCombine
		}
		return FlagNoCache
	default:
		return 0
	}
}

// AccessedDirty reports the software-visible accessed/modified flags
// extracted from a PTE's hardware bits.
type AccessedDirty struct {
	Accessed bool
	Dirty    bool
}

func decodeAccessedDirty(f PTEFlag) AccessedDirty {
	return AccessedDirty{
		Accessed: f&FlagAccessed != 0,
		Dirty:    f&FlagDirty != 0,
	}
}
