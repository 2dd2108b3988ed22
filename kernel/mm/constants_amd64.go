package mm

// Constants describing the amd64 paging geometry.
const (
	// PointerShift is log2(unsafe.Sizeof(uintptr)); entries in a page
	// table are pointer-sized (8 bytes on amd64).
	PointerShift = uintptr(3)

	// PageShift is log2(PageSize).
	PageShift = uintptr(12)

	// PageSize is the size, in bytes, of a single page/frame.
	PageSize = uintptr(1 << PageShift)

	// EntriesPerTable is the number of entries held by a single page
	// table page at any paging level (512 on amd64).
	EntriesPerTable = PageSize / (1 << PointerShift)
)
