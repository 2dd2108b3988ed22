package pmap

import (
	"unsafe"

	"pmap/kernel"
	"pmap/kernel/mm"
)

// GrowKernel ensures every top-level (PML4) entry needed to cover the
// kernel address space up to targetMaxKVA exists, both in the kernel pmap
// and in every currently registered user pmap's shadow of the kernel
// half. Adapted from the "extend the kernel's page directory and thread
// the new entries into every other address space" step every pmap
// implementation performs when the kernel heap or a dynamically loaded
// module grows past its previously reserved top-level entries — without
// it, the kernel half of user pmaps silently diverges from the kernel
// pmap the moment new top-level entries are added after those user pmaps
// were created.
//
// A single-address-space kernel never needs this; a multi-pmap model
// requires fanning kernel-half top-level entries out to every live user
// pmap whenever the kernel's own mapped range grows, since each user pmap
// keeps its own copy of the kernel half for fast context switches.
func GrowKernel(kp *Pmap, targetMaxKVA uintptr) *kernel.Error {
	if kp.kind != KindNormal {
		return ErrWrongRegime
	}

	kp.mu.Lock()
	newEntries, err := kp.ensureTopLevelEntries(targetMaxKVA)
	kp.mu.Unlock()
	if err != nil {
		return err
	}
	if len(newEntries) == 0 {
		return nil
	}

	kTbl := kp.tableAt(kp.root)

	userPmapsMu.Lock()
	defer userPmapsMu.Unlock()

	for up := range userPmaps {
		up.mu.Lock()
		uTbl := up.tableAt(up.root)
		for idx := range newEntries {
			// Thread the new kernel-half top-level entry into this user
			// pmap's root with a raw address copy rather than a Go slice
			// assignment: the source and destination tables are two
			// independently allocated tables, so copying by address keeps
			// this symmetric with how every other raw memory splice in
			// this package is expressed.
			kernel.Memcopy(
				uintptr(unsafe.Pointer(&kTbl[idx])),
				uintptr(unsafe.Pointer(&uTbl[idx])),
				unsafe.Sizeof(pte(0)),
			)
		}
		up.mu.Unlock()
	}
	return nil
}

// ensureTopLevelEntries allocates any top-level entries between the
// kernel pmap's current high-water mark and targetMaxKVA that do not yet
// exist, and returns the (index, entry) pairs created so the caller can
// replicate them. Callers must hold kp.mu.
func (kp *Pmap) ensureTopLevelEntries(targetMaxKVA uintptr) (map[int]pte, *kernel.Error) {
	created := map[int]pte{}

	startIdx := levelIndex(kernelVAHalf, 0)
	endIdx := levelIndex(targetMaxKVA, 0)

	tbl := kp.tableAt(kp.root)
	for idx := startIdx; idx <= endIdx && idx < mm.EntriesPerTable; idx++ {
		if tbl[idx].hasFlags(FlagPresent) {
			continue
		}
		child, aerr := kp.alloc.AllocFrame()
		if aerr != nil {
			return created, ErrOutOfMemory
		}
		flags := FlagPresent | FlagRW
		if globalPagesSafeFn() {
			flags |= FlagGlobal
		}
		e := pte(flags)
		(&e).setFrameAddr(child.Address())
		tbl[idx] = e
		kp.ptps[child] = &ptpInfo{frame: child}
		kp.bumpWire(kp.root, 1)
		created[idx] = e
	}
	return created, nil
}

// kernelVAHalf is the first canonical address of the sign-extended kernel
// half of the amd64 address space.
const kernelVAHalf = uintptr(0xffff800000000000)
