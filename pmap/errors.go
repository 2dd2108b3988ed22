package pmap

import (
	"github.com/sirupsen/logrus"

	"pmap/kernel"
)

// Sentinel errors returned by the mapping operations (map.go), kept as
// package-level singletons for the same reason documented on kernel.Error:
// no dynamic allocator is available in the hottest paths.
var (
	// ErrOutOfMemory is returned when the frame allocator cannot supply a
	// page-table page.
	ErrOutOfMemory = &kernel.Error{Module: "pmap", Message: "out of physical frames"}

	// ErrNotMapped is returned by operations (Remove, Extract,
	// WriteProtect, Unwire) that require an existing mapping at the
	// given address.
	ErrNotMapped = &kernel.Error{Module: "pmap", Message: "address is not mapped"}

	// ErrInvalidAddress is returned when a supplied virtual address is
	// not canonical or not aligned to a page boundary.
	ErrInvalidAddress = &kernel.Error{Module: "pmap", Message: "address is not a canonical, page-aligned virtual address"}

	// ErrWrongRegime is returned when an extended/nested-regime operation
	// is attempted on a normal pmap or vice versa.
	ErrWrongRegime = &kernel.Error{Module: "pmap", Message: "operation not valid for this pmap's paging regime"}
)

// fatal reports an invariant violation: a pv_entry with no matching
// mapping, a PTP whose wire_count disagrees with its live entry count, and
// similar conditions that indicate a programming error rather than a
// recoverable one. fatal logs the violation at Error level (the fields
// carry the offending state) and then panics, so both a log record and a
// recoverable test assertion are available to whoever is driving it.
func fatal(msg string, fields logrus.Fields) {
	log.WithFields(fields).Error(msg)
	panic("pmap: invariant violation: " + msg)
}
