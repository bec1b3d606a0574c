// Package appnum allocates the process-wide, monotonically increasing
// "APPNUM" identifiers used in the scan-destination registration descriptor
// (see device.Manager). Once assigned to an item, the number is stable for
// the life of the process.
package appnum

import "sync/atomic"

// Allocator hands out the next APPNUM, starting at 1.
type Allocator struct {
	next atomic.Uint64
}

// NewAllocator returns an Allocator seeded so the first Next() call returns 1.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next returns the next unused APPNUM.
func (a *Allocator) Next() uint64 {
	return a.next.Add(1)
}
