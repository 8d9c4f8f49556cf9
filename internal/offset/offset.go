// Package offset implements the position-independent pointer/offset
// translation discipline shared by every structure that lives inside an
// omem region. Every inter-object link (list next/prev, hash bucket
// heads, tree parent/children) is stored as an Offset and translated
// through this package, so the region can be mapped at different base
// addresses in cooperating processes. The region package addresses its
// own fixed header and headroom words directly from the base.
package offset

import "unsafe"

// Offset is a byte distance from a region's base address. Zero is the
// reserved null value: no live block or node may be addressed by offset
// zero, since the region header always occupies the first bytes of a
// region.
type Offset uint64

// Null is the reserved sentinel offset meaning "no link".
const Null Offset = 0

// ToPointer translates a base address and an offset into a raw pointer.
// It is a total function: Null always yields nil, regardless of base.
func ToPointer(base unsafe.Pointer, off Offset) unsafe.Pointer {
	if off == Null {
		return nil
	}

	return unsafe.Add(base, uintptr(off))
}

// ToOffset translates a base address and a raw pointer into an offset.
// It is a total function: nil always yields Null, regardless of base.
func ToOffset(base unsafe.Pointer, p unsafe.Pointer) Offset {
	if p == nil {
		return Null
	}

	return Offset(uintptr(p) - uintptr(base))
}
