// Package offsets implements OffsetLocator (spec.md §4.2): discovering
// EPROCESS field offsets without a PDB by pattern-matching the SYSTEM
// process against smss.exe. No vendor symbol server is consulted here;
// on failure the caller falls back to iface.PdbResolver itself.
package offsets

import "github.com/dfirkit/wintrace/pkg/model"

// Offsets is the full set of EPROCESS field offsets OffsetLocator
// produces (spec.md §4.2).
type Offsets struct {
	State    uint32
	DTB      uint32
	ShadowDTB uint32 // 0 if not found; not every system has one

	ImageFileName uint32
	PID           uint32
	PPID          uint32
	FLink         uint32 // ActiveProcessLinks.Flink
	BLink         uint32 // ActiveProcessLinks.Blink

	PEB          uint32
	Wow64Process uint32

	ObjectTable                 uint32
	SeAuditProcessCreationInfo  uint32
	VadRoot                     uint32

	// CbMaxOffset is the conservative upper bound used to size reads of
	// an EPROCESS record: max discovered offset + 0x80 (spec.md §4.2).
	CbMaxOffset uint32

	// Valid is false when a mandatory step failed; the caller must fall
	// back to PDB symbol lookup in that case (spec.md §4.2, §7 ClassDependency).
	Valid bool
}

// headerReadSize is how much of SYSTEM's EPROCESS is read to search
// for patterns (spec.md §4.2 step 1).
const headerReadSize = 0x800

// imageFileNamePattern is the literal 8-byte ASCII pattern for the
// SYSTEM process's image name (spec.md §4.2 step 3).
var imageFileNamePattern = [8]byte{'S', 'y', 's', 't', 'e', 'm', 0, 0}

func computeMaxOffset(o *Offsets) uint32 {
	max := o.State
	for _, v := range []uint32{o.DTB, o.ImageFileName, o.PID, o.PPID, o.FLink, o.BLink,
		o.PEB, o.Wow64Process, o.ObjectTable, o.SeAuditProcessCreationInfo, o.VadRoot} {
		if v > max {
			max = v
		}
	}
	return max + 0x80
}

// topBitsEqual compares the top (64-maskBits) bits of two values,
// used to match a DTB's physical page number while ignoring the low
// flag bits (spec.md §4.2 step 2: "top-54 bits").
func topBitsEqual(a, b uint64, maskBits uint) bool {
	mask := ^uint64(0) << maskBits
	return a&mask == b&mask
}

func isKernelVA(va model.VA, is32 bool) bool {
	if is32 {
		return uint64(va) >= 0x80000000
	}
	return uint64(va) >= 0xFFFF800000000000
}

func isUserVA(va model.VA, is32 bool) bool {
	if va == 0 {
		return false
	}
	if is32 {
		return uint64(va) < 0x80000000
	}
	return uint64(va) < 0x00007FFFFFFFFFFF
}
