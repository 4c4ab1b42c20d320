// Package handle implements HandleSpider (spec.md §4.8): spidering a
// process's 1-3 level handle table, decoding each slot's object type
// index and pool tag, and enriching well-known tags (Key/Pro/Thr/Fil)
// from their respective collaborators.
package handle

import "github.com/dfirkit/wintrace/pkg/model"

// Generation selects the handle-table slot encoding and TableCode
// field offset, both of which changed across Windows releases
// (spec.md §4.8 "bit-layout quirks").
type Generation int

const (
	GenXPWin7   Generation = iota // TableCode at +0, slot holds a direct object pointer
	GenWin8                       // TableCode at +8, slot is sign-extend | (raw >> 19)
	GenWin81Plus                  // TableCode at +8, slot is 0xFFFF... | (raw >> 16)
)

func tableCodeOffset(gen Generation) uint32 {
	if gen == GenXPWin7 {
		return 0
	}
	return 8
}

// objectHeaderSize is OBJECT_HEADER's size, used to step from a decoded
// header pointer to the object body (spec.md §4.8).
func objectHeaderSize(is32 bool) uint32 {
	if is32 {
		return 0x18
	}
	return 0x30
}

// objectHeaderPrefetchSize is how far ahead of the object VA to
// batch-prefetch the header (spec.md §4.8).
func objectHeaderPrefetchSize(is32 bool) uint32 {
	if is32 {
		return 0x60
	}
	return 0x90
}

// entrySize and entriesPerPage follow from _HANDLE_TABLE_ENTRY's size:
// one pointer-sized object slot plus a 4-byte granted-access/attributes
// word, padded to pointer size on 64-bit (spec.md §4.8: "256 or 512
// _HANDLE_TABLE_ENTRY pairs" per 0x1000 leaf page).
func entrySize(is32 bool) uint32 {
	if is32 {
		return 8
	}
	return 16
}

func entriesPerPage(is32 bool) uint32 { return 0x1000 / entrySize(is32) }

func pointerSize(is32 bool) uint32 {
	if is32 {
		return 4
	}
	return 8
}

func pointersPerPage(is32 bool) uint32 { return 0x1000 / pointerSize(is32) }

// maxLeafPages is the cap on leaf pages HandleSpider will emit
// (spec.md §4.8).
func maxLeafPages(is32 bool) int {
	if is32 {
		return 2048
	}
	return 1024
}

// decodeSlotPointer undoes the per-generation slot encoding, returning
// the raw object-header pointer (before OBJECT_HEADER-size adjustment).
func decodeSlotPointer(gen Generation, raw uint64) model.VA {
	switch gen {
	case GenWin8:
		return model.VA(0xFFFFE00000000000 | (raw >> 19))
	case GenWin81Plus:
		return model.VA(0xFFFF000000000000 | (raw >> 16))
	default:
		return model.VA(raw &^ 0xF)
	}
}
