// Package heap implements HeapWalker (spec.md §4, table row "HeapWalker":
// "Walk PEB heap segment lists (XP/Vista+, 32/64)"): reading a
// process's PEB.ProcessHeaps array and, for each heap, the segment
// header at the heap's base address. Further segments of a heap are
// not walked.
package heap

import (
	"context"
	"encoding/binary"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
)

// layout is the PEB.ProcessHeaps / _HEAP_SEGMENT field subset HeapWalker
// needs. Two generations exist because the NT heap manager's segment
// header shrank between XP and Vista (spec.md §4: "XP/Vista+, 32/64").
type layout struct {
	NumberOfHeaps uint32 // PEB field
	ProcessHeaps  uint32 // PEB field: pointer to HANDLE[NumberOfHeaps]

	SegmentSignature uint32 // _HEAP_SEGMENT field, relative to heap base
	NumberOfPages    uint32
	NumUncommitted   uint32
}

var (
	vistaPlus64 = layout{NumberOfHeaps: 0xE8, ProcessHeaps: 0xF0, SegmentSignature: 0x00, NumberOfPages: 0x30, NumUncommitted: 0x38}
	vistaPlus32 = layout{NumberOfHeaps: 0x88, ProcessHeaps: 0x90, SegmentSignature: 0x00, NumberOfPages: 0x1C, NumUncommitted: 0x20}
	legacyXP64  = layout{NumberOfHeaps: 0x98, ProcessHeaps: 0xA0, SegmentSignature: 0x00, NumberOfPages: 0x28, NumUncommitted: 0x2C}
	legacyXP32  = layout{NumberOfHeaps: 0x58, ProcessHeaps: 0x60, SegmentSignature: 0x00, NumberOfPages: 0x14, NumUncommitted: 0x18}
)

func layoutFor(is32, legacyXP bool) layout {
	switch {
	case is32 && legacyXP:
		return legacyXP32
	case is32 && !legacyXP:
		return vistaPlus32
	case !is32 && legacyXP:
		return legacyXP64
	default:
		return vistaPlus64
	}
}

// heapSegmentSignature is the expected first DWORD of a _HEAP_SEGMENT
// (and, conveniently, of _HEAP itself, since the primary heap's own
// header doubles as its first segment).
const heapSegmentSignature = 0xFFEEFFEE

// Walk implements HeapWalker: read ProcessHeaps, validate each pointer,
// and build one HeapEntry per heap from the segment header at the heap
// base. A heap with more than one segment (possible on a long-lived
// process with a large fragmented heap) still yields a single entry;
// its other segments are not read.
func Walk(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, is32 bool, legacyXP bool, pebVA model.VA) (model.HeapMap, error) {
	l := layoutFor(is32, legacyXP)
	ptrSize := uint32(8)
	if is32 {
		ptrSize = 4
	}

	hdr := make([]byte, l.ProcessHeaps+ptrSize)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, pebVA, hdr, iface.ZeropadOnFail); err != nil {
		return model.HeapMap{OwnerPID: pid}, nil
	}

	numHeaps := binary.LittleEndian.Uint32(hdr[l.NumberOfHeaps : l.NumberOfHeaps+4])
	var processHeapsVA model.VA
	if is32 {
		processHeapsVA = model.VA(binary.LittleEndian.Uint32(hdr[l.ProcessHeaps : l.ProcessHeaps+4]))
	} else {
		processHeapsVA = model.VA(binary.LittleEndian.Uint64(hdr[l.ProcessHeaps : l.ProcessHeaps+8]))
	}
	if processHeapsVA == 0 || numHeaps == 0 || numHeaps > 256 {
		return model.HeapMap{OwnerPID: pid}, nil
	}

	arr := make([]byte, uint64(numHeaps)*uint64(ptrSize))
	if err := vmm.Mem.ReadVirtual(ctx, dtb, processHeapsVA, arr, iface.ZeropadOnFail); err != nil {
		return model.HeapMap{OwnerPID: pid}, nil
	}

	out := model.HeapMap{OwnerPID: pid}
	for i := uint32(0); i < numHeaps; i++ {
		var heapVA model.VA
		if is32 {
			heapVA = model.VA(binary.LittleEndian.Uint32(arr[i*4 : i*4+4]))
		} else {
			heapVA = model.VA(binary.LittleEndian.Uint64(arr[i*8 : i*8+8]))
		}
		if heapVA == 0 || uint64(heapVA)%0x1000 != 0 {
			continue
		}

		segBuf := make([]byte, l.NumUncommitted+4)
		if err := vmm.Mem.ReadVirtual(ctx, dtb, heapVA, segBuf, iface.ZeropadOnFail); err != nil {
			continue
		}
		sig := binary.LittleEndian.Uint32(segBuf[l.SegmentSignature : l.SegmentSignature+4])
		if sig != heapSegmentSignature {
			continue
		}

		out.Entries = append(out.Entries, model.HeapEntry{
			SegmentVA:      heapVA,
			HeapID:         i,
			Primary:        i == 0,
			NumPages:       binary.LittleEndian.Uint32(segBuf[l.NumberOfPages : l.NumberOfPages+4]),
			NumUncommitted: binary.LittleEndian.Uint32(segBuf[l.NumUncommitted : l.NumUncommitted+4]),
		})
	}

	return out, nil
}

// GetCached returns the epoch-cached HeapMap for pid, building it via
// Walk on a miss (spec.md §5 double-checked-publish idiom).
func GetCached(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, is32 bool, legacyXP bool, pebVA model.VA) (*model.Snapshot[model.HeapMap], error) {
	key := ctxvmm.CacheKey{PID: pid, Kind: "heap"}
	return ctxvmm.GetOrBuild(vmm, key, func() (model.HeapMap, *model.StringPool, error) {
		hm, err := Walk(ctx, vmm, pid, dtb, is32, legacyXP, pebVA)
		return hm, &model.StringPool{}, err
	})
}
