// Package unloaded implements UnloadedModuleReader (spec.md §4.10): the
// user-mode ntdll!RtlpUnloadEventTrace ring buffer and the kernel's
// MmUnloadedDrivers array.
package unloaded

import (
	"context"
	"encoding/binary"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
)

// userEntryLayout is _RTL_UNLOAD_EVENT_TRACE's field subset (spec.md
// §4.10: "size 0x54/0x5C (32-bit) or 0x60/0x68 (64-bit) depending on
// build"); this targets the smaller of the two known sizes per
// bitness, which covers the overwhelming majority of builds seen in
// practice.
type userEntryLayout struct {
	BaseAddress uint32
	SizeOfImage uint32
	ImageName   uint32 // WCHAR[32], 64 bytes
	RecordSize  uint32
}

var userLayout64 = userEntryLayout{BaseAddress: 0, SizeOfImage: 8, ImageName: 32, RecordSize: 0x60}
var userLayout32 = userEntryLayout{BaseAddress: 0, SizeOfImage: 4, ImageName: 20, RecordSize: 0x54}

func userLayoutFor(is32 bool) userEntryLayout {
	if is32 {
		return userLayout32
	}
	return userLayout64
}

const maxUserEvents = 64 // RTL_UNLOAD_EVENT_TRACE_NUMBER's practical ceiling

// ReadUser parses the ntdll unload-event ring buffer at traceVA,
// holding number valid-looking slots (the live RTL_UNLOAD_EVENT_TRACE_NUMBER
// value). It stops at the first entry whose BaseAddress or SizeOfImage
// is implausible, then takes one extra wrap-around pass over the
// remaining slots [stopIndex+1, number) — entries written before the
// ring wrapped may still be valid past the first torn/cleared slot
// (SPEC_FULL.md §C.6).
func ReadUser(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, is32 bool, traceVA model.VA, number uint32) (model.UnloadedModuleMap, error) {
	l := userLayoutFor(is32)
	if number > maxUserEvents {
		number = maxUserEvents
	}

	buf := make([]byte, uint64(number)*uint64(l.RecordSize))
	if err := vmm.Mem.ReadVirtual(ctx, dtb, traceVA, buf, iface.ZeropadOnFail); err != nil {
		return model.UnloadedModuleMap{OwnerPID: pid}, nil
	}

	out := model.UnloadedModuleMap{OwnerPID: pid}
	stopIndex := -1
	for i := uint32(0); i < number; i++ {
		rec := buf[i*l.RecordSize : (i+1)*l.RecordSize]
		entry, ok := parseUserEntry(rec, l, is32)
		if !ok {
			stopIndex = int(i)
			break
		}
		out.Entries = append(out.Entries, entry)
	}

	if stopIndex >= 0 {
		for i := uint32(stopIndex + 1); i < number; i++ {
			rec := buf[i*l.RecordSize : (i+1)*l.RecordSize]
			if entry, ok := parseUserEntry(rec, l, is32); ok {
				out.Entries = append(out.Entries, entry)
			}
		}
	}

	return out, nil
}

func parseUserEntry(rec []byte, l userEntryLayout, is32 bool) (model.UnloadedModuleEntry, bool) {
	var base model.VA
	var size uint32
	if is32 {
		base = model.VA(binary.LittleEndian.Uint32(rec[l.BaseAddress : l.BaseAddress+4]))
		size = binary.LittleEndian.Uint32(rec[l.SizeOfImage : l.SizeOfImage+4])
	} else {
		base = model.VA(binary.LittleEndian.Uint64(rec[l.BaseAddress : l.BaseAddress+8]))
		size = uint32(binary.LittleEndian.Uint64(rec[l.SizeOfImage : l.SizeOfImage+8]))
	}
	if base == 0 || size == 0 || size >= 0x10000000 {
		return model.UnloadedModuleEntry{}, false
	}
	if !isUserVA(base, is32) {
		return model.UnloadedModuleEntry{}, false
	}

	nameBuf := rec[l.ImageName:]
	name := decodeUTF16Z(nameBuf)
	return model.UnloadedModuleEntry{Name: name, Base: base, SizeOfImage: size}, true
}

func isUserVA(va model.VA, is32 bool) bool {
	if is32 {
		return uint64(va) < 0x80000000
	}
	return uint64(va) < 0x00007FFFFFFFFFFF
}

func isKernelVA(va model.VA, is32 bool) bool {
	if is32 {
		return uint64(va) >= 0x80000000
	}
	return uint64(va) >= 0xFFFF800000000000
}

func decodeUTF16Z(buf []byte) string {
	out := make([]byte, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		c := binary.LittleEndian.Uint16(buf[i : i+2])
		if c == 0 {
			break
		}
		if c < 0x80 {
			out = append(out, byte(c))
		} else {
			out = append(out, '?')
		}
	}
	return string(out)
}

// kernelEntryLayout is the simplified _UNLOADED_DRIVERS field subset:
// a UNICODE_STRING name followed by the module's start/end VA.
type kernelEntryLayout struct {
	NameLength uint32
	NameBuffer uint32
	StartVA    uint32
	EndVA      uint32
	RecordSize uint32
}

var kernelLayout64 = kernelEntryLayout{NameLength: 0, NameBuffer: 8, StartVA: 16, EndVA: 24, RecordSize: 32}
var kernelLayout32 = kernelEntryLayout{NameLength: 0, NameBuffer: 4, StartVA: 8, EndVA: 12, RecordSize: 16}

const maxKernelDrivers = 50 // spec.md §4.10

// ReadKernel parses MmUnloadedDrivers[0:count] (arrayVA is
// MmUnloadedDrivers's pointed-to array, count is *MmLastUnloadedDriver
// capped at 50).
func ReadKernel(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, is32 bool, arrayVA model.VA, count uint32) (model.UnloadedModuleMap, error) {
	l := kernelLayout64
	if is32 {
		l = kernelLayout32
	}
	if count > maxKernelDrivers {
		count = maxKernelDrivers
	}

	buf := make([]byte, uint64(count)*uint64(l.RecordSize))
	if err := vmm.Mem.ReadVirtual(ctx, dtb, arrayVA, buf, iface.ZeropadOnFail); err != nil {
		return model.UnloadedModuleMap{OwnerPID: 4}, nil
	}

	out := model.UnloadedModuleMap{OwnerPID: 4}
	ptrSize := uint32(8)
	if is32 {
		ptrSize = 4
	}
	for i := uint32(0); i < count; i++ {
		rec := buf[i*l.RecordSize : (i+1)*l.RecordSize]

		var start, end model.VA
		if is32 {
			start = model.VA(binary.LittleEndian.Uint32(rec[l.StartVA : l.StartVA+4]))
			end = model.VA(binary.LittleEndian.Uint32(rec[l.EndVA : l.EndVA+4]))
		} else {
			start = model.VA(binary.LittleEndian.Uint64(rec[l.StartVA : l.StartVA+8]))
			end = model.VA(binary.LittleEndian.Uint64(rec[l.EndVA : l.EndVA+8]))
		}
		if !isKernelVA(start, is32) || !isKernelVA(end, is32) || end <= start {
			continue
		}
		size := uint64(end - start)
		if size >= 0x10000000 {
			continue
		}

		nameLen := binary.LittleEndian.Uint16(rec[l.NameLength : l.NameLength+2])
		if nameLen == 0 || nameLen%2 != 0 {
			continue
		}
		var nameVA model.VA
		if is32 {
			nameVA = model.VA(binary.LittleEndian.Uint32(rec[l.NameBuffer : l.NameBuffer+4]))
		} else {
			nameVA = model.VA(binary.LittleEndian.Uint64(rec[l.NameBuffer : l.NameBuffer+ptrSize]))
		}
		if !isKernelVA(nameVA, is32) {
			continue
		}
		nameBuf := make([]byte, nameLen)
		if err := vmm.Mem.ReadVirtual(ctx, dtb, nameVA, nameBuf, iface.ZeropadOnFail); err != nil {
			continue
		}

		out.Entries = append(out.Entries, model.UnloadedModuleEntry{
			Name:        decodeUTF16Z(nameBuf),
			Base:        start,
			SizeOfImage: uint32(size),
		})
	}

	return out, nil
}
