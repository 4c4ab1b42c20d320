package offsets

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/vmmerr"
)

// Locate32 is the 32-bit analogue of Locate64 (spec.md §4.2: "32-bit is
// analogous"). Pointers are 4 bytes, scans stride on 4-byte boundaries
// instead of 8, and the kernel/user VA split sits at the 2/3GB line
// instead of the canonical-address boundary.
func Locate32(ctx context.Context, vmm *ctxvmm.Context, systemDTB model.DTB, systemEProcess model.VA) (*Offsets, error) {
	sys, err := readBytes(ctx, vmm, systemDTB, systemEProcess, headerReadSize)
	if err != nil {
		return nil, vmmerr.New(vmmerr.ClassIO, "offsets: read SYSTEM EPROCESS (32-bit): %v", err)
	}

	o := &Offsets{}

	if binary.LittleEndian.Uint32(sys[4:8]) == 0 {
		o.State = 4
	} else {
		return invalid(vmm), nil
	}
	if len(sys) >= 0x20 {
		dtbCandidate := binary.LittleEndian.Uint32(sys[0x18:0x1C])
		if uint64(dtbCandidate)&0xFFFFF000 == uint64(systemDTB)&0xFFFFF000 {
			o.DTB = 0x18
		}
	}
	if o.DTB == 0 {
		return invalid(vmm), nil
	}

	nameOff, ok := findPattern(sys, imageFileNamePattern[:])
	if !ok {
		return invalid(vmm), nil
	}
	o.ImageFileName = nameOff

	pidOff, _, smss, ok := findPIDAndSmss32(ctx, vmm, systemDTB, systemEProcess, sys, nameOff)
	if !ok {
		return invalid(vmm), nil
	}
	o.PID = pidOff
	o.FLink = pidOff + 4
	o.BLink = o.FLink + 4

	if ppid, ok := findPPID32(sys, smss, o.BLink+4, nameOff); ok {
		o.PPID = ppid
	} else {
		return invalid(vmm), nil
	}

	smssDTB := model.DTB(binary.LittleEndian.Uint32(smss[o.DTB : o.DTB+4]))
	pebOff, ok := findPEBOffset32(ctx, vmm, smssDTB, sys, smss, nameOff)
	if !ok {
		return invalid(vmm), nil
	}
	o.PEB = pebOff

	// Wow64Process does not exist on a pure 32-bit kernel (no WoW64
	// layer needed); leave it zero.

	if objOff, ok := findObjectTable32(ctx, vmm, systemDTB, sys, nameOff); ok {
		o.ObjectTable = objOff
	} else {
		return invalid(vmm), nil
	}

	if vadOff, ok := findVadRoot32(ctx, vmm, systemDTB, sys, nameOff); ok {
		o.VadRoot = vadOff
	}

	o.CbMaxOffset = computeMaxOffset(o)
	o.Valid = true
	return o, nil
}

func findPIDAndSmss32(
	ctx context.Context, vmm *ctxvmm.Context, systemDTB model.DTB, systemEProcess model.VA, sys []byte, nameOff uint32,
) (pidOff uint32, smssEProcess model.VA, smss []byte, ok bool) {
	candidates := [][8]byte{
		{'s', 'm', 's', 's', '.', 'e', 'x', 'e'},
		{'R', 'e', 'g', 'i', 's', 't', 'r', 'y'},
		{'S', 'e', 'c', 'u', 'r', 'e', ' ', 'S'},
	}

	limit := len(sys) - 8
	for off := 0; off < limit; off += 4 {
		if binary.LittleEndian.Uint32(sys[off:off+4]) != 4 {
			continue
		}
		ptr := model.VA(binary.LittleEndian.Uint32(sys[off+4 : off+8]))
		if !isKernelVA(ptr, true) {
			continue
		}
		record, err := readBytes(ctx, vmm, systemDTB, ptr, headerReadSize)
		if err != nil || uint32(len(record)) < nameOff+8 {
			continue
		}
		name := record[nameOff : nameOff+8]
		matched := false
		for _, c := range candidates {
			if bytes.Equal(name, c[:]) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		blinkOff := off + 8
		if blinkOff+4 > len(record) {
			continue
		}
		blink := model.VA(binary.LittleEndian.Uint32(record[blinkOff : blinkOff+4]))
		wantBlink := systemEProcess + model.VA(off+4)
		if blink != wantBlink {
			continue
		}
		return uint32(off), ptr, record, true
	}
	return 0, 0, nil, false
}

func findPPID32(sys, smss []byte, lo, hi uint32) (uint32, bool) {
	for off := lo; off+4 <= hi && int(off)+4 <= len(sys) && int(off)+4 <= len(smss); off += 4 {
		sysVal := binary.LittleEndian.Uint32(sys[off : off+4])
		smssVal := binary.LittleEndian.Uint32(smss[off : off+4])
		if sysVal == 0 && smssVal == 4 {
			return off, true
		}
	}
	return 0, false
}

func findPEBOffset32(
	ctx context.Context, vmm *ctxvmm.Context, smssDTB model.DTB, sys, smss []byte, nameOff uint32,
) (uint32, bool) {
	lo := nameOff + 4
	hi := nameOff + 0x100
	if int(hi) > len(sys) || int(hi) > len(smss) {
		if len(sys) < len(smss) {
			hi = uint32(len(sys))
		} else {
			hi = uint32(len(smss))
		}
	}
	for off := lo; off+4 <= hi; off += 4 {
		sysVal := binary.LittleEndian.Uint32(sys[off : off+4])
		if sysVal != 0 {
			continue
		}
		smssVal := model.VA(binary.LittleEndian.Uint32(smss[off : off+4]))
		if !isUserVA(smssVal, true) || uint64(smssVal)%0x1000 != 0 || smssVal == 0 {
			continue
		}
		page, err := readBytes(ctx, vmm, smssDTB, smssVal, 2)
		if err != nil {
			continue
		}
		if page[0] == 'M' && page[1] == 'Z' {
			continue
		}
		return off, true
	}
	return 0, false
}

func findObjectTable32(
	ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, sys []byte, nameOff uint32,
) (uint32, bool) {
	if nameOff < 0x70 {
		return 0, false
	}
	lo := nameOff - 0x70
	hi := nameOff - 0x10
	for off := lo; off+4 <= hi; off += 4 {
		ptr := model.VA(binary.LittleEndian.Uint32(sys[off : off+4]))
		if !isKernelVA(ptr, true) {
			continue
		}
		window, err := readBytes(ctx, vmm, dtb, ptr-0x8, 0x20)
		if err != nil {
			continue
		}
		if bytes.Equal(window[4:8], []byte("Obtb")) {
			return off, true
		}
		if uint64(ptr)%0x1000 == 0 {
			return off, true
		}
	}
	return 0, false
}

func findVadRoot32(
	ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, sys []byte, nameOff uint32,
) (uint32, bool) {
	start := nameOff + 0xA0
	for off := start; off+4 <= uint32(len(sys)); off += 4 {
		ptr := model.VA(binary.LittleEndian.Uint32(sys[off : off+4]))
		if !isKernelVA(ptr, true) {
			continue
		}
		if off >= 4 && binary.LittleEndian.Uint32(sys[off-4:off]) == 0x103 {
			return off, true
		}
	}
	return 0, false
}
