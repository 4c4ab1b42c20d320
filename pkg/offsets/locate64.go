package offsets

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/vmmerr"
)

// Locate64 runs the 64-bit OffsetLocator algorithm (spec.md §4.2).
// systemDTB/systemEProcess are the caller-known SYSTEM process values
// (spec.md §1: the DTB is given input, not discovered).
func Locate64(ctx context.Context, vmm *ctxvmm.Context, systemDTB model.DTB, systemEProcess model.VA) (*Offsets, error) {
	sys, err := readBytes(ctx, vmm, systemDTB, systemEProcess, headerReadSize)
	if err != nil {
		return nil, vmmerr.New(vmmerr.ClassIO, "offsets: read SYSTEM EPROCESS: %v", err)
	}

	o := &Offsets{}

	// Step 2: State, DTB.
	if binary.LittleEndian.Uint32(sys[4:8]) == 0 {
		o.State = 4
	} else {
		return invalid(vmm), nil
	}
	if len(sys) >= 0x30 {
		dtbCandidate := binary.LittleEndian.Uint64(sys[0x28:0x30])
		if topBitsEqual(dtbCandidate, uint64(systemDTB), 10) {
			o.DTB = 0x28
		}
	}
	if o.DTB == 0 {
		return invalid(vmm), nil
	}

	// Step 3: ImageFileName by literal pattern.
	nameOff, ok := findPattern(sys, imageFileNamePattern[:])
	if !ok {
		return invalid(vmm), nil
	}
	o.ImageFileName = nameOff

	// Step 4: PID field + smss.exe cross-check.
	pidOff, _, smss, ok := findPIDAndSmss(ctx, vmm, systemDTB, systemEProcess, sys, nameOff)
	if !ok {
		return invalid(vmm), nil
	}
	o.PID = pidOff
	o.FLink = pidOff + 8
	o.BLink = o.FLink + 8

	// PPID sits between BLink and Name; 0 in SYSTEM, 4 in smss.
	if ppid, ok := findPPID(sys, smss, o.BLink+8, nameOff); ok {
		o.PPID = ppid
	} else {
		return invalid(vmm), nil
	}

	// Step 5: PEB offset (uses smss's own DTB, found via o.DTB on the smss record).
	smssDTB := model.DTB(binary.LittleEndian.Uint64(smss[o.DTB : o.DTB+8]))
	pebOff, ok := findPEBOffset(ctx, vmm, smssDTB, sys, smss, nameOff)
	if !ok {
		return invalid(vmm), nil
	}
	o.PEB = pebOff

	// Step 6: Wow64Process ("Vista-or-7" predicate is Name < PEB).
	if nameOff < pebOff {
		o.Wow64Process = nameOff + 0x40
	} else {
		o.Wow64Process = pebOff + 0x30
	}

	// Step 7: ObjectTable / SeAuditProcessCreationInfo.
	if objOff, ok := findObjectTable(ctx, vmm, systemDTB, sys, nameOff); ok {
		o.ObjectTable = objOff
	} else {
		return invalid(vmm), nil
	}
	if auditOff, ok := findSeAudit(ctx, vmm, smssDTB, smss, pebOff); ok {
		o.SeAuditProcessCreationInfo = auditOff
	}
	// SeAudit is best-effort: spec.md §4.3 falls back to the short name
	// when it's unavailable, so we don't invalidate the whole offset set.

	// Step 8: VadRoot.
	if vadOff, ok := findVadRoot(ctx, vmm, systemDTB, sys, nameOff); ok {
		o.VadRoot = vadOff
	}

	// Step 9: shadow DTB (best-effort; many systems have none).
	o.ShadowDTB = findShadowDTB(ctx, vmm, systemDTB, smssDTB, sys, smss)

	o.CbMaxOffset = computeMaxOffset(o)
	o.Valid = true
	return o, nil
}

func invalid(vmm *ctxvmm.Context) *Offsets {
	vmm.Log.Warn("offsets: could not locate EPROCESS offsets by pattern matching")
	return &Offsets{Valid: false}
}

func readBytes(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, va model.VA, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, va, buf, iface.ZeropadOnFail); err != nil {
		return nil, err
	}
	return buf, nil
}

func findPattern(buf []byte, pattern []byte) (uint32, bool) {
	idx := bytes.Index(buf, pattern)
	if idx < 0 {
		return 0, false
	}
	return uint32(idx), true
}

// findPIDAndSmss implements spec.md §4.2 step 4: scan for a QWORD == 4
// whose following QWORD is a kernel pointer that, followed and
// re-interpreted with the name offset already known, names smss.exe,
// Registry, or Secure System, with BLink pointing back to SYSTEM.
func findPIDAndSmss(
	ctx context.Context, vmm *ctxvmm.Context, systemDTB model.DTB, systemEProcess model.VA, sys []byte, nameOff uint32,
) (pidOff uint32, smssEProcess model.VA, smss []byte, ok bool) {
	candidates := [][8]byte{
		{'s', 'm', 's', 's', '.', 'e', 'x', 'e'},
		{'R', 'e', 'g', 'i', 's', 't', 'r', 'y'},
		{'S', 'e', 'c', 'u', 'r', 'e', ' ', 'S'},
	}

	limit := len(sys) - 16
	for off := 0; off < limit; off += 8 {
		if binary.LittleEndian.Uint64(sys[off:off+8]) != 4 {
			continue
		}
		ptr := model.VA(binary.LittleEndian.Uint64(sys[off+8 : off+16]))
		if !isKernelVA(ptr, false) {
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
		blinkOff := off + 16
		if blinkOff+8 > len(record) {
			continue
		}
		blink := model.VA(binary.LittleEndian.Uint64(record[blinkOff : blinkOff+8]))
		wantBlink := systemEProcess + model.VA(off+8)
		if blink != wantBlink {
			continue
		}
		return uint32(off), ptr, record, true
	}
	return 0, 0, nil, false
}

// findPPID scans the DWORD-aligned window (lo, hi) for an offset that
// reads 0 in sys and 4 in smss (spec.md §4.2 step 4).
func findPPID(sys, smss []byte, lo, hi uint32) (uint32, bool) {
	for off := lo; off+4 <= hi && int(off)+4 <= len(sys) && int(off)+4 <= len(smss); off += 4 {
		sysVal := binary.LittleEndian.Uint32(sys[off : off+4])
		smssVal := binary.LittleEndian.Uint32(smss[off : off+4])
		if sysVal == 0 && smssVal == 4 {
			return off, true
		}
	}
	return 0, false
}

// findPEBOffset implements spec.md §4.2 step 5: PEB is the first
// offset in a plausible range that is zero in SYSTEM, a user-aligned
// pointer in smss, and whose translation through smss's DTB yields a
// page that does not begin with "MZ".
func findPEBOffset(
	ctx context.Context, vmm *ctxvmm.Context, smssDTB model.DTB, sys, smss []byte, nameOff uint32,
) (uint32, bool) {
	lo := nameOff + 8
	hi := nameOff + 0x200
	if int(hi) > len(sys) || int(hi) > len(smss) {
		if len(sys) < len(smss) {
			hi = uint32(len(sys))
		} else {
			hi = uint32(len(smss))
		}
	}
	for off := lo; off+8 <= hi; off += 8 {
		sysVal := binary.LittleEndian.Uint64(sys[off : off+8])
		if sysVal != 0 {
			continue
		}
		smssVal := model.VA(binary.LittleEndian.Uint64(smss[off : off+8]))
		if !isUserVA(smssVal, false) || uint64(smssVal)%0x1000 != 0 || smssVal == 0 {
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

// findObjectTable implements spec.md §4.2 step 7's ObjectTable half:
// candidates within [Name-0xE0, Name-0x20], accepted when the prepended
// pool tag is "Obtb" or the referenced block is page-aligned.
func findObjectTable(
	ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, sys []byte, nameOff uint32,
) (uint32, bool) {
	if nameOff < 0xE0 {
		return 0, false
	}
	lo := nameOff - 0xE0
	hi := nameOff - 0x20
	for off := lo; off+8 <= hi; off += 8 {
		ptr := model.VA(binary.LittleEndian.Uint64(sys[off : off+8]))
		if !isKernelVA(ptr, false) {
			continue
		}
		window, err := readBytes(ctx, vmm, dtb, ptr-0x10, 0x40)
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

// findSeAudit implements spec.md §4.2 step 7's audit-info half.
func findSeAudit(
	ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, smss []byte, pebOff uint32,
) (uint32, bool) {
	lo := pebOff + 0x58
	hi := pebOff + 0x90
	if int(hi) > len(smss) {
		return 0, false
	}
	for off := lo; off+8 <= hi; off += 8 {
		auditStruct := model.VA(binary.LittleEndian.Uint64(smss[off : off+8]))
		if !isKernelVA(auditStruct, false) {
			continue
		}
		ptrBuf, err := readBytes(ctx, vmm, dtb, auditStruct, 8)
		if err != nil {
			continue
		}
		ustrVA := model.VA(binary.LittleEndian.Uint64(ptrBuf))
		if ustrVA == 0 {
			continue
		}
		ustr, err := readBytes(ctx, vmm, dtb, ustrVA, 16)
		if err != nil {
			continue
		}
		length := binary.LittleEndian.Uint16(ustr[0:2])
		maxLength := binary.LittleEndian.Uint16(ustr[2:4])
		bufferVA := model.VA(binary.LittleEndian.Uint64(ustr[8:16]))
		if length == 0 || length > maxLength || length > 260*2 {
			continue
		}
		prefix, err := readBytes(ctx, vmm, dtb, bufferVA, 16)
		if err != nil {
			continue
		}
		if len(prefix) >= 16 && bytes.Equal(decodeUTF16(prefix[:16]), []byte(`\Device\`)) {
			return off, true
		}
	}
	return 0, false
}

func decodeUTF16(buf []byte) []byte {
	out := make([]byte, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		out = append(out, buf[i])
	}
	return out
}

// findVadRoot implements spec.md §4.2 step 8.
func findVadRoot(
	ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, sys []byte, nameOff uint32,
) (uint32, bool) {
	start := nameOff + 0x140
	for off := start; off+8 <= uint32(len(sys)); off += 8 {
		ptr := model.VA(binary.LittleEndian.Uint64(sys[off : off+8]))
		if !isKernelVA(ptr, false) {
			continue
		}
		if off >= 4 && binary.LittleEndian.Uint32(sys[off-4:off]) == 0x103 {
			return off, true
		}
		if off >= 12 && binary.LittleEndian.Uint32(sys[off-12:off-8]) == 0x103 {
			return off, true
		}
	}
	return 0, false
}

// findShadowDTB implements spec.md §4.2 step 9, best-effort.
func findShadowDTB(
	ctx context.Context, vmm *ctxvmm.Context, systemDTB, smssDTB model.DTB, sys, smss []byte,
) uint32 {
	for off := uint32(0x240); off+8 <= uint32(len(sys)) && off+8 <= uint32(len(smss)); off += 8 {
		sysVal := binary.LittleEndian.Uint64(sys[off : off+8])
		smssVal := binary.LittleEndian.Uint64(smss[off : off+8])
		if sysVal == 0 || sysVal >= (1<<44) {
			continue
		}
		if smssVal != 0 && smssVal != 1 {
			continue
		}
		page, err := readBytes(ctx, vmm, systemDTB, model.VA(sysVal), 0x800)
		if err != nil {
			continue
		}
		allZero := true
		for _, b := range page {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return off
		}
	}
	return 0
}
