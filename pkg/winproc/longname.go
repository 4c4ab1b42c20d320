package winproc

import (
	"context"
	"encoding/binary"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/offsets"
)

const maxPathUTF16 = 260 * 2

// ResolveLongNames fills in Process.LongName via the three-tier cascade
// of SPEC_FULL.md §C.1: SeAuditProcessCreationInfo first, then the main
// module's full path, then the 15-char short name. firstModulePath is
// consulted only for tier two; wiring it to winmodule's already-built
// module map is the caller's job, so this package never imports
// winmodule.
func ResolveLongNames(
	ctx context.Context,
	vmm *ctxvmm.Context,
	off *offsets.Offsets,
	is32 bool,
	procs []*model.Process,
	firstModulePath func(model.PID) (string, bool),
) {
	for _, p := range procs {
		if name, ok := auditLongName(ctx, vmm, off, is32, p); ok {
			p.LongName = name
			p.Sidecar.LongPathCache = name
			continue
		}
		if firstModulePath != nil {
			if name, ok := firstModulePath(p.PID); ok && name != "" {
				p.LongName = name
				p.Sidecar.LongPathCache = name
				continue
			}
		}
		if p.Sidecar.LongPathCache != "" {
			p.LongName = p.Sidecar.LongPathCache
			continue
		}
		p.LongName = p.Name
	}
}

func auditLongName(ctx context.Context, vmm *ctxvmm.Context, off *offsets.Offsets, is32 bool, p *model.Process) (string, bool) {
	if off.SeAuditProcessCreationInfo == 0 {
		return "", false
	}

	auditStructPtr, err := readVA(ctx, vmm, p.DTB, p.EProcess+model.VA(off.SeAuditProcessCreationInfo), !is32)
	if err != nil || auditStructPtr == 0 {
		return "", false
	}

	ustrVA, err := readVA(ctx, vmm, p.DTB, auditStructPtr, !is32)
	if err != nil || ustrVA == 0 {
		return "", false
	}

	// _UNICODE_STRING: Length(2) MaximumLength(2) [pad(4) on 64-bit] Buffer(ptr).
	ustrSize := 8
	bufferOff := 4
	if !is32 {
		ustrSize = 16
		bufferOff = 8
	}
	ustr := make([]byte, ustrSize)
	if err := vmm.Mem.ReadVirtual(ctx, p.DTB, ustrVA, ustr, iface.ZeropadOnFail); err != nil {
		return "", false
	}
	length := binary.LittleEndian.Uint16(ustr[0:2])
	maxLength := binary.LittleEndian.Uint16(ustr[2:4])
	var bufferVA model.VA
	if is32 {
		bufferVA = model.VA(binary.LittleEndian.Uint32(ustr[bufferOff : bufferOff+4]))
	} else {
		bufferVA = model.VA(binary.LittleEndian.Uint64(ustr[bufferOff : bufferOff+8]))
	}
	if length == 0 || length > maxLength || length > maxPathUTF16 || bufferVA == 0 {
		return "", false
	}

	raw := make([]byte, length)
	if err := vmm.Mem.ReadVirtual(ctx, p.DTB, bufferVA, raw, iface.ZeropadOnFail); err != nil {
		return "", false
	}
	name := decodeUTF16(raw)
	if len(name) < len(`\Device\`) || name[:len(`\Device\`)] != `\Device\` {
		return "", false
	}
	return name, true
}

func readVA(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, va model.VA, is64 bool) (model.VA, error) {
	n := 4
	if is64 {
		n = 8
	}
	buf := make([]byte, n)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, va, buf, iface.ZeropadOnFail); err != nil {
		return 0, err
	}
	if is64 {
		return model.VA(binary.LittleEndian.Uint64(buf)), nil
	}
	return model.VA(binary.LittleEndian.Uint32(buf)), nil
}

func decodeUTF16(buf []byte) string {
	out := make([]byte, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		out = append(out, buf[i])
	}
	return string(out)
}
