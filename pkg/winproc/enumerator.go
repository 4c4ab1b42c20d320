// Package winproc implements ProcessEnumerator (spec.md §4.3): walking
// PsActiveProcessHead through ListWalker and materializing the process
// table, including the user/kernel classification, WoW64/PEB32
// derivation, DTB-collision bookkeeping, and the quality gate.
package winproc

import (
	"context"
	"encoding/binary"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/listwalker"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/offsets"
	"github.com/dfirkit/wintrace/pkg/vmmerr"
)

const maxDTB = 16 * 1024 * 1024 * 1024 * 1024 // 16 TiB (spec.md §4.3)

// wow64Mask is the original's "is this a clean low-32 page-aligned
// pointer" test: any high-32 bit or any of the low 12 (page-offset)
// bits set means Wow64Process is not itself the PEB32 pointer.
const wow64Mask = 0xffffffff00000fff

// Result is ProcessEnumerator's output (spec.md §3, §7).
type Result struct {
	Processes []*model.Process
	// QualityOK is spec.md §7's "≥10 processes enumerated" gate; a
	// caller may discard the whole run when this is false.
	QualityOK bool
	// Collisions counts VmmProcessCreateEntry-style PID-reused-with-
	// different-DTB events (spec.md §4.3).
	Collisions int
}

// Enumerate walks the EPROCESS list starting at systemEProcess and
// returns the materialized process table. noLinkCandidates are extra
// EPROCESS addresses discovered outside the list (spec.md §4.3's
// "no-link" re-invocation, supplied by the caller); each is run through the same
// post-processing with NoLink set.
func Enumerate(
	ctx context.Context,
	vmm *ctxvmm.Context,
	off *offsets.Offsets,
	is32 bool,
	systemDTB model.DTB,
	systemEProcess model.VA,
	noLinkCandidates []model.VA,
) (*Result, error) {
	b := &builder{
		ctx:       vmm,
		off:       off,
		is32:      is32,
		dtb:       systemDTB,
		seenByPID: make(map[model.PID]model.DTB),
		byEProc:   make(map[model.VA]*model.Process),
	}

	ptrSize := uint32(8)
	if is32 {
		ptrSize = 4
	}
	addressValid := func(va model.VA) bool {
		if va == 0 || uint64(va)%uint64(ptrSize) != 0 {
			return false
		}
		if is32 {
			return uint64(va) >= 0x80000000
		}
		return uint64(va) >= 0xFFFF800000000000
	}

	w := listwalker.New(
		vmm, systemDTB, is32,
		[]model.VA{systemEProcess},
		off.FLink, off.CbMaxOffset,
		b.pre,
		b.post,
	).WithAddressValid(addressValid)
	w.Walk(ctx)

	for _, va := range noLinkCandidates {
		if b.aborted {
			break
		}
		if !addressValid(va) {
			continue
		}
		raw := make([]byte, off.CbMaxOffset)
		if err := vmm.Mem.ReadVirtual(ctx, systemDTB, va, raw, iface.ZeropadOnFail); err != nil {
			continue
		}
		b.materialize(va, raw, true)
	}

	if b.aborted {
		return nil, vmmerr.New(vmmerr.ClassCollision,
			"winproc: aborted after %d DTB collisions (cap %d)",
			b.collisions, vmm.Config.Caps.MaxOffsetLocatorCollisions)
	}

	procs := make([]*model.Process, 0, len(b.byEProc))
	for _, p := range b.byEProc {
		procs = append(procs, p)
	}

	return &Result{
		Processes:  procs,
		QualityOK:  len(procs) >= vmm.Config.Caps.MinProcessesForQualityGate,
		Collisions: b.collisions,
	}, nil
}

type builder struct {
	ctx  *ctxvmm.Context
	off  *offsets.Offsets
	is32 bool
	dtb  model.DTB

	seenByPID  map[model.PID]model.DTB
	byEProc    map[model.VA]*model.Process
	collisions int
	aborted    bool
}

func (b *builder) ptrSize() uint32 {
	if b.is32 {
		return 4
	}
	return 8
}

func (b *builder) readPtr(raw []byte, off uint32) model.VA {
	if b.is32 {
		if int(off)+4 > len(raw) {
			return 0
		}
		return model.VA(binary.LittleEndian.Uint32(raw[off : off+4]))
	}
	if int(off)+8 > len(raw) {
		return 0
	}
	return model.VA(binary.LittleEndian.Uint64(raw[off : off+8]))
}

// pre implements the ActiveProcessLinks traversal: FLink/BLink are
// list-entry addresses, so the owning EPROCESS address is the entry
// address minus the field's own offset (CONTAINING_RECORD).
func (b *builder) pre(va model.VA, raw []byte) listwalker.PreResult {
	if uint32(len(raw)) < b.off.BLink+b.ptrSize() {
		return listwalker.PreResult{Valid: false}
	}
	var links []model.VA
	if flink := b.readPtr(raw, b.off.FLink); flink != 0 {
		links = append(links, flink-model.VA(b.off.FLink))
	}
	if blink := b.readPtr(raw, b.off.BLink); blink != 0 {
		links = append(links, blink-model.VA(b.off.FLink))
	}
	return listwalker.PreResult{Links: links, Valid: true}
}

func (b *builder) post(va model.VA, raw []byte) {
	b.materialize(va, raw, false)
}

func (b *builder) materialize(va model.VA, raw []byte, noLink bool) {
	if b.aborted {
		return
	}
	if uint32(len(raw)) < b.off.CbMaxOffset {
		return
	}

	dtbRaw := b.readDTB(raw, b.off.DTB)
	if uint64(dtbRaw) >= maxDTB {
		return
	}

	pid := b.readPID(raw, b.off.PID)
	name := readShortName(raw, b.off.ImageFileName)
	if pid == 0 || name == "" {
		return
	}

	if prevDTB, ok := b.seenByPID[pid]; ok && prevDTB != dtbRaw {
		b.collisions++
		if b.collisions >= b.ctx.Config.Caps.MaxOffsetLocatorCollisions {
			b.aborted = true
		}
		return
	}
	b.seenByPID[pid] = dtbRaw

	p := &model.Process{
		PID:      pid,
		PPID:     b.readPID(raw, b.off.PPID),
		State:    model.State(binary.LittleEndian.Uint32(raw[b.off.State : b.off.State+4])),
		DTB:      dtbRaw,
		Name:     name,
		EProcess: va,
		NoLink:   noLink,
		Sidecar:  model.NewSidecar(),
	}

	state := p.State
	peb := b.readPtr(raw, b.off.PEB)

	userOnly := true
	if pid == 4 || (state == 0 && peb == 0) || name == "csrss.exe" {
		userOnly = false
	}
	if name == "MemCompression" {
		userOnly = true
	}
	p.UserOnly = userOnly

	if peb != 0 {
		if uint64(peb)%uint64(b.ptrSize()) == 0 {
			p.PEB = peb
		} else {
			b.ctx.Log.WithField("pid", uint32(pid)).Debug("winproc: misaligned PEB, dropping field")
		}
	}

	if !b.is32 {
		b.resolveWow64(p, raw)
	}

	b.byEProc[va] = p
}

func (b *builder) resolveWow64(p *model.Process, raw []byte) {
	if b.off.Wow64Process == 0 || uint32(len(raw)) < b.off.Wow64Process+8 {
		return
	}
	wow64Val := binary.LittleEndian.Uint64(raw[b.off.Wow64Process : b.off.Wow64Process+8])
	if wow64Val == 0 {
		return
	}
	p.WoW64 = true

	vistaOr7 := b.off.Wow64Process == b.off.ImageFileName+0x40

	if wow64Val&wow64Mask != 0 {
		delta := int64(0x1000)
		if vistaOr7 {
			delta = -delta
		}
		p.PEB32 = model.VA(uint32(uint64(p.PEB)) + uint32(delta))
	} else {
		p.PEB32 = model.VA(uint32(wow64Val))
	}
}

func (b *builder) readDTB(raw []byte, off uint32) model.DTB {
	if b.is32 {
		return model.DTB(binary.LittleEndian.Uint32(raw[off : off+4]))
	}
	return model.DTB(binary.LittleEndian.Uint64(raw[off : off+8]))
}

func (b *builder) readPID(raw []byte, off uint32) model.PID {
	if b.is32 {
		return model.PID(binary.LittleEndian.Uint32(raw[off : off+4]))
	}
	return model.PID(binary.LittleEndian.Uint64(raw[off : off+8]))
}

// readShortName trims the trailing NUL padding from the 15(+1)-char
// EPROCESS.ImageFileName field.
func readShortName(raw []byte, off uint32) string {
	if int(off)+16 > len(raw) {
		return ""
	}
	field := raw[off : off+16]
	end := 0
	for end < len(field) && field[end] != 0 {
		end++
	}
	return string(field[:end])
}
