package main

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/handle"
	"github.com/dfirkit/wintrace/pkg/heap"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/offsets"
	"github.com/dfirkit/wintrace/pkg/winmodule"
)

// augmentWithVadsAndPtes folds VAD-discovered modules and a one-shot
// injected-base pass into mm, when the caller wired in a VAD/PTE
// collaborator (vmm.Vad/vmm.Pte). Neither is available in this
// file-backed demo, so in practice this only fires when cmd/wintrace
// is embedded by a host that supplies its own VadProvider/PteProvider;
// winmodule's own tests cover AugmentWithVads/Reconcile directly.
func augmentWithVadsAndPtes(ctx context.Context, vmm *ctxvmm.Context, p *model.Process, mm *model.ModuleMap) {
	if vmm.Vad == nil || vmm.Pte == nil {
		return
	}
	vads, err := vmm.Vad.VadMap(ctx, p.PID)
	if err != nil {
		return
	}
	ptes, err := vmm.Pte.PteMap(ctx, p.PID)
	if err != nil {
		return
	}
	winmodule.AugmentWithVads(ctx, vmm, p.PID, p.DTB, mm, vads, ptes)
	winmodule.Reconcile(ctx, vmm, p.DTB, map[model.VA]struct{}{}, nil, mm)
	winmodule.FinalizeNames(mm, nil)
}

// printHandles reads the process's object-table pointer directly out
// of EPROCESS (off.ObjectTable is a field offset, not a VA) and spiders
// it with HandleSpider, printing a one-line summary per handle.
func printHandles(ctx context.Context, vmm *ctxvmm.Context, log *logrus.Entry, p *model.Process, is32 bool, off *offsets.Offsets) {
	objTableVA, ok := readProcessPointer(ctx, vmm, p, is32, off.ObjectTable)
	if !ok || objTableVA == 0 {
		return
	}

	// This demo targets a modern 64-bit handle-table layout; a real
	// caller would pick the generation from the captured OS build
	// number, which this flat-file driver has no way to know.
	gen := handle.GenWin81Plus
	if is32 {
		gen = handle.GenXPWin7
	}

	hm, err := handle.Walk(ctx, vmm, p.PID, p.DTB, is32, gen, objTableVA)
	if err != nil {
		log.WithError(err).WithField("pid", uint32(p.PID)).Debug("wintrace: handle spider failed")
		return
	}
	for _, h := range hm.Entries {
		fmt.Printf("    handle 0x%x -> 0x%016x access=%s\n", h.HandleValue, h.ObjectVA, handle.DescribeAccessMask(h.GrantedAccess))
	}
}

// printHeaps walks the process heap list straight off its PEB.
func printHeaps(ctx context.Context, vmm *ctxvmm.Context, log *logrus.Entry, p *model.Process, is32 bool) {
	if p.PEB == 0 {
		return
	}
	hm, err := heap.Walk(ctx, vmm, p.PID, p.DTB, is32, false, p.PEB)
	if err != nil {
		log.WithError(err).WithField("pid", uint32(p.PID)).Debug("wintrace: heap walk failed")
		return
	}
	for _, h := range hm.Entries {
		fmt.Printf("    heap 0x%016x pages=%d primary=%v\n", h.SegmentVA, h.NumPages, h.Primary)
	}
}

func readProcessPointer(ctx context.Context, vmm *ctxvmm.Context, p *model.Process, is32 bool, fieldOffset uint32) (model.VA, bool) {
	ptrSize := uint32(8)
	if is32 {
		ptrSize = 4
	}
	buf := make([]byte, ptrSize)
	if err := vmm.Mem.ReadVirtual(ctx, p.DTB, p.EProcess+model.VA(fieldOffset), buf, iface.ZeropadOnFail); err != nil {
		return 0, false
	}
	if is32 {
		return model.VA(binary.LittleEndian.Uint32(buf)), true
	}
	return model.VA(binary.LittleEndian.Uint64(buf)), true
}
