// Package winthread implements ThreadWalker (spec.md §4.9): traverse
// ETHREAD.ThreadListEntry via ListWalker, enrich from TEB and trap
// frame, sort by TID ascending.
package winthread

import (
	"context"
	"encoding/binary"
	"sort"
	"time"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/listwalker"
	"github.com/dfirkit/wintrace/pkg/model"
)

// RunState values this package treats as "suspended" for the
// DeriveSuspended hook (SPEC_FULL.md §C.2); these mirror the NT
// scheduler's KTHREAD.State enum's Waiting-with-a-suspend-wait-reason
// encoding collapsed to one byte by convention in this codebase.
const stateWaitingSuspended = 5

// Walk reads EPROCESS.ThreadListHeadKP (threadListHeadVA) and returns
// the process's thread table, sorted by TID ascending.
func Walk(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, is32 bool, eprocessVA model.VA, threadListHeadVA model.VA) (model.ThreadMap, error) {
	l := layoutFor(is32)
	b := &builder{ctx: vmm, dtb: dtb, is32: is32, layout: l, eprocess: eprocessVA}

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

	// EPROCESS.ThreadListHeadKP is a bare LIST_ENTRY, not an ETHREAD
	// record: resolve its FLink/BLink into CONTAINING_RECORD addresses
	// before seeding the walker, the same way winmodule's
	// peHeadsFromPEB turns PEB_LDR_DATA's list heads into
	// LDR_DATA_TABLE_ENTRY addresses.
	headBuf := make([]byte, 2*ptrSize)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, threadListHeadVA, headBuf, iface.ZeropadOnFail); err != nil {
		return model.ThreadMap{OwnerPID: pid}, nil
	}
	var heads []model.VA
	if flink := b.readPtr(headBuf, 0); flink != 0 {
		heads = append(heads, flink-model.VA(l.ThreadListEntry))
	}
	if blink := b.readPtr(headBuf, ptrSize); blink != 0 {
		heads = append(heads, blink-model.VA(l.ThreadListEntry))
	}

	w := listwalker.New(
		vmm, dtb, is32,
		heads,
		l.ThreadListEntry, l.RecordSize,
		b.pre, b.post,
	).WithAddressValid(addressValid)
	w.Walk(ctx)

	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].TID < b.entries[j].TID })

	enrichStacks(ctx, vmm, dtb, is32, b.entries)

	return model.ThreadMap{OwnerPID: pid, Entries: b.entries}, nil
}

type builder struct {
	ctx      *ctxvmm.Context
	dtb      model.DTB
	is32     bool
	layout   ethreadLayout
	eprocess model.VA
	entries  []model.ThreadEntry
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

// pre implements the ThreadListEntry traversal: FLink/BLink are
// list-entry addresses, so the owning ETHREAD address is
// CONTAINING_RECORD(entry, ETHREAD, ThreadListEntry).
func (b *builder) pre(va model.VA, raw []byte) listwalker.PreResult {
	if uint32(len(raw)) < b.layout.ThreadListEntry+2*b.ptrSize() {
		return listwalker.PreResult{Valid: false}
	}
	var links []model.VA
	if flink := b.readPtr(raw, b.layout.ThreadListEntry); flink != 0 {
		links = append(links, flink-model.VA(b.layout.ThreadListEntry))
	}
	if blink := b.readPtr(raw, b.layout.ThreadListEntry+b.ptrSize()); blink != 0 {
		links = append(links, blink-model.VA(b.layout.ThreadListEntry))
	}
	return listwalker.PreResult{Links: links, Valid: true}
}

func (b *builder) post(va model.VA, raw []byte) {
	if uint32(len(raw)) < b.layout.RecordSize {
		return
	}

	pid := b.readPtr(raw, b.layout.UniqueProcess)
	tid := b.readPtr(raw, b.layout.UniqueThread)
	if tid == 0 {
		return
	}

	e := model.ThreadEntry{
		EThread:          va,
		TID:              uint32(tid),
		PID:              model.PID(pid),
		ExitStatus:       binary.LittleEndian.Uint32(raw[b.layout.ExitStatus : b.layout.ExitStatus+4]),
		State:            raw[b.layout.State],
		RunState:         raw[b.layout.RunState],
		Priority:         raw[b.layout.Priority],
		TEB:              b.readPtr(raw, b.layout.Teb),
		StartAddress:     b.readPtr(raw, b.layout.StartAddress),
		TrapFrame:        b.readPtr(raw, b.layout.TrapFrame),
		KernelStackBase:  b.readPtr(raw, b.layout.KernelStackBase),
		KernelStackLimit: b.readPtr(raw, b.layout.KernelStackLimit),
		Affinity:         binary.LittleEndian.Uint64(affinityBytes(raw, b.layout.Affinity, b.ptrSize())),
		CreateTime:       filetimeToTime(binary.LittleEndian.Uint64(raw[b.layout.CreateTime : b.layout.CreateTime+8])),
	}
	if et := binary.LittleEndian.Uint64(raw[b.layout.ExitTime : b.layout.ExitTime+8]); et != 0 {
		e.ExitTime = filetimeToTime(et)
	}

	b.entries = append(b.entries, e)
}

func affinityBytes(raw []byte, off, size uint32) []byte {
	buf := make([]byte, 8)
	n := copy(buf, raw[off:off+size])
	_ = n
	return buf
}

// filetimeEpochDelta100ns is the number of 100ns intervals between the
// FILETIME epoch (1601-01-01) and the Unix epoch (1970-01-01).
const filetimeEpochDelta100ns = 116444736000000000

func filetimeToTime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	unix100ns := int64(ft) - filetimeEpochDelta100ns
	return time.Unix(0, unix100ns*100).UTC()
}

// enrichStacks batch-reads each thread's trap frame and derives
// RIP/RSP, zeroing both if RSP doesn't fall within a known stack range
// (spec.md §4.9). TEB enrichment (user stack base/limit) is left to a
// caller that holds a VadProvider/MemoryReader for the process's own
// address space; this pass only resolves the kernel-resident trap
// frame, which is addressable through the same dtb as ETHREAD itself.
func enrichStacks(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, is32 bool, entries []model.ThreadEntry) {
	const cbTrapFrame = 8 + 0x190 // 8 + max(TrapRip offset, TrapRsp offset) rounded up
	ripOff, rspOff := uint32(0x168), uint32(0x180)
	if is32 {
		ripOff, rspOff = 0x70, 0x58
	}

	var vas []model.VA
	for i := range entries {
		if entries[i].TrapFrame != 0 {
			vas = append(vas, entries[i].TrapFrame)
		}
	}
	if vmm.Prefetch != nil && len(vas) > 0 {
		vmm.Prefetch.PrefetchPages(ctx, dtb, vas, cbTrapFrame)
	}

	for i := range entries {
		e := &entries[i]
		if e.TrapFrame == 0 {
			continue
		}
		buf := make([]byte, cbTrapFrame)
		if err := vmm.Mem.ReadVirtual(ctx, dtb, e.TrapFrame, buf, iface.ZeropadOnFail); err != nil {
			continue
		}

		var rip, rsp model.VA
		if is32 {
			rip = model.VA(binary.LittleEndian.Uint32(buf[ripOff : ripOff+4]))
			rsp = model.VA(binary.LittleEndian.Uint32(buf[rspOff : rspOff+4]))
		} else {
			rip = model.VA(binary.LittleEndian.Uint64(buf[ripOff : ripOff+8]))
			rsp = model.VA(binary.LittleEndian.Uint64(buf[rspOff : rspOff+8]))
		}

		if e.KernelStackBase != 0 && rsp >= e.KernelStackLimit && rsp < e.KernelStackBase {
			e.RIP, e.RSP = rip, rsp
		} else if e.UserStackBase != 0 && rsp >= e.UserStackLimit && rsp < e.UserStackBase {
			e.RIP, e.RSP = rip, rsp
		}
	}
}

// DeriveSuspended implements SPEC_FULL.md §C.2: a process is
// "suspended" once it has at least one thread and every thread's
// RunState reads as waiting-for-suspend. Returns false for an empty
// thread map (no evidence either way).
func DeriveSuspended(tm model.ThreadMap) bool {
	if len(tm.Entries) == 0 {
		return false
	}
	for _, e := range tm.Entries {
		if e.RunState != stateWaitingSuspended {
			return false
		}
	}
	return true
}

// GetCached returns the epoch-cached ThreadMap for pid.
func GetCached(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, is32 bool, eprocessVA model.VA, threadListHeadVA model.VA) (*model.Snapshot[model.ThreadMap], error) {
	key := ctxvmm.CacheKey{PID: pid, Kind: "threads"}
	return ctxvmm.GetOrBuild(vmm, key, func() (model.ThreadMap, *model.StringPool, error) {
		tm, err := Walk(ctx, vmm, pid, dtb, is32, eprocessVA, threadListHeadVA)
		return tm, &model.StringPool{}, err
	})
}
