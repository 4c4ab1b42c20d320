package handle

import (
	"context"
	"encoding/binary"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
)

// obtbPoolTag is the pool tag prepended to an _HANDLE_TABLE allocation
// (spec.md §4.8).
var obtbPoolTag = [4]byte{'O', 'b', 't', 'b'}

// tableCode reads and validates EPROCESS.ObjectTable, returning the
// root page VA and the number of indirection levels (0, 1, or 2).
func tableCode(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, tableVA model.VA, gen Generation) (rootVA model.VA, levels int, ok bool) {
	if tableVA == 0 {
		return 0, 0, false
	}
	buf := make([]byte, 0x20)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, tableVA-0x10, buf, iface.ZeropadOnFail); err != nil {
		return 0, 0, false
	}

	prepended := buf[0x10-4 : 0x10]
	pageAligned := uint64(tableVA)%0x1000 == 0
	if !(prepended[0] == obtbPoolTag[0] && prepended[1] == obtbPoolTag[1] && prepended[2] == obtbPoolTag[2] && prepended[3] == obtbPoolTag[3]) && !pageAligned {
		return 0, 0, false
	}

	off := 0x10 + tableCodeOffset(gen)
	code := binary.LittleEndian.Uint64(buf[off : off+8])
	levels = int(code & 0x7)
	if levels > 2 {
		return 0, 0, false
	}
	rootVA = model.VA(code &^ 0x7)
	return rootVA, levels, rootVA != 0
}

// spiderLeafPages walks the (up to) 2-level pointer indirection down to
// the leaf pages, capped at maxLeafPages.
func spiderLeafPages(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, is32 bool, rootVA model.VA, levels int) []model.VA {
	leafCap := maxLeafPages(is32)
	var leaves []model.VA
	var walk func(va model.VA, remaining int)
	walk = func(va model.VA, remaining int) {
		if va == 0 || len(leaves) >= leafCap {
			return
		}
		if remaining == 0 {
			leaves = append(leaves, va)
			return
		}
		ptrSize := pointerSize(is32)
		buf := make([]byte, 0x1000)
		if err := vmm.Mem.ReadVirtual(ctx, dtb, va, buf, iface.ZeropadOnFail); err != nil {
			return
		}
		n := pointersPerPage(is32)
		for i := uint32(0); i < n && len(leaves) < leafCap; i++ {
			var child model.VA
			if is32 {
				child = model.VA(binary.LittleEndian.Uint32(buf[i*ptrSize : i*ptrSize+4]))
			} else {
				child = model.VA(binary.LittleEndian.Uint64(buf[i*ptrSize : i*ptrSize+8]))
			}
			if child != 0 {
				walk(child, remaining-1)
			}
		}
	}
	walk(rootVA, levels)
	return leaves
}

// Walk implements HandleSpider end to end: locate the table, spider its
// leaf pages, count valid slots, then materialize a HandleMap entry
// per valid slot (spec.md §4.8, scenario 4).
func Walk(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, is32 bool, gen Generation, objectTableVA model.VA) (model.HandleMap, error) {
	rootVA, levels, ok := tableCode(ctx, vmm, dtb, objectTableVA, gen)
	if !ok {
		return model.HandleMap{OwnerPID: pid}, nil
	}

	leaves := spiderLeafPages(ctx, vmm, dtb, is32, rootVA, levels)
	if vmm.Prefetch != nil && len(leaves) > 0 {
		vmm.Prefetch.PrefetchPages(ctx, dtb, leaves, 0x1000)
	}

	slotSize := entrySize(is32)
	perPage := entriesPerPage(is32)
	hdrSize := objectHeaderSize(is32)

	out := model.HandleMap{OwnerPID: pid}
	for pageIdx, leafVA := range leaves {
		buf := make([]byte, 0x1000)
		if err := vmm.Mem.ReadVirtual(ctx, dtb, leafVA, buf, iface.ZeropadOnFail); err != nil {
			continue
		}
		for i := uint32(0); i < perPage; i++ {
			slotOff := i * slotSize
			var rawSlot uint64
			if is32 {
				rawSlot = uint64(binary.LittleEndian.Uint32(buf[slotOff : slotOff+4]))
			} else {
				rawSlot = binary.LittleEndian.Uint64(buf[slotOff : slotOff+8])
			}
			if rawSlot == 0 {
				continue
			}
			headerVA := decodeSlotPointer(gen, rawSlot)
			if headerVA == 0 {
				continue
			}

			var access uint32
			if is32 {
				access = binary.LittleEndian.Uint32(buf[slotOff+4 : slotOff+8])
			} else {
				access = binary.LittleEndian.Uint32(buf[slotOff+8 : slotOff+12])
			}

			handleIndex := uint32(pageIdx)*perPage + i
			out.Entries = append(out.Entries, model.HandleEntry{
				ObjectVA:      headerVA + model.VA(hdrSize),
				GrantedAccess: access,
				HandleValue:   handleIndex * 4,
				OwnerPID:      pid,
			})
		}
	}

	return out, nil
}

// GetCached returns the epoch-cached HandleMap for pid, enriched via
// EnrichAll on a miss.
func GetCached(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, is32 bool, gen Generation, objectTableVA model.VA, env *EnrichEnv) (*model.Snapshot[model.HandleMap], error) {
	key := ctxvmm.CacheKey{PID: pid, Kind: "handles"}
	return ctxvmm.GetOrBuild(vmm, key, func() (model.HandleMap, *model.StringPool, error) {
		hm, err := Walk(ctx, vmm, pid, dtb, is32, gen, objectTableVA)
		if err != nil {
			return hm, &model.StringPool{}, err
		}
		if env != nil {
			EnrichAll(ctx, vmm, dtb, is32, hm.Entries, env)
		}
		return hm, &model.StringPool{}, nil
	})
}
