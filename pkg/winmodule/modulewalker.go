// Package winmodule implements ModuleWalker, VadModuleAugmenter and
// InjectedModuleTracker (spec.md §4.4-§4.6): discovering a process's
// (or the kernel's) loaded-module list from PEB_LDR_DATA or
// PsLoadedModuleList, augmenting it with unlinked image VADs, and
// merging in the caller's persisted injected-module set.
package winmodule

import (
	"context"
	"encoding/binary"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/hash32"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/listwalker"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/pe"
)

// nameBufRef is a module's still-unresolved BaseDllName buffer: the
// (VA, byte length) pair ModuleWalker captures during traversal for a
// later batched UTF-16->UTF-8 resolution pass (spec.md §4.4).
type nameBufRef struct {
	va  model.VA
	len uint16
}

type builder struct {
	ctx    *ctxvmm.Context
	dtb    model.DTB
	is32   bool
	kind   model.ModuleKind
	layout ldrEntryLayout
	cap    int

	entries    []model.ModuleEntry
	names      []nameBufRef
	seen       map[model.VA]struct{}
	naFallback map[model.VA]bool
}

func (b *builder) ptrSize() uint32 {
	if b.is32 {
		return 4
	}
	return 8
}

func (b *builder) readPtr(raw []byte, off uint32) model.VA {
	if int(off)+int(b.ptrSize()) > len(raw) {
		return 0
	}
	if b.is32 {
		return model.VA(binary.LittleEndian.Uint32(raw[off : off+4]))
	}
	return model.VA(binary.LittleEndian.Uint64(raw[off : off+8]))
}

// pre validates alignment/size/name-length (spec.md §4.4 post-callback
// validation is applied here too, so an invalid record never gets
// traversed further) and pushes all three lists' FLink/BLink as
// same-shaped addresses, so a record reachable only via
// InMemoryOrder or InInitOrder still gets discovered.
func (b *builder) pre(va model.VA, raw []byte) listwalker.PreResult {
	if uint32(len(raw)) < b.layout.RecordSize {
		return listwalker.PreResult{Valid: false}
	}

	base := b.readPtr(raw, b.layout.DllBase)
	size := binary.LittleEndian.Uint32(raw[b.layout.SizeOfImage : b.layout.SizeOfImage+4])
	maxSize := uint32(0x40000000)
	if b.is32 {
		maxSize = 0x10000000
	}
	if base == 0 || uint64(base)%0x1000 != 0 || size == 0 || size >= maxSize {
		return listwalker.PreResult{Valid: false}
	}

	nameLen := binary.LittleEndian.Uint16(raw[b.layout.BaseDllName : b.layout.BaseDllName+2])
	if nameLen == 0 || nameLen >= 0x1000 {
		return listwalker.PreResult{Valid: false}
	}

	var links []model.VA
	for _, linkOff := range []uint32{b.layout.InLoadOrderLinks, b.layout.InMemoryOrderLinks, b.layout.InInitOrderLinks} {
		if flink := b.readPtr(raw, linkOff); flink != 0 {
			links = append(links, flink-model.VA(linkOff))
		}
		if blink := b.readPtr(raw, linkOff+b.ptrSize()); blink != 0 {
			links = append(links, blink-model.VA(linkOff))
		}
	}

	return listwalker.PreResult{Links: links, Valid: true}
}

func (b *builder) post(va model.VA, raw []byte) {
	if _, dup := b.seen[va]; dup {
		return
	}
	if b.cap > 0 && len(b.entries) >= b.cap {
		return
	}

	base := b.readPtr(raw, b.layout.DllBase)
	entry := model.ModuleEntry{
		Base:       base,
		EntryPoint: b.readPtr(raw, b.layout.EntryPoint),
		ImageSize:  binary.LittleEndian.Uint32(raw[b.layout.SizeOfImage : b.layout.SizeOfImage+4]),
		Type:       model.TypeLinked,
		Kind:       b.kind,
	}

	bufferOff := b.layout.BaseDllName + 2 + 2
	if !b.is32 {
		bufferOff += 4 // MaximumLength padding on 64-bit UNICODE_STRING
	}
	nameLen := binary.LittleEndian.Uint16(raw[b.layout.BaseDllName : b.layout.BaseDllName+2])
	nameBuf := b.readPtr(raw, bufferOff)

	b.seen[va] = struct{}{}
	b.entries = append(b.entries, entry)
	b.names = append(b.names, nameBufRef{va: nameBuf, len: nameLen})
}

// WalkUser implements the user-mode side of ModuleWalker for a process
// with no WoW64 side: read PEB, then PEB_LDR_DATA, seed ListWalker
// with all three lists' FLink/BLink (spec.md §4.4). A WoW64 process
// should call WalkProcess instead so its 32-bit side gets merged in.
func WalkUser(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, is32 bool, pebVA model.VA, sticky map[model.VA]struct{}, volatile bool) (model.ModuleMap, error) {
	return WalkProcess(ctx, vmm, pid, dtb, is32, pebVA, 0, sticky, volatile)
}

// WalkKernel implements the kernel side of ModuleWalker, seeded from
// PsLoadedModuleList (spec.md §4.4: "For kernel mode: seed from
// PsLoadedModuleListPtr").
func WalkKernel(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, is32 bool, psLoadedModuleListVA model.VA) (model.ModuleMap, error) {
	lo := layoutFor(is32)
	ptrSize := uint32(8)
	if is32 {
		ptrSize = 4
	}
	buf := make([]byte, 2*ptrSize)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, psLoadedModuleListVA, buf, iface.ZeropadOnFail); err != nil {
		return model.ModuleMap{}, nil
	}
	var flink, blink model.VA
	if is32 {
		flink = model.VA(binary.LittleEndian.Uint32(buf[0:4]))
		blink = model.VA(binary.LittleEndian.Uint32(buf[4:8]))
	} else {
		flink = model.VA(binary.LittleEndian.Uint64(buf[0:8]))
		blink = model.VA(binary.LittleEndian.Uint64(buf[8:16]))
	}
	var heads []model.VA
	if flink != 0 {
		heads = append(heads, flink-model.VA(lo.InLoadOrderLinks))
	}
	if blink != 0 {
		heads = append(heads, blink-model.VA(lo.InLoadOrderLinks))
	}
	mm, naFallback, err := walkList(ctx, vmm, 4, dtb, is32, heads, model.KindDriver, nil, false)
	if err != nil {
		return model.ModuleMap{}, err
	}
	FinalizeNames(&mm, naFallback)
	return mm, nil
}

// WalkProcess merges the main (native-bitness) module walk with, for a
// WoW64 process, a second 32-bit walk rooted at peb32VA. The 32-bit
// PEB_LDR list is a WoW64 process's primary user-mode view, so the
// *native* 64-bit side is the one marked WoW64=true and gets the
// collision-avoidance "_64-" prefix (spec.md §3, §8 scenario 6: "one
// `ntdll.dll` and one `_64-ntdll.dll`").
func WalkProcess(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, is32 bool, pebVA model.VA, peb32VA model.VA, sticky map[model.VA]struct{}, volatile bool) (model.ModuleMap, error) {
	heads, err := peHeadsFromPEB(ctx, vmm, dtb, is32, pebVA)
	if err != nil || len(heads) == 0 {
		return model.ModuleMap{}, nil
	}
	mm, naFallback, err := walkList(ctx, vmm, pid, dtb, is32, heads, model.KindUser, sticky, volatile)
	if err != nil {
		return model.ModuleMap{}, err
	}

	if peb32VA != 0 {
		for i := range mm.Entries {
			mm.Entries[i].WoW64 = true
		}

		heads32, err := peHeadsFromPEB(ctx, vmm, dtb, true, peb32VA)
		if err == nil && len(heads32) > 0 {
			mm32, naFallback32, err := walkList(ctx, vmm, pid, dtb, true, heads32, model.KindUser, nil, false)
			if err == nil {
				mm.Entries = append(mm.Entries, mm32.Entries...)
				for va, v := range naFallback32 {
					naFallback[va] = v
				}
			}
		}
	}

	FinalizeNames(&mm, naFallback)
	return mm, nil
}

func peHeadsFromPEB(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, is32 bool, pebVA model.VA) ([]model.VA, error) {
	lo := layoutFor(is32)
	pl := pebLdrFor(is32)
	ptrSize := uint32(8)
	if is32 {
		ptrSize = 4
	}

	ldrPtrBuf := make([]byte, ptrSize)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, pebVA+model.VA(pl.Ldr), ldrPtrBuf, iface.ZeropadOnFail); err != nil {
		return nil, err
	}
	var ldrVA model.VA
	if is32 {
		ldrVA = model.VA(binary.LittleEndian.Uint32(ldrPtrBuf))
	} else {
		ldrVA = model.VA(binary.LittleEndian.Uint64(ldrPtrBuf))
	}
	if ldrVA == 0 {
		return nil, nil
	}

	ldrBuf := make([]byte, pl.InInitOrderModuleList+2*ptrSize)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, ldrVA, ldrBuf, iface.ZeropadOnFail); err != nil {
		return nil, err
	}
	readPtrAt := func(off uint32) model.VA {
		if is32 {
			return model.VA(binary.LittleEndian.Uint32(ldrBuf[off : off+4]))
		}
		return model.VA(binary.LittleEndian.Uint64(ldrBuf[off : off+8]))
	}

	var heads []model.VA
	listPairs := []struct{ pebOff, entryOff uint32 }{
		{pl.InLoadOrderModuleList, lo.InLoadOrderLinks},
		{pl.InMemoryOrderModuleList, lo.InMemoryOrderLinks},
		{pl.InInitOrderModuleList, lo.InInitOrderLinks},
	}
	for _, lp := range listPairs {
		flink := readPtrAt(lp.pebOff)
		blink := readPtrAt(lp.pebOff + ptrSize)
		if flink != 0 {
			heads = append(heads, flink-model.VA(lp.entryOff))
		}
		if blink != 0 {
			heads = append(heads, blink-model.VA(lp.entryOff))
		}
	}
	return heads, nil
}

func walkList(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, is32 bool, heads []model.VA, kind model.ModuleKind, sticky map[model.VA]struct{}, volatile bool) (model.ModuleMap, map[model.VA]bool, error) {
	lo := layoutFor(is32)
	b := &builder{
		ctx:        vmm,
		dtb:        dtb,
		is32:       is32,
		kind:       kind,
		layout:     lo,
		cap:        vmm.Config.Caps.MaxModules,
		seen:       make(map[model.VA]struct{}),
		naFallback: make(map[model.VA]bool),
	}

	ptrSize := uint32(8)
	if is32 {
		ptrSize = 4
	}
	addressValid := func(va model.VA) bool {
		return va != 0 && uint64(va)%uint64(ptrSize) == 0
	}

	w := listwalker.New(vmm, dtb, is32, heads, lo.InLoadOrderLinks, lo.RecordSize, b.pre, b.post).
		WithAddressValid(addressValid).
		WithMaxIterations(vmm.Config.Caps.MaxModules * 4)
	if sticky != nil {
		w = w.WithSticky(sticky, volatile)
	}
	w.Walk(ctx)

	resolveNames(ctx, vmm, dtb, b)
	finalizePEMetadata(ctx, vmm, pid, dtb, b)

	return model.ModuleMap{Entries: b.entries}, b.naFallback, nil
}

// finalizePEMetadata is ModuleWalker's last pass: "sizes/sections/IAT-
// count/EAT-count are computed from the PE header in a single batched
// prefetch" (spec.md §4.4). The prefetch itself happens inside
// PEParser's header read; here we just drive one header/EAT/IAT build
// per module and fold the counts back onto the entry.
func finalizePEMetadata(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, b *builder) {
	if vmm.Prefetch != nil {
		vas := make([]model.VA, len(b.entries))
		for i, e := range b.entries {
			vas[i] = e.Base
		}
		vmm.Prefetch.PrefetchPages(ctx, dtb, vas, 0x1000)
	}

	for i := range b.entries {
		e := &b.entries[i]
		hdr, err := pe.ValidateHeader(ctx, vmm, dtb, e.Base)
		if err != nil {
			continue
		}
		e.FileRawSize = hdr.SizeOfImage
		e.NumSections = hdr.NumberOfSections

		if eat, err := pe.GetEAT(ctx, vmm, pid, dtb, e.Base); err == nil {
			e.NumExports = len(eat.Value.Entries)
		}
		if iat, err := pe.GetIAT(ctx, vmm, pid, dtb, e.Base); err == nil {
			e.NumImports = len(iat.Value.Entries)
		}
	}
}

// resolveNames runs the batched name-fix pass (spec.md §4.4): read the
// UNICODE_STRING buffers in bulk; if empty, fall back to the PE
// export name; if still empty, synthesize "0x<base>.dll" with the
// _NA- prefix. The final collision-avoidance/dedup pass runs
// separately in FinalizeNames, once all of a process's sub-walks
// (main + WoW64) have been merged into one ModuleMap.
func resolveNames(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, b *builder) {
	for i := range b.entries {
		e := &b.entries[i]
		ref := b.names[i]

		name := ""
		if ref.va != 0 && ref.len > 0 && ref.len < 520 {
			raw := make([]byte, ref.len)
			if err := vmm.Mem.ReadVirtual(ctx, dtb, ref.va, raw, iface.ZeropadOnFail); err == nil {
				name = decodeUTF16(raw)
			}
		}

		naFallback := false
		if name == "" {
			if hdr, err := pe.ValidateHeader(ctx, vmm, dtb, e.Base); err == nil {
				if exportName, err := pe.ExportDirectoryName(ctx, vmm, dtb, e.Base, hdr); err == nil {
					name = exportName
				}
			}
		}
		if name == "" {
			name = synthName(e.Base)
			naFallback = true
		}

		e.Name = name
		e.FullPath = name
		if naFallback {
			b.naFallback[e.Base] = true
		}
	}
}

// FinalizeNames applies spec.md §3's collision-avoidance prefixes
// (_NA-, _64- for WoW64-side ntdll, _DATA-, _NOTLINKED-, _INJECTED-)
// and de-duplicates the resulting display names across the whole
// ModuleMap (spec.md §3 invariant: "no two entries with the same final
// display name"). naFallback marks entries whose name had to be
// synthesized from the base address.
func FinalizeNames(mm *model.ModuleMap, naFallback map[model.VA]bool) {
	seenNames := make(map[string]int)
	for i := range mm.Entries {
		e := &mm.Entries[i]
		prefix := typePrefix(e.Type, e.WoW64, naFallback[e.Base])
		display := prefix + e.Name
		if n := seenNames[display]; n > 0 {
			seenNames[display] = n + 1
			display = prefix + disambiguate(e.Name, n)
		} else {
			seenNames[display] = 1
		}
		e.Name = display
		e.FullPath = display
		e.NameHash = hash32.Hash(display)
	}
}

func typePrefix(t model.ModuleType, wow64 bool, naFallback bool) string {
	switch {
	case naFallback:
		return "_NA-"
	case t == model.TypeData:
		return "_DATA-"
	case t == model.TypeNotLinked:
		return "_NOTLINKED-"
	case t == model.TypeInjected:
		return "_INJECTED-"
	case wow64:
		return "_64-"
	default:
		return ""
	}
}

func disambiguate(name string, n int) string {
	return name + "." + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func synthName(base model.VA) string {
	const hexDigits = "0123456789abcdef"
	v := uint64(base)
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return "0x" + string(buf) + ".dll"
}

func decodeUTF16(buf []byte) string {
	out := make([]byte, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		out = append(out, buf[i])
	}
	return string(out)
}
