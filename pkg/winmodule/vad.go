package winmodule

import (
	"context"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/pe"
)

// resolveFallbackName tries the export directory name, then the
// synthesized hex form resolveNames uses for the main walk. It never
// applies a collision-avoidance prefix itself; that is FinalizeNames's
// job once the caller merges this entry back into the process's
// ModuleMap.
func resolveFallbackName(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, base model.VA, hdr *model.PEHeaderInfo) string {
	if name, err := pe.ExportDirectoryName(ctx, vmm, dtb, base, hdr); err == nil && name != "" {
		return name
	}
	return synthName(base)
}

// AugmentWithVads implements VadModuleAugmenter (spec.md §4.5): walk
// the VAD map, and for every image-backed entry not already present in
// mm, classify it NOTLINKED (at least one hardware-executable page) or
// DATA (none), and append it.
func AugmentWithVads(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, mm *model.ModuleMap, vads []iface.VadEntry, ptes []iface.PteEntry) {
	present := make(map[model.VA]struct{}, len(mm.Entries))
	for _, e := range mm.Entries {
		present[e.Base] = struct{}{}
	}

	for _, v := range vads {
		if !v.ImageBacked {
			continue
		}
		if _, ok := present[v.StartVA]; ok {
			continue
		}

		hdr, err := pe.ValidateHeader(ctx, vmm, dtb, v.StartVA)
		if err != nil {
			continue
		}

		typ := model.TypeData
		if rangeHasExecutablePage(ptes, v.StartVA, v.EndVA) {
			typ = model.TypeNotLinked
		}

		name := resolveFallbackName(ctx, vmm, dtb, v.StartVA, hdr)
		entry := model.ModuleEntry{
			Base:        v.StartVA,
			EntryPoint:  v.StartVA + model.VA(hdr.AddressOfEntry),
			ImageSize:   hdr.SizeOfImage,
			Type:        typ,
			Kind:        model.KindUser,
			NumSections: hdr.NumberOfSections,
			Name:        name,
			FullPath:    name,
		}
		mm.Entries = append(mm.Entries, entry)
		present[v.StartVA] = struct{}{}
	}
}

func rangeHasExecutablePage(ptes []iface.PteEntry, start, end model.VA) bool {
	for _, p := range ptes {
		if p.VA >= start && p.VA < end && p.Executable {
			return true
		}
	}
	return false
}

// InjectedTracker persists a process's "injected" base-address set
// across refreshes (spec.md §4.6): every refresh, it unions the
// persisted set with a caller-provided candidate set, validates each
// via a PE size check, drops invalid entries, and re-persists the
// survivors.
type InjectedTracker struct{}

// Reconcile implements one refresh of InjectedModuleTracker. persisted
// is the process Sidecar's InjectedBases set (mutated in place);
// candidates is whatever the caller supplies this round.
func Reconcile(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, persisted map[model.VA]struct{}, candidates []model.VA, mm *model.ModuleMap) {
	for _, c := range candidates {
		persisted[c] = struct{}{}
	}

	present := make(map[model.VA]struct{}, len(mm.Entries))
	for _, e := range mm.Entries {
		present[e.Base] = struct{}{}
	}

	for base := range persisted {
		if _, ok := present[base]; ok {
			continue
		}
		hdr, err := pe.ValidateHeader(ctx, vmm, dtb, base)
		if err != nil {
			delete(persisted, base)
			continue
		}
		name := resolveFallbackName(ctx, vmm, dtb, base, hdr)
		entry := model.ModuleEntry{
			Base:        base,
			EntryPoint:  base + model.VA(hdr.AddressOfEntry),
			ImageSize:   hdr.SizeOfImage,
			Type:        model.TypeInjected,
			Kind:        model.KindUser,
			NumSections: hdr.NumberOfSections,
			Name:        name,
			FullPath:    name,
		}
		mm.Entries = append(mm.Entries, entry)
		present[base] = struct{}{}
	}
}
