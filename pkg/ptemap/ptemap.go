// Package ptemap implements PteMapTagger (spec.md §4.11): label a
// process's (or the kernel's) PTE map with the module it falls inside,
// first from known module tables and then, for whatever is left
// unnamed, by scanning for PE header candidates directly.
package ptemap

import (
	"context"
	"fmt"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/pe"
)

// maxCandidatesPerPass bounds the PE-header-candidate scan (spec.md
// §4.11).
const maxCandidatesPerPass = 1024

// TagKnownModules tags every PTE range covered by an already-known
// module entry (spec.md §4.11 "first tag the kernel range... then the
// per-process module map"). Call once for the kernel module map
// against PID 4, and once per process for its user module map.
func TagKnownModules(ctx context.Context, pid model.PID, pte iface.PteProvider, mm model.ModuleMap) error {
	for _, e := range mm.Entries {
		if e.ImageSize == 0 {
			continue
		}
		name := e.Name
		if name == "" {
			continue
		}
		if err := pte.TagRange(ctx, pid, e.Base, e.Base+model.VA(e.ImageSize), name); err != nil {
			return err
		}
	}
	return nil
}

// ScanUntaggedForPEHeaders implements the fallback pass: among PTEs
// still unnamed, find page-aligned ranges that look like a PE header
// (a non-executable page immediately followed by an executable page —
// the usual PE header+.text layout; on 32-bit only page alignment is
// required, since the executable-adjacency heuristic is unreliable
// there), batch-validate up to maxCandidatesPerPass of them as PE
// images, and tag every overlapping range with the resolved name.
func ScanUntaggedForPEHeaders(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, is32 bool, pteProv iface.PteProvider, ptes []iface.PteEntry) error {
	candidates := findCandidates(ptes, is32)
	if len(candidates) > maxCandidatesPerPass {
		candidates = candidates[:maxCandidatesPerPass]
	}
	if len(candidates) == 0 {
		return nil
	}

	if vmm.Prefetch != nil {
		vmm.Prefetch.PrefetchPages(ctx, dtb, candidates, 0x1000)
	}

	for _, base := range candidates {
		hdr, err := pe.ValidateHeader(ctx, vmm, dtb, base)
		if err != nil {
			continue
		}
		name := moduleNameFor(ctx, vmm, dtb, base, hdr)
		if err := pteProv.TagRange(ctx, pid, base, base+model.VA(hdr.SizeOfImage), name); err != nil {
			return err
		}
	}
	return nil
}

func moduleNameFor(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, base model.VA, hdr *model.PEHeaderInfo) string {
	if name, err := pe.ExportDirectoryName(ctx, vmm, dtb, base, hdr); err == nil && name != "" {
		return name
	}
	return fmt.Sprintf("0x%016x.dll", uint64(base))
}

// findCandidates returns the VAs worth probing for a PE header; execByVA
// indexes each page's executability by VA for the adjacency check.
func findCandidates(ptes []iface.PteEntry, is32 bool) []model.VA {
	execByVA := make(map[model.VA]bool, len(ptes))
	for _, p := range ptes {
		execByVA[p.VA] = p.Executable
	}

	var out []model.VA
	for _, p := range ptes {
		if p.Name != "" {
			continue
		}
		if uint64(p.VA)%0x1000 != 0 {
			continue
		}
		if is32 {
			out = append(out, p.VA)
			continue
		}
		if p.Executable {
			continue
		}
		if execByVA[p.VA+0x1000] {
			out = append(out, p.VA)
		}
	}
	return out
}
