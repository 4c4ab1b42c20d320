// Package physmem implements PhysMemMap (spec.md §4.12): the primary
// MmPhysicalMemoryBlock run array, with a registry fallback when the
// primary structure can't be read or validated.
package physmem

import (
	"context"
	"encoding/binary"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
)

const maxRuns = 256

// ReadPrimary parses _PHYSICAL_MEMORY_DESCRIPTOR at blockVA: a header
// (NumberOfRuns, NumberOfPages, both pointer-sized on 64-bit) followed
// by NumberOfRuns (BasePage, PageCount) pairs. Validates 1<=runs<=max,
// Σ PageCount == NumberOfPages, and that runs are monotonic and
// non-overlapping (spec.md §4.12).
func ReadPrimary(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, is32 bool, blockVA model.VA) (model.PhysMemMap, bool) {
	ptrSize := uint64(8)
	if is32 {
		ptrSize = 4
	}
	hdr := make([]byte, 2*ptrSize)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, blockVA, hdr, iface.ZeropadOnFail); err != nil {
		return model.PhysMemMap{}, false
	}

	var numRuns, numPages uint64
	if is32 {
		numRuns = uint64(binary.LittleEndian.Uint32(hdr[0:4]))
		numPages = uint64(binary.LittleEndian.Uint32(hdr[4:8]))
	} else {
		numRuns = binary.LittleEndian.Uint64(hdr[0:8])
		numPages = binary.LittleEndian.Uint64(hdr[8:16])
	}
	if numRuns == 0 || numRuns > maxRuns {
		return model.PhysMemMap{}, false
	}

	runBuf := make([]byte, numRuns*2*ptrSize)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, blockVA+model.VA(2*ptrSize), runBuf, iface.ZeropadOnFail); err != nil {
		return model.PhysMemMap{}, false
	}

	runs := make([]model.PhysMemRun, 0, numRuns)
	var sum uint64
	var prevEnd uint64
	for i := uint64(0); i < numRuns; i++ {
		off := i * 2 * ptrSize
		var basePage, pageCount uint64
		if is32 {
			basePage = uint64(binary.LittleEndian.Uint32(runBuf[off : off+4]))
			pageCount = uint64(binary.LittleEndian.Uint32(runBuf[off+4 : off+8]))
		} else {
			basePage = binary.LittleEndian.Uint64(runBuf[off : off+8])
			pageCount = binary.LittleEndian.Uint64(runBuf[off+8 : off+16])
		}
		if i > 0 && basePage < prevEnd {
			return model.PhysMemMap{}, false
		}
		runs = append(runs, model.PhysMemRun{BasePage: basePage, PageCount: pageCount})
		sum += pageCount
		prevEnd = basePage + pageCount
	}
	if sum != numPages {
		return model.PhysMemMap{}, false
	}

	return model.PhysMemMap{Runs: runs, NumberOfPages: numPages}, true
}

// recordSize is one CM_PARTIAL_RESOURCE_DESCRIPTOR-shaped entry: Type
// (1), ShareDisposition (1), Flags (2), 4 bytes of padding to align
// the 8-byte physical address, pa (8), cb (4), trailing padding to a
// 24-byte stride.
const (
	recordSize  = 24
	recFlagsOff = 2
	recPaOff    = 8
	recCbOff    = 16
	headerSize  = 16
)

// shareFlagsCbShiftMask marks a Flags value whose cb field needs an
// 8-bit left shift before use (spec.md §4.12).
const shareFlagsCbShiftMask = 0xFF00

// ReadRegistryFallback parses HKLM\HARDWARE\RESOURCEMAP\System
// Resources\Physical Memory\.Translated's raw value bytes (spec.md
// §4.12, §8 scenario 5). Per spec.md §9's open question, the outer
// "c1 > 1" region-group loop present in the original is not iterated
// here; this parses the single group the blob describes.
func ReadRegistryFallback(ctx context.Context, reg iface.RegistryReader, path string) (model.PhysMemMap, error) {
	_, buf, err := reg.ValueQuery(ctx, path)
	if err != nil {
		return model.PhysMemMap{}, err
	}
	return parseRegistryBlob(buf), nil
}

func parseRegistryBlob(buf []byte) model.PhysMemMap {
	var out model.PhysMemMap
	if len(buf) < headerSize+4 {
		return out
	}
	count := binary.LittleEndian.Uint32(buf[headerSize : headerSize+4])
	base := headerSize + 4
	for i := uint32(0); i < count; i++ {
		off := base + int(i)*recordSize
		if off+recordSize > len(buf) {
			break
		}
		rec := buf[off : off+recordSize]
		flags := binary.LittleEndian.Uint16(rec[recFlagsOff : recFlagsOff+2])
		pa := binary.LittleEndian.Uint64(rec[recPaOff : recPaOff+8])
		cb := uint64(binary.LittleEndian.Uint32(rec[recCbOff : recCbOff+4]))
		if flags&shareFlagsCbShiftMask != 0 {
			cb <<= 8
		}
		if pa%0x1000 != 0 || cb%0x1000 != 0 {
			continue
		}
		out.Runs = append(out.Runs, model.PhysMemRun{BasePage: pa / 0x1000, PageCount: cb / 0x1000})
		out.NumberOfPages += cb / 0x1000
	}
	return out
}

// GetCached returns the epoch-cached PhysMemMap for the kernel (PID 4),
// trying the primary path first.
func GetCached(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, is32 bool, blockVA model.VA, reg iface.RegistryReader, fallbackPath string) (*model.Snapshot[model.PhysMemMap], error) {
	key := ctxvmm.CacheKey{Kind: "physmem"}
	return ctxvmm.GetOrBuild(vmm, key, func() (model.PhysMemMap, *model.StringPool, error) {
		if pm, ok := ReadPrimary(ctx, vmm, dtb, is32, blockVA); ok {
			return pm, &model.StringPool{}, nil
		}
		pm, err := ReadRegistryFallback(ctx, reg, fallbackPath)
		return pm, &model.StringPool{}, err
	})
}
