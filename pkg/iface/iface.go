// Package iface declares every external collaborator wintrace reads
// through (spec.md §6): the raw physical/virtual memory reader, the
// VA->PA translator, the PDB symbol resolver, the registry hive
// engine, and the VAD/PTE map providers for a process under
// inspection. All of it lives outside this module in the full system;
// here it is an interface boundary plus test mocks.
package iface

import (
	"context"
	"errors"

	"github.com/dfirkit/wintrace/pkg/model"
)

// ReadFlags mirrors spec.md §6's read_virtual flags.
type ReadFlags uint32

const (
	// ZeropadOnFail fills the buffer with zeros on a partial/failed read
	// instead of returning an error.
	ZeropadOnFail ReadFlags = 1 << iota
	// ForceCacheRead only returns data already resident in the reader's
	// page cache; a miss is reported as a cache-miss error, not an I/O
	// error, so ListWalker's first pass can demote instead of abort.
	ForceCacheRead
	// NoPaging skips triggering a backing-store fetch for a currently
	// paged-out page.
	NoPaging
)

// ErrCacheMiss is returned by ReadVirtual when ForceCacheRead is set
// and the requested page is not resident. ListWalker treats this as a
// demotion to the second pass, never as a hard failure (spec.md §4.1, §7).
var ErrCacheMiss = errors.New("wintrace: requested page not cache-resident")

// ScatterRead is one entry of a ReadScatter request/response pair.
type ScatterRead struct {
	VA  model.VA
	Buf []byte
	Err error
}

// MemoryReader is the raw physical/virtual memory access collaborator.
type MemoryReader interface {
	// ReadPhysical reads len(buf) bytes starting at pa.
	ReadPhysical(ctx context.Context, pa model.PA, buf []byte) error

	// ReadVirtual reads len(buf) bytes at va, translated through dtb.
	ReadVirtual(ctx context.Context, dtb model.DTB, va model.VA, buf []byte, flags ReadFlags) error

	// ReadScatter is a batched variant of ReadVirtual used for PE-header
	// probes and other multi-address reads (spec.md §6).
	ReadScatter(ctx context.Context, dtb model.DTB, reads []ScatterRead, flags ReadFlags)
}

// Prefetcher issues advisory bulk reads ahead of ListWalker's second
// pass; a no-op implementation is always valid (spec.md §6).
type Prefetcher interface {
	PrefetchPages(ctx context.Context, dtb model.DTB, vas []model.VA, stride uint32)
}

// Translator resolves a single VA to a PA through a DTB.
type Translator interface {
	VirtToPhys(ctx context.Context, dtb model.DTB, va model.VA) (model.PA, error)
}

// PdbResolver is the symbol fallback path used when OffsetLocator's
// pattern matching fails (spec.md §4.2 step "fall back to PDB symbol
// lookup").
type PdbResolver interface {
	GetSymbolAddress(ctx context.Context, handle string, name string) (model.VA, error)
	GetSymbolDword(ctx context.Context, handle string, name string) (uint32, error)
	GetTypeChildOffset(ctx context.Context, handle string, typ string, field string) (uint32, error)
	GetTypeSize(ctx context.Context, handle string, typ string) (uint32, error)
}

// RegistryKeyInfo is a minimal projection of what HandleSpider needs
// back from the registry collaborator when decoding a "Key" handle.
type RegistryKeyInfo struct {
	Path string
}

// RegistryReader is the hive-engine collaborator used to resolve "Key"
// handle entries and the PhysMemMap registry fallback (spec.md §6).
type RegistryReader interface {
	ValueQuery(ctx context.Context, path string) (valueType uint32, buf []byte, err error)
	HiveGetByAddress(ctx context.Context, hiveVA model.VA) (hiveHandle string, err error)
	KeyGetByCellOffset(ctx context.Context, hiveHandle string, cellIndex uint32) (keyHandle string, err error)
	KeyInfo(ctx context.Context, keyHandle string) (RegistryKeyInfo, error)
}

// VadEntry is the minimal VAD-map projection VadModuleAugmenter and
// PteMapTagger need.
type VadEntry struct {
	StartVA     model.VA
	EndVA       model.VA
	ImageBacked bool
}

// VadProvider supplies the VAD map for one process (spec.md §6).
type VadProvider interface {
	VadMap(ctx context.Context, pid model.PID) ([]VadEntry, error)
}

// PteEntry is the minimal PTE-map projection PteMapTagger annotates.
type PteEntry struct {
	VA         model.VA
	Executable bool
	Name       string // set by PteMapTagger once a range is identified
}

// PteProvider supplies (and accepts back) the PTE map for one process.
type PteProvider interface {
	PteMap(ctx context.Context, pid model.PID) ([]PteEntry, error)
	TagRange(ctx context.Context, pid model.PID, start, end model.VA, name string) error
}
