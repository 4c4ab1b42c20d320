// Package pe implements PEParser (spec.md §4.7): PE header validation
// plus EAT/IAT extraction over a guest virtual address space. Every
// read goes through iface.MemoryReader; nothing here touches a local
// file on disk, because the "file" is a loaded image inside the memory
// image under inspection.
package pe

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/hash32"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/vmmerr"
)

const (
	headerReadSize = 0x1000

	magicPE32  = 0x10b
	magicPE32p = 0x20b

	// optEntryPointOff and optSizeOfImageOff are stable across PE32 and
	// PE32+: the 4-byte ImageBase/BaseOfData split on PE32 is exactly
	// offset by PE32+'s 8-byte ImageBase, so the fields up to the
	// stack/heap reserve and commit sizes share offsets. Those four sizes
	// widen to 8 bytes on PE32+, which is why the data-directory table
	// starts at 96 on PE32 and at 112 on PE32+.
	optEntryPointOff  = 16
	optSizeOfImageOff = 56

	dataDirOffPE32  = 96
	dataDirOffPE32p = 112

	dirIndexExport = 0
	dirIndexImport = 1
)

// ValidateHeader reads and validates a module's DOS/NT/Optional headers
// (spec.md §4.7 "Header validation"), returning the fields PEParser's
// EAT/IAT passes need.
func ValidateHeader(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, base model.VA) (*model.PEHeaderInfo, error) {
	raw := make([]byte, headerReadSize)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, base, raw, iface.ZeropadOnFail); err != nil {
		return nil, vmmerr.New(vmmerr.ClassIO, "pe: header read at %#x: %v", uint64(base), err)
	}

	if raw[0] != 'M' || raw[1] != 'Z' {
		return nil, vmmerr.New(vmmerr.ClassStructural, "pe: bad DOS magic at %#x", uint64(base))
	}
	elfanew := binary.LittleEndian.Uint32(raw[0x3C:0x40])
	if elfanew > 0x800 || int(elfanew)+24 > len(raw) {
		return nil, vmmerr.New(vmmerr.ClassStructural, "pe: e_lfanew %#x out of range", elfanew)
	}
	nt := raw[elfanew : elfanew+4]
	if nt[0] != 'P' || nt[1] != 'E' || nt[2] != 0 || nt[3] != 0 {
		return nil, vmmerr.New(vmmerr.ClassStructural, "pe: bad NT signature at %#x", uint64(base)+uint64(elfanew))
	}

	numSections := binary.LittleEndian.Uint16(raw[elfanew+6 : elfanew+8])

	optOff := elfanew + 24
	if int(optOff)+2 > len(raw) {
		return nil, vmmerr.New(vmmerr.ClassStructural, "pe: optional header truncated")
	}
	magic := binary.LittleEndian.Uint16(raw[optOff : optOff+2])
	var is32 bool
	switch magic {
	case magicPE32:
		is32 = true
	case magicPE32p:
		is32 = false
	default:
		return nil, vmmerr.New(vmmerr.ClassStructural, "pe: unknown optional header magic %#x", magic)
	}

	entry := binary.LittleEndian.Uint32(raw[optOff+optEntryPointOff : optOff+optEntryPointOff+4])
	sizeOfImage := binary.LittleEndian.Uint32(raw[optOff+optSizeOfImageOff : optOff+optSizeOfImageOff+4])

	dataDirOff := dataDirOffPE32
	if !is32 {
		dataDirOff = dataDirOffPE32p
	}

	exportRVA, exportSize := dataDirEntry(raw, int(optOff)+dataDirOff, dirIndexExport)
	importRVA, importSize := dataDirEntry(raw, int(optOff)+dataDirOff, dirIndexImport)

	return &model.PEHeaderInfo{
		Is32Bit:          is32,
		SizeOfImage:      sizeOfImage,
		AddressOfEntry:   entry,
		NumberOfSections: numSections,
		ExportDirRVA:     exportRVA,
		ExportDirSize:    exportSize,
		ImportDirRVA:     importRVA,
		ImportDirSize:    importSize,
	}, nil
}

// GetEAT returns the cached, epoch-validated EATMap for (pid, base),
// building it via ValidateHeader+BuildEAT on a cache miss (spec.md §4.7
// "Cache by key (PID ^ (PID<<48) ^ module_base)"; CacheKey plays that
// role explicitly here instead of a packed integer).
func GetEAT(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, base model.VA) (*model.Snapshot[model.EATMap], error) {
	key := ctxvmm.CacheKey{PID: pid, Addr: base, Kind: "eat"}
	return ctxvmm.GetOrBuild(vmm, key, func() (model.EATMap, *model.StringPool, error) {
		hdr, err := ValidateHeader(ctx, vmm, dtb, base)
		if err != nil {
			return model.EATMap{ModuleBase: base}, &model.StringPool{}, nil
		}
		return BuildEAT(ctx, vmm, dtb, base, hdr, vmm.Config.Caps.MaxExportDirectorySize)
	})
}

// GetIAT is GetEAT's import-table counterpart.
func GetIAT(ctx context.Context, vmm *ctxvmm.Context, pid model.PID, dtb model.DTB, base model.VA) (*model.Snapshot[model.IATMap], error) {
	key := ctxvmm.CacheKey{PID: pid, Addr: base, Kind: "iat"}
	return ctxvmm.GetOrBuild(vmm, key, func() (model.IATMap, *model.StringPool, error) {
		hdr, err := ValidateHeader(ctx, vmm, dtb, base)
		if err != nil {
			return model.IATMap{ModuleBase: base}, &model.StringPool{}, nil
		}
		return BuildIAT(ctx, vmm, dtb, base, hdr, vmm.Config.Caps.MaxModuleReadForImports)
	})
}

func dataDirEntry(raw []byte, tableOff int, index int) (rva, size uint32) {
	entryOff := tableOff + index*8
	if entryOff+8 > len(raw) {
		return 0, 0
	}
	return binary.LittleEndian.Uint32(raw[entryOff : entryOff+4]), binary.LittleEndian.Uint32(raw[entryOff+4 : entryOff+8])
}

// exportDirLayout is the fixed-size prefix of IMAGE_EXPORT_DIRECTORY.
const exportDirLayout = 40

// ExportDirectoryName reads IMAGE_EXPORT_DIRECTORY.Name, the module's
// own file name as recorded by the linker. ModuleWalker's name-fix
// pass falls back to this when a module's BaseDllName buffer can't be
// read (spec.md §4.4: "attempt to extract the export name from the PE
// header").
func ExportDirectoryName(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, base model.VA, hdr *model.PEHeaderInfo) (string, error) {
	if hdr.ExportDirRVA == 0 {
		return "", nil
	}
	dirBuf := make([]byte, exportDirLayout)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, base+model.VA(hdr.ExportDirRVA), dirBuf, iface.ZeropadOnFail); err != nil {
		return "", err
	}
	nameRVA := binary.LittleEndian.Uint32(dirBuf[12:16])
	if nameRVA == 0 {
		return "", nil
	}
	return readCString(ctx, vmm, dtb, base+model.VA(nameRVA), 260)
}

// BuildEAT parses a module's export table (spec.md §4.7 "EAT").
// NumberOfFunctions outside (0, 0xFFFF] or NumberOfNames exceeding it
// yields an empty EATMap rather than an error (spec.md §8 boundary
// behavior), matching the component-local "soft failure" policy of §7.
func BuildEAT(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, base model.VA, hdr *model.PEHeaderInfo, maxDirSize uint32) (model.EATMap, *model.StringPool, error) {
	pool := &model.StringPool{}
	out := model.EATMap{ModuleBase: base}

	if hdr.ExportDirRVA == 0 || hdr.ExportDirSize == 0 || hdr.ExportDirSize > maxDirSize {
		return out, pool, nil
	}

	dirBuf := make([]byte, exportDirLayout)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, base+model.VA(hdr.ExportDirRVA), dirBuf, iface.ZeropadOnFail); err != nil {
		return out, pool, nil
	}

	ordinalBase := binary.LittleEndian.Uint32(dirBuf[16:20])
	numberOfFunctions := binary.LittleEndian.Uint32(dirBuf[20:24])
	numberOfNames := binary.LittleEndian.Uint32(dirBuf[24:28])
	addressOfFunctionsRVA := binary.LittleEndian.Uint32(dirBuf[28:32])
	addressOfNamesRVA := binary.LittleEndian.Uint32(dirBuf[32:36])
	addressOfNameOrdinalsRVA := binary.LittleEndian.Uint32(dirBuf[36:40])

	if numberOfFunctions == 0 || numberOfFunctions > 0xFFFF || numberOfNames > numberOfFunctions {
		return out, pool, nil
	}

	functions := make([]byte, int(numberOfFunctions)*4)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, base+model.VA(addressOfFunctionsRVA), functions, iface.ZeropadOnFail); err != nil {
		return out, pool, nil
	}

	var names, nameOrdinals []byte
	if numberOfNames > 0 {
		names = make([]byte, int(numberOfNames)*4)
		if err := vmm.Mem.ReadVirtual(ctx, dtb, base+model.VA(addressOfNamesRVA), names, iface.ZeropadOnFail); err != nil {
			numberOfNames = 0
		}
		nameOrdinals = make([]byte, int(numberOfNames)*2)
		if numberOfNames > 0 {
			if err := vmm.Mem.ReadVirtual(ctx, dtb, base+model.VA(addressOfNameOrdinalsRVA), nameOrdinals, iface.ZeropadOnFail); err != nil {
				numberOfNames = 0
			}
		}
	}

	// named is keyed by function/ordinal-table index (the slot a name
	// resolves to via NameOrdinals[k]), but each value also carries k
	// itself: NameIndex is Names[]'s own position, not the function
	// table's.
	type namedEntry struct {
		name    string
		nameIdx uint32
	}
	named := make(map[uint32]namedEntry, numberOfNames)
	for i := uint32(0); i < numberOfNames; i++ {
		nameRVA := binary.LittleEndian.Uint32(names[i*4 : i*4+4])
		nameOrdinal := binary.LittleEndian.Uint16(nameOrdinals[i*2 : i*2+2])
		if uint32(nameOrdinal) >= numberOfFunctions {
			continue
		}
		if nameRVA < hdr.ExportDirRVA || nameRVA >= hdr.ExportDirRVA+hdr.ExportDirSize {
			continue
		}
		name, err := readCString(ctx, vmm, dtb, base+model.VA(nameRVA), 256)
		if err != nil || name == "" {
			continue
		}
		named[uint32(nameOrdinal)] = namedEntry{name: name, nameIdx: i}
	}

	out.Base = ordinalBase
	out.Entries = make([]model.EATEntry, 0, numberOfFunctions)
	hashTable := make([]uint64, 0, len(named))

	for i := uint32(0); i < numberOfFunctions; i++ {
		funcRVA := binary.LittleEndian.Uint32(functions[i*4 : i*4+4])
		entry := model.EATEntry{
			VA:           base + model.VA(funcRVA),
			Ordinal:      ordinalBase + i,
			OrdinalIndex: i,
			NameIndex:    -1,
		}
		if ne, ok := named[i]; ok {
			entry.Name = ne.name
			entry.NameIndex = int32(ne.nameIdx)
			pool.Add(ne.name)
			idx := uint32(len(out.Entries))
			hashTable = append(hashTable, hash32.Pack(idx, hash32.Hash(ne.name)))
		}
		out.Entries = append(out.Entries, entry)
	}

	sort.Slice(hashTable, func(i, j int) bool { return uint32(hashTable[i]) < uint32(hashTable[j]) })
	out.NameHashTable = hashTable

	return out, pool, nil
}

// BuildIAT parses a module's import tables (spec.md §4.7 "IAT"). The
// whole module is read once (capped at maxModuleRead) and every
// IMAGE_THUNK_DATA walk happens against that in-memory buffer rather
// than issuing one read per thunk.
func BuildIAT(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, base model.VA, hdr *model.PEHeaderInfo, maxModuleRead uint32) (model.IATMap, *model.StringPool, error) {
	pool := &model.StringPool{}
	out := model.IATMap{ModuleBase: base}

	if hdr.ImportDirRVA == 0 || hdr.ImportDirSize == 0 {
		return out, pool, nil
	}

	readSize := hdr.SizeOfImage
	if readSize == 0 || readSize > maxModuleRead {
		readSize = maxModuleRead
	}
	buf := make([]byte, readSize)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, base, buf, iface.ZeropadOnFail); err != nil {
		return out, pool, nil
	}

	thunkSize := uint32(4)
	if !hdr.Is32Bit {
		thunkSize = 8
	}

	descOff := hdr.ImportDirRVA
	const descSize = 20
	for descOff+descSize <= uint32(len(buf)) {
		originalFirstThunk := binary.LittleEndian.Uint32(buf[descOff : descOff+4])
		nameRVA := binary.LittleEndian.Uint32(buf[descOff+12 : descOff+16])
		firstThunk := binary.LittleEndian.Uint32(buf[descOff+16 : descOff+20])
		if originalFirstThunk == 0 && nameRVA == 0 && firstThunk == 0 {
			break
		}
		descOff += descSize

		moduleName := ""
		if nameRVA != 0 && nameRVA < uint32(len(buf)) {
			moduleName = cStringFromBuf(buf, nameRVA, 256)
		}

		otOff := originalFirstThunk
		if otOff == 0 {
			otOff = firstThunk
		}
		ftOff := firstThunk

		for i := 0; ; i++ {
			curOT := otOff + uint32(i)*thunkSize
			curFT := ftOff + uint32(i)*thunkSize
			if curOT+thunkSize > uint32(len(buf)) || curFT+thunkSize > uint32(len(buf)) {
				break
			}
			var origThunk, funcThunk uint64
			if hdr.Is32Bit {
				origThunk = uint64(binary.LittleEndian.Uint32(buf[curOT : curOT+4]))
				funcThunk = uint64(binary.LittleEndian.Uint32(buf[curFT : curFT+4]))
			} else {
				origThunk = binary.LittleEndian.Uint64(buf[curOT : curOT+8])
				funcThunk = binary.LittleEndian.Uint64(buf[curFT : curFT+8])
			}
			if origThunk == 0 || funcThunk == 0 {
				break
			}
			if !hdr.Is32Bit && !isPlausibleFunctionVA(model.VA(funcThunk)) {
				break
			}

			entry := model.IATEntry{
				VA:               model.VA(funcThunk),
				ModuleName:       moduleName,
				Is32Bit:          hdr.Is32Bit,
				ThunkRVA:         curFT,
				OriginalThunkRVA: curOT,
			}

			const ordinalFlag64 = uint64(1) << 63
			const ordinalFlag32 = uint64(1) << 31
			isOrdinal := (hdr.Is32Bit && origThunk&ordinalFlag32 != 0) || (!hdr.Is32Bit && origThunk&ordinalFlag64 != 0)
			if isOrdinal {
				entry.OrdinalHint = uint16(origThunk & 0xFFFF)
			} else {
				nameRVA := uint32(origThunk)
				if nameRVA+2 < uint32(len(buf)) {
					entry.OrdinalHint = binary.LittleEndian.Uint16(buf[nameRVA : nameRVA+2])
					entry.FunctionName = cStringFromBuf(buf, nameRVA+2, 256)
				}
			}
			out.Entries = append(out.Entries, entry)
		}
	}

	for i := range out.Entries {
		pool.Add(out.Entries[i].ModuleName)
		pool.Add(out.Entries[i].FunctionName)
	}

	return out, pool, nil
}

// isPlausibleFunctionVA is BuildIAT's "stop an inner loop when ... the
// 64-bit function VA fails kernel-or-user address validation" check
// (spec.md §4.7).
func isPlausibleFunctionVA(va model.VA) bool {
	if va == 0 {
		return false
	}
	u := uint64(va)
	return u >= 0xFFFF800000000000 || u < 0x00007FFFFFFFFFFF
}

func cStringFromBuf(buf []byte, off uint32, maxLen int) string {
	end := int(off)
	limit := end + maxLen
	if limit > len(buf) {
		limit = len(buf)
	}
	for end < limit && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}

func readCString(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, va model.VA, maxLen int) (string, error) {
	buf := make([]byte, maxLen)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, va, buf, iface.ZeropadOnFail); err != nil {
		return "", err
	}
	end := 0
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[:end]), nil
}
