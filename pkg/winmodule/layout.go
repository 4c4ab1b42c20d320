package winmodule

// ldrEntryLayout is the fixed-offset subset of _LDR_DATA_TABLE_ENTRY
// (user PEB_LDR_DATA entries) and the structurally equivalent kernel
// _KLDR_DATA_TABLE_ENTRY that ModuleWalker needs (spec.md §4.4). These
// are the stable offsets used across the supported Windows versions;
// unlike EPROCESS (§4.2) they don't require fuzzing because the loader
// ABI is a documented, slow-moving contract.
type ldrEntryLayout struct {
	InLoadOrderLinks   uint32 // LIST_ENTRY
	InMemoryOrderLinks uint32
	InInitOrderLinks   uint32
	DllBase            uint32
	EntryPoint         uint32
	SizeOfImage        uint32
	FullDllName        uint32 // UNICODE_STRING
	BaseDllName        uint32 // UNICODE_STRING
	RecordSize         uint32
}

var layout64 = ldrEntryLayout{
	InLoadOrderLinks:   0x00,
	InMemoryOrderLinks: 0x10,
	InInitOrderLinks:   0x20,
	DllBase:            0x30,
	EntryPoint:         0x38,
	SizeOfImage:        0x40,
	FullDllName:        0x48,
	BaseDllName:        0x58,
	RecordSize:         0x70,
}

var layout32 = ldrEntryLayout{
	InLoadOrderLinks:   0x00,
	InMemoryOrderLinks: 0x08,
	InInitOrderLinks:   0x10,
	DllBase:            0x18,
	EntryPoint:         0x1C,
	SizeOfImage:        0x20,
	FullDllName:        0x24,
	BaseDllName:        0x2C,
	RecordSize:         0x40,
}

func layoutFor(is32 bool) ldrEntryLayout {
	if is32 {
		return layout32
	}
	return layout64
}

// pebLdrOffsets locates PEB.Ldr and, within PEB_LDR_DATA, the three
// list heads (spec.md §4.4 "seed ListWalker with six head pointers").
type pebLdrOffsets struct {
	Ldr                       uint32 // PEB.Ldr
	InLoadOrderModuleList     uint32 // PEB_LDR_DATA
	InMemoryOrderModuleList   uint32
	InInitOrderModuleList     uint32
}

var pebLdr64 = pebLdrOffsets{Ldr: 0x18, InLoadOrderModuleList: 0x10, InMemoryOrderModuleList: 0x20, InInitOrderModuleList: 0x30}
var pebLdr32 = pebLdrOffsets{Ldr: 0x0C, InLoadOrderModuleList: 0x0C, InMemoryOrderModuleList: 0x14, InInitOrderModuleList: 0x1C}

func pebLdrFor(is32 bool) pebLdrOffsets {
	if is32 {
		return pebLdr32
	}
	return pebLdr64
}
