package model

// EATEntry is one exported symbol (spec.md §3, §4.7).
type EATEntry struct {
	VA      VA
	Ordinal uint32
	// OrdinalIndex is the index into the Functions (AddressOfFunctions)
	// array, i.e. Ordinal - Base.
	OrdinalIndex uint32
	// NameIndex is the index into NameOrdinals/Names, or -1 if unnamed.
	NameIndex int32
	Name      string
}

// EATMap is a module's export table plus the sorted name-hash index
// used for O(log n) by-name lookup (spec.md §3, §4.7).
type EATMap struct {
	ModuleBase VA
	Base       uint32 // IMAGE_EXPORT_DIRECTORY.Base (ordinal bias)
	Entries    []EATEntry

	// NameHashTable is sorted ascending by the low 32 bits: each value
	// is (index<<32)|hash32(name).
	NameHashTable []uint64
}

// IATEntry is one imported symbol (spec.md §3, §4.7).
type IATEntry struct {
	VA           VA // resolved or unresolved function address
	ModuleName   string
	FunctionName string
	OrdinalHint  uint16 // valid when FunctionName == "" (import-by-ordinal)
	Is32Bit      bool
	ThunkRVA     uint32
	OriginalThunkRVA uint32
}

// IATMap is a module's import table (spec.md §3, §4.7).
type IATMap struct {
	ModuleBase VA
	Entries    []IATEntry
}

// PEHeaderInfo is the minimal validated-header summary PEParser derives
// (spec.md §4.7 header validation).
type PEHeaderInfo struct {
	Is32Bit           bool
	SizeOfImage       uint32
	AddressOfEntry    uint32
	NumberOfSections  uint16
	ExportDirRVA      uint32
	ExportDirSize     uint32
	ImportDirRVA      uint32
	ImportDirSize     uint32
}
