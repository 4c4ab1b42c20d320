package model

// ModuleKind classifies how a module entry was discovered
// (SPEC_FULL.md §C.5 promotes this from an implicit PID==4 check to a
// first-class field).
type ModuleKind int

const (
	KindUser ModuleKind = iota
	KindDriver
)

// ModuleType is the §3 `type` field: how the module was found.
type ModuleType int

const (
	// TypeLinked is a normally linked PEB_LDR_DATA / PsLoadedModuleList entry.
	TypeLinked ModuleType = iota
	// TypeNotLinked is an image VAD with at least one executable page,
	// not present in the linked list (spec.md §4.5).
	TypeNotLinked
	// TypeData is an image VAD with no executable pages (spec.md §4.5).
	TypeData
	// TypeInjected is a caller-supplied base persisted across refreshes
	// (spec.md §4.6).
	TypeInjected
)

// ModuleEntry is one loaded image (spec.md §3).
type ModuleEntry struct {
	Base       VA
	EntryPoint VA
	ImageSize  uint32
	Type       ModuleType
	Kind       ModuleKind
	WoW64      bool

	// Name/FullPath are resolved display strings, collision-avoided with
	// the §3 prefixes (_NA-, _64-, _DATA-, _NOTLINKED-, _INJECTED-).
	Name     string
	FullPath string

	FileRawSize uint32
	NumSections uint16
	NumImports  int
	NumExports  int

	// NameHash is the 32-bit hash of Name, used for O(log n) lookup in
	// a ModuleMap sorted by hash.
	NameHash uint32
}

// ModuleMap is a process's (or the kernel's) full module list, sorted
// ascending by NameHash for binary-search lookup.
type ModuleMap struct {
	Entries []ModuleEntry
}

// ByBase returns the entry whose [Base, Base+ImageSize) range contains va, or nil.
func (m *ModuleMap) ByBase(va VA) *ModuleEntry {
	for i := range m.Entries {
		e := &m.Entries[i]
		if va >= e.Base && va < e.Base+VA(e.ImageSize) {
			return e
		}
	}
	return nil
}
