package model

// HandleEntry is one decoded handle-table slot (spec.md §3, §4.8).
type HandleEntry struct {
	ObjectVA     VA // post-OBJECT_HEADER, i.e. the object body
	GrantedAccess uint32
	HandleValue  uint32
	OwnerPID     PID

	TypeIndex int // decoded object type index, into ObjectTypeTable
	PoolTag   string

	HeaderPointerCount uint32
	HeaderHandleCount  uint32

	CreateInfoVA VA
	SecurityDescriptorVA VA

	// Name is the resolved object name/description; meaning depends on
	// PoolTag (spec.md §4.8: Key -> registry path, Pro -> process
	// name, Thr -> "tid", Fil -> file name).
	Name string

	// Type-specific extras, populated only for the matching pool tag.
	FileSize  int64 // "Fil"
	RefPID    PID   // "Pro"
	RefTID    uint32 // "Thr"
	HiveVA    VA    // "Key"
	CellIndex uint32 // "Key"
	KeyName   string // "Key"
}

// HandleMap is a process's full handle table (spec.md §3, §4.8).
type HandleMap struct {
	OwnerPID PID
	Entries  []HandleEntry
}

// ObjectTypeEntry describes one of the 0-255 decoded object type slots
// (spec.md §3).
type ObjectTypeEntry struct {
	Index       int
	Name        string
	PoolTag     string // empty if not yet pool-tag verified
	Verified    bool
}

// ObjectTypeTable is the system-wide type-index decode table, built
// once and guarded by a reader/writer lock (spec.md §5).
type ObjectTypeTable struct {
	Entries [256]ObjectTypeEntry
	// Cookie is the per-boot ObHeaderCookie byte used on Windows 10+
	// to decode an object header's encoded type index (spec.md §3).
	Cookie byte
	HasCookie bool
}
