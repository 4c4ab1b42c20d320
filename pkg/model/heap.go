package model

// HeapEntry is one PEB heap segment (spec.md §3, §4 HeapWalker).
type HeapEntry struct {
	SegmentVA       VA
	HeapID          uint32 // stable within a process
	Primary         bool
	NumPages        uint32
	NumUncommitted  uint32
}

// HeapMap is a process's heap segment list.
type HeapMap struct {
	OwnerPID PID
	Entries  []HeapEntry
}

// UnloadedModuleEntry records one historical unload event
// (spec.md §3, §4.10).
type UnloadedModuleEntry struct {
	Name        string
	Base        VA
	SizeOfImage uint32
}

// UnloadedModuleMap is the unload-event history for a process (user,
// from ntdll!RtlpUnloadEventTrace) or the kernel (from MmUnloadedDrivers).
type UnloadedModuleMap struct {
	OwnerPID PID
	Entries  []UnloadedModuleEntry
}

// PhysMemRun is one contiguous physical memory run
// (spec.md §3, §4.12).
type PhysMemRun struct {
	BasePage  uint64
	PageCount uint64
}

// PhysMemMap is the full physical address-space layout.
type PhysMemMap struct {
	Runs            []PhysMemRun
	NumberOfPages   uint64
}

// UserAccount maps a SID string to a display name, the Windows variant
// of the user map; spec.md §1 notes a stubbed non-Windows variant.
type UserAccount struct {
	SID  string
	Name string
}

// UserMap is the process-independent SID -> account map.
type UserMap struct {
	Accounts []UserAccount
}
