package model

import "time"

// State mirrors EPROCESS.State: 0 means alive, nonzero carries a kernel
// exit code class. Most of wintrace treats it as alive/not-alive.
type State uint32

// DTB is a physical directory-table base, the root of a page-table walk.
type DTB uint64

// PID is a 32-bit process ID. Kernel structures that carry it store it
// in a pointer-sized field, which readers narrow to 32 bits.
type PID uint32

// VA is a guest virtual address.
type VA uint64

// PA is a guest physical address.
type PA uint64

// Sidecar is the part of a Process that survives a total refresh: it is
// keyed by (PID, EPROCESS VA, CreateTime) so that PID reuse across a
// refresh does not hand a new process the old one's cached state
// (spec.md §3).
type Sidecar struct {
	// PrefetchAll is the sticky set of VAs ListWalker seeds its "all"
	// pass with on the next refresh (spec.md §4.1 "sticky" container).
	PrefetchAll map[VA]struct{}

	// InjectedBases is the caller-supplied set of injected module base
	// addresses, persisted across refreshes (spec.md §4.6).
	InjectedBases map[VA]struct{}

	// LongPathCache is the resolved SeAuditProcessCreationInfo path, so
	// a refresh that can't re-read it (process already exiting) keeps
	// what it had.
	LongPathCache string

	// UnloadedArrayVA is the cached ntdll!RtlpUnloadEventTrace or
	// MmUnloadedDrivers address, found once and reused (spec.md §4.10).
	UnloadedArrayVA VA
}

// NewSidecar returns an empty, ready-to-use Sidecar.
func NewSidecar() *Sidecar {
	return &Sidecar{
		PrefetchAll:   make(map[VA]struct{}),
		InjectedBases: make(map[VA]struct{}),
	}
}

// Process is one entry of the process table (spec.md §3).
type Process struct {
	PID    PID
	PPID   PID
	State  State
	DTB    DTB
	DTBUser DTB // optional user/shadow DTB; zero if none

	// Name is the 15-char short image name from EPROCESS.ImageFileName.
	Name string
	// LongName is the full path, resolved from SeAuditProcessCreationInfo
	// or the fallback cascade in SPEC_FULL.md §C.1.
	LongName string

	EProcess VA
	PEB      VA
	PEB32    VA // WoW64 32-bit PEB; zero if not WoW64

	UserOnly bool
	WoW64    bool
	NoLink   bool // discovered outside PsActiveProcessHead (spec.md §4.8)

	// Terminated marks a process whose object table is torn down or
	// nil (SPEC_FULL.md §C.4). No package in this module sets it; it
	// stays false unless a caller assigns it.
	Terminated bool

	// Suspended marks a process whose threads are all suspended
	// (SPEC_FULL.md §C.2). No package in this module sets it;
	// winthread.DeriveSuspended computes the value from a ThreadMap for
	// a caller to assign.
	Suspended bool

	CreateTime time.Time

	Sidecar *Sidecar
}

// Key identifies a Process across refreshes for Sidecar lookup.
type Key struct {
	PID        PID
	EProcess   VA
	CreateTime time.Time
}

func (p *Process) Key() Key {
	return Key{PID: p.PID, EProcess: p.EProcess, CreateTime: p.CreateTime}
}

// IsKernel reports whether this is the PID 4 System process, the root
// of all handles (spec.md §3 invariant).
func (p *Process) IsKernel() bool { return p.PID == 4 }
