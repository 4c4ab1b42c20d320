package model

import "time"

// ThreadEntry is one ETHREAD entry enriched from TEB and trap frame
// (spec.md §3, §4.9).
type ThreadEntry struct {
	EThread VA
	TID     uint32
	PID     PID

	ExitStatus uint32
	State      byte
	RunState   byte
	Priority   byte

	TEB VA

	CreateTime time.Time
	ExitTime   time.Time

	StartAddress VA

	KernelStackBase  VA
	KernelStackLimit VA
	UserStackBase    VA
	UserStackLimit   VA

	TrapFrame VA
	RIP       VA // zeroed if RSP doesn't fall within a known stack range
	RSP       VA

	KernelTime time.Duration
	UserTime   time.Duration

	Affinity uint64
}

// ThreadMap is a process's thread list, sorted ascending by TID
// (spec.md §4.9).
type ThreadMap struct {
	OwnerPID PID
	Entries  []ThreadEntry
}
