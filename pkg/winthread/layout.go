package winthread

// ethreadLayout is the ETHREAD/KTHREAD field subset ThreadWalker reads,
// mirroring winmodule's ldrEntryLayout approach: one struct per
// pointer width rather than a PDB lookup for every field (spec.md
// §4.9 falls back to iface.PdbResolver only when these defaults don't
// validate; that fallback lives in offsets-style callers, not here).
type ethreadLayout struct {
	ThreadListEntry uint32 // ETHREAD.ThreadListEntry (LIST_ENTRY)

	UniqueProcess uint32 // ETHREAD.Cid.UniqueProcess
	UniqueThread  uint32 // ETHREAD.Cid.UniqueThread

	ExitStatus uint32
	State      uint32 // KTHREAD.State (byte)
	RunState   uint32 // KTHREAD.WaitIrql or equivalent scheduling byte
	Priority   uint32 // KTHREAD.Priority (byte)

	Teb uint32

	CreateTime uint32
	ExitTime   uint32

	StartAddress uint32
	TrapFrame    uint32

	KernelStackBase  uint32
	KernelStackLimit uint32

	Affinity uint32

	RecordSize uint32
}

var layout64 = ethreadLayout{
	ThreadListEntry:  0x2f8,
	UniqueProcess:    0x478,
	UniqueThread:     0x480,
	ExitStatus:       0x490,
	State:            0x172,
	RunState:         0x173,
	Priority:         0x174,
	Teb:              0x90,
	CreateTime:       0x4f8,
	ExitTime:         0x500,
	StartAddress:     0x450,
	TrapFrame:        0x80,
	KernelStackBase:  0x38,
	KernelStackLimit: 0x40,
	Affinity:         0x98,
	RecordSize:       0x520,
}

var layout32 = ethreadLayout{
	ThreadListEntry:  0x1e0,
	UniqueProcess:    0x22c,
	UniqueThread:     0x230,
	ExitStatus:       0x238,
	State:            0xe8,
	RunState:         0xe9,
	Priority:         0xea,
	Teb:              0x4c,
	CreateTime:       0x260,
	ExitTime:         0x268,
	StartAddress:     0x24c,
	TrapFrame:        0x44,
	KernelStackBase:  0x28,
	KernelStackLimit: 0x2c,
	Affinity:         0x50,
	RecordSize:       0x270,
}

func layoutFor(is32 bool) ethreadLayout {
	if is32 {
		return layout32
	}
	return layout64
}
