package winproc

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/offsets"
	"github.com/dfirkit/wintrace/pkg/vmmerr"
	"github.com/dfirkit/wintrace/pkg/vmmlog"
)

// testOffsets is a small, self-consistent 64-bit layout used only by
// this package's tests; it does not need to match a real Windows build.
func testOffsets() *offsets.Offsets {
	return &offsets.Offsets{
		State:         4,
		DTB:           0x28,
		ImageFileName: 0x5A8,
		PID:           0x440,
		PPID:          0x460,
		FLink:         0x448,
		BLink:         0x450,
		PEB:           0x5C0,
		Wow64Process:  0x5E8,
		CbMaxOffset:   0x700,
	}
}

type fakeProc struct {
	eprocess model.VA
	pid      uint64
	ppid     uint64
	name     string
	peb      model.VA
	wow64    uint64
	flink    model.VA
	blink    model.VA
}

func encodeEProcess(off *offsets.Offsets, p fakeProc) []byte {
	buf := make([]byte, off.CbMaxOffset)
	binary.LittleEndian.PutUint32(buf[off.State:off.State+4], 0)
	binary.LittleEndian.PutUint64(buf[off.PID:off.PID+8], p.pid)
	binary.LittleEndian.PutUint64(buf[off.PPID:off.PPID+8], p.ppid)
	copy(buf[off.ImageFileName:off.ImageFileName+16], []byte(p.name))
	binary.LittleEndian.PutUint64(buf[off.FLink:off.FLink+8], uint64(p.flink))
	binary.LittleEndian.PutUint64(buf[off.BLink:off.BLink+8], uint64(p.blink))
	binary.LittleEndian.PutUint64(buf[off.PEB:off.PEB+8], uint64(p.peb))
	binary.LittleEndian.PutUint64(buf[off.Wow64Process:off.Wow64Process+8], p.wow64)
	return buf
}

func newTestCtx(records map[model.VA][]byte) *ctxvmm.Context {
	mem := &iface.MockMemoryReader{
		ReadVirtualFunc: func(ctx context.Context, dtb model.DTB, va model.VA, buf []byte, flags iface.ReadFlags) error {
			raw, ok := records[va]
			if !ok {
				for i := range buf {
					buf[i] = 0
				}
				return nil
			}
			copy(buf, raw)
			return nil
		},
	}
	vmm := ctxvmm.New(nil, vmmlog.NewDiscard())
	vmm.Mem = mem
	return vmm
}

func TestEnumerateWalksRingAndClassifies(t *testing.T) {
	off := testOffsets()
	system := model.VA(0xFFFFA00000001000)
	csrss := model.VA(0xFFFFA00000002000)
	notepad := model.VA(0xFFFFA00000003000)

	systemFlink := system + model.VA(off.FLink)
	csrssFlink := csrss + model.VA(off.FLink)
	notepadFlink := notepad + model.VA(off.FLink)

	records := map[model.VA][]byte{
		system: encodeEProcess(off, fakeProc{
			pid: 4, ppid: 0, name: "System", flink: csrssFlink, blink: notepadFlink,
		}),
		csrss: encodeEProcess(off, fakeProc{
			pid: 500, ppid: 4, name: "csrss.exe", flink: notepadFlink, blink: systemFlink,
		}),
		notepad: encodeEProcess(off, fakeProc{
			pid: 1000, ppid: 500, name: "notepad.exe", peb: 0x7FF000000000, flink: systemFlink, blink: csrssFlink,
		}),
	}

	vmm := newTestCtx(records)
	res, err := Enumerate(context.Background(), vmm, off, false, model.DTB(1), system, nil)
	require.NoError(t, err)
	require.Len(t, res.Processes, 3)
	require.False(t, res.QualityOK, "3 processes is below the default quality gate of 10")

	byPID := map[model.PID]*model.Process{}
	for _, p := range res.Processes {
		byPID[p.PID] = p
	}

	require.False(t, byPID[4].UserOnly, "PID 4 is always classified kernel-side")
	require.False(t, byPID[500].UserOnly, "csrss.exe is classified kernel-side")
	require.True(t, byPID[1000].UserOnly)
	require.Equal(t, model.VA(0x7FF000000000), byPID[1000].PEB)
}

func TestEnumerateCountsDTBCollisions(t *testing.T) {
	off := testOffsets()
	a := model.VA(0xFFFFA00000001000)
	b := model.VA(0xFFFFA00000002000)

	aFlink := a + model.VA(off.FLink)
	bFlink := b + model.VA(off.FLink)

	records := map[model.VA][]byte{
		a: encodeEProcess(off, fakeProc{pid: 77, name: "a.exe", flink: bFlink, blink: bFlink}),
		b: encodeEProcess(off, fakeProc{pid: 77, name: "b.exe", flink: aFlink, blink: aFlink}),
	}
	binary.LittleEndian.PutUint64(records[a][off.DTB:off.DTB+8], 0x1AB000)

	vmm := newTestCtx(records)
	res, err := Enumerate(context.Background(), vmm, off, false, model.DTB(1), a, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Collisions)
	require.Len(t, res.Processes, 1, "the colliding second record with the same PID and a different (zero) DTB is rejected")
}

func TestEnumerateAbortsAfterCollisionCap(t *testing.T) {
	off := testOffsets()

	// A ring of 12 records all claiming PID 77, each with its own DTB
	// field value: whichever one the walker visits first establishes
	// the PID->DTB mapping, and every other one collides against it.
	// 11 collisions comfortably clears the default cap of 8.
	const n = 12
	vas := make([]model.VA, n)
	for i := range vas {
		vas[i] = model.VA(0xFFFFA00000000000) + model.VA(0x1000*(i+1))
	}

	records := make(map[model.VA][]byte)
	for i, va := range vas {
		next := vas[(i+1)%n]
		prev := vas[(i-1+n)%n]
		buf := encodeEProcess(off, fakeProc{
			pid:   77,
			name:  "a.exe",
			flink: next + model.VA(off.FLink),
			blink: prev + model.VA(off.FLink),
		})
		binary.LittleEndian.PutUint64(buf[off.DTB:off.DTB+8], uint64(i+1))
		records[va] = buf
	}

	vmm := newTestCtx(records)
	_, err := Enumerate(context.Background(), vmm, off, false, model.DTB(1), vas[0], nil)
	require.Error(t, err)
	require.True(t, vmmerr.Is(err, vmmerr.ClassCollision), "expected a ClassCollision error once the cap (8) is reached")
}

func TestEnumerateMemCompressionForcedUser(t *testing.T) {
	off := testOffsets()
	va := model.VA(0xFFFFA00000001000)
	self := va + model.VA(off.FLink)
	records := map[model.VA][]byte{
		va: encodeEProcess(off, fakeProc{pid: 9999, name: "MemCompression", flink: self, blink: self}),
	}
	vmm := newTestCtx(records)
	res, err := Enumerate(context.Background(), vmm, off, false, model.DTB(1), va, nil)
	require.NoError(t, err)
	require.Len(t, res.Processes, 1)
	require.True(t, res.Processes[0].UserOnly, "MemCompression is forced back to user despite State==0 && PEB==0")
}

func TestEnumerateNoLinkCandidateIsMarked(t *testing.T) {
	off := testOffsets()
	va := model.VA(0xFFFFA00000001000)
	orphan := model.VA(0xFFFFA00000009000)
	self := va + model.VA(off.FLink)
	records := map[model.VA][]byte{
		va:     encodeEProcess(off, fakeProc{pid: 4, name: "System", flink: self, blink: self}),
		orphan: encodeEProcess(off, fakeProc{pid: 321, name: "orphan.exe", peb: 0x7FF000001000}),
	}
	vmm := newTestCtx(records)
	res, err := Enumerate(context.Background(), vmm, off, false, model.DTB(1), va, []model.VA{orphan})
	require.NoError(t, err)

	var found *model.Process
	for _, p := range res.Processes {
		if p.PID == 321 {
			found = p
		}
	}
	require.NotNil(t, found)
	require.True(t, found.NoLink)
}

func TestEnumerateWow64PageAlignedPointer(t *testing.T) {
	off := testOffsets()
	va := model.VA(0xFFFFA00000001000)
	self := va + model.VA(off.FLink)
	records := map[model.VA][]byte{
		va: encodeEProcess(off, fakeProc{
			pid: 42, name: "app.exe", peb: 0x7FF000002000, wow64: 0x00000000_7FF00000, flink: self, blink: self,
		}),
	}
	vmm := newTestCtx(records)
	res, err := Enumerate(context.Background(), vmm, off, false, model.DTB(1), va, nil)
	require.NoError(t, err)
	require.Len(t, res.Processes, 1)
	p := res.Processes[0]
	require.True(t, p.WoW64)
	require.Equal(t, model.VA(0x7FF00000), p.PEB32, "a clean low-32 page-aligned Wow64Process value is used directly")
}
