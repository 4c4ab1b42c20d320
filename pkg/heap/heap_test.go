package heap

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/vmmlog"
)

type memImage struct {
	regions map[model.VA][]byte
}

func newMemImage() *memImage { return &memImage{regions: make(map[model.VA][]byte)} }

func (m *memImage) put(va model.VA, data []byte) { m.regions[va] = data }

func (m *memImage) read(va model.VA, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	for base, data := range m.regions {
		if va >= base && int(va-base) < len(data) {
			off := int(va - base)
			n := copy(buf, data[off:])
			if n > 0 {
				return
			}
		}
	}
}

func newHeapTestCtx(mi *memImage) *ctxvmm.Context {
	mem := &iface.MockMemoryReader{
		ReadVirtualFunc: func(ctx context.Context, dtb model.DTB, va model.VA, buf []byte, flags iface.ReadFlags) error {
			mi.read(va, buf)
			return nil
		},
	}
	vmm := ctxvmm.New(nil, vmmlog.NewDiscard())
	vmm.Mem = mem
	return vmm
}

func TestWalkVistaPlus64TwoHeaps(t *testing.T) {
	mi := newMemImage()
	const pebVA = model.VA(0x7FFE0000)
	const processHeapsVA = model.VA(0x7FFE8000)
	const heap0 = model.VA(0x00110000)
	const heap1 = model.VA(0x00220000)

	l := vistaPlus64
	peb := make([]byte, l.ProcessHeaps+8)
	binary.LittleEndian.PutUint32(peb[l.NumberOfHeaps:l.NumberOfHeaps+4], 2)
	binary.LittleEndian.PutUint64(peb[l.ProcessHeaps:l.ProcessHeaps+8], uint64(processHeapsVA))
	mi.put(pebVA, peb)

	arr := make([]byte, 16)
	binary.LittleEndian.PutUint64(arr[0:8], uint64(heap0))
	binary.LittleEndian.PutUint64(arr[8:16], uint64(heap1))
	mi.put(processHeapsVA, arr)

	for i, base := range []model.VA{heap0, heap1} {
		seg := make([]byte, l.NumUncommitted+4)
		binary.LittleEndian.PutUint32(seg[l.SegmentSignature:l.SegmentSignature+4], heapSegmentSignature)
		binary.LittleEndian.PutUint32(seg[l.NumberOfPages:l.NumberOfPages+4], uint32(10+i))
		binary.LittleEndian.PutUint32(seg[l.NumUncommitted:l.NumUncommitted+4], uint32(i))
		mi.put(base, seg)
	}

	vmm := newHeapTestCtx(mi)
	hm, err := Walk(context.Background(), vmm, 100, 0, false, false, pebVA)
	require.NoError(t, err)
	require.Len(t, hm.Entries, 2)
	require.True(t, hm.Entries[0].Primary)
	require.False(t, hm.Entries[1].Primary)
	require.Equal(t, uint32(10), hm.Entries[0].NumPages)
	require.Equal(t, uint32(11), hm.Entries[1].NumPages)
}

func TestWalkSkipsBadSignature(t *testing.T) {
	mi := newMemImage()
	const pebVA = model.VA(0x7FFE0000)
	const processHeapsVA = model.VA(0x7FFE8000)
	const heap0 = model.VA(0x00110000)

	l := vistaPlus64
	peb := make([]byte, l.ProcessHeaps+8)
	binary.LittleEndian.PutUint32(peb[l.NumberOfHeaps:l.NumberOfHeaps+4], 1)
	binary.LittleEndian.PutUint64(peb[l.ProcessHeaps:l.ProcessHeaps+8], uint64(processHeapsVA))
	mi.put(pebVA, peb)

	arr := make([]byte, 8)
	binary.LittleEndian.PutUint64(arr[0:8], uint64(heap0))
	mi.put(processHeapsVA, arr)
	// no segment header written at heap0: reads back as zero, signature mismatch.

	vmm := newHeapTestCtx(mi)
	hm, err := Walk(context.Background(), vmm, 100, 0, false, false, pebVA)
	require.NoError(t, err)
	require.Empty(t, hm.Entries)
}
