package unloaded

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

func newUnloadedTestCtx(raw []byte, base model.VA) *ctxvmm.Context {
	mem := &iface.MockMemoryReader{
		ReadVirtualFunc: func(ctx context.Context, dtb model.DTB, va model.VA, buf []byte, flags iface.ReadFlags) error {
			for i := range buf {
				buf[i] = 0
			}
			if va < base {
				return nil
			}
			off := int(va - base)
			if off >= len(raw) {
				return nil
			}
			copy(buf, raw[off:])
			return nil
		},
	}
	vmm := ctxvmm.New(nil, vmmlog.NewDiscard())
	vmm.Mem = mem
	return vmm
}

func putKernelDriver(buf []byte, recOff int, l kernelEntryLayout, nameVA model.VA, nameLen uint16, start, end uint64) {
	rec := buf[recOff : recOff+int(l.RecordSize)]
	binary.LittleEndian.PutUint16(rec[l.NameLength:l.NameLength+2], nameLen)
	binary.LittleEndian.PutUint64(rec[l.NameBuffer:l.NameBuffer+8], uint64(nameVA))
	binary.LittleEndian.PutUint64(rec[l.StartVA:l.StartVA+8], start)
	binary.LittleEndian.PutUint64(rec[l.EndVA:l.EndVA+8], end)
}

func TestReadKernelSkipsZeroedEntryBetweenTwoValid(t *testing.T) {
	const arrayVA = model.VA(0xFFFFF80001000000)
	const name1VA = model.VA(0xFFFFF80001001000)
	const name2VA = model.VA(0xFFFFF80001002000)
	l := kernelLayout64

	buf := make([]byte, 3*int(l.RecordSize)+0x1000)
	putKernelDriver(buf, 0, l, name1VA, 8, 0xFFFFF80002000000, 0xFFFFF80002010000)
	// index 1 left zeroed
	putKernelDriver(buf, 2*int(l.RecordSize), l, name2VA, 8, 0xFFFFF80003000000, 0xFFFFF80003010000)

	name1Off := 3*int(l.RecordSize) + 0
	name2Off := 3*int(l.RecordSize) + 0x100
	copy(buf[name1Off:], []byte{'a', 0, 0, 0})
	copy(buf[name2Off:], []byte{'b', 0, 0, 0})
	// patch the recorded name VAs to point inside this same buffer
	binary.LittleEndian.PutUint64(buf[0+l.NameBuffer:0+l.NameBuffer+8], uint64(arrayVA)+uint64(name1Off))
	binary.LittleEndian.PutUint64(buf[2*int(l.RecordSize)+l.NameBuffer:2*int(l.RecordSize)+l.NameBuffer+8], uint64(arrayVA)+uint64(name2Off))

	vmm := newUnloadedTestCtx(buf, arrayVA)
	mm, err := ReadKernel(context.Background(), vmm, 0, false, arrayVA, 3)
	require.NoError(t, err)
	require.Len(t, mm.Entries, 2)
	require.Equal(t, "a", mm.Entries[0].Name)
	require.Equal(t, "b", mm.Entries[1].Name)
}

func TestReadUserWrapAroundSecondPass(t *testing.T) {
	l := userLayout64
	const traceVA = model.VA(0x00100000)
	const number = 5

	buf := make([]byte, number*int(l.RecordSize))
	writeEntry := func(i int, base model.VA, size uint32, name string) {
		rec := buf[i*int(l.RecordSize) : (i+1)*int(l.RecordSize)]
		binary.LittleEndian.PutUint64(rec[l.BaseAddress:l.BaseAddress+8], uint64(base))
		binary.LittleEndian.PutUint64(rec[l.SizeOfImage:l.SizeOfImage+8], uint64(size))
		nameBuf := rec[l.ImageName:]
		for j, c := range []byte(name) {
			nameBuf[j*2] = c
		}
	}
	writeEntry(0, 0x400000, 0x1000, "a.dll")
	writeEntry(1, 0x500000, 0x1000, "b.dll")
	// index 2 left zeroed: first invalid entry, scan stops here
	writeEntry(3, 0x700000, 0x1000, "d.dll")
	// index 4 left zeroed

	vmm := newUnloadedTestCtx(buf, traceVA)
	mm, err := ReadUser(context.Background(), vmm, 100, 0, false, traceVA, number)
	require.NoError(t, err)
	require.Len(t, mm.Entries, 3)
	require.Equal(t, "a.dll", mm.Entries[0].Name)
	require.Equal(t, "b.dll", mm.Entries[1].Name)
	require.Equal(t, "d.dll", mm.Entries[2].Name)
}
