package physmem

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

// buildRegistryBlob implements spec.md §8 scenario 5: header, count=2,
// two (Type=3,Share=1,Flags=0x0100,pa=0x1000,cb=0x10) records.
func buildRegistryBlob() []byte {
	buf := make([]byte, headerSize+4+2*recordSize)
	binary.LittleEndian.PutUint32(buf[headerSize:headerSize+4], 2)
	for i := 0; i < 2; i++ {
		off := headerSize + 4 + i*recordSize
		buf[off+0] = 3    // Type
		buf[off+1] = 1    // ShareDisposition
		binary.LittleEndian.PutUint16(buf[off+recFlagsOff:off+recFlagsOff+2], 0x0100)
		binary.LittleEndian.PutUint64(buf[off+recPaOff:off+recPaOff+8], 0x1000)
		binary.LittleEndian.PutUint32(buf[off+recCbOff:off+recCbOff+4], 0x10)
	}
	return buf
}

func TestReadRegistryFallbackScenario5(t *testing.T) {
	blob := buildRegistryBlob()
	reg := &iface.MockRegistryReader{
		ValueQueryFunc: func(ctx context.Context, path string) (uint32, []byte, error) {
			return 3, blob, nil
		},
	}

	pm, err := ReadRegistryFallback(context.Background(), reg, `HKLM\HARDWARE\RESOURCEMAP\System Resources\Physical Memory\.Translated`)
	require.NoError(t, err)
	require.Len(t, pm.Runs, 2)
	for _, run := range pm.Runs {
		require.Equal(t, uint64(1), run.BasePage)
		require.Equal(t, uint64(1), run.PageCount)
	}
}

func TestReadPrimaryRejectsOverlappingRuns(t *testing.T) {
	const blockVA = model.VA(0xFFFFF80000100000)
	buf := make([]byte, 16+2*16)
	binary.LittleEndian.PutUint64(buf[0:8], 2)   // NumberOfRuns
	binary.LittleEndian.PutUint64(buf[8:16], 20) // NumberOfPages
	binary.LittleEndian.PutUint64(buf[16:24], 0) // run0 BasePage
	binary.LittleEndian.PutUint64(buf[24:32], 10)
	binary.LittleEndian.PutUint64(buf[32:40], 5) // run1 BasePage overlaps run0
	binary.LittleEndian.PutUint64(buf[40:48], 10)

	mem := &iface.MockMemoryReader{
		ReadVirtualFunc: func(ctx context.Context, dtb model.DTB, va model.VA, out []byte, flags iface.ReadFlags) error {
			off := int(va - blockVA)
			if off < 0 || off+len(out) > len(buf) {
				for i := range out {
					out[i] = 0
				}
				return nil
			}
			copy(out, buf[off:])
			return nil
		},
	}
	vmm := ctxvmm.New(nil, vmmlog.NewDiscard())
	vmm.Mem = mem

	_, ok := ReadPrimary(context.Background(), vmm, 0, false, blockVA)
	require.False(t, ok)
}

func TestReadPrimaryAccepts(t *testing.T) {
	const blockVA = model.VA(0xFFFFF80000100000)
	buf := make([]byte, 16+1*16)
	binary.LittleEndian.PutUint64(buf[0:8], 1)
	binary.LittleEndian.PutUint64(buf[8:16], 10)
	binary.LittleEndian.PutUint64(buf[16:24], 0)
	binary.LittleEndian.PutUint64(buf[24:32], 10)

	mem := &iface.MockMemoryReader{
		ReadVirtualFunc: func(ctx context.Context, dtb model.DTB, va model.VA, out []byte, flags iface.ReadFlags) error {
			off := int(va - blockVA)
			if off < 0 || off+len(out) > len(buf) {
				for i := range out {
					out[i] = 0
				}
				return nil
			}
			copy(out, buf[off:])
			return nil
		},
	}
	vmm := ctxvmm.New(nil, vmmlog.NewDiscard())
	vmm.Mem = mem

	pm, ok := ReadPrimary(context.Background(), vmm, 0, false, blockVA)
	require.True(t, ok)
	require.Equal(t, uint64(10), pm.NumberOfPages)
	require.Len(t, pm.Runs, 1)
}
