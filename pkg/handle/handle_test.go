package handle

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

func newHandleTestCtx(mi *memImage) *ctxvmm.Context {
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

// TestWalkTwoLevelTableSixHandles builds spec.md §8 scenario 4: a
// two-level handle table, root page with pointers to two leaf pages,
// each containing 3 valid kernel pointers.
func TestWalkTwoLevelTableSixHandles(t *testing.T) {
	mi := newMemImage()
	const objectTableVA = model.VA(0x813000) // page-aligned, so the Obtb check is skipped
	const rootVA = model.VA(0x900000)
	const leaf1 = model.VA(0x901000)
	const leaf2 = model.VA(0x902000)
	const obj = model.VA(0xFFFFF800_10000000)

	// _HANDLE_TABLE header: TableCode at +0 (GenXPWin7), levels=1.
	hdr := make([]byte, 0x20)
	binary.LittleEndian.PutUint64(hdr[0x10:0x18], uint64(rootVA)|1)
	mi.put(objectTableVA-0x10, hdr)

	root := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(root[0:8], uint64(leaf1))
	binary.LittleEndian.PutUint64(root[8:16], uint64(leaf2))
	mi.put(rootVA, root)

	for _, leaf := range []model.VA{leaf1, leaf2} {
		page := make([]byte, 0x1000)
		for i := 0; i < 3; i++ {
			off := i * 16
			binary.LittleEndian.PutUint64(page[off:off+8], uint64(obj)+uint64(i)*0x100)
		}
		mi.put(leaf, page)
	}

	vmm := newHandleTestCtx(mi)
	hm, err := Walk(context.Background(), vmm, 100, 0, false, GenXPWin7, objectTableVA)
	require.NoError(t, err)
	require.Len(t, hm.Entries, 6)

	for leafIdx := 0; leafIdx < 2; leafIdx++ {
		hv0 := hm.Entries[leafIdx*3+0].HandleValue
		hv1 := hm.Entries[leafIdx*3+1].HandleValue
		hv2 := hm.Entries[leafIdx*3+2].HandleValue
		require.Equal(t, hv0+4, hv1)
		require.Equal(t, hv1+4, hv2)
	}
}

func TestDecodeTypeIndexNoCookie(t *testing.T) {
	require.Equal(t, 7, DecodeTypeIndex(0x1234, 7, 0, false))
}

func TestDecodeTypeIndexWithCookie(t *testing.T) {
	headerVA := model.VA(0xFFFFF80012340000)
	cookie := byte(0x5A)
	secondByte := byte(uint64(headerVA) >> 8)
	encoded := byte(7) ^ cookie ^ secondByte
	require.Equal(t, 7, DecodeTypeIndex(headerVA, encoded, cookie, true))
}

func TestScanPoolTagFindsTagAtStride(t *testing.T) {
	buf := make([]byte, 0x40)
	copy(buf[0x40-16:0x40-12], []byte("Key!"))
	require.Equal(t, "Key!", ScanPoolTag(buf))
}

func TestDescribeAccessMask(t *testing.T) {
	require.Equal(t, "R-X", DescribeAccessMask(uint32(0x80000000|0x20000000)))
}
