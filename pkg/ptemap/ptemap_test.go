package ptemap

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

type fakePteProvider struct {
	tagged map[model.VA]string
}

func (f *fakePteProvider) PteMap(ctx context.Context, pid model.PID) ([]iface.PteEntry, error) {
	return nil, nil
}

func (f *fakePteProvider) TagRange(ctx context.Context, pid model.PID, start, end model.VA, name string) error {
	if f.tagged == nil {
		f.tagged = make(map[model.VA]string)
	}
	f.tagged[start] = name
	return nil
}

func TestTagKnownModulesSkipsUnnamedAndZeroSize(t *testing.T) {
	fp := &fakePteProvider{}
	mm := model.ModuleMap{Entries: []model.ModuleEntry{
		{Base: 0x1000, ImageSize: 0x2000, Name: "a.dll"},
		{Base: 0x9000, ImageSize: 0, Name: "b.dll"},
		{Base: 0xA000, ImageSize: 0x1000, Name: ""},
	}}
	err := TagKnownModules(context.Background(), 100, fp, mm)
	require.NoError(t, err)
	require.Len(t, fp.tagged, 1)
	require.Equal(t, "a.dll", fp.tagged[0x1000])
}

func fakeImage() []byte {
	buf := make([]byte, 0x1000)
	const elfanew = 0x80
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], elfanew)
	copy(buf[elfanew:elfanew+4], []byte("PE\x00\x00"))
	optOff := elfanew + 24
	binary.LittleEndian.PutUint16(buf[optOff:optOff+2], 0x20b)
	binary.LittleEndian.PutUint32(buf[optOff+56:optOff+60], 0x3000)
	return buf
}

func TestScanUntaggedForPEHeadersFindsAdjacentExecPage(t *testing.T) {
	const base = model.VA(0x10000000)
	mem := &iface.MockMemoryReader{
		ReadVirtualFunc: func(ctx context.Context, dtb model.DTB, va model.VA, buf []byte, flags iface.ReadFlags) error {
			for i := range buf {
				buf[i] = 0
			}
			if va == base {
				copy(buf, fakeImage())
			}
			return nil
		},
	}
	vmm := ctxvmm.New(nil, vmmlog.NewDiscard())
	vmm.Mem = mem

	ptes := []iface.PteEntry{
		{VA: base, Executable: false},
		{VA: base + 0x1000, Executable: true},
		{VA: base + 0x2000, Executable: false, Name: "already-tagged"},
	}
	fp := &fakePteProvider{}

	err := ScanUntaggedForPEHeaders(context.Background(), vmm, 100, 0, false, fp, ptes)
	require.NoError(t, err)
	require.Contains(t, fp.tagged, base)
}
