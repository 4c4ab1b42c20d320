package pe

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

// buildScenario1Image constructs the minimal PE described by spec.md §8
// scenario 1: DOS MZ, e_lfanew=0x80, NT PE\0\0, OptionalMagic 0x20B,
// ExportDirectory Base=1, NumberOfFunctions=2, NumberOfNames=1,
// Names[0]->"Foo", NameOrdinals[0]=0, Functions=[0x1100, 0x1200].
func buildScenario1Image(t *testing.T) []byte {
	t.Helper()

	const elfanew = 0x80
	const optOff = elfanew + 4 + 20
	const exportDirRVA = 0x2000
	const namesRVA = exportDirRVA + 0x100
	const ordinalsRVA = exportDirRVA + 0x200
	const funcsRVA = exportDirRVA + 0x300
	const nameStrRVA = exportDirRVA + 0x400

	buf := make([]byte, 0x3000)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], elfanew)
	copy(buf[elfanew:elfanew+4], []byte("PE\x00\x00"))
	binary.LittleEndian.PutUint16(buf[elfanew+6:elfanew+8], 1) // NumberOfSections
	binary.LittleEndian.PutUint16(buf[optOff:optOff+2], magicPE32p)

	dataDirOff := optOff + dataDirOffPE32p
	binary.LittleEndian.PutUint32(buf[dataDirOff:dataDirOff+4], exportDirRVA)
	binary.LittleEndian.PutUint32(buf[dataDirOff+4:dataDirOff+8], 0x500)

	binary.LittleEndian.PutUint32(buf[exportDirRVA+16:exportDirRVA+20], 1) // Base
	binary.LittleEndian.PutUint32(buf[exportDirRVA+20:exportDirRVA+24], 2) // NumberOfFunctions
	binary.LittleEndian.PutUint32(buf[exportDirRVA+24:exportDirRVA+28], 1) // NumberOfNames
	binary.LittleEndian.PutUint32(buf[exportDirRVA+28:exportDirRVA+32], funcsRVA)
	binary.LittleEndian.PutUint32(buf[exportDirRVA+32:exportDirRVA+36], namesRVA)
	binary.LittleEndian.PutUint32(buf[exportDirRVA+36:exportDirRVA+40], ordinalsRVA)

	binary.LittleEndian.PutUint32(buf[funcsRVA:funcsRVA+4], 0x1100)
	binary.LittleEndian.PutUint32(buf[funcsRVA+4:funcsRVA+8], 0x1200)
	binary.LittleEndian.PutUint32(buf[namesRVA:namesRVA+4], nameStrRVA)
	binary.LittleEndian.PutUint16(buf[ordinalsRVA:ordinalsRVA+2], 0)
	copy(buf[nameStrRVA:], []byte("Foo\x00"))

	return buf
}

func newPETestCtx(image []byte, base model.VA) *ctxvmm.Context {
	mem := &iface.MockMemoryReader{
		ReadVirtualFunc: func(ctx context.Context, dtb model.DTB, va model.VA, b []byte, flags iface.ReadFlags) error {
			off := int64(va) - int64(base)
			for i := range b {
				b[i] = 0
				src := off + int64(i)
				if src >= 0 && src < int64(len(image)) {
					b[i] = image[src]
				}
			}
			return nil
		},
	}
	vmm := ctxvmm.New(nil, vmmlog.NewDiscard())
	vmm.Mem = mem
	return vmm
}

func TestValidateHeaderAndEATMatchSpecScenario(t *testing.T) {
	const base = model.VA(0x7FF600000000)
	image := buildScenario1Image(t)
	vmm := newPETestCtx(image, base)

	hdr, err := ValidateHeader(context.Background(), vmm, 0, base)
	require.NoError(t, err)
	require.False(t, hdr.Is32Bit)

	eat, _, err := BuildEAT(context.Background(), vmm, 0, base, hdr, vmm.Config.Caps.MaxExportDirectorySize)
	require.NoError(t, err)
	require.Len(t, eat.Entries, 2)

	foo := eat.Entries[0]
	require.Equal(t, base+0x1100, foo.VA)
	require.Equal(t, uint32(1), foo.Ordinal)
	require.Equal(t, "Foo", foo.Name)

	unnamed := eat.Entries[1]
	require.Equal(t, base+0x1200, unnamed.VA)
	require.Equal(t, uint32(2), unnamed.Ordinal)
	require.Equal(t, "", unnamed.Name)

	require.Len(t, eat.NameHashTable, 1)
}

func TestValidateHeaderRejectsBadMagic(t *testing.T) {
	image := buildScenario1Image(t)
	image[0] = 'X'
	vmm := newPETestCtx(image, 0x1000)
	_, err := ValidateHeader(context.Background(), vmm, 0, 0x1000)
	require.Error(t, err)
}

// buildNameIndexMismatchImage is buildScenario1Image with a third,
// unnamed function inserted ahead of the named one, so the named
// export's function/ordinal-table slot (NameOrdinals[0]=2) differs
// from its position in the Names[] table (index 0).
func buildNameIndexMismatchImage(t *testing.T) []byte {
	t.Helper()

	const elfanew = 0x80
	const optOff = elfanew + 4 + 20
	const exportDirRVA = 0x2000
	const namesRVA = exportDirRVA + 0x100
	const ordinalsRVA = exportDirRVA + 0x200
	const funcsRVA = exportDirRVA + 0x300
	const nameStrRVA = exportDirRVA + 0x400

	buf := make([]byte, 0x3000)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], elfanew)
	copy(buf[elfanew:elfanew+4], []byte("PE\x00\x00"))
	binary.LittleEndian.PutUint16(buf[elfanew+6:elfanew+8], 1)
	binary.LittleEndian.PutUint16(buf[optOff:optOff+2], magicPE32p)

	dataDirOff := optOff + dataDirOffPE32p
	binary.LittleEndian.PutUint32(buf[dataDirOff:dataDirOff+4], exportDirRVA)
	binary.LittleEndian.PutUint32(buf[dataDirOff+4:dataDirOff+8], 0x500)

	binary.LittleEndian.PutUint32(buf[exportDirRVA+16:exportDirRVA+20], 1) // Base
	binary.LittleEndian.PutUint32(buf[exportDirRVA+20:exportDirRVA+24], 3) // NumberOfFunctions
	binary.LittleEndian.PutUint32(buf[exportDirRVA+24:exportDirRVA+28], 1) // NumberOfNames
	binary.LittleEndian.PutUint32(buf[exportDirRVA+28:exportDirRVA+32], funcsRVA)
	binary.LittleEndian.PutUint32(buf[exportDirRVA+32:exportDirRVA+36], namesRVA)
	binary.LittleEndian.PutUint32(buf[exportDirRVA+36:exportDirRVA+40], ordinalsRVA)

	binary.LittleEndian.PutUint32(buf[funcsRVA:funcsRVA+4], 0x1100)
	binary.LittleEndian.PutUint32(buf[funcsRVA+4:funcsRVA+8], 0x1200)
	binary.LittleEndian.PutUint32(buf[funcsRVA+8:funcsRVA+12], 0x1300)

	binary.LittleEndian.PutUint32(buf[namesRVA:namesRVA+4], nameStrRVA)
	// Names[0] resolves to function/ordinal-table slot 2, not 0.
	binary.LittleEndian.PutUint16(buf[ordinalsRVA:ordinalsRVA+2], 2)
	copy(buf[nameStrRVA:], []byte("Bar\x00"))

	return buf
}

func TestBuildEATNameIndexIsNameTablePositionNotOrdinalSlot(t *testing.T) {
	const base = model.VA(0x7FF600000000)
	image := buildNameIndexMismatchImage(t)
	vmm := newPETestCtx(image, base)

	hdr, err := ValidateHeader(context.Background(), vmm, 0, base)
	require.NoError(t, err)

	eat, _, err := BuildEAT(context.Background(), vmm, 0, base, hdr, vmm.Config.Caps.MaxExportDirectorySize)
	require.NoError(t, err)
	require.Len(t, eat.Entries, 3)

	require.Equal(t, int32(-1), eat.Entries[0].NameIndex)
	require.Equal(t, int32(-1), eat.Entries[1].NameIndex)

	named := eat.Entries[2]
	require.Equal(t, "Bar", named.Name)
	require.Equal(t, int32(0), named.NameIndex, "NameIndex is Bar's position in Names[], not its slot (2) in the function/ordinal table")
}

func TestBuildEATEmptyWhenNumberOfFunctionsOutOfRange(t *testing.T) {
	const base = model.VA(0x400000)
	image := buildScenario1Image(t)
	binary.LittleEndian.PutUint32(image[0x2000+20:0x2000+24], 0) // NumberOfFunctions=0
	vmm := newPETestCtx(image, base)

	hdr, err := ValidateHeader(context.Background(), vmm, 0, base)
	require.NoError(t, err)

	eat, _, err := BuildEAT(context.Background(), vmm, 0, base, hdr, vmm.Config.Caps.MaxExportDirectorySize)
	require.NoError(t, err)
	require.Empty(t, eat.Entries)
}
