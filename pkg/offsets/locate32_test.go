package offsets

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

func buildSystemAndSmss32(t *testing.T) (sys, smss []byte, systemEProcess, smssEProcess model.VA, systemDTB model.DTB) {
	t.Helper()

	const nameOff = 0x2A0
	const pidOff = 0x140
	const ppidOff = 0x150
	const pebOff = 0x2B0

	systemEProcess = model.VA(0x82008000)
	smssEProcess = model.VA(0x82009000)
	systemDTB = model.DTB(0x001AA000)
	pebVA := model.VA(0x7FF60000)

	sys = make([]byte, headerReadSize)
	smss = make([]byte, headerReadSize)

	binary.LittleEndian.PutUint32(sys[0x18:0x1C], uint32(systemDTB))
	copy(sys[nameOff:nameOff+8], imageFileNamePattern[:])
	binary.LittleEndian.PutUint32(sys[pidOff:pidOff+4], 4)
	binary.LittleEndian.PutUint32(sys[pidOff+4:pidOff+8], uint32(smssEProcess))
	binary.LittleEndian.PutUint32(sys[0x240:0x244], 0x82100000) // object table ptr, page-aligned

	copy(smss[nameOff:nameOff+8], []byte("smss.exe"))
	wantBlink := systemEProcess + model.VA(pidOff+4)
	binary.LittleEndian.PutUint32(smss[pidOff+8:pidOff+12], uint32(wantBlink))
	binary.LittleEndian.PutUint32(smss[ppidOff:ppidOff+4], 4)
	binary.LittleEndian.PutUint32(smss[pebOff:pebOff+4], uint32(pebVA))

	return sys, smss, systemEProcess, smssEProcess, systemDTB
}

func newOffsetsTestCtx32(sys, smss []byte, systemEProcess, smssEProcess model.VA) *ctxvmm.Context {
	mem := &iface.MockMemoryReader{
		ReadVirtualFunc: func(ctx context.Context, dtb model.DTB, va model.VA, buf []byte, flags iface.ReadFlags) error {
			var src []byte
			switch va {
			case systemEProcess:
				src = sys
			case smssEProcess:
				src = smss
			}
			if src != nil {
				copy(buf, src)
				return nil
			}
			for i := range buf {
				buf[i] = 0
			}
			return nil
		},
	}
	vmm := ctxvmm.New(nil, vmmlog.NewDiscard())
	vmm.Mem = mem
	return vmm
}

func TestLocate32MatchesSpecScenario(t *testing.T) {
	sys, smss, systemEProcess, smssEProcess, systemDTB := buildSystemAndSmss32(t)
	vmm := newOffsetsTestCtx32(sys, smss, systemEProcess, smssEProcess)

	o, err := Locate32(context.Background(), vmm, systemDTB, systemEProcess)
	require.NoError(t, err)
	require.True(t, o.Valid)

	require.Equal(t, uint32(4), o.State)
	require.Equal(t, uint32(0x18), o.DTB)
	require.Equal(t, uint32(0x2A0), o.ImageFileName)
	require.Equal(t, uint32(0x140), o.PID)
}
