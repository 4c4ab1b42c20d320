package handle

import (
	"context"
	"encoding/binary"

	"golang.org/x/sys/windows"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
)

// DecodeTypeIndex implements spec.md §3's Windows 10+ cookie XOR: the
// encoded byte is XORed with the per-boot ObHeaderCookie and the
// object header VA's second byte (bits 8-15). Pre-Windows-10 systems
// have no cookie, so the encoded byte is already the type index.
func DecodeTypeIndex(headerVA model.VA, encoded byte, cookie byte, hasCookie bool) int {
	if !hasCookie {
		return int(encoded)
	}
	secondByte := byte(uint64(headerVA) >> 8)
	return int(encoded ^ cookie ^ secondByte)
}

// typeIndexFieldOffset is where the (possibly encoded) type index byte
// sits within OBJECT_HEADER, relative to the header VA.
func typeIndexFieldOffset(is32 bool) uint32 {
	if is32 {
		return 0x0C
	}
	return 0x18
}

// ScanPoolTag implements spec.md §4.8's backward scan: look for a
// plausible 4-byte ASCII tag at 8- then 16-byte strides up to 0x40
// bytes before headerVA. raw must cover [headerVA-0x40, headerVA).
func ScanPoolTag(raw []byte) string {
	if len(raw) < 0x40 {
		return ""
	}
	base := len(raw)
	for _, stride := range []int{8, 16} {
		for off := stride; off <= 0x40; off += stride {
			at := base - off
			if at < 0 || at+4 > len(raw) {
				continue
			}
			tag := raw[at : at+4]
			if isPlausibleTag(tag) {
				return string(tag)
			}
		}
	}
	return ""
}

func isPlausibleTag(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// EnrichEnv bundles the collaborators per-tag enrichment needs
// (spec.md §4.8): registry for "Key", the live process table for
// "Pro". "Thr" and "Fil" read directly from guest memory.
type EnrichEnv struct {
	Registry     iface.RegistryReader
	ProcessNames map[model.PID]string
}

// EnrichAll resolves type index, pool tag, and tag-specific extras for
// every handle entry in place, batching the object-header reads first
// as spec.md §4.8 prescribes.
func EnrichAll(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, is32 bool, entries []model.HandleEntry, env *EnrichEnv) {
	if len(entries) == 0 {
		return
	}
	hdrSize := objectHeaderSize(is32)
	prefetchAhead := objectHeaderPrefetchSize(is32)

	if vmm.Prefetch != nil {
		vas := make([]model.VA, 0, len(entries))
		for _, e := range entries {
			headerVA := e.ObjectVA - model.VA(hdrSize)
			vas = append(vas, headerVA-model.VA(prefetchAhead))
		}
		vmm.Prefetch.PrefetchPages(ctx, dtb, vas, prefetchAhead+hdrSize+0x10)
	}

	objTable := vmm.ObjectTypeTable(func() *model.ObjectTypeTable { return &model.ObjectTypeTable{} })

	for i := range entries {
		enrichOne(ctx, vmm, dtb, is32, &entries[i], objTable, env)
	}
}

func enrichOne(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, is32 bool, e *model.HandleEntry, objTable *model.ObjectTypeTable, env *EnrichEnv) {
	hdrSize := objectHeaderSize(is32)
	headerVA := e.ObjectVA - model.VA(hdrSize)

	scanBuf := make([]byte, 0x40)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, headerVA-0x40, scanBuf, iface.ZeropadOnFail); err == nil {
		e.PoolTag = ScanPoolTag(scanBuf)
	}

	hdrBuf := make([]byte, hdrSize+0x10)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, headerVA, hdrBuf, iface.ZeropadOnFail); err != nil {
		return
	}
	tiOff := typeIndexFieldOffset(is32)
	encoded := hdrBuf[tiOff]
	e.TypeIndex = DecodeTypeIndex(headerVA, encoded, objTable.Cookie, objTable.HasCookie)

	ptrSize := pointerSize(is32)
	if ptrSize == 8 {
		e.HeaderPointerCount = uint32(binary.LittleEndian.Uint64(hdrBuf[0:8]))
		e.HeaderHandleCount = uint32(binary.LittleEndian.Uint64(hdrBuf[8:16]))
	} else {
		e.HeaderPointerCount = binary.LittleEndian.Uint32(hdrBuf[0:4])
		e.HeaderHandleCount = binary.LittleEndian.Uint32(hdrBuf[4:8])
	}

	// ScanPoolTag yields the full 4-byte tag ("Key ", "Proc", "Thre",
	// "File"); the well-known tags are matched on their first 3 bytes.
	tag := e.PoolTag
	if len(tag) > 3 {
		tag = tag[:3]
	}
	switch tag {
	case "Key":
		enrichKey(ctx, env, e)
	case "Pro":
		enrichProcess(env, e)
	case "Thr":
		enrichThread(hdrBuf, is32, e)
	case "Fil":
		enrichFile(ctx, vmm, dtb, e)
	default:
		if e.PoolTag != "" {
			enrichUnicodeNameTag(ctx, vmm, dtb, e)
		}
	}
}

func enrichKey(ctx context.Context, env *EnrichEnv, e *model.HandleEntry) {
	if env == nil || env.Registry == nil {
		return
	}
	hiveHandle, err := env.Registry.HiveGetByAddress(ctx, e.HiveVA)
	if err != nil {
		return
	}
	keyHandle, err := env.Registry.KeyGetByCellOffset(ctx, hiveHandle, e.CellIndex)
	if err != nil {
		return
	}
	info, err := env.Registry.KeyInfo(ctx, keyHandle)
	if err != nil {
		return
	}
	e.KeyName = info.Path
	e.Name = info.Path
}

func enrichProcess(env *EnrichEnv, e *model.HandleEntry) {
	if env == nil || env.ProcessNames == nil {
		return
	}
	if name, ok := env.ProcessNames[e.RefPID]; ok {
		e.Name = name
	}
}

func enrichThread(hdrBuf []byte, is32 bool, e *model.HandleEntry) {
	cidTidOff := uint32(4)
	if !is32 {
		cidTidOff = 8
	}
	if int(cidTidOff)+4 > len(hdrBuf) {
		return
	}
	e.RefTID = binary.LittleEndian.Uint32(hdrBuf[cidTidOff : cidTidOff+4])
	e.Name = "tid"
}

func enrichFile(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, e *model.HandleEntry) {
	const fileNameOff = 0x58 // _FILE_OBJECT.FileName (UNICODE_STRING), approximate
	buf := make([]byte, 16)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, e.ObjectVA+fileNameOff, buf, iface.ZeropadOnFail); err != nil {
		return
	}
	length := binary.LittleEndian.Uint16(buf[0:2])
	bufVA := model.VA(binary.LittleEndian.Uint64(buf[8:16]))
	if length == 0 || bufVA == 0 || length > 2048 {
		return
	}
	nameBuf := make([]byte, length)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, bufVA, nameBuf, iface.ZeropadOnFail); err != nil {
		return
	}
	e.Name = decodeUTF16(nameBuf)
}

// enrichUnicodeNameTag covers spec.md §4.8's "other tags" case: a
// UNICODE_STRING sits a small, fixed offset after the pool header.
func enrichUnicodeNameTag(ctx context.Context, vmm *ctxvmm.Context, dtb model.DTB, e *model.HandleEntry) {
	const ustrOff = 0x08
	buf := make([]byte, 16)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, e.ObjectVA+ustrOff, buf, iface.ZeropadOnFail); err != nil {
		return
	}
	length := binary.LittleEndian.Uint16(buf[0:2])
	bufVA := model.VA(binary.LittleEndian.Uint64(buf[8:16]))
	if length == 0 || bufVA == 0 || length > 2048 {
		return
	}
	nameBuf := make([]byte, length)
	if err := vmm.Mem.ReadVirtual(ctx, dtb, bufVA, nameBuf, iface.ZeropadOnFail); err != nil {
		return
	}
	e.Name = decodeUTF16(nameBuf)
}

func decodeUTF16(buf []byte) string {
	out := make([]byte, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		c := binary.LittleEndian.Uint16(buf[i : i+2])
		if c == 0 {
			break
		}
		if c < 0x80 {
			out = append(out, byte(c))
		} else {
			out = append(out, '?')
		}
	}
	return string(out)
}

// DescribeAccessMask renders a GrantedAccess word using
// golang.org/x/sys/windows's ACCESS_MASK constants, e.g. "R-X" for a
// read+execute section mapping. Used by cmd/wintrace's human-readable
// handle dump.
func DescribeAccessMask(mask uint32) string {
	am := windows.ACCESS_MASK(mask)
	r, w, x := byte('-'), byte('-'), byte('-')
	if am&windows.GENERIC_READ != 0 {
		r = 'R'
	}
	if am&windows.GENERIC_WRITE != 0 {
		w = 'W'
	}
	if am&windows.GENERIC_EXECUTE != 0 {
		x = 'X'
	}
	if am&windows.GENERIC_ALL != 0 {
		return "ALL"
	}
	return string([]byte{r, w, x})
}
