package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
)

// flatImageReader implements iface.MemoryReader over a raw file, with
// virtual addresses treated as physical offsets directly (identity
// translation). The real VA->PA walk through a guest's page tables is
// an external Translator collaborator out of scope per spec.md §1;
// this stand-in is only good enough to drive the demo CLI against a
// physically-contiguous or already-flattened capture.
type flatImageReader struct {
	f    *os.File
	size int64
}

func newFlatImageReader(path string) (*flatImageReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wintrace: opening image: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wintrace: stat image: %w", err)
	}
	return &flatImageReader{f: f, size: st.Size()}, nil
}

func (r *flatImageReader) Close() error { return r.f.Close() }

func (r *flatImageReader) ReadPhysical(ctx context.Context, pa model.PA, buf []byte) error {
	return r.readAt(int64(pa), buf)
}

func (r *flatImageReader) ReadVirtual(ctx context.Context, dtb model.DTB, va model.VA, buf []byte, flags iface.ReadFlags) error {
	err := r.readAt(int64(va), buf)
	if err != nil && flags&iface.ZeropadOnFail != 0 {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	return err
}

func (r *flatImageReader) ReadScatter(ctx context.Context, dtb model.DTB, reads []iface.ScatterRead, flags iface.ReadFlags) {
	for i := range reads {
		reads[i].Err = r.ReadVirtual(ctx, dtb, reads[i].VA, reads[i].Buf, flags)
	}
}

func (r *flatImageReader) readAt(off int64, buf []byte) error {
	if off < 0 || off+int64(len(buf)) > r.size {
		return fmt.Errorf("wintrace: read [0x%x, 0x%x) out of bounds (image size 0x%x)", off, off+int64(len(buf)), r.size)
	}
	n, err := r.f.ReadAt(buf, off)
	if err != nil || n != len(buf) {
		return fmt.Errorf("wintrace: short read at 0x%x: %w", off, err)
	}
	return nil
}
