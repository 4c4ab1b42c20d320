package iface

import (
	"context"
	"errors"

	"github.com/dfirkit/wintrace/pkg/model"
)

// MockCall records one method invocation for assertions in tests
// (adapted from commands.MockCall).
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockMemoryReader implements MemoryReader for testing. Each method
// can be customized via the corresponding function field; if unset it
// returns ErrMockNotImplemented (adapted from commands.MockRuntime).
type MockMemoryReader struct {
	ReadPhysicalFunc func(ctx context.Context, pa model.PA, buf []byte) error
	ReadVirtualFunc  func(ctx context.Context, dtb model.DTB, va model.VA, buf []byte, flags ReadFlags) error
	ReadScatterFunc  func(ctx context.Context, dtb model.DTB, reads []ScatterRead, flags ReadFlags)

	Calls []MockCall
}

// ErrMockNotImplemented is returned when a mock function field is unset.
var ErrMockNotImplemented = errors.New("wintrace: mock function not implemented")

func (m *MockMemoryReader) record(method string, args ...interface{}) {
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

func (m *MockMemoryReader) ReadPhysical(ctx context.Context, pa model.PA, buf []byte) error {
	m.record("ReadPhysical", pa)
	if m.ReadPhysicalFunc != nil {
		return m.ReadPhysicalFunc(ctx, pa, buf)
	}
	return ErrMockNotImplemented
}

func (m *MockMemoryReader) ReadVirtual(ctx context.Context, dtb model.DTB, va model.VA, buf []byte, flags ReadFlags) error {
	m.record("ReadVirtual", dtb, va, flags)
	if m.ReadVirtualFunc != nil {
		return m.ReadVirtualFunc(ctx, dtb, va, buf, flags)
	}
	return ErrMockNotImplemented
}

func (m *MockMemoryReader) ReadScatter(ctx context.Context, dtb model.DTB, reads []ScatterRead, flags ReadFlags) {
	m.record("ReadScatter", dtb, len(reads), flags)
	if m.ReadScatterFunc != nil {
		m.ReadScatterFunc(ctx, dtb, reads, flags)
		return
	}
	for i := range reads {
		reads[i].Err = ErrMockNotImplemented
	}
}

// MockPrefetcher is a no-op-by-default Prefetcher; PrefetchPages is
// advisory per spec.md §6 so the zero value is already a valid mock.
type MockPrefetcher struct {
	PrefetchPagesFunc func(ctx context.Context, dtb model.DTB, vas []model.VA, stride uint32)
	Calls             []MockCall
}

func (m *MockPrefetcher) PrefetchPages(ctx context.Context, dtb model.DTB, vas []model.VA, stride uint32) {
	m.Calls = append(m.Calls, MockCall{Method: "PrefetchPages", Args: []interface{}{dtb, len(vas), stride}})
	if m.PrefetchPagesFunc != nil {
		m.PrefetchPagesFunc(ctx, dtb, vas, stride)
	}
}

// MockTranslator implements Translator for testing.
type MockTranslator struct {
	VirtToPhysFunc func(ctx context.Context, dtb model.DTB, va model.VA) (model.PA, error)
	Calls          []MockCall
}

func (m *MockTranslator) VirtToPhys(ctx context.Context, dtb model.DTB, va model.VA) (model.PA, error) {
	m.Calls = append(m.Calls, MockCall{Method: "VirtToPhys", Args: []interface{}{dtb, va}})
	if m.VirtToPhysFunc != nil {
		return m.VirtToPhysFunc(ctx, dtb, va)
	}
	return 0, ErrMockNotImplemented
}

// MockRegistryReader implements RegistryReader for testing.
type MockRegistryReader struct {
	ValueQueryFunc        func(ctx context.Context, path string) (uint32, []byte, error)
	HiveGetByAddressFunc  func(ctx context.Context, hiveVA model.VA) (string, error)
	KeyGetByCellOffsetFunc func(ctx context.Context, hiveHandle string, cellIndex uint32) (string, error)
	KeyInfoFunc           func(ctx context.Context, keyHandle string) (RegistryKeyInfo, error)
}

func (m *MockRegistryReader) ValueQuery(ctx context.Context, path string) (uint32, []byte, error) {
	if m.ValueQueryFunc != nil {
		return m.ValueQueryFunc(ctx, path)
	}
	return 0, nil, ErrMockNotImplemented
}

func (m *MockRegistryReader) HiveGetByAddress(ctx context.Context, hiveVA model.VA) (string, error) {
	if m.HiveGetByAddressFunc != nil {
		return m.HiveGetByAddressFunc(ctx, hiveVA)
	}
	return "", ErrMockNotImplemented
}

func (m *MockRegistryReader) KeyGetByCellOffset(ctx context.Context, hiveHandle string, cellIndex uint32) (string, error) {
	if m.KeyGetByCellOffsetFunc != nil {
		return m.KeyGetByCellOffsetFunc(ctx, hiveHandle, cellIndex)
	}
	return "", ErrMockNotImplemented
}

func (m *MockRegistryReader) KeyInfo(ctx context.Context, keyHandle string) (RegistryKeyInfo, error) {
	if m.KeyInfoFunc != nil {
		return m.KeyInfoFunc(ctx, keyHandle)
	}
	return RegistryKeyInfo{}, ErrMockNotImplemented
}
