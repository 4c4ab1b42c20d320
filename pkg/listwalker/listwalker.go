// Package listwalker implements the batched two-pass traversal engine
// described in spec.md §4.1: every other component that walks a kernel
// doubly-linked list (ActiveProcessLinks, PEB_LDR_DATA, ThreadListHead,
// …) does so through a Walker instead of re-implementing the
// prefetch/read/validate dance itself.
package listwalker

import (
	"context"

	"github.com/samber/lo"

	"github.com/dfirkit/wintrace/pkg/ctxvmm"
	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
)

// PreResult is what a caller's pre-callback hands back for one
// successfully read record (spec.md §4.1 step 4).
type PreResult struct {
	// Links are addresses discovered in this record (FLink, BLink, or
	// any other pointer the caller wants followed) that should be
	// queued for their own read-and-validate pass.
	Links []model.VA

	// ExtraPrefetch are additional addresses worth bulk-prefetching
	// later even though they aren't themselves traversed as records.
	// No walker in this module sets it.
	ExtraPrefetch []model.VA

	// Valid vetoes the entry when false: it is dropped instead of being
	// added to the valid set and later committed.
	Valid bool
}

// Walker configures one traversal. Zero value is not usable; use New.
type Walker struct {
	ctx  *ctxvmm.Context
	dtb  model.DTB
	is32 bool

	recordSize uint32
	linkOffset uint32
	heads      []model.VA

	maxIterations int

	// sticky is the caller's persisted prefetch-address set (a
	// process's Sidecar.PrefetchAll); nil disables stickiness.
	sticky    map[model.VA]struct{}
	volatile  bool
	cacheable bool

	pre  func(recordVA model.VA, raw []byte) PreResult
	post func(recordVA model.VA, raw []byte)

	// addressValid overrides the default alignment-only validity check,
	// e.g. to also require the address fall in kernel or user range.
	addressValid func(model.VA) bool
}

// New constructs a Walker. heads are the caller-supplied list-head
// addresses to seed the first pass with (spec.md §4.1 step 2).
func New(
	ctx *ctxvmm.Context,
	dtb model.DTB,
	is32 bool,
	heads []model.VA,
	linkOffset uint32,
	recordSize uint32,
	pre func(model.VA, []byte) PreResult,
	post func(model.VA, []byte),
) *Walker {
	w := &Walker{
		ctx:           ctx,
		dtb:           dtb,
		is32:          is32,
		recordSize:    recordSize,
		linkOffset:    linkOffset,
		heads:         heads,
		maxIterations: ctx.Config.Caps.ListWalkIterations,
		pre:           pre,
		post:          post,
	}
	w.addressValid = w.defaultAddressValid
	return w
}

// WithSticky seeds the "all" set from a persisted address set
// (spec.md §4.1 step 1) and, if volatile && cacheable, stores the
// final "all" set back into it (spec.md §4.1 step 6).
func (w *Walker) WithSticky(sticky map[model.VA]struct{}, volatile bool) *Walker {
	w.sticky = sticky
	w.volatile = volatile
	w.cacheable = w.ctx.Config.Cache.EnableProcessCaching
	return w
}

// WithMaxIterations overrides the default safety bound (a caller like
// ModuleWalker caps at 512 modules rather than the generic 4096).
func (w *Walker) WithMaxIterations(n int) *Walker {
	w.maxIterations = n
	return w
}

// WithAddressValid overrides the pointer pre-validation predicate.
func (w *Walker) WithAddressValid(f func(model.VA) bool) *Walker {
	w.addressValid = f
	return w
}

func (w *Walker) pointerSize() uint32 {
	if w.is32 {
		return 4
	}
	return 8
}

func (w *Walker) defaultAddressValid(va model.VA) bool {
	if va == 0 {
		return false
	}
	align := uint64(w.pointerSize())
	return uint64(va)%align == 0
}

// Walk runs the full two-pass protocol. It returns nothing: all
// results are delivered through the post callback (spec.md §4.1 step
// 5), which is expected to append into whatever structure the caller
// is assembling.
func (w *Walker) Walk(ctx context.Context) {
	all := make(map[model.VA]struct{})
	if w.sticky != nil {
		for va := range w.sticky {
			all[va] = struct{}{}
		}
	}
	if len(all) > 0 {
		w.bulkPrefetch(ctx, all)
	}

	try1 := make(map[model.VA]struct{})
	for _, h := range w.heads {
		if w.addressValid(h) {
			try1[h] = struct{}{}
		}
	}

	try2 := make(map[model.VA]struct{})
	valid := make(map[model.VA]struct{})
	seen := make(map[model.VA]struct{})

	iterations := 0
	for iterations < w.maxIterations {
		if len(try1) == 0 && len(try2) == 0 {
			break
		}
		if len(try1) == 0 {
			w.bulkPrefetch(ctx, all)
			for va := range try2 {
				if iterations >= w.maxIterations {
					break
				}
				iterations++
				raw, err := w.readRecord(ctx, va, iface.ReadFlags(0))
				if err != nil {
					continue
				}
				w.process(va, raw, seen, all, try1, valid)
			}
			try2 = make(map[model.VA]struct{})
			continue
		}

		va := popOne(try1)
		if _, already := seen[va]; already {
			continue
		}
		iterations++
		raw, err := w.readRecord(ctx, va, iface.ForceCacheRead)
		if err == iface.ErrCacheMiss {
			try2[va] = struct{}{}
			continue
		}
		if err != nil {
			continue
		}
		w.process(va, raw, seen, all, try1, valid)
	}

	w.bulkPrefetch(ctx, all)
	for va := range valid {
		raw, err := w.readRecord(ctx, va, iface.ZeropadOnFail)
		if err != nil {
			continue
		}
		w.post(va, raw)
	}

	if w.sticky != nil && w.volatile && w.cacheable {
		for k := range w.sticky {
			delete(w.sticky, k)
		}
		for va := range all {
			w.sticky[va] = struct{}{}
		}
	}
}

func (w *Walker) process(
	va model.VA,
	raw []byte,
	seen map[model.VA]struct{},
	all map[model.VA]struct{},
	try1 map[model.VA]struct{},
	valid map[model.VA]struct{},
) {
	seen[va] = struct{}{}
	res := w.pre(va, raw)

	for _, extra := range res.ExtraPrefetch {
		if w.addressValid(extra) {
			all[extra] = struct{}{}
		}
	}
	for _, link := range res.Links {
		if !w.addressValid(link) {
			continue
		}
		if _, already := seen[link]; already {
			continue
		}
		try1[link] = struct{}{}
		all[link] = struct{}{}
	}
	if res.Valid {
		valid[va] = struct{}{}
	}
}

func (w *Walker) readRecord(ctx context.Context, va model.VA, flags iface.ReadFlags) ([]byte, error) {
	buf := make([]byte, w.recordSize)
	err := w.ctx.Mem.ReadVirtual(ctx, w.dtb, va, buf, flags)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (w *Walker) bulkPrefetch(ctx context.Context, all map[model.VA]struct{}) {
	if len(all) == 0 || w.ctx.Prefetch == nil {
		return
	}
	vas := lo.Keys(all)
	w.ctx.Prefetch.PrefetchPages(ctx, w.dtb, vas, w.recordSize)
}

func popOne(m map[model.VA]struct{}) model.VA {
	for k := range m {
		delete(m, k)
		return k
	}
	return 0
}
