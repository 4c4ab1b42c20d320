// Package ctxvmm is the explicit global-state context every wintrace
// entry point threads through (spec.md §9: "represent ctxVmm as an
// explicit context value"). It owns the epoch counter, the per-process
// lock tree, the object-type table's init-once guard, and the cache
// registry every component publishes its snapshots into.
package ctxvmm

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/vmmcfg"
)

// Context bundles every collaborator and every piece of shared mutable
// state a component needs. Construct one per target system; it is safe
// for concurrent use by every component in this module.
type Context struct {
	Config *vmmcfg.Config
	Log    *logrus.Entry

	Mem        iface.MemoryReader
	Prefetch   iface.Prefetcher
	Translator iface.Translator
	Pdb        iface.PdbResolver
	Registry   iface.RegistryReader
	Vad        iface.VadProvider
	Pte        iface.PteProvider

	epoch uint64

	locksMu     sync.Mutex
	procLocks   map[model.PID]*ProcessLocks
	LockUpdateMap sync.Mutex // serializes PhysMem and User map construction (§5)

	objTypeOnce  sync.Once
	objTypeMu    sync.RWMutex
	objTypeTable *model.ObjectTypeTable

	cache cache
}

// New constructs a Context with the given config (the defaults when cfg
// is nil) and logger. It sets no collaborator; the caller assigns Mem,
// Prefetch and the others afterwards. Mem is used without a nil check,
// so a Context without it panics on first read; Prefetch is checked
// for nil everywhere and may be left unset.
func New(cfg *vmmcfg.Config, log *logrus.Entry) *Context {
	if cfg == nil {
		cfg = vmmcfg.NewDefaultConfig()
	}
	return &Context{
		Config:    cfg,
		Log:       log,
		procLocks: make(map[model.PID]*ProcessLocks),
		cache:     newCache(),
	}
}

// Epoch returns the current refresh epoch.
func (c *Context) Epoch() uint64 { return atomic.LoadUint64(&c.epoch) }

// BumpEpoch advances the refresh epoch, invalidating every cache entry
// without freeing it: existing holders finish safely via refcount
// (spec.md §5).
func (c *Context) BumpEpoch() uint64 { return atomic.AddUint64(&c.epoch, 1) }

// ProcessLocks returns (creating if necessary) the lock pair for pid.
func (c *Context) ProcessLocks(pid model.PID) *ProcessLocks {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	pl, ok := c.procLocks[pid]
	if !ok {
		pl = &ProcessLocks{}
		c.procLocks[pid] = pl
	}
	return pl
}

// ObjectTypeTable returns the lazily-initialized, RWMutex-guarded
// object type table, building it with build on first access
// (spec.md §5: "reader/writer lock initialized exclusively once").
func (c *Context) ObjectTypeTable(build func() *model.ObjectTypeTable) *model.ObjectTypeTable {
	c.objTypeOnce.Do(func() {
		c.objTypeMu.Lock()
		defer c.objTypeMu.Unlock()
		c.objTypeTable = build()
	})
	c.objTypeMu.RLock()
	defer c.objTypeMu.RUnlock()
	return c.objTypeTable
}

// ProcessLocks is the two critical sections spec.md §5 assigns to each
// process: one serializing module/heap/handle (core) initialization,
// one serializing thread enumeration and handle-text enrichment so
// that the two never contend with each other.
type ProcessLocks struct {
	Update                   sync.Mutex
	UpdateThreadExtendedInfo sync.Mutex
}
