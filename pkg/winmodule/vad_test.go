package winmodule

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
)

func TestAugmentWithVadsClassifiesDataAndNotLinked(t *testing.T) {
	mi := newMemImage()
	const dataBase = model.VA(0x10000)
	const execBase = model.VA(0x20000)
	mi.put(dataBase, fakeImage(false))
	mi.put(execBase, fakeImage(false))
	vmm := newModuleTestCtx(mi)

	mm := &model.ModuleMap{}
	vads := []iface.VadEntry{
		{StartVA: dataBase, EndVA: dataBase + 0x3000, ImageBacked: true},
		{StartVA: execBase, EndVA: execBase + 0x3000, ImageBacked: true},
	}
	ptes := []iface.PteEntry{
		{VA: execBase + 0x1000, Executable: true},
	}

	AugmentWithVads(context.Background(), vmm, model.PID(4), model.DTB(1), mm, vads, ptes)
	FinalizeNames(mm, nil)

	require.Len(t, mm.Entries, 2)
	byBase := map[model.VA]model.ModuleEntry{}
	for _, e := range mm.Entries {
		byBase[e.Base] = e
	}
	require.Equal(t, model.TypeData, byBase[dataBase].Type)
	require.Equal(t, model.TypeNotLinked, byBase[execBase].Type)
	require.Contains(t, byBase[dataBase].Name, "_DATA-")
	require.Contains(t, byBase[execBase].Name, "_NOTLINKED-")
}

func TestReconcileAddsInjectedAndDropsInvalid(t *testing.T) {
	mi := newMemImage()
	const injected = model.VA(0x30000)
	mi.put(injected, fakeImage(false))
	vmm := newModuleTestCtx(mi)

	persisted := map[model.VA]struct{}{}
	mm := &model.ModuleMap{}

	const stale = model.VA(0x40000) // never written; ValidateHeader will fail
	Reconcile(context.Background(), vmm, model.DTB(1), persisted, []model.VA{injected, stale}, mm)
	FinalizeNames(mm, nil)

	require.Len(t, mm.Entries, 1)
	require.Equal(t, injected, mm.Entries[0].Base)
	require.Equal(t, model.TypeInjected, mm.Entries[0].Type)
	require.Contains(t, mm.Entries[0].Name, "_INJECTED-")

	require.Contains(t, persisted, injected)
	require.NotContains(t, persisted, stale)
}
