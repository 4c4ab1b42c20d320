package ctxvmm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dfirkit/wintrace/pkg/model"
	"github.com/dfirkit/wintrace/pkg/vmmlog"
)

func newTestContext() *Context {
	return New(nil, vmmlog.NewDiscard())
}

func TestGetOrBuildCachesWithinEpoch(t *testing.T) {
	c := newTestContext()
	key := CacheKey{PID: 4, Kind: "modules"}
	builds := 0

	build := func() (int, *model.StringPool, error) {
		builds++
		return 42, &model.StringPool{}, nil
	}

	s1, err := GetOrBuild(c, key, build)
	require.NoError(t, err)
	require.Equal(t, 42, s1.Value)

	s2, err := GetOrBuild(c, key, build)
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, 1, builds, "second call within the same epoch must not rebuild")
}

func TestBumpEpochInvalidatesWithoutFreeing(t *testing.T) {
	c := newTestContext()
	key := CacheKey{PID: 4, Kind: "modules"}
	builds := 0
	build := func() (int, *model.StringPool, error) {
		builds++
		return builds, &model.StringPool{}, nil
	}

	first, err := GetOrBuild(c, key, build)
	require.NoError(t, err)
	require.Equal(t, 1, first.Value)

	c.BumpEpoch()

	second, err := GetOrBuild(c, key, build)
	require.NoError(t, err)
	require.Equal(t, 2, second.Value)

	// the first snapshot is still usable by whoever is still holding it
	require.Equal(t, 1, first.Value)
}

func TestGetOrBuildIsConcurrencySafePerKey(t *testing.T) {
	c := newTestContext()
	key := CacheKey{PID: 7, Kind: "handles"}

	var buildCount int
	var mu sync.Mutex
	build := func() (int, *model.StringPool, error) {
		mu.Lock()
		buildCount++
		mu.Unlock()
		return 1, &model.StringPool{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := GetOrBuild(c, key, build)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, buildCount, "concurrent callers for the same key must only build once")
}

func TestProcessLocksArePerPID(t *testing.T) {
	c := newTestContext()
	a := c.ProcessLocks(4)
	b := c.ProcessLocks(4)
	require.Same(t, a, b, "same PID must return the same lock pair")

	other := c.ProcessLocks(8)
	require.NotSame(t, a, other)
}

func TestObjectTypeTableBuildsOnce(t *testing.T) {
	c := newTestContext()
	builds := 0
	build := func() *model.ObjectTypeTable {
		builds++
		return &model.ObjectTypeTable{}
	}

	t1 := c.ObjectTypeTable(build)
	t2 := c.ObjectTypeTable(build)
	require.Same(t, t1, t2)
	require.Equal(t, 1, builds)
}
