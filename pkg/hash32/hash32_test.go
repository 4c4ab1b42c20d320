package hash32

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashStableAcrossRuns(t *testing.T) {
	names := []string{"CreateFileW", "NtOpenProcess", "", "A", "RtlAllocateHeap"}
	first := make(map[string]uint32, len(names))
	for _, n := range names {
		first[n] = Hash(n)
	}
	for i := 0; i < 10; i++ {
		for _, n := range names {
			require.Equal(t, first[n], Hash(n), "hash of %q changed across runs", n)
		}
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	packed := Pack(7, Hash("Foo"))
	idx, h := Unpack(packed)
	require.Equal(t, uint32(7), idx)
	require.Equal(t, Hash("Foo"), h)
}

func TestPackedTableSortsAscendingByHash(t *testing.T) {
	names := []string{"Zebra", "Apple", "Mango", "Banana"}
	packed := make([]uint64, len(names))
	for i, n := range names {
		packed[i] = Pack(uint32(i), Hash(n))
	}
	sort.Slice(packed, func(i, j int) bool { return uint32(packed[i]) < uint32(packed[j]) })

	for i := 1; i < len(packed); i++ {
		_, prevHash := Unpack(packed[i-1])
		_, curHash := Unpack(packed[i])
		require.LessOrEqual(t, prevHash, curHash)
	}
}
