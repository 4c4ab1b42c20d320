// Package hash32 implements the stable 32-bit name hash used to build
// and probe the EAT name-hash table (spec.md §3, §8: "hash32(name) is
// stable across runs").
package hash32

// Hash is a DJB2-style rolling hash. It must never change behavior
// once entries have been persisted anywhere that outlives a process
// (it doesn't here, but §8 calls out stability as a tested property).
func Hash(name string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(name); i++ {
		h = ((h << 5) + h) + uint32(name[i])
	}
	return h
}

// Pack combines a table index and a name hash into the single uint64
// EATMap.NameHashTable stores: index in the high 32 bits, hash in the
// low 32 bits. Sorting by the raw uint64 would order by index, so a
// sort by hash compares uint32(v) (spec.md §4.7).
func Pack(index uint32, hash uint32) uint64 {
	return (uint64(index) << 32) | uint64(hash)
}

// Unpack splits a packed value back into index and hash.
func Unpack(packed uint64) (index uint32, hash uint32) {
	return uint32(packed >> 32), uint32(packed)
}
