// Package cleaner implements zone cleaning (C6): ranking victim zones by
// invalid bytes, evacuating their still-valid extents into reserved
// zones, resetting the victims, and rebalancing the reserved pool.
//
// The victim priority queue (gcQueue) is a direct adaptation of the
// teacher's lib/db/util.MapHeap: a container/heap-backed binary heap
// paired with a hash map for O(1) key lookup, generalized here from a
// min-heap over timestamps to a max-heap over invalid bytes with
// zone-id tie-breaking.
package cleaner
