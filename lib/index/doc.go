// Package index holds IndexMaps (C4): the file→zone, zone→Zone and
// file→key-range maps the allocator and cleaner consult and mutate.
//
// Each map is backed by github.com/puzpuzpuz/xsync/v3, the same concurrent
// map the teacher's maple engine uses for its per-shard entry table
// (lib/db/engines/maple/internal.Shard.Data), rather than a hand-rolled
// map+sync.RWMutex. sstToZone additionally needs an ordered per-file zone
// list (xsync.MapOf values are opaque to in-place mutation), so it is
// guarded by its own dedicated mutex as called for by the acquisition
// order: ioZonesMtx -> zoneResourcesMtx -> sstZoneMtx -> filesMtx.
package index
