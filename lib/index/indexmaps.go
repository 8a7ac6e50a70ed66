package index

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kkkday/zbd/lib/comparator"
	"github.com/kkkday/zbd/lib/zone"
)

// KeyRange is a file's smallest/largest internal key, as reported by the
// metadata-log collaborator at file-creation time.
type KeyRange struct {
	Smallest comparator.InternalKey
	Largest  comparator.InternalKey
}

// IndexMaps is the IndexMaps component (C4): it tracks which zones hold
// live data for which files, the live Zone object for each zone id, and
// each file's key range, so the allocator can colocate related files and
// the cleaner can keep sst_to_zone consistent across evictions.
//
// sstZoneMtx and filesMtx are held only briefly (map copy/slice append),
// matching the design's note that this lock level is always acquired last.
type IndexMaps struct {
	idToZone *xsync.MapOf[zone.ID, *zone.Zone]
	files    *xsync.MapOf[zone.FileID, KeyRange]

	sstZoneMtx sync.Mutex
	sstToZone  map[zone.FileID][]zone.ID

	filesMtx sync.Mutex
}

// New creates an empty IndexMaps.
func New() *IndexMaps {
	return &IndexMaps{
		idToZone:  xsync.NewMapOf[zone.ID, *zone.Zone](),
		files:     xsync.NewMapOf[zone.FileID, KeyRange](),
		sstToZone: make(map[zone.FileID][]zone.ID),
	}
}

// RegisterZone records the live Zone object for id. It is called at open
// time for the io and meta zones, and by the cleaner for each reserved
// zone it takes as an evacuation destination; registering a zone again
// is harmless.
func (m *IndexMaps) RegisterZone(z *zone.Zone) {
	m.idToZone.Store(z.ID(), z)
}

// ZoneByID looks up a zone by id.
func (m *IndexMaps) ZoneByID(id zone.ID) (*zone.Zone, bool) {
	return m.idToZone.Load(id)
}

// SetFileRange records (or replaces) a file's key range.
func (m *IndexMaps) SetFileRange(f zone.FileID, kr KeyRange) {
	m.filesMtx.Lock()
	m.files.Store(f, kr)
	m.filesMtx.Unlock()
}

// FileRange returns a file's key range, if known.
func (m *IndexMaps) FileRange(f zone.FileID) (KeyRange, bool) {
	return m.files.Load(f)
}

// ForgetFile removes a file's key range, called once every one of its
// extents has been invalidated and it has no zones left in sst_to_zone.
func (m *IndexMaps) ForgetFile(f zone.FileID) {
	m.filesMtx.Lock()
	m.files.Delete(f)
	m.filesMtx.Unlock()
}

// AppendFileZone records that file f gained a (new or additional) zone id,
// append-only per copy per the design's note on sst_to_zone.
func (m *IndexMaps) AppendFileZone(f zone.FileID, id zone.ID) {
	m.sstZoneMtx.Lock()
	defer m.sstZoneMtx.Unlock()
	for _, existing := range m.sstToZone[f] {
		if existing == id {
			return
		}
	}
	m.sstToZone[f] = append(m.sstToZone[f], id)
}

// RemoveFileZone removes a zone id from a file's zone list, called when
// the cleaner evicts a file's data out of that zone.
func (m *IndexMaps) RemoveFileZone(f zone.FileID, id zone.ID) {
	m.sstZoneMtx.Lock()
	defer m.sstZoneMtx.Unlock()
	ids := m.sstToZone[f]
	for i, existing := range ids {
		if existing == id {
			m.sstToZone[f] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.sstToZone[f]) == 0 {
		delete(m.sstToZone, f)
	}
}

// FileZones returns a snapshot copy of a file's zone id list.
func (m *IndexMaps) FileZones(f zone.FileID) []zone.ID {
	m.sstZoneMtx.Lock()
	defer m.sstZoneMtx.Unlock()
	ids := m.sstToZone[f]
	out := make([]zone.ID, len(ids))
	copy(out, ids)
	return out
}

// IsEmpty reports whether sst_to_zone holds no files at all, used by the
// allocator's first-writer shortcut (step 4 of zone allocation).
func (m *IndexMaps) IsEmpty() bool {
	m.sstZoneMtx.Lock()
	defer m.sstZoneMtx.Unlock()
	return len(m.sstToZone) == 0
}

// RemoveZoneFromAllFiles removes id from every file's zone list, called
// once a zone has been reset (housekeeping or cleaning) so sst_to_zone
// never points at a zone with no live bytes for that file.
func (m *IndexMaps) RemoveZoneFromAllFiles(id zone.ID) {
	m.sstZoneMtx.Lock()
	defer m.sstZoneMtx.Unlock()
	for f, ids := range m.sstToZone {
		for i, existing := range ids {
			if existing == id {
				m.sstToZone[f] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(m.sstToZone[f]) == 0 {
			delete(m.sstToZone, f)
		}
	}
}

// Files returns a snapshot of every file id currently tracked.
func (m *IndexMaps) Files() []zone.FileID {
	out := make([]zone.FileID, 0)
	m.files.Range(func(f zone.FileID, _ KeyRange) bool {
		out = append(out, f)
		return true
	})
	return out
}
