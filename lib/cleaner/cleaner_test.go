package cleaner_test

import (
	"bytes"
	"testing"

	"github.com/kkkday/zbd/lib/allocator"
	"github.com/kkkday/zbd/lib/cleaner"
	"github.com/kkkday/zbd/lib/device"
	"github.com/kkkday/zbd/lib/index"
	"github.com/kkkday/zbd/lib/zone"
)

const testZoneSize = 64 * 1024

func newFixture(t *testing.T, nrZones uint64) (*device.Device, *index.IndexMaps, *cleaner.Cleaner) {
	t.Helper()
	md := device.NewMemDevice(nrZones, testZoneSize, 512, 0, 0)
	d, err := device.Open(md, false, device.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx := index.New()
	for _, z := range d.IOZones() {
		idx.RegisterZone(z)
	}
	a := allocator.New(d, idx, nil, nil, nil, allocator.Options{})
	c := cleaner.New(d, idx, a, cleaner.Options{})
	a.SetCleaner(c)
	return d, idx, c
}

func TestZoneCleaningEvacuatesLiveExtentAndResetsVictim(t *testing.T) {
	d, idx, c := newFixture(t, 40)

	io := d.IOZones()
	victim := io[0]
	victim.SetOpenForWrite()
	d.IncOpenCount()
	d.IncActiveCount()

	const fileID = zone.FileID(7)
	dead, err := victim.Append(make([]byte, 4096), fileID, 1, zone.Medium)
	if err != nil {
		t.Fatalf("Append dead: %v", err)
	}
	live := bytes.Repeat([]byte{0xAB}, 4096)
	liveExt, err := victim.Append(live, fileID, 1, zone.Medium)
	if err != nil {
		t.Fatalf("Append live: %v", err)
	}
	if err := victim.Invalidate(dead); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	victim.CloseWR()
	idx.AppendFileZone(fileID, victim.ID())

	victimID := victim.ID()
	liveLen := liveExt.Length

	reservedBefore := d.ReservedCount()

	reset, err := c.ZoneCleaning(1)
	if err != nil {
		t.Fatalf("ZoneCleaning: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset = %d, want 1", reset)
	}

	if !victim.IsEmpty() {
		t.Fatalf("expected victim zone to be reset to empty")
	}

	zoneIDs := idx.FileZones(fileID)
	if len(zoneIDs) != 1 {
		t.Fatalf("expected exactly one zone owning file %d after evacuation, got %v", fileID, zoneIDs)
	}
	if zoneIDs[0] == victimID {
		t.Fatalf("expected the victim zone id to have been replaced by the destination's")
	}

	dest, ok := idx.ZoneByID(zoneIDs[0])
	if !ok {
		t.Fatalf("destination zone %d not registered", zoneIDs[0])
	}

	var found *zone.Extent
	for _, e := range dest.Extents() {
		if e.File == fileID && e.Valid() {
			found = e
			break
		}
	}
	if found == nil {
		t.Fatalf("expected a valid extent for file %d in the destination zone", fileID)
	}
	if found.Length != liveLen {
		t.Fatalf("evacuated extent length = %d, want %d", found.Length, liveLen)
	}

	got := make([]byte, found.Length)
	if _, err := d.ReadAt(got, int64(found.Start)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, live) {
		t.Fatalf("evacuated bytes do not match the original live extent")
	}

	if got := d.ReservedCount(); got != reservedBefore {
		t.Fatalf("reserved count = %d, want unchanged %d after rebalance", got, reservedBefore)
	}
}

func TestZoneCleaningPicksHighestInvalidRatioFirst(t *testing.T) {
	d, idx, c := newFixture(t, 40)
	io := d.IOZones()
	lo, hi := io[0], io[1]

	for _, z := range []*zone.Zone{lo, hi} {
		z.SetOpenForWrite()
		d.IncOpenCount()
		d.IncActiveCount()
	}

	// lo: 4096 invalid bytes.
	ext, err := lo.Append(make([]byte, 4096), 1, 1, zone.Medium)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := lo.Invalidate(ext); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	lo.CloseWR()

	// hi: 8192 invalid bytes.
	ext2, err := hi.Append(make([]byte, 8192), 1, 1, zone.Medium)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := hi.Invalidate(ext2); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	hi.CloseWR()

	idx.AppendFileZone(1, lo.ID())
	idx.AppendFileZone(1, hi.ID())

	if _, err := c.ZoneCleaning(1); err != nil {
		t.Fatalf("ZoneCleaning: %v", err)
	}

	if !hi.IsEmpty() {
		t.Fatalf("expected the zone with more invalid bytes to be reset first")
	}
	if lo.IsEmpty() {
		t.Fatalf("expected the zone with fewer invalid bytes to be left alone")
	}
}

func TestZoneCleaningZeroBudgetRecyclesOneReservedZone(t *testing.T) {
	d, _, c := newFixture(t, 40)
	ioBefore := len(d.IOZones())
	reservedBefore := d.ReservedCount()

	reset, err := c.ZoneCleaning(0)
	if err != nil {
		t.Fatalf("ZoneCleaning: %v", err)
	}
	if reset != 0 {
		t.Fatalf("reset = %d, want 0", reset)
	}
	if got := len(d.IOZones()); got != ioBefore+1 {
		t.Fatalf("io zones = %d, want %d", got, ioBefore+1)
	}
	if got := d.ReservedCount(); got != reservedBefore-1 {
		t.Fatalf("reserved count = %d, want %d", got, reservedBefore-1)
	}
}
