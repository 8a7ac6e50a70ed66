package index_test

import (
	"testing"

	"github.com/kkkday/zbd/lib/comparator"
	"github.com/kkkday/zbd/lib/index"
	"github.com/kkkday/zbd/lib/zone"
)

func TestAppendFileZoneDedupes(t *testing.T) {
	m := index.New()
	m.AppendFileZone(1, 5)
	m.AppendFileZone(1, 5)
	m.AppendFileZone(1, 6)

	got := m.FileZones(1)
	if len(got) != 2 || got[0] != 5 || got[1] != 6 {
		t.Fatalf("FileZones = %v, want [5 6]", got)
	}
}

func TestRemoveFileZoneForgetsEmptyFile(t *testing.T) {
	m := index.New()
	m.AppendFileZone(1, 5)
	m.RemoveFileZone(1, 5)

	if got := m.FileZones(1); len(got) != 0 {
		t.Fatalf("FileZones after removing last zone = %v, want empty", got)
	}
	if !m.IsEmpty() {
		t.Fatalf("expected IsEmpty after removing the only file's only zone")
	}
}

func TestIsEmptyTracksFirstWriterShortcut(t *testing.T) {
	m := index.New()
	if !m.IsEmpty() {
		t.Fatalf("new IndexMaps should be empty")
	}
	m.AppendFileZone(1, 0)
	if m.IsEmpty() {
		t.Fatalf("IndexMaps should not be empty after a file gets a zone")
	}
}

func TestFileRangeRoundTrip(t *testing.T) {
	m := index.New()
	kr := index.KeyRange{
		Smallest: comparator.InternalKey("aaaa"),
		Largest:  comparator.InternalKey("zzzz"),
	}
	m.SetFileRange(42, kr)

	got, ok := m.FileRange(42)
	if !ok {
		t.Fatalf("expected file range to be found")
	}
	if string(got.Smallest) != "aaaa" || string(got.Largest) != "zzzz" {
		t.Fatalf("FileRange = %+v, want %+v", got, kr)
	}

	m.ForgetFile(42)
	if _, ok := m.FileRange(42); ok {
		t.Fatalf("expected file range to be gone after ForgetFile")
	}
}

func TestRegisterAndLookupZone(t *testing.T) {
	m := index.New()
	z := zone.New(nil, 3, 0, 0, 0, 0)
	m.RegisterZone(z)

	got, ok := m.ZoneByID(3)
	if !ok || got != z {
		t.Fatalf("ZoneByID(3) = %v, %v, want the registered zone", got, ok)
	}
	if _, ok := m.ZoneByID(99); ok {
		t.Fatalf("expected ZoneByID of an unregistered id to miss")
	}
}
