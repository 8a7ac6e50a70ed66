package device_test

import (
	"testing"

	"github.com/kkkday/zbd/lib/device"
	"github.com/kkkday/zbd/lib/device/devicetest"
	"github.com/kkkday/zbd/lib/zbderrors"
)

func newTestMem(nrZones uint64) *device.MemDevice {
	const zoneSize = 64 * 1024
	return device.NewMemDevice(nrZones, zoneSize, 512, 0, 0)
}

func TestMemDeviceConformance(t *testing.T) {
	devicetest.RunDeviceConformance(t, func() device.BlockDevice {
		return newTestMem(40)
	})
}

func TestOpenRejectsTooFewZones(t *testing.T) {
	md := newTestMem(4)
	_, err := device.Open(md, false, device.Options{})
	if !zbderrors.Is(err, zbderrors.NotSupported) {
		t.Fatalf("expected NotSupported, got %v", err)
	}
}

func TestOpenPartitionsPools(t *testing.T) {
	md := newTestMem(40)
	d, err := device.Open(md, false, device.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(d.MetaZones()) != device.MetaZones {
		t.Fatalf("meta zones = %d, want %d", len(d.MetaZones()), device.MetaZones)
	}
	if d.ReservedCount() != device.ReservedForCleaning {
		t.Fatalf("reserved zones = %d, want %d", d.ReservedCount(), device.ReservedForCleaning)
	}
	wantIO := 40 - device.MetaZones - device.ReservedForCleaning
	if len(d.IOZones()) != wantIO {
		t.Fatalf("io zones = %d, want %d", len(d.IOZones()), wantIO)
	}
}

func TestDeviceAccountingAfterWrite(t *testing.T) {
	md := newTestMem(40)
	d, err := device.Open(md, false, device.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	io := d.IOZones()
	z := io[0]
	if _, err := z.Append(make([]byte, 4096), 1, 0, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := d.TotalWritten(); got != 4096 {
		t.Fatalf("TotalWritten = %d, want 4096", got)
	}
	if got := d.Used(); got != 4096 {
		t.Fatalf("Used = %d, want 4096", got)
	}
}

func TestResetUnusedIOZones(t *testing.T) {
	md := newTestMem(40)
	d, err := device.Open(md, false, device.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	io := d.IOZones()
	z := io[0]
	buf := make([]byte, 4096)
	ext, err := z.Append(buf, 1, 0, 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := z.Invalidate(ext); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := z.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	d.ResetUnusedIOZones()
	if !z.IsEmpty() {
		t.Fatalf("expected zone reset to empty after becoming fully unused")
	}
}

func TestLogZoneStatsDoesNotPanic(t *testing.T) {
	md := newTestMem(40)
	d, err := device.Open(md, false, device.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d.LogZoneStats()
	d.LogZoneUsage()
}
