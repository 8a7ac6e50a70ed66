// Package devicetest exercises a shared conformance suite against any
// device.BlockDevice implementation, the way the teacher's lib/db/testing
// package ran RunKVDBTests against any db.KVDB implementation.
package devicetest

import (
	"bytes"
	"testing"

	"github.com/kkkday/zbd/lib/device"
)

// RunDeviceConformance runs a battery of BlockDevice-level checks against a
// freshly constructed device, produced anew by newDevice for every subtest
// so failures in one don't leak state into another.
func RunDeviceConformance(t *testing.T, newDevice func() device.BlockDevice) {
	t.Run("InfoReportsHostManagedSWRGeometry", func(t *testing.T) {
		bd := newDevice()
		defer bd.Close()

		info, err := bd.Info()
		if err != nil {
			t.Fatalf("Info: %v", err)
		}
		if info.Model != device.ModelHostManaged {
			t.Fatalf("Model = %v, want host-managed", info.Model)
		}
		if info.NrZones == 0 {
			t.Fatal("NrZones = 0")
		}
		if info.ZoneSize == 0 {
			t.Fatal("ZoneSize = 0")
		}
		if info.BlockSize == 0 {
			t.Fatal("BlockSize = 0")
		}
	})

	t.Run("ReportZonesMatchesNrZones", func(t *testing.T) {
		bd := newDevice()
		defer bd.Close()

		info, err := bd.Info()
		if err != nil {
			t.Fatalf("Info: %v", err)
		}
		zones, err := bd.ReportZones()
		if err != nil {
			t.Fatalf("ReportZones: %v", err)
		}
		if uint64(len(zones)) != info.NrZones {
			t.Fatalf("ReportZones returned %d zones, want %d", len(zones), info.NrZones)
		}
		for i, z := range zones {
			if z.Type != device.ZoneTypeSWR {
				t.Fatalf("zone %d: type = %v, want SWR", i, z.Type)
			}
			if z.Cond != device.CondEmpty {
				t.Fatalf("zone %d: cond = %v, want empty on a fresh device", i, z.Cond)
			}
		}
	})

	t.Run("WriteThenReadRoundTrips", func(t *testing.T) {
		bd := newDevice()
		defer bd.Close()

		zones, err := bd.ReportZones()
		if err != nil {
			t.Fatalf("ReportZones: %v", err)
		}
		info, err := bd.Info()
		if err != nil {
			t.Fatalf("Info: %v", err)
		}

		want := bytes.Repeat([]byte{0xAB}, int(info.BlockSize))
		if _, err := bd.WriteAt(want, int64(zones[0].Start)); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
		got := make([]byte, len(want))
		if _, err := bd.ReadAt(got, int64(zones[0].Start)); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatal("read back bytes differ from what was written")
		}
	})

	t.Run("ResetOpenCloseFinishDoNotError", func(t *testing.T) {
		bd := newDevice()
		defer bd.Close()

		zones, err := bd.ReportZones()
		if err != nil {
			t.Fatalf("ReportZones: %v", err)
		}
		z := zones[0]

		if err := bd.OpenZones(z.Start, z.Capacity); err != nil {
			t.Fatalf("OpenZones: %v", err)
		}
		if err := bd.CloseZones(z.Start, z.Capacity); err != nil {
			t.Fatalf("CloseZones: %v", err)
		}
		if err := bd.FinishZones(z.Start, z.Capacity); err != nil {
			t.Fatalf("FinishZones: %v", err)
		}
		if err := bd.ResetZones(z.Start, z.Capacity); err != nil {
			t.Fatalf("ResetZones: %v", err)
		}

		after, err := bd.ReportZone(z.Start)
		if err != nil {
			t.Fatalf("ReportZone: %v", err)
		}
		if after.Cond != device.CondEmpty && after.Cond != device.CondOffline {
			t.Fatalf("zone cond after reset = %v, want empty or offline", after.Cond)
		}
	})
}
