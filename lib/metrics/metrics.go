package metrics

import (
	"fmt"
	"math"
	"sync/atomic"

	vm "github.com/VictoriaMetrics/metrics"
	rc "github.com/rcrowley/go-metrics"
)

// gauge is a settable point-in-time value backed by an atomic, exposed to
// VictoriaMetrics through a callback gauge: the library's *vm.Gauge only
// ever reads via the function passed to NewGauge, it has no Set method, so
// the mutable value has to live on our side of that callback.
type gauge struct{ bits atomic.Uint64 }

func (g *gauge) set(v float64) { g.bits.Store(math.Float64bits(v)) }
func (g *gauge) get() float64  { return math.Float64frombits(g.bits.Load()) }

// ZoneStats is a point-in-time snapshot of the device's space/zone-count
// accounting, as reported by Device.LogZoneStats.
type ZoneStats struct {
	UsedBytes          uint64
	ReclaimableBytes   uint64
	ReclaimablePercent float64
	ActiveZones        int
	ActiveIOZones      int
	OpenIOZones        int
	FreeBytes          uint64
	TotalWritten       uint64
	ZCInProgress       bool
}

// Registry owns one device's worth of gauges and histograms. A prefix
// (e.g. a device name) namespaces the VictoriaMetrics metric names so
// multiple devices in one process don't collide.
type Registry struct {
	prefix string

	usedBytes        gauge
	reclaimableBytes gauge
	reclaimablePct   gauge
	activeZones      gauge
	activeIOZones    gauge
	openIOZones      gauge
	freeBytes        gauge
	totalWritten     gauge
	zcInProgress     gauge

	zoneUsageHist rc.Histogram
	extentLenHist rc.Histogram
	invalidRatio  rc.Histogram
}

// NewRegistry creates a Registry. prefix is typically the device's name;
// an empty prefix is fine for a single-device process (e.g. tests).
func NewRegistry(prefix string) *Registry {
	r := &Registry{prefix: prefix}

	name := func(metric string) string {
		if prefix == "" {
			return fmt.Sprintf("zbd_%s", metric)
		}
		return fmt.Sprintf(`zbd_%s{device=%q}`, metric, prefix)
	}

	vm.GetOrCreateGauge(name("used_bytes"), r.usedBytes.get)
	vm.GetOrCreateGauge(name("reclaimable_bytes"), r.reclaimableBytes.get)
	vm.GetOrCreateGauge(name("reclaimable_percent"), r.reclaimablePct.get)
	vm.GetOrCreateGauge(name("active_zones"), r.activeZones.get)
	vm.GetOrCreateGauge(name("active_io_zones"), r.activeIOZones.get)
	vm.GetOrCreateGauge(name("open_io_zones"), r.openIOZones.get)
	vm.GetOrCreateGauge(name("free_bytes"), r.freeBytes.get)
	vm.GetOrCreateGauge(name("total_written_bytes"), r.totalWritten.get)
	vm.GetOrCreateGauge(name("zc_in_progress"), r.zcInProgress.get)

	r.zoneUsageHist = rc.NewHistogram(rc.NewExpDecaySample(1028, 0.015))
	r.extentLenHist = rc.NewHistogram(rc.NewExpDecaySample(1028, 0.015))
	r.invalidRatio = rc.NewHistogram(rc.NewExpDecaySample(1028, 0.015))

	return r
}

// SetZoneStats updates the gauges from a fresh snapshot.
func (r *Registry) SetZoneStats(s ZoneStats) {
	r.usedBytes.set(float64(s.UsedBytes))
	r.reclaimableBytes.set(float64(s.ReclaimableBytes))
	r.reclaimablePct.set(s.ReclaimablePercent)
	r.activeZones.set(float64(s.ActiveZones))
	r.activeIOZones.set(float64(s.ActiveIOZones))
	r.openIOZones.set(float64(s.OpenIOZones))
	r.freeBytes.set(float64(s.FreeBytes))
	r.totalWritten.set(float64(s.TotalWritten))
	zc := float64(0)
	if s.ZCInProgress {
		zc = 1
	}
	r.zcInProgress.set(zc)
}

// ObserveZoneUsage records one zone's used-capacity sample.
func (r *Registry) ObserveZoneUsage(usedBytes float64) {
	r.zoneUsageHist.Update(int64(usedBytes))
}

// ObserveExtentLength records one extent's length, e.g. at Append time.
func (r *Registry) ObserveExtentLength(length float64) {
	r.extentLenHist.Update(int64(length))
}

// ObserveInvalidRatio records a victim zone's invalid-byte ratio at GC
// selection time.
func (r *Registry) ObserveInvalidRatio(ratio float64) {
	r.invalidRatio.Update(int64(ratio * 10000))
}

// ZoneUsagePercentiles returns the p50/p99 of sampled per-zone used capacity.
func (r *Registry) ZoneUsagePercentiles() (p50, p99 float64) {
	snap := r.zoneUsageHist.Snapshot()
	ps := snap.Percentiles([]float64{0.5, 0.99})
	return ps[0], ps[1]
}
