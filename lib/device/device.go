package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kkkday/zbd/internal/zlog"
	"github.com/kkkday/zbd/lib/metrics"
	"github.com/kkkday/zbd/lib/zbderrors"
	"github.com/kkkday/zbd/lib/zone"
)

// MetaZones, MinZones and ReservedForCleaning are the tunables named
// in §6 of the design.
const (
	MetaZones           = 3
	MinZones            = 32
	ReservedForCleaning = 10

	// DefaultFinishThreshold is the percentage of max capacity below which
	// a non-open zone is finished during allocator housekeeping (§4.3 step 2).
	DefaultFinishThreshold = 10
)

// Device is the Device component (C3): it owns every Zone, partitions them
// into meta/reserved/io pools, and tracks the open/active zone counters
// the allocator gates on.
type Device struct {
	bd     BlockDevice
	log    *zlog.Logger
	metrics *metrics.Registry

	readOnly bool

	blockSize uint32
	zoneSize  uint64
	nrZones   uint64

	maxOpenIO   uint32
	maxActiveIO uint32

	finishThreshold uint32

	metaZones     []*zone.Zone
	reservedZones []*zone.Zone // mutated only under ioZonesMtx
	ioZones       []*zone.Zone // mutated only under ioZonesMtx

	idToZone map[zone.ID]*zone.Zone

	// ioZonesMtx serializes allocator zone selection and cleaner pool
	// rebalancing, matching the design's single io_zones_mtx.
	ioZonesMtx sync.Mutex

	// zoneResourcesMtx + cond gate admission on openCount < maxOpenIO.
	zoneResourcesMtx sync.Mutex
	zoneResourcesCV  *sync.Cond

	openCount   atomic.Int32
	activeCount atomic.Int32

	zcInProgress atomic.Bool
	wrData       atomic.Uint64
	lastWrData   atomic.Uint64
	zcCount      atomic.Uint64
	resetCount   atomic.Uint64

	startTime time.Time
}

// Options configures Open.
type Options struct {
	FinishThreshold uint32 // percent, default DefaultFinishThreshold
	Logger          *zlog.Logger
	Metrics         *metrics.Registry
}

// Open opens bd, validates it is host-managed with enough zones, and
// partitions its zones into meta/reserved/io pools (§4.2).
func Open(bd BlockDevice, readonly bool, opts Options) (*Device, error) {
	info, err := bd.Info()
	if err != nil {
		return nil, zbderrors.Wrap(err, zbderrors.InvalidArgument, "failed to open zoned block device")
	}
	if info.Model != ModelHostManaged {
		return nil, zbderrors.New(zbderrors.NotSupported, "not a host managed block device")
	}
	if info.NrZones < MinZones {
		return nil, zbderrors.New(zbderrors.NotSupported, "too few zones on zoned block device (32 required)")
	}

	d := &Device{
		bd:        bd,
		readOnly:  readonly,
		blockSize: info.BlockSize,
		zoneSize:  info.ZoneSize,
		nrZones:   info.NrZones,
		idToZone:  make(map[zone.ID]*zone.Zone),
		startTime: time.Now(),
	}
	d.zoneResourcesCV = sync.NewCond(&d.zoneResourcesMtx)

	if opts.FinishThreshold == 0 {
		opts.FinishThreshold = DefaultFinishThreshold
	}
	d.finishThreshold = opts.FinishThreshold
	if opts.Logger != nil {
		d.log = opts.Logger
	} else {
		d.log = zlog.New("device", zlog.Info)
	}
	if opts.Metrics != nil {
		d.metrics = opts.Metrics
	} else {
		d.metrics = metrics.NewRegistry("")
	}

	// Reserve one open/active slot for metadata (§4.2 step 3).
	if info.MaxOpenZones == 0 {
		d.maxOpenIO = uint32(info.NrZones)
	} else {
		d.maxOpenIO = info.MaxOpenZones - 1
	}
	if info.MaxActiveZones == 0 {
		d.maxActiveIO = uint32(info.NrZones)
	} else {
		d.maxActiveIO = info.MaxActiveZones - 1
	}

	reports, err := bd.ReportZones()
	if err != nil {
		return nil, zbderrors.Wrap(err, zbderrors.IOError, "failed to list zones")
	}

	var zoneID zone.ID
	newZone := func(r ZoneReport) *zone.Zone {
		capacity := uint64(0)
		full := r.WP-r.Start >= r.Capacity
		offline := r.Cond == CondOffline
		if !full && !offline && r.Cond != CondReadOnly {
			capacity = r.Capacity - (r.WP - r.Start)
		}
		z := zone.New(d, zoneID, r.Start, r.Capacity, r.WP, capacity)
		d.idToZone[zoneID] = z
		zoneID++
		return z
	}

	i := 0
	for m := 0; m < MetaZones && i < len(reports); i++ {
		r := reports[i]
		if r.Type != ZoneTypeSWR || r.Cond == CondOffline {
			continue
		}
		d.metaZones = append(d.metaZones, newZone(r))
		m++
	}
	for rcount := 0; rcount < ReservedForCleaning && i < len(reports); i++ {
		r := reports[i]
		if r.Type != ZoneTypeSWR || r.Cond == CondOffline {
			continue
		}
		d.reservedZones = append(d.reservedZones, newZone(r))
		rcount++
	}
	for ; i < len(reports); i++ {
		r := reports[i]
		if r.Type != ZoneTypeSWR || r.Cond == CondOffline {
			continue
		}
		z := newZone(r)
		d.ioZones = append(d.ioZones, z)

		switch r.Cond {
		case CondImplicitOpen, CondExplicitOpen:
			d.activeCount.Add(1)
			if !readonly {
				_ = z.Close()
			}
		case CondClosed:
			d.activeCount.Add(1)
		}
	}

	return d, nil
}

// --------------------------------------------------------------------------
// zone.Backend implementation
// --------------------------------------------------------------------------

func (d *Device) BlockSize() uint32 { return d.blockSize }
func (d *Device) ZoneSize() uint64  { return d.zoneSize }

func (d *Device) WriteAt(data []byte, off int64) (int, error) {
	n, err := d.bd.WriteAt(data, off)
	d.wrData.Add(uint64(n))
	return n, err
}

func (d *Device) ResetZone(start, size uint64) (capacity uint64, offline bool, err error) {
	if err := d.bd.ResetZones(start, size); err != nil {
		return 0, false, err
	}
	d.resetCount.Add(1)
	r, err := d.bd.ReportZone(start)
	if err != nil {
		return 0, false, err
	}
	if r.Cond == CondOffline {
		return 0, true, nil
	}
	return r.Capacity, false, nil
}

func (d *Device) FinishZone(start, size uint64) error { return d.bd.FinishZones(start, size) }
func (d *Device) CloseZone(start, size uint64) error  { return d.bd.CloseZones(start, size) }

// ObserveExtentLength records one successfully appended extent's length
// into the extent-length histogram.
func (d *Device) ObserveExtentLength(length float64) { d.metrics.ObserveExtentLength(length) }

// Metrics returns the device's metrics registry, for collaborators (the
// cleaner's victim-ranking pass) that need to record their own samples.
func (d *Device) Metrics() *metrics.Registry { return d.metrics }

// ReadAt reads extent bytes directly off the device, for the cleaner's
// evacuation reads (§4.4 step 3b's "pread the extent").
func (d *Device) ReadAt(p []byte, off int64) (int, error) { return d.bd.ReadAt(p, off) }

// NotifyZoneClosed decrements the open-zone count and wakes the allocator's
// admission wait.
func (d *Device) NotifyZoneClosed() {
	d.zoneResourcesMtx.Lock()
	d.openCount.Add(-1)
	d.zoneResourcesMtx.Unlock()
	d.zoneResourcesCV.Signal()
}

// NotifyZoneFull decrements the active-zone count and wakes the
// allocator's admission wait.
func (d *Device) NotifyZoneFull() {
	d.zoneResourcesMtx.Lock()
	d.activeCount.Add(-1)
	d.zoneResourcesMtx.Unlock()
	d.zoneResourcesCV.Signal()
}

// --------------------------------------------------------------------------
// Accessors used by the allocator and cleaner
// --------------------------------------------------------------------------

func (d *Device) IOZonesMutex() *sync.Mutex       { return &d.ioZonesMtx }
func (d *Device) ZoneResourcesCond() *sync.Cond    { return d.zoneResourcesCV }
func (d *Device) OpenCount() int32                 { return d.openCount.Load() }
func (d *Device) ActiveCount() int32                { return d.activeCount.Load() }
func (d *Device) MaxOpenIO() uint32                 { return d.maxOpenIO }
func (d *Device) MaxActiveIO() uint32               { return d.maxActiveIO }
func (d *Device) FinishThreshold() uint32           { return d.finishThreshold }
func (d *Device) IncOpenCount()                     { d.openCount.Add(1) }
func (d *Device) IncActiveCount()                   { d.activeCount.Add(1) }
func (d *Device) DecActiveCount()                   { d.activeCount.Add(-1) }
func (d *Device) MetaZones() []*zone.Zone           { return d.metaZones }
func (d *Device) IOZones() []*zone.Zone             { return append([]*zone.Zone(nil), d.ioZones...) }
func (d *Device) ReservedZones() []*zone.Zone       { return append([]*zone.Zone(nil), d.reservedZones...) }
func (d *Device) ReservedCount() int                { return len(d.reservedZones) }
func (d *Device) ZoneByID(id zone.ID) (*zone.Zone, bool) {
	z, ok := d.idToZone[id]
	return z, ok
}
func (d *Device) Log() *zlog.Logger { return d.log }
func (d *Device) ZCCount() uint64    { return d.zcCount.Load() }
func (d *Device) IncZCCount()        { d.zcCount.Add(1) }
func (d *Device) ZCInProgress() bool  { return d.zcInProgress.Load() }
func (d *Device) SetZCInProgress(v bool) { d.zcInProgress.Store(v) }

// MoveIOZoneToReserved moves z from the io pool to the reserved pool.
// Callers must hold IOZonesMutex.
func (d *Device) MoveIOZoneToReserved(z *zone.Zone) {
	d.ioZones = removeZone(d.ioZones, z)
	d.reservedZones = append(d.reservedZones, z)
}

// MoveReservedZoneToIO moves z from the reserved pool to the io pool.
// Callers must hold IOZonesMutex.
func (d *Device) MoveReservedZoneToIO(z *zone.Zone) {
	d.reservedZones = removeZone(d.reservedZones, z)
	d.ioZones = append(d.ioZones, z)
}

// PopReservedZone removes and returns the head of the reserved pool, or
// nil if it is empty. Callers must hold IOZonesMutex.
func (d *Device) PopReservedZone() *zone.Zone {
	if len(d.reservedZones) == 0 {
		return nil
	}
	z := d.reservedZones[0]
	d.reservedZones = d.reservedZones[1:]
	return z
}

// PushIOZone appends z to the io pool. Callers must hold IOZonesMutex.
func (d *Device) PushIOZone(z *zone.Zone) { d.ioZones = append(d.ioZones, z) }

// PushReservedZone appends z to the reserved pool. Callers must hold
// IOZonesMutex.
func (d *Device) PushReservedZone(z *zone.Zone) { d.reservedZones = append(d.reservedZones, z) }

func removeZone(zones []*zone.Zone, target *zone.Zone) []*zone.Zone {
	out := zones[:0]
	for _, z := range zones {
		if z != target {
			out = append(out, z)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Space accounting (§4.2)
// --------------------------------------------------------------------------

func (d *Device) TotalWritten() uint64 {
	var total uint64
	for _, z := range d.ioZones {
		total += z.WritePointer() - z.Start()
	}
	return total
}

func (d *Device) Free() uint64 {
	var total uint64
	for _, z := range d.ioZones {
		total += z.CapacityLeft()
	}
	return total
}

func (d *Device) Used() uint64 {
	var total uint64
	for _, z := range d.ioZones {
		total += uint64(z.UsedCapacity())
	}
	return total
}

func (d *Device) Reclaimable() uint64 {
	var total uint64
	for _, z := range d.ioZones {
		if z.IsFull() {
			total += z.MaxCapacity() - uint64(z.UsedCapacity())
		}
	}
	return total
}

// FreeRatioPercent returns the fraction of total io-zone capacity that is
// still free, as a percentage (§4.3 step 3's pre-emptive GC trigger).
func (d *Device) FreeRatioPercent() float64 {
	if len(d.ioZones) == 0 {
		return 100
	}
	total := uint64(len(d.ioZones)) * d.ioZones[0].MaxCapacity()
	if total == 0 {
		return 100
	}
	return (float64(d.Free()) / float64(total)) * 100
}

// GetIOZone returns the io-zone containing the given device offset, or nil.
func (d *Device) GetIOZone(offset uint64) *zone.Zone {
	for _, z := range d.ioZones {
		if z.Start() <= offset && offset < z.Start()+d.zoneSize {
			return z
		}
	}
	return nil
}

// ResetUnusedIOZones resets every io zone that is unused but not already
// empty, matching §6's Core API surface. Takes ioZonesMtx since it walks
// d.ioZones, which per the field's own invariant is only ever read or
// mutated under that lock (not zoneResourcesMtx, which guards the
// openCount/activeCount admission condition instead).
func (d *Device) ResetUnusedIOZones() {
	d.ioZonesMtx.Lock()
	defer d.ioZonesMtx.Unlock()

	for _, z := range d.ioZones {
		if !z.IsUsed() && !z.IsEmpty() {
			wasFull := z.IsFull()
			if err := z.Reset(); err != nil {
				d.log.Warnf("failed resetting zone %d: %v", z.ID(), err)
				continue
			}
			if !wasFull {
				d.NotifyZoneFull()
			}
		}
	}
}

// LogZoneStats reports aggregate space/zone-count statistics, mirroring
// the original ZonedBlockDevice::LogZoneStats, wired to the metrics
// registry instead of fprintf.
func (d *Device) LogZoneStats() {
	d.ioZonesMtx.Lock()
	defer d.ioZonesMtx.Unlock()

	var used, reclaimable, reclaimableMax uint64
	var active int
	for _, z := range d.ioZones {
		u := uint64(z.UsedCapacity())
		used += u
		if u > 0 {
			reclaimable += z.MaxCapacity() - u
			reclaimableMax += z.MaxCapacity()
		}
		if !z.IsFull() && !z.IsEmpty() {
			active++
		}
	}
	if reclaimableMax == 0 {
		reclaimableMax = 1
	}

	d.metrics.SetZoneStats(metrics.ZoneStats{
		UsedBytes:          used,
		ReclaimableBytes:   reclaimable,
		ReclaimablePercent: 100 * float64(reclaimable) / float64(reclaimableMax),
		ActiveZones:        active,
		ActiveIOZones:      int(d.activeCount.Load()),
		OpenIOZones:        int(d.openCount.Load()),
		FreeBytes:          d.Free(),
		TotalWritten:       d.TotalWritten(),
		ZCInProgress:       d.zcInProgress.Load(),
	})

	d.log.Infof("zonestats: elapsed=%s used=%dMB reclaimable=%dMB (%.0f%%) active=%d active_io=%d open_io=%d",
		time.Since(d.startTime).Round(time.Second),
		used/(1<<20), reclaimable/(1<<20),
		100*float64(reclaimable)/float64(reclaimableMax),
		active, d.activeCount.Load(), d.openCount.Load())
}

// LogZoneUsage reports per-zone used-capacity samples into the zone-usage
// histogram, mirroring ZonedBlockDevice::LogZoneUsage, and logs the
// resulting usage distribution's p50/p99.
func (d *Device) LogZoneUsage() {
	for _, z := range d.ioZones {
		used := z.UsedCapacity()
		if used > 0 {
			d.metrics.ObserveZoneUsage(float64(used))
			d.log.Debugf("zone 0x%x used capacity: %d bytes", z.Start(), used)
		}
	}
	p50, p99 := d.metrics.ZoneUsagePercentiles()
	d.log.Infof("zone usage: p50=%.0f bytes p99=%.0f bytes", p50, p99)
}
