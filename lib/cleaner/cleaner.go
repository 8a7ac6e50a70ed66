package cleaner

import (
	"runtime"
	"sync"

	"github.com/kkkday/zbd/internal/zlog"
	"github.com/kkkday/zbd/lib/allocator"
	"github.com/kkkday/zbd/lib/device"
	"github.com/kkkday/zbd/lib/index"
	"github.com/kkkday/zbd/lib/zbderrors"
	"github.com/kkkday/zbd/lib/zone"
)

// Options configures a Cleaner.
type Options struct {
	Logger *zlog.Logger

	// OnBytesCopied, if set, is invoked once per copied segment during
	// evacuation with the victim id, destination id, and segment length —
	// the supplemented equivalent of the source's EXPERIMENT-gated
	// copied-byte accounting.
	OnBytesCopied func(victim, dest zone.ID, n int)
}

// Cleaner is the zone-cleaning garbage collector (C6).
type Cleaner struct {
	dev   *device.Device
	idx   *index.IndexMaps
	alloc *allocator.Allocator
	log   *zlog.Logger

	onBytesCopied func(victim, dest zone.ID, n int)

	// mu serializes cleaning passes (zone_cleaning_mtx).
	mu sync.Mutex

	// dest is the current evacuation destination, held open across
	// possibly many extents and victims within a single ZoneCleaning call.
	dest *zone.Zone
}

// New constructs a Cleaner. alloc must have AllocateZoneForCleaning
// available; the caller is expected to also call alloc.SetCleaner(c) so
// the allocator can trigger cleaning passes from AllocateZone.
func New(dev *device.Device, idx *index.IndexMaps, alloc *allocator.Allocator, opts Options) *Cleaner {
	log := opts.Logger
	if log == nil {
		log = zlog.New("cleaner", zlog.Info)
	}
	return &Cleaner{dev: dev, idx: idx, alloc: alloc, log: log, onBytesCopied: opts.OnBytesCopied}
}

// ZoneCleaning implements §4.4. It resets up to nrReset victim zones,
// evacuating their live extents into reserved zones first, and returns
// the number of zones actually reset.
func (c *Cleaner) ZoneCleaning(nrReset int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dev.IncZCCount()
	c.dev.SetZCInProgress(true)
	defer c.dev.SetZCInProgress(false)

	if nrReset == 0 {
		c.dev.IOZonesMutex().Lock()
		if z := c.dev.PopReservedZone(); z != nil {
			c.dev.PushIOZone(z)
		}
		c.dev.IOZonesMutex().Unlock()
		return 0, nil
	}

	q := c.buildQueue()
	reset := 0
	for reset < nrReset {
		id, ok := q.PopTop()
		if !ok {
			break
		}
		victim, ok := c.idx.ZoneByID(id)
		if !ok || victim.OpenForWrite() {
			continue
		}

		for victim.IsAppendInFlight() {
			runtime.Gosched()
		}

		for _, e := range victim.Extents() {
			if !e.Valid() {
				continue
			}
			if err := c.evacuate(victim, e); err != nil {
				return reset, zbderrors.Wrap(err, zbderrors.IOError, "zone cleaning: evacuation failed")
			}
		}

		wasFull := victim.IsFull()
		if err := victim.Reset(); err != nil {
			c.log.Warnf("cleaner: reset of victim zone %d failed: %v", victim.ID(), err)
			continue
		}
		if !wasFull {
			c.dev.DecActiveCount()
		}
		c.idx.RemoveZoneFromAllFiles(victim.ID())

		c.dev.IOZonesMutex().Lock()
		if c.dev.ReservedCount() < device.ReservedForCleaning {
			c.dev.MoveIOZoneToReserved(victim)
		}
		c.dev.IOZonesMutex().Unlock()

		reset++
	}

	if c.dest != nil {
		c.retireDestination(c.dest)
	}

	c.rebalance()
	return reset, nil
}

// buildQueue ranks every non-open io zone with invalidated bytes by
// invalid-byte count descending, recording each candidate's invalid-byte
// ratio into the metrics registry as it is considered for victimhood.
func (c *Cleaner) buildQueue() *gcQueue {
	q := newGCQueue()
	for _, z := range c.dev.IOZones() {
		if z.OpenForWrite() {
			continue
		}
		if ib := z.InvalidBytes(); ib > 0 {
			q.AddItem(z.ID(), ib)
			if max := z.MaxCapacity(); max > 0 {
				c.dev.Metrics().ObserveInvalidRatio(float64(ib) / float64(max))
			}
		}
	}
	return q
}

// evacuate copies a single valid extent out of victim into the current
// (or a freshly allocated) destination zone, splitting the copy across
// multiple destinations if one cannot hold the whole extent, updates
// sst_to_zone for the owning file, and invalidates the original extent.
func (c *Cleaner) evacuate(victim *zone.Zone, e *zone.Extent) error {
	bs := c.dev.BlockSize()
	padded := e.Length
	if bs != 0 && padded%bs != 0 {
		padded += bs - padded%bs
	}
	buf := make([]byte, padded)
	if _, err := c.dev.ReadAt(buf[:e.Length], int64(e.Start)); err != nil {
		return zbderrors.Wrap(err, zbderrors.IOError, "read of extent to evacuate failed")
	}

	remaining := buf
	for len(remaining) > 0 {
		dest, err := c.destination()
		if err != nil {
			return err
		}

		capLeft := dest.CapacityLeft()
		chunkLen := uint64(len(remaining))
		full := chunkLen >= capLeft
		if full {
			chunkLen = capLeft
		}
		chunk := remaining[:chunkLen]

		if _, err := dest.Append(chunk, e.File, e.Level, e.Lifetime); err != nil {
			return zbderrors.Wrap(err, zbderrors.IOError, "write of evacuated extent failed")
		}
		if c.onBytesCopied != nil {
			c.onBytesCopied(victim.ID(), dest.ID(), len(chunk))
		}
		c.idx.RemoveFileZone(e.File, victim.ID())
		c.idx.AppendFileZone(e.File, dest.ID())

		remaining = remaining[chunkLen:]
		if full {
			c.retireDestination(dest)
		}
	}

	return victim.Invalidate(e)
}

// destination returns the current evacuation target, allocating a fresh
// one from the reserved pool if there isn't one yet or the current one
// is already full, and registering it in IndexMaps so the zone id the
// evacuation records in sst_to_zone resolves to the zone.
func (c *Cleaner) destination() (*zone.Zone, error) {
	if c.dest != nil && !c.dest.IsFull() {
		return c.dest, nil
	}
	z, err := c.alloc.AllocateZoneForCleaning()
	if err != nil {
		// The reserved pool being empty mid-cleaning means the invariant
		// that ZoneCleaning always keeps a copy target available has been
		// violated; this is fatal.
		panic(zbderrors.Wrap(err, zbderrors.NoSpace, "cleaner could not allocate a destination zone"))
	}
	c.idx.RegisterZone(z)
	c.dest = z
	return z, nil
}

// retireDestination releases the writer hold on z and pushes it into the
// io pool, since it now holds live data referenced by sst_to_zone.
func (c *Cleaner) retireDestination(z *zone.Zone) {
	z.CloseWR()
	c.dev.IOZonesMutex().Lock()
	c.dev.PushIOZone(z)
	c.dev.IOZonesMutex().Unlock()
	if c.dest == z {
		c.dest = nil
	}
}

// rebalance implements §4.4's final bullet: evict non-empty/used zones
// out of the reserved pool, refill it from empty io zones, and trim any
// surplus back to io_zones.
func (c *Cleaner) rebalance() {
	c.dev.IOZonesMutex().Lock()
	defer c.dev.IOZonesMutex().Unlock()

	for _, z := range c.dev.ReservedZones() {
		if !z.IsEmpty() || z.IsUsed() {
			c.dev.MoveReservedZoneToIO(z)
		}
	}

	for c.dev.ReservedCount() < device.ReservedForCleaning {
		var candidate *zone.Zone
		for _, z := range c.dev.IOZones() {
			if z.IsEmpty() && !z.OpenForWrite() {
				candidate = z
				break
			}
		}
		if candidate == nil {
			break
		}
		c.dev.MoveIOZoneToReserved(candidate)
	}

	for c.dev.ReservedCount() > device.ReservedForCleaning {
		reserved := c.dev.ReservedZones()
		c.dev.MoveReservedZoneToIO(reserved[len(reserved)-1])
	}
}
