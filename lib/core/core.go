// Package core wires Device, IndexMaps, Allocator and Cleaner into the
// single facade a storage-engine collaborator talks to (§6's Core API),
// mirroring how the teacher's cmd/serve wires its RPC server out of
// independently-testable lib/ pieces.
package core

import (
	"github.com/kkkday/zbd/internal/zlog"
	"github.com/kkkday/zbd/lib/allocator"
	"github.com/kkkday/zbd/lib/cleaner"
	"github.com/kkkday/zbd/lib/comparator"
	"github.com/kkkday/zbd/lib/device"
	"github.com/kkkday/zbd/lib/index"
	"github.com/kkkday/zbd/lib/metrics"
	"github.com/kkkday/zbd/lib/zone"
)

// Options configures Open. Logger and Metrics default to a fresh instance
// when nil, matching Device's own zero-value defaulting.
type Options struct {
	ReadOnly bool

	FinishThreshold uint32
	Lazy            bool

	Catalog allocator.Catalog
	Cmp     comparator.Comparator
	Width   comparator.WidthFunc

	Logger  *zlog.Logger
	Metrics *metrics.Registry

	OnBytesCopied func(victim, dest zone.ID, n int)
}

// Core is the zone-management and space-reclamation facade: the thing a
// collaborating LSM engine holds onto for the lifetime of one zoned
// block device.
type Core struct {
	dev     *device.Device
	idx     *index.IndexMaps
	alloc   *allocator.Allocator
	cleaner *cleaner.Cleaner
}

// Open opens bd, partitions its zones, and wires the allocator and
// cleaner together. Catalog/Cmp/Width may be nil; the allocator then
// skips the steps of §4.3 that need them (colocation, L0 affinity,
// same-level neighbour) and falls back to the empty-zone and
// best-lifetime-diff steps only.
func Open(bd device.BlockDevice, opts Options) (*Core, error) {
	dev, err := device.Open(bd, opts.ReadOnly, device.Options{
		FinishThreshold: opts.FinishThreshold,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	idx := index.New()
	for _, z := range dev.IOZones() {
		idx.RegisterZone(z)
	}
	for _, z := range dev.MetaZones() {
		idx.RegisterZone(z)
	}

	alloc := allocator.New(dev, idx, opts.Catalog, opts.Cmp, opts.Width, allocator.Options{
		Lazy:   opts.Lazy,
		Logger: opts.Logger,
	})
	c := cleaner.New(dev, idx, alloc, cleaner.Options{
		Logger:        opts.Logger,
		OnBytesCopied: opts.OnBytesCopied,
	})
	alloc.SetCleaner(c)

	return &Core{dev: dev, idx: idx, alloc: alloc, cleaner: c}, nil
}

// AllocateMetaZone returns an unused meta zone for metadata-log use.
func (c *Core) AllocateMetaZone() (*zone.Zone, error) { return c.alloc.AllocateMetaZone() }

// AllocateZone selects (or reclaims) an io zone to write fileLifetime
// data spanning [smallest,largest] at the given LSM level.
func (c *Core) AllocateZone(fileLifetime zone.LifetimeHint, smallest, largest comparator.InternalKey, level int) (*zone.Zone, error) {
	return c.alloc.AllocateZone(fileLifetime, smallest, largest, level)
}

// AllocateZoneForCleaning hands the cleaner's evacuation logic a
// reserved-pool zone to copy live extents into.
func (c *Core) AllocateZoneForCleaning() (*zone.Zone, error) { return c.alloc.AllocateZoneForCleaning() }

// ResetUnusedIOZones resets every closed/full io zone whose used capacity
// has dropped to zero, outside of the allocator's own housekeeping pass.
func (c *Core) ResetUnusedIOZones() { c.dev.ResetUnusedIOZones() }

// ZoneCleaning runs one garbage-collection pass, evacuating live extents
// out of up to nrReset victim zones and resetting them. nrReset == 0
// recycles a single reserved zone into the io pool without touching any
// victim.
func (c *Core) ZoneCleaning(nrReset int) (int, error) { return c.cleaner.ZoneCleaning(nrReset) }

func (c *Core) TotalWritten() uint64      { return c.dev.TotalWritten() }
func (c *Core) Free() uint64              { return c.dev.Free() }
func (c *Core) Used() uint64              { return c.dev.Used() }
func (c *Core) Reclaimable() uint64       { return c.dev.Reclaimable() }
func (c *Core) FreeRatioPercent() float64 { return c.dev.FreeRatioPercent() }

// GetIOZone returns the io zone containing the given device offset, or
// nil if none does.
func (c *Core) GetIOZone(offset uint64) *zone.Zone { return c.dev.GetIOZone(offset) }

func (c *Core) LogZoneStats() { c.dev.LogZoneStats() }
func (c *Core) LogZoneUsage() { c.dev.LogZoneUsage() }

// RegisterFile lets the metadata-log collaborator seed a file's key
// range, e.g. when replaying persisted state at startup (§6's "persisted
// state" note: the core owns none of it, but needs it seeded back in).
func (c *Core) RegisterFile(f zone.FileID, kr index.KeyRange) { c.idx.SetFileRange(f, kr) }

// Device exposes the underlying Device for callers that need direct
// zone access (e.g. the CLI's stats/clean subcommands).
func (c *Core) Device() *device.Device { return c.dev }

// IndexMaps exposes the sst-to-zone bookkeeping for callers that persist
// or inspect it directly.
func (c *Core) IndexMaps() *index.IndexMaps { return c.idx }
