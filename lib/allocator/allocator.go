package allocator

import (
	"sort"

	"github.com/kkkday/zbd/internal/zlog"
	"github.com/kkkday/zbd/lib/comparator"
	"github.com/kkkday/zbd/lib/device"
	"github.com/kkkday/zbd/lib/index"
	"github.com/kkkday/zbd/lib/zbderrors"
	"github.com/kkkday/zbd/lib/zone"
)

// Cleaner is the narrow surface the allocator needs from the garbage
// collector: trigger a cleaning pass for a reclaim budget and report how
// many zones it actually reset. Defined here (rather than importing
// package cleaner) because the cleaner in turn needs AllocateZoneForCleaning
// from the allocator — the two packages would otherwise import each other.
type Cleaner interface {
	ZoneCleaning(nrReset int) (int, error)
}

// freeRatioThreshold and the three escalating reclaim-budget divisors
// implement §4.3 step 3's pre-emptive cleaning trigger.
const freeRatioThreshold = 25.0

// Options configures an Allocator.
type Options struct {
	// Lazy disables pre-emptive cleaning inside AllocateZone (step 3),
	// keeping only the forced cleaning pass in step 10 — mirrors the
	// source's compile-time LAZY flag.
	Lazy bool
	Logger *zlog.Logger
}

// Allocator is the write-target Allocator (C5).
type Allocator struct {
	dev     *device.Device
	idx     *index.IndexMaps
	catalog Catalog
	cmp     comparator.Comparator
	width   comparator.WidthFunc
	cleaner Cleaner
	lazy    bool
	log     *zlog.Logger
}

// New constructs an Allocator. SetCleaner must be called before
// AllocateZone can trigger a cleaning pass; a nil cleaner simply skips
// steps 3 and 10's cleaning side effects (treated as "cleaning yielded
// nothing").
func New(dev *device.Device, idx *index.IndexMaps, catalog Catalog, cmp comparator.Comparator, width comparator.WidthFunc, opts Options) *Allocator {
	log := opts.Logger
	if log == nil {
		log = zlog.New("allocator", zlog.Info)
	}
	return &Allocator{dev: dev, idx: idx, catalog: catalog, cmp: cmp, width: width, lazy: opts.Lazy, log: log}
}

// SetCleaner wires the garbage collector in after both are constructed,
// breaking the allocator/cleaner import cycle.
func (a *Allocator) SetCleaner(c Cleaner) { a.cleaner = c }

// AllocateMetaZone returns any meta zone with used_capacity==0, resetting
// it first if it is not already empty; nil if none qualifies.
func (a *Allocator) AllocateMetaZone() (*zone.Zone, error) {
	for _, z := range a.dev.MetaZones() {
		if z.UsedCapacity() != 0 {
			continue
		}
		if !z.IsEmpty() {
			if err := z.Reset(); err != nil {
				a.log.Warnf("meta zone %d reset failed: %v", z.ID(), err)
				continue
			}
		}
		return z, nil
	}
	return nil, nil
}

// AllocateZoneForCleaning waits for open-zone admission like AllocateZone
// and hands the cleaner the head of the reserved pool as its evacuation
// destination. The zone is popped off reserved_zones (not merely peeked):
// the cleaner holds it open across possibly many extents and is
// responsible for pushing it into io_zones once full or once the
// cleaning pass ends (see package cleaner).
func (a *Allocator) AllocateZoneForCleaning() (*zone.Zone, error) {
	a.waitForOpenAdmission()

	a.dev.IOZonesMutex().Lock()
	z := a.dev.PopReservedZone()
	a.dev.IOZonesMutex().Unlock()
	if z == nil {
		return nil, zbderrors.New(zbderrors.NoSpace, "reserved pool is empty")
	}
	z.SetOpenForWrite()
	a.dev.IncOpenCount()
	a.dev.IncActiveCount()
	return z, nil
}

func (a *Allocator) waitForOpenAdmission() {
	cv := a.dev.ZoneResourcesCond()
	cv.L.Lock()
	for a.dev.OpenCount() >= int32(a.dev.MaxOpenIO()) {
		cv.Wait()
	}
	cv.L.Unlock()
}

// AllocateZone implements the 10-step algorithm of §4.3. It returns a zone
// left in the open_for_write=true, open_count++ state, or nil if no zone
// could be found.
func (a *Allocator) AllocateZone(fileLifetime zone.LifetimeHint, smallest, largest comparator.InternalKey, level int) (*zone.Zone, error) {
	// Step 1: admission.
	a.waitForOpenAdmission()

	// Step 2: housekeeping pass under IOZonesMutex, which serializes
	// allocator selection against the cleaner's own pool rebalancing.
	a.dev.IOZonesMutex().Lock()
	a.housekeeping()
	a.dev.IOZonesMutex().Unlock()

	// Step 3: pre-emptive cleaning. Must run with IOZonesMutex released:
	// the cleaner's evacuation path allocates its own destination zones via
	// AllocateZoneForCleaning, which takes the same mutex, and Go's
	// sync.Mutex is not reentrant.
	if !a.lazy {
		a.maybePreemptiveClean()
	}

	// Steps 4-9: selection.
	if z := a.lockedSelect(smallest, largest, level, fileLifetime); z != nil {
		return z, nil
	}

	// Step 10: forced GC, then re-run selection once more.
	if a.cleaner != nil {
		a.dev.IOZonesMutex().Lock()
		budget := 0
		if a.totalInvalidBytes() >= a.zoneCapacityHint() {
			budget = device.ReservedForCleaning
		}
		a.dev.IOZonesMutex().Unlock()

		if n, err := a.cleaner.ZoneCleaning(budget); err != nil {
			a.log.Warnf("forced zone cleaning failed: %v", err)
		} else {
			a.log.Infof("forced zone cleaning reset %d zones", n)
		}
	}

	return a.lockedSelect(smallest, largest, level, fileLifetime), nil
}

// lockedSelect runs steps 4-9 under IOZonesMutex (no housekeeping — that
// only runs once, at step 2), committing and returning the winner if any,
// or nil. Never called while IOZonesMutex is already held.
func (a *Allocator) lockedSelect(smallest, largest comparator.InternalKey, level int, fileLifetime zone.LifetimeHint) *zone.Zone {
	a.dev.IOZonesMutex().Lock()
	defer a.dev.IOZonesMutex().Unlock()

	if sel := a.trySelect(smallest, largest, level, fileLifetime); sel != nil {
		return a.commit(sel, fileLifetime)
	}
	return nil
}

// trySelect runs steps 4 through 9 once and returns the first success, or
// nil. It does not mutate open/active counters; commit does.
func (a *Allocator) trySelect(smallest, largest comparator.InternalKey, level int, fileLifetime zone.LifetimeHint) *selection {
	// Step 4: first-writer shortcut.
	if a.idx.IsEmpty() && a.dev.ActiveCount() < int32(a.dev.MaxActiveIO()) {
		for _, z := range a.dev.IOZones() {
			if z.IsEmpty() && !z.OpenForWrite() {
				return &selection{z: z, newActive: true}
			}
		}
	}

	// Step 5: overlap colocation.
	if a.catalog != nil {
		if z := a.overlapColocate(smallest, largest); z != nil {
			return &selection{z: z}
		}
	}

	// Step 6: L0 affinity.
	if a.catalog != nil && (level == 0 || level == 100) {
		if z := a.l0Affinity(); z != nil {
			return &selection{z: z}
		}
	}

	// Step 7: empty-zone fallback.
	if a.dev.ActiveCount() < int32(a.dev.MaxActiveIO()) {
		for _, z := range a.dev.IOZones() {
			if z.IsEmpty() && !z.OpenForWrite() {
				return &selection{z: z, newActive: true}
			}
		}
	}

	// Step 8: same-level neighbour.
	if a.catalog != nil && a.cmp != nil {
		if z := a.sameLevelNeighbour(largest, level); z != nil {
			return &selection{z: z}
		}
	}

	// Step 9: best lifetime-diff.
	if z := a.bestLifetimeDiff(fileLifetime); z != nil {
		return &selection{z: z}
	}

	return nil
}

type selection struct {
	z         *zone.Zone
	newActive bool
}

func (a *Allocator) commit(s *selection, fileLifetime zone.LifetimeHint) *zone.Zone {
	if s.newActive {
		s.z.SetLifetime(fileLifetime)
		a.dev.IncActiveCount()
	}
	s.z.SetOpenForWrite()
	a.dev.IncOpenCount()
	return s.z
}

// isCandidate reports whether z may be selected as a write target: not
// full, and not already held open by another writer.
func isCandidate(z *zone.Zone) bool {
	return !z.IsFull() && !z.OpenForWrite()
}

func (a *Allocator) overlapColocate(smallest, largest comparator.InternalKey) *zone.Zone {
	if a.width == nil {
		return nil
	}
	files := a.catalog.OverlappingFiles(smallest, largest)
	type scored struct {
		id    zone.FileID
		ratio float64
	}
	var ranked []scored
	for _, f := range files {
		kr, ok := a.idx.FileRange(f)
		if !ok {
			continue
		}
		ratio, ok := comparator.OverlapRatio(a.width, smallest, largest, kr.Smallest, kr.Largest)
		if !ok {
			continue
		}
		ranked = append(ranked, scored{id: f, ratio: ratio})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].ratio != ranked[j].ratio {
			return ranked[i].ratio > ranked[j].ratio
		}
		return ranked[i].id < ranked[j].id
	})
	for _, r := range ranked {
		for _, zid := range a.idx.FileZones(r.id) {
			z, ok := a.idx.ZoneByID(zid)
			if !ok {
				continue
			}
			if isCandidate(z) {
				return z
			}
		}
	}
	return nil
}

func (a *Allocator) l0Affinity() *zone.Zone {
	files := a.catalog.L0Files()
	seen := map[zone.ID]bool{}
	var best *zone.Zone
	var bestBytes uint32
	for _, f := range files {
		for _, zid := range a.idx.FileZones(f) {
			if seen[zid] {
				continue
			}
			seen[zid] = true
			z, ok := a.idx.ZoneByID(zid)
			if !ok || !isCandidate(z) {
				continue
			}
			var bytes uint32
			for _, e := range z.Extents() {
				if e.Valid() && e.Level == 0 {
					bytes += e.Length
				}
			}
			if best == nil || bytes > bestBytes {
				best, bestBytes = z, bytes
			}
		}
	}
	return best
}

func (a *Allocator) sameLevelNeighbour(largest comparator.InternalKey, level int) *zone.Zone {
	files := a.catalog.SameLevelFiles(level)
	if len(files) == 0 {
		return nil
	}
	pos := sort.Search(len(files), func(i int) bool {
		kr, ok := a.idx.FileRange(files[i])
		if !ok {
			return false
		}
		return a.cmp.Compare(kr.Smallest, largest) > 0
	})

	lIdx, rIdx := pos-1, pos
	pickFrom := func(fid zone.FileID) *zone.Zone {
		for _, zid := range a.idx.FileZones(fid) {
			z, ok := a.idx.ZoneByID(zid)
			if ok && isCandidate(z) {
				return z
			}
		}
		return nil
	}

	for lIdx >= 0 || rIdx < len(files) {
		if rIdx < len(files) {
			if z := pickFrom(files[rIdx]); z != nil {
				return z
			}
			rIdx++
		}
		if lIdx >= 0 {
			if z := pickFrom(files[lIdx]); z != nil {
				return z
			}
			lIdx--
		}
	}
	return nil
}

func (a *Allocator) bestLifetimeDiff(fileLifetime zone.LifetimeHint) *zone.Zone {
	var best *zone.Zone
	bestDiff := zone.LifetimeDiffNotGood + 1
	for _, z := range a.dev.IOZones() {
		if z.IsEmpty() || !isCandidate(z) {
			continue
		}
		diff := zone.LifetimeDiff(z.Lifetime(), fileLifetime)
		if diff < bestDiff {
			best, bestDiff = z, diff
		}
	}
	return best
}

// housekeeping implements §4.3 step 2: skip open-for-write, empty, or
// full-and-used zones; reset fully-invalidated zones, finish
// below-threshold ones.
func (a *Allocator) housekeeping() {
	threshold := a.dev.FinishThreshold()
	for _, z := range a.dev.IOZones() {
		if z.OpenForWrite() || z.IsEmpty() {
			continue
		}
		if z.IsFull() && z.IsUsed() {
			continue
		}
		if z.UsedCapacity() == 0 {
			wasFull := z.IsFull()
			if err := z.Reset(); err != nil {
				a.log.Warnf("housekeeping reset of zone %d failed: %v", z.ID(), err)
				continue
			}
			if !wasFull {
				a.dev.DecActiveCount()
			}
			a.idx.RemoveZoneFromAllFiles(z.ID())
			continue
		}
		maxCap := z.MaxCapacity()
		if maxCap > 0 && z.CapacityLeft()*100 < maxCap*uint64(threshold) {
			if err := z.Finish(); err != nil {
				a.log.Warnf("housekeeping finish of zone %d failed: %v", z.ID(), err)
				continue
			}
			a.dev.DecActiveCount()
		}
	}
}

// maybePreemptiveClean implements §4.3 step 3: if the io-zone free ratio
// has dropped to freeRatioThreshold or below, pick an escalating reclaim
// budget and run a cleaning pass.
func (a *Allocator) maybePreemptiveClean() {
	if a.cleaner == nil {
		return
	}
	ratio := a.dev.FreeRatioPercent()
	if ratio > freeRatioThreshold {
		return
	}
	nrZones := len(a.dev.IOZones())
	var budget int
	switch {
	case ratio > 20:
		budget = nrZones / 15
	case ratio > 10:
		budget = nrZones / 10
	default:
		budget = nrZones / 5
	}
	if budget <= 0 {
		return
	}
	if n, err := a.cleaner.ZoneCleaning(budget); err != nil {
		a.log.Warnf("pre-emptive zone cleaning failed: %v", err)
	} else {
		a.log.Infof("pre-emptive zone cleaning reset %d zones", n)
	}
}

func (a *Allocator) totalInvalidBytes() uint64 {
	var total uint64
	for _, z := range a.dev.IOZones() {
		total += z.InvalidBytes()
	}
	return total
}

func (a *Allocator) zoneCapacityHint() uint64 {
	zones := a.dev.IOZones()
	if len(zones) == 0 {
		return 0
	}
	return zones[0].MaxCapacity()
}
