package zone

import (
	"sync"
	"sync/atomic"

	"github.com/kkkday/zbd/lib/zbderrors"
)

// Backend is the minimal device surface a Zone needs to perform its own
// I/O and state-changing operations. device.Device satisfies this; keeping
// it as a narrow interface here (rather than importing the device package)
// avoids a import cycle between the two packages that own each other's
// values (Device owns Zones, Zone calls back into Device for I/O and
// resource accounting).
type Backend interface {
	BlockSize() uint32
	ZoneSize() uint64
	WriteAt(data []byte, off int64) (n int, err error)
	ResetZone(start, size uint64) (capacity uint64, offline bool, err error)
	FinishZone(start, size uint64) error
	CloseZone(start, size uint64) error
	// NotifyZoneClosed/NotifyZoneFull decrement the device's open/active
	// zone counters and wake any allocator blocked on zone_resources_cv.
	NotifyZoneClosed()
	NotifyZoneFull()
	// ObserveExtentLength records one successfully written extent's length
	// into the device's metrics registry.
	ObserveExtentLength(length float64)
}

// Zone is one physical zone of the device: its geometry, write pointer,
// capacity accounting and the (insertion-ordered) extents written into it.
//
// Invariants (see §3 of the design):
//  1. capacity = maxCapacity - (wp - start) while writable; capacity == 0
//     iff IsFull(); wp == start iff IsEmpty().
//  2. usedCapacity == sum of length over valid extents; usedCapacity <= wp-start.
//  3. At most one writer holds the zone (openForWrite); Reset is forbidden
//     while usedCapacity > 0 or openForWrite.
//  4. Writes to the backend happen only at offset wp, in multiples of the
//     block size, and only while no other writer holds the zone.
type Zone struct {
	dev Backend

	id    ID
	start uint64

	// mu guards wp, capacity, maxCapacity, lifetime and the extents slice.
	// Per invariant 4 there is at most one writer at a time, so this lock
	// is held only briefly; the cleaner instead busy-waits on isAppend
	// before reading extents (see the design's note on the is_append spin).
	mu          sync.Mutex
	maxCapacity uint64
	capacity    uint64
	wp          uint64
	lifetime    LifetimeHint
	secondaryLT float64
	extents     []*Extent

	usedCapacity atomic.Int64
	openForWrite atomic.Bool
	isAppend     atomic.Bool
}

// New constructs a Zone from reported geometry. capacity is the amount of
// space still writable ahead of wp (0 for a full, offline or read-only zone).
func New(dev Backend, id ID, start, maxCapacity, wp, capacity uint64) *Zone {
	return &Zone{
		dev:         dev,
		id:          id,
		start:       start,
		maxCapacity: maxCapacity,
		capacity:    capacity,
		wp:          wp,
		lifetime:    NotSet,
	}
}

func (z *Zone) ID() ID        { return z.id }
func (z *Zone) Start() uint64 { return z.start }

// CapacityLeft returns the number of bytes still writable ahead of wp.
func (z *Zone) CapacityLeft() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.capacity
}

// MaxCapacity returns the zone's total writable capacity when empty.
func (z *Zone) MaxCapacity() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.maxCapacity
}

// WritePointer returns the zone's current write pointer.
func (z *Zone) WritePointer() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.wp
}

func (z *Zone) IsFull() bool {
	return z.CapacityLeft() == 0
}

// WrittenBytes returns wp-start: the number of bytes ever written into
// this zone since its last reset.
func (z *Zone) WrittenBytes() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.wp - z.start
}

// InvalidBytes returns the number of written bytes that no longer belong
// to any valid extent: WrittenBytes minus UsedCapacity. This is the GC
// priority queue's ranking key (§4.4's "invalid bytes descending").
func (z *Zone) InvalidBytes() uint64 {
	written := z.WrittenBytes()
	used := uint64(z.UsedCapacity())
	if used >= written {
		return 0
	}
	return written - used
}

func (z *Zone) IsEmpty() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.wp == z.start
}

// IsUsed reports whether the zone holds any live bytes or has a writer
// attached; Reset is forbidden whenever this is true.
func (z *Zone) IsUsed() bool {
	return z.UsedCapacity() > 0 || z.OpenForWrite()
}

func (z *Zone) UsedCapacity() int64    { return z.usedCapacity.Load() }
func (z *Zone) OpenForWrite() bool     { return z.openForWrite.Load() }
func (z *Zone) IsAppendInFlight() bool { return z.isAppend.Load() }

func (z *Zone) Lifetime() LifetimeHint {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.lifetime
}

func (z *Zone) SetLifetime(lt LifetimeHint) {
	z.mu.Lock()
	z.lifetime = lt
	z.mu.Unlock()
}

func (z *Zone) SecondaryLifetime() float64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.secondaryLT
}

// Extents returns a snapshot copy of the zone's insertion-ordered extent
// list. Callers that need a stable view while the cleaner runs should first
// wait on IsAppendInFlight per the design's busy-wait note.
func (z *Zone) Extents() []*Extent {
	z.mu.Lock()
	defer z.mu.Unlock()
	out := make([]*Extent, len(z.extents))
	copy(out, z.extents)
	return out
}

// SetOpenForWrite marks the zone as having exactly one writer attached.
// It does not touch the device's open-zone count; callers increment it
// themselves (Device.IncOpenCount). Callers must hold
// io_zones_mtx-equivalent serialization (the allocator does).
func (z *Zone) SetOpenForWrite() { z.openForWrite.Store(true) }

// markWriterGone is an internal helper for CloseWR.
func (z *Zone) markWriterGone() { z.openForWrite.Store(false) }

// Append writes data at the current write pointer. len(data) must be a
// multiple of the device block size and must not exceed CapacityLeft.
func (z *Zone) Append(data []byte, fileID FileID, level int, lifetime LifetimeHint) (*Extent, error) {
	size := uint64(len(data))
	bs := uint64(z.dev.BlockSize())
	if bs != 0 && size%bs != 0 {
		return nil, zbderrors.New(zbderrors.InvalidArgument, "append size is not a multiple of the block size")
	}

	z.mu.Lock()
	if size > z.capacity {
		z.mu.Unlock()
		return nil, zbderrors.New(zbderrors.NoSpace, "not enough capacity for append")
	}
	writeAt := z.wp
	z.mu.Unlock()

	z.isAppend.Store(true)
	defer z.isAppend.Store(false)

	written := 0
	for written < len(data) {
		n, err := z.dev.WriteAt(data[written:], int64(writeAt)+int64(written))
		if err != nil {
			z.mu.Lock()
			z.wp += uint64(written)
			z.capacity -= uint64(written)
			z.mu.Unlock()
			return nil, zbderrors.Wrap(err, zbderrors.IOError, "write failed in zone append")
		}
		written += n
	}

	ext := &Extent{
		Start:    writeAt,
		Length:   uint32(size),
		Zone:     z.id,
		File:     fileID,
		Level:    level,
		Lifetime: lifetime,
		valid:    true,
	}

	z.mu.Lock()
	z.wp += size
	z.capacity -= size
	if z.lifetime == NotSet {
		z.lifetime = lifetime
	}
	z.extents = append(z.extents, ext)
	z.mu.Unlock()

	z.usedCapacity.Add(int64(size))
	z.dev.ObserveExtentLength(float64(size))
	return ext, nil
}

// Reset wholesale-resets the zone. Forbidden while the zone IsUsed().
func (z *Zone) Reset() error {
	if z.IsUsed() {
		return zbderrors.New(zbderrors.InvalidArgument, "reset of a used zone")
	}

	capacity, offline, err := z.dev.ResetZone(z.start, z.dev.ZoneSize())
	if err != nil {
		return zbderrors.Wrap(err, zbderrors.IOError, "zone reset failed")
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if offline {
		z.capacity = 0
	} else {
		z.maxCapacity = capacity
		z.capacity = capacity
	}
	z.wp = z.start
	z.lifetime = NotSet
	z.secondaryLT = 0
	z.extents = nil
	return nil
}

// Finish marks the zone as full without writing further data. Forbidden
// while the zone has a writer attached.
func (z *Zone) Finish() error {
	if z.OpenForWrite() {
		return zbderrors.New(zbderrors.InvalidArgument, "finish of a zone with an active writer")
	}
	if err := z.dev.FinishZone(z.start, z.dev.ZoneSize()); err != nil {
		return zbderrors.Wrap(err, zbderrors.IOError, "zone finish failed")
	}
	z.mu.Lock()
	z.capacity = 0
	z.wp = z.start + z.dev.ZoneSize()
	z.mu.Unlock()
	return nil
}

// Close issues a device close for the zone unless it is already empty or
// full, in which case it is a no-op. Forbidden while the zone has a writer
// attached.
func (z *Zone) Close() error {
	if z.OpenForWrite() {
		return zbderrors.New(zbderrors.InvalidArgument, "close of a zone with an active writer")
	}
	if z.IsEmpty() || z.IsFull() {
		return nil
	}
	if err := z.dev.CloseZone(z.start, z.dev.ZoneSize()); err != nil {
		return zbderrors.Wrap(err, zbderrors.IOError, "zone close failed")
	}
	return nil
}

// CloseWR releases the zone's writer, closes it at the device level if
// appropriate, and notifies the device so a blocked allocator can proceed.
// The device-level close error, if any, is the same "logged, non-fatal"
// class as a Reset/Finish failure (§7): open_count must still drop by one
// since the writer really is gone, so NotifyZoneClosed fires regardless of
// whether the close ioctl itself succeeded.
func (z *Zone) CloseWR() {
	z.markWriterGone()
	_ = z.Close()
	z.dev.NotifyZoneClosed()
	if z.IsFull() {
		z.dev.NotifyZoneFull()
	}
}

// Invalidate marks the given extent as dead. It is a (non-fatal) error to
// invalidate an extent that isn't found in this zone, or that is already
// invalid.
func (z *Zone) Invalidate(e *Extent) error {
	z.mu.Lock()
	var found *Extent
	for _, ex := range z.extents {
		if ex == e && ex.valid {
			found = ex
			break
		}
	}
	if found != nil {
		found.invalidate()
	}
	z.mu.Unlock()

	if found == nil {
		return zbderrors.New(zbderrors.InvalidArgument, "invalidate of an unknown or already-invalid extent")
	}
	z.usedCapacity.Add(-int64(found.Length))
	return nil
}

// UpdateSecondaryLifetime recomputes the zone's secondary lifetime as the
// length-weighted mean of the hints of all current extents plus a
// prospective new extent of the given length and hint. This is advisory
// bookkeeping only: it feeds SecondaryLifetimeDiff, which the allocator
// does not currently consult (see the design's note on secondary lifetime).
func (z *Zone) UpdateSecondaryLifetime(lt LifetimeHint, length uint64) {
	z.mu.Lock()
	defer z.mu.Unlock()

	var total uint64
	for _, e := range z.extents {
		total += uint64(e.Length)
	}
	total += length
	if total == 0 {
		z.secondaryLT = 0
		return
	}

	var slt float64
	for _, e := range z.extents {
		weight := float64(e.Length) / float64(total)
		slt += weight * float64(e.Lifetime)
	}
	weight := float64(length) / float64(total)
	slt += weight * float64(lt)
	z.secondaryLT = slt
}

// SecondaryLifetimeDiff scores how far the zone's current secondary
// lifetime is from what it would be with one more "expected size" extent
// at fileLifetime, mirroring the original GetSLifeTimeDiff. Unused by the
// allocator; kept for parity (see the design's note on secondary lifetime).
func (z *Zone) SecondaryLifetimeDiff(fileLifetime LifetimeHint) float64 {
	z.mu.Lock()
	extents := make([]*Extent, len(z.extents))
	copy(extents, z.extents)
	secondary := z.secondaryLT
	z.mu.Unlock()

	if len(extents) == 0 {
		return 0
	}

	var total uint64
	for _, e := range extents {
		total += uint64(e.Length)
	}
	expected := total / uint64(len(extents))
	total += expected

	var slt float64
	for _, e := range extents {
		weight := float64(e.Length) / float64(total)
		slt += weight * float64(e.Lifetime)
	}
	weight := float64(expected) / float64(total)
	slt += weight * float64(fileLifetime)

	if secondary >= slt {
		return secondary - slt
	}
	return slt - secondary
}
