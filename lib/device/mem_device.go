package device

import (
	"sync"

	"github.com/kkkday/zbd/lib/zbderrors"
)

// memZone is one zone's mutable state inside a MemDevice.
type memZone struct {
	capacity uint64
	wp       uint64 // relative to zone start
	cond     Condition
	offline  bool
}

// MemDevice is an in-memory BlockDevice, used by tests and by any non-Linux
// build that still wants to exercise the zone core end to end. It plays the
// role the teacher's in-memory test fakes play for db.KVDB implementations.
type MemDevice struct {
	mu sync.Mutex

	blockSize uint32
	zoneSize  uint64
	nrZones   uint64
	model     Model

	maxOpenZones   uint32
	maxActiveZones uint32

	zones []memZone
	data  []byte

	// FailResetAt/FailWriteAt let tests inject failures at specific zone
	// start offsets, mirroring how the teacher's fake transports let tests
	// simulate partial failures (rpc/client/*_test.go style fakes).
	FailResetAt map[uint64]bool
	FailWriteAt map[int64]bool
}

// NewMemDevice creates a MemDevice with nrZones zones of zoneSize bytes,
// all reported SWR and empty.
func NewMemDevice(nrZones uint64, zoneSize uint64, blockSize uint32, maxOpen, maxActive uint32) *MemDevice {
	d := &MemDevice{
		blockSize:      blockSize,
		zoneSize:       zoneSize,
		nrZones:        nrZones,
		model:          ModelHostManaged,
		maxOpenZones:   maxOpen,
		maxActiveZones: maxActive,
		zones:          make([]memZone, nrZones),
		data:           make([]byte, nrZones*zoneSize),
		FailResetAt:    map[uint64]bool{},
		FailWriteAt:    map[int64]bool{},
	}
	for i := range d.zones {
		d.zones[i] = memZone{capacity: zoneSize, cond: CondEmpty}
	}
	return d
}

func (d *MemDevice) Info() (Info, error) {
	return Info{
		Model:          d.model,
		NrZones:        d.nrZones,
		ZoneSize:       d.zoneSize,
		BlockSize:      d.blockSize,
		MaxOpenZones:   d.maxOpenZones,
		MaxActiveZones: d.maxActiveZones,
	}, nil
}

func (d *MemDevice) zoneIndex(start uint64) int { return int(start / d.zoneSize) }

func (d *MemDevice) reportLocked(idx int) ZoneReport {
	z := d.zones[idx]
	start := uint64(idx) * d.zoneSize
	return ZoneReport{
		Start:    start,
		Capacity: z.capacity,
		WP:       start + z.wp,
		Type:     ZoneTypeSWR,
		Cond:     z.cond,
	}
}

func (d *MemDevice) ReportZones() ([]ZoneReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ZoneReport, len(d.zones))
	for i := range d.zones {
		out[i] = d.reportLocked(i)
	}
	return out, nil
}

func (d *MemDevice) ReportZone(start uint64) (ZoneReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.zoneIndex(start)
	if idx < 0 || idx >= len(d.zones) {
		return ZoneReport{}, zbderrors.New(zbderrors.InvalidArgument, "report of an out-of-range zone")
	}
	return d.reportLocked(idx), nil
}

func (d *MemDevice) ResetZones(start, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.zoneIndex(start)
	if d.FailResetAt[start] {
		return zbderrors.New(zbderrors.IOError, "injected reset failure")
	}
	z := &d.zones[idx]
	if z.offline {
		z.cond = CondOffline
		return nil
	}
	z.wp = 0
	z.capacity = d.zoneSize
	z.cond = CondEmpty
	return nil
}

func (d *MemDevice) OpenZones(start, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.zoneIndex(start)
	d.zones[idx].cond = CondExplicitOpen
	return nil
}

func (d *MemDevice) CloseZones(start, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.zoneIndex(start)
	z := &d.zones[idx]
	if z.wp != 0 && z.wp < d.zoneSize {
		z.cond = CondClosed
	}
	return nil
}

func (d *MemDevice) FinishZones(start, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.zoneIndex(start)
	z := &d.zones[idx]
	z.wp = d.zoneSize
	z.capacity = 0
	z.cond = CondFull
	return nil
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(d.data) {
		return 0, zbderrors.New(zbderrors.IOError, "read out of range")
	}
	n := copy(p, d.data[off:])
	return n, nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWriteAt[off] {
		return 0, zbderrors.New(zbderrors.IOError, "injected write failure")
	}
	if off < 0 || int(off)+len(p) > len(d.data) {
		return 0, zbderrors.New(zbderrors.IOError, "write out of range")
	}
	n := copy(d.data[off:], p)

	idx := d.zoneIndex(uint64(off))
	z := &d.zones[idx]
	rel := uint64(off) - uint64(idx)*d.zoneSize
	if rel+uint64(n) > z.wp {
		z.wp = rel + uint64(n)
	}
	if z.cond == CondEmpty {
		z.cond = CondImplicitOpen
	}
	if z.wp >= z.capacity {
		z.cond = CondFull
	}
	return n, nil
}

func (d *MemDevice) Close() error { return nil }

// SetOffline marks a zone as offline, so a subsequent Reset reports it
// offline instead of re-empty (exercises Zone.Reset's offline branch).
func (d *MemDevice) SetOffline(start uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.zoneIndex(start)
	d.zones[idx].offline = true
	d.zones[idx].cond = CondOffline
}
