package zone

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/kkkday/zbd/lib/zbderrors"
)

// fakeBackend is a minimal in-memory Backend for exercising Zone in
// isolation, in the spirit of the teacher's db.KVDB test factories.
type fakeBackend struct {
	blockSize uint32
	zoneSize  uint64
	buf       []byte

	closedNotifications int32
	fullNotifications    int32
	extentLengths        []float64

	resetCapacity uint64
	resetOffline  bool
	failReset     bool
	failFinish    bool
	failClose     bool
	failWrite     bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		blockSize:     512,
		zoneSize:      4096,
		buf:           make([]byte, 4096),
		resetCapacity: 4096,
	}
}

func (f *fakeBackend) BlockSize() uint32 { return f.blockSize }
func (f *fakeBackend) ZoneSize() uint64  { return f.zoneSize }

func (f *fakeBackend) WriteAt(data []byte, off int64) (int, error) {
	if f.failWrite {
		return 0, bytes.ErrTooLarge
	}
	copy(f.buf[off:], data)
	return len(data), nil
}

func (f *fakeBackend) ResetZone(start, size uint64) (uint64, bool, error) {
	if f.failReset {
		return 0, false, bytes.ErrTooLarge
	}
	return f.resetCapacity, f.resetOffline, nil
}

func (f *fakeBackend) FinishZone(start, size uint64) error {
	if f.failFinish {
		return bytes.ErrTooLarge
	}
	return nil
}

func (f *fakeBackend) CloseZone(start, size uint64) error {
	if f.failClose {
		return bytes.ErrTooLarge
	}
	return nil
}

func (f *fakeBackend) NotifyZoneClosed() { atomic.AddInt32(&f.closedNotifications, 1) }
func (f *fakeBackend) NotifyZoneFull()   { atomic.AddInt32(&f.fullNotifications, 1) }

func (f *fakeBackend) ObserveExtentLength(length float64) {
	f.extentLengths = append(f.extentLengths, length)
}

func TestZoneAppendAdvancesWritePointerAndCapacity(t *testing.T) {
	be := newFakeBackend()
	z := New(be, 0, 0, 4096, 0, 4096)

	data := make([]byte, 1024)
	ext, err := z.Append(data, 1, 0, Medium)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ext.Start != 0 || ext.Length != 1024 {
		t.Fatalf("unexpected extent %+v", ext)
	}
	if z.WritePointer() != 1024 {
		t.Fatalf("wp = %d, want 1024", z.WritePointer())
	}
	if z.CapacityLeft() != 4096-1024 {
		t.Fatalf("capacity = %d, want %d", z.CapacityLeft(), 4096-1024)
	}
	if z.UsedCapacity() != 1024 {
		t.Fatalf("used capacity = %d, want 1024", z.UsedCapacity())
	}
	if z.Lifetime() != Medium {
		t.Fatalf("lifetime = %v, want Medium", z.Lifetime())
	}
}

func TestZoneAppendRejectsUnalignedSize(t *testing.T) {
	be := newFakeBackend()
	z := New(be, 0, 0, 4096, 0, 4096)

	_, err := z.Append(make([]byte, 100), 1, 0, Medium)
	if !zbderrors.Is(err, zbderrors.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestZoneAppendRejectsOverCapacity(t *testing.T) {
	be := newFakeBackend()
	z := New(be, 0, 0, 4096, 0, 512)

	_, err := z.Append(make([]byte, 1024), 1, 0, Medium)
	if !zbderrors.Is(err, zbderrors.NoSpace) {
		t.Fatalf("expected NoSpace, got %v", err)
	}
}

func TestZoneInvalidateAndUsedCapacity(t *testing.T) {
	be := newFakeBackend()
	z := New(be, 0, 0, 4096, 0, 4096)

	ext, _ := z.Append(make([]byte, 512), 1, 0, Medium)
	if z.UsedCapacity() != 512 {
		t.Fatalf("expected used capacity 512")
	}

	if err := z.Invalidate(ext); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if z.UsedCapacity() != 0 {
		t.Fatalf("expected used capacity 0 after invalidate, got %d", z.UsedCapacity())
	}

	// Double invalidation is a reported, non-fatal error.
	if err := z.Invalidate(ext); !zbderrors.Is(err, zbderrors.InvalidArgument) {
		t.Fatalf("expected InvalidArgument on double invalidate, got %v", err)
	}

	// Unknown extent.
	foreign := &Extent{valid: true}
	if err := z.Invalidate(foreign); !zbderrors.Is(err, zbderrors.InvalidArgument) {
		t.Fatalf("expected InvalidArgument on unknown extent, got %v", err)
	}
}

func TestZoneResetForbiddenWhileUsed(t *testing.T) {
	be := newFakeBackend()
	z := New(be, 0, 0, 4096, 0, 4096)
	z.Append(make([]byte, 512), 1, 0, Medium)

	if err := z.Reset(); err == nil {
		t.Fatal("expected reset to be forbidden while used")
	}
}

func TestZoneResetClearsState(t *testing.T) {
	be := newFakeBackend()
	z := New(be, 0, 0, 4096, 0, 4096)
	ext, _ := z.Append(make([]byte, 512), 1, 0, Medium)
	z.Invalidate(ext)

	if err := z.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !z.IsEmpty() {
		t.Fatal("expected zone to be empty after reset")
	}
	if z.Lifetime() != NotSet {
		t.Fatalf("expected lifetime reset to NotSet, got %v", z.Lifetime())
	}
	if len(z.Extents()) != 0 {
		t.Fatal("expected extents cleared after reset")
	}
}

func TestZoneResetOffline(t *testing.T) {
	be := newFakeBackend()
	be.resetOffline = true
	z := New(be, 0, 0, 4096, 0, 4096)

	if err := z.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if z.CapacityLeft() != 0 {
		t.Fatalf("expected capacity 0 for an offline zone, got %d", z.CapacityLeft())
	}
}

func TestZoneFinishForbiddenWhileOpenForWrite(t *testing.T) {
	be := newFakeBackend()
	z := New(be, 0, 0, 4096, 0, 4096)
	z.SetOpenForWrite()

	if err := z.Finish(); err == nil {
		t.Fatal("expected finish to be forbidden while open for write")
	}
}

func TestZoneFinishSetsFullAndAdvancesWP(t *testing.T) {
	be := newFakeBackend()
	z := New(be, 0, 0, 4096, 0, 4096)

	if err := z.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !z.IsFull() {
		t.Fatal("expected zone to be full after finish")
	}
	if z.WritePointer() != 4096 {
		t.Fatalf("wp = %d, want zone size", z.WritePointer())
	}
}

func TestZoneCloseWRNotifiesDevice(t *testing.T) {
	be := newFakeBackend()
	z := New(be, 0, 0, 4096, 0, 4096)
	z.SetOpenForWrite()
	z.Append(make([]byte, 1024), 1, 0, Medium)

	z.CloseWR()

	if z.OpenForWrite() {
		t.Fatal("expected writer released")
	}
	if atomic.LoadInt32(&be.closedNotifications) != 1 {
		t.Fatalf("expected one close notification, got %d", be.closedNotifications)
	}
	if atomic.LoadInt32(&be.fullNotifications) != 0 {
		t.Fatalf("zone isn't full, expected no full notification")
	}
}

func TestZoneCloseWRNotifiesFullWhenExhausted(t *testing.T) {
	be := newFakeBackend()
	z := New(be, 0, 0, 512, 0, 512)
	z.SetOpenForWrite()
	z.Append(make([]byte, 512), 1, 0, Medium)

	z.CloseWR()

	if atomic.LoadInt32(&be.closedNotifications) != 1 {
		t.Fatalf("expected one close notification even for a full zone, got %d", be.closedNotifications)
	}
	if atomic.LoadInt32(&be.fullNotifications) != 1 {
		t.Fatalf("expected one full notification, got %d", be.fullNotifications)
	}
}

func TestZoneCloseWRNotifiesDeviceEvenWhenDeviceCloseFails(t *testing.T) {
	be := newFakeBackend()
	z := New(be, 0, 0, 4096, 0, 4096)
	z.SetOpenForWrite()
	z.Append(make([]byte, 1024), 1, 0, Medium)
	be.failClose = true

	z.CloseWR()

	if z.OpenForWrite() {
		t.Fatal("expected writer released even though the device close failed")
	}
	if atomic.LoadInt32(&be.closedNotifications) != 1 {
		t.Fatalf("expected open_count-- even on a failed device close, got %d notifications", be.closedNotifications)
	}
}
