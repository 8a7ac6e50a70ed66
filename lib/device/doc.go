// Package device implements the Device component (C3): it opens a zoned
// block device, enumerates its zones, partitions them into meta/reserved/io
// pools, and tracks the global open/active zone counters the allocator
// gates on.
//
// The control-path/data-path surface a real device exposes (report zones,
// reset/open/close/finish zones, positioned read/write) is abstracted by
// the BlockDevice interface so the Device's pooling and accounting logic
// can be exercised against an in-memory fake (MemDevice) without real
// hardware, the same way the teacher's lib/db package separates the KVDB
// interface from the maple engine that implements it.
package device
