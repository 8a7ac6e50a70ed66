// Package allocator implements the write-target Allocator (C5): choosing
// a zone for a new SSTable write given its lifetime hint, key range and
// LSM level, gated by the device's open/active zone caps and colocating
// related data the way the device's housekeeping and pre-emptive cleaning
// passes expect.
//
// The allocator consumes two collaborators it does not implement: an
// internal-key Comparator (package comparator) and a Catalog, the
// LSM engine's file enumeration surface (SameLevelFiles,
// OverlappingFiles, L0Files) — both out of scope per the design's
// external-collaborators note.
package allocator
