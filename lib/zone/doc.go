// Package zone implements the physical zone and extent model of the zone
// core (components C1/C2 of the design): a Zone tracks one physical zone's
// geometry, write pointer and capacity accounting, and an ExtentRecord
// tracks one contiguous written range inside a zone.
//
// A Zone owns its extents; extents hold only dense integer back-references
// to their owning zone and file, never pointers, so they stay trivially
// relocatable (see the design's note on back-references).
package zone
