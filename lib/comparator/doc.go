// Package comparator abstracts the LSM engine's internal-key comparator,
// the one collaborator interface the allocator needs in order to colocate
// overlapping or adjacent-level data.
//
// The original source decodes the user-key prefix of an internal key as a
// hexadecimal integer and computes the overlap ratio as numeric distance
// over the hex-decoded key space. That is specific to one host engine's key
// encoding (see the design's open question on this), so here the "overlap
// width" computation is a pluggable function on the comparator rather than
// baked-in hex parsing: callers supply the encoding that matches their LSM
// engine, and a HexWidth implementation is provided for engines that do use
// that convention, matching the documented (bug-free) behavior of §4.3 step 5.
package comparator
