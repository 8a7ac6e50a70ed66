package zone

// ID identifies a Zone. IDs are dense and assigned in enumeration order by
// the Device at open time.
type ID uint32

// FileID identifies a file owned by the metadata-log collaborator. The core
// never looks inside a file; it only carries this id around as a map key.
type FileID uint64

// Extent is a contiguous, immutable range of bytes written into a zone,
// tagged with the file that owns it.
//
// Zone and File are non-owning, dense-id back-references rather than raw
// pointers (see the design's note on back-references): an Extent is owned
// exclusively by the Zone.extents slice it lives in, and is destroyed only
// when that Zone is Reset.
type Extent struct {
	Start    uint64       // device offset
	Length   uint32       // byte length
	Zone     ID           // owning zone
	File     FileID       // owning file
	Level    int          // LSM level at creation time; 100 means "no level information"
	Lifetime LifetimeHint // hint at creation time
	valid    bool
}

// Valid reports whether the extent is still live. An invalidated extent
// stays in its zone's extent list (for accounting) until the zone is reset.
func (e *Extent) Valid() bool { return e.valid }

// invalidate flips the extent to dead. It is idempotent from the caller's
// perspective only via Zone.Invalidate, which guards against double-invalidation.
func (e *Extent) invalidate() { e.valid = false }
