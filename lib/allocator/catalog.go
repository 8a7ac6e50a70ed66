package allocator

import (
	"github.com/kkkday/zbd/lib/comparator"
	"github.com/kkkday/zbd/lib/zone"
)

// Catalog is the LSM engine's file-enumeration surface, consumed but not
// implemented here (the collaborator API: SameLevelFileList,
// GetAllOverlappingFiles, Getlevel). The allocator never inspects file
// contents; it only asks the catalog which files matter for colocation.
type Catalog interface {
	// OverlappingFiles returns the ids of files whose key range overlaps
	// [smallest, largest], in unspecified order (the allocator sorts them).
	OverlappingFiles(smallest, largest comparator.InternalKey) []zone.FileID

	// SameLevelFiles returns every file at level, sorted ascending by
	// smallest key (the invariant an LSM level already maintains).
	SameLevelFiles(level int) []zone.FileID

	// L0Files returns every level-0 file, in unspecified order.
	L0Files() []zone.FileID
}
