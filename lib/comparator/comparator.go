package comparator

// InternalKey is an opaque LSM internal key (user key plus sequence number
// and value type, in whatever encoding the collaborator engine uses). The
// core never inspects its bytes directly except through the Comparator and
// WidthFunc below.
type InternalKey []byte

// Comparator is the internal-key comparator the LSM engine (a collaborator,
// out of scope per §1) exposes to the core. It provides exactly the
// operation the allocator needs: ordering two internal keys.
type Comparator interface {
	// Compare returns <0, 0, >0 as a < b, a == b, a > b.
	Compare(a, b InternalKey) int
}

// WidthFunc computes a scalar "width" for an internal key's user-key
// prefix, used to turn a byte range into a numeric distance for overlap
// ratio computation (§4.3 step 5, §9's open question). Implementations are
// specific to one engine's key encoding.
type WidthFunc func(k InternalKey) (width float64, ok bool)

// OverlapRatio computes the fraction of [candidateSmallest,candidateLargest]
// covered by [newSmallest,newLargest], using width to turn keys into a
// numeric scale. It returns ok=false if either range collapses to zero
// width (the ratio is undefined) or if any key can't be decoded by width.
func OverlapRatio(width WidthFunc, newSmallest, newLargest, candidateSmallest, candidateLargest InternalKey) (ratio float64, ok bool) {
	ownMin, ok1 := width(candidateSmallest)
	ownMax, ok2 := width(candidateLargest)
	if !ok1 || !ok2 || ownMax == ownMin {
		return 0, false
	}

	newMin, ok3 := width(newSmallest)
	newMax, ok4 := width(newLargest)
	if !ok3 || !ok4 {
		return 0, false
	}

	overMin := newMin
	if ownMin > overMin {
		overMin = ownMin
	}
	overMax := newMax
	if ownMax < overMax {
		overMax = ownMax
	}
	if overMax <= overMin {
		return 0, true
	}

	return (overMax - overMin) / (ownMax - ownMin), true
}
