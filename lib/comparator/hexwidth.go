package comparator

import "strconv"

// internalKeySuffixLen is the trailing (sequence number << 8 | value type)
// suffix RocksDB-style internal keys append to the user key; the user-key
// prefix is everything before it. Engines that don't use this 8-byte
// trailer should supply their own WidthFunc instead of HexWidth.
const internalKeySuffixLen = 8

// HexWidth implements the original source's width function: it treats the
// user-key prefix of an internal key as an ASCII hexadecimal integer and
// returns its numeric value. This only makes sense for engines that encode
// keys this way (see the design's open question) — do not wire this up
// without confirming the host engine's key encoding matches.
func HexWidth(k InternalKey) (float64, bool) {
	if len(k) <= internalKeySuffixLen {
		return 0, false
	}
	userKey := k[:len(k)-internalKeySuffixLen]

	v, err := strconv.ParseUint(string(userKey), 16, 64)
	if err != nil {
		return 0, false
	}
	return float64(v), true
}
