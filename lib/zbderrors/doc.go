// Package zbderrors defines the structured error kinds the zone core uses
// to report failures to its callers (§7 of the design).
//
// The shape mirrors the teacher's lib/store.Error/store.RetCode pattern: a
// small closed set of kinds wrapping an underlying cause, rather than
// raw fmt.Errorf strings, so callers can branch on Kind() instead of
// string-matching. Wrapping and inspection go through
// github.com/cockroachdb/errors, the error library the wider example pack
// (cockroachdb-pebble) uses throughout its own error-handling code.
package zbderrors
