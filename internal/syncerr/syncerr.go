// Package syncerr defines the fatal and recoverable error kinds a sync run
// can produce, per spec §7. Callers check with errors.Is/errors.As rather
// than string-matching.
package syncerr

import "fmt"

// Sentinel kinds. Wrap these with fmt.Errorf("...: %w", Kind) at the call
// site so errors.Is still matches while the message carries detail.
var (
	// ErrBookmarkIncompatible: UUID mismatch, rev-from-future, or an
	// unparseable bookmark file. Fatal, abort before any mutation.
	ErrBookmarkIncompatible = fmt.Errorf("bookmark incompatible")

	// ErrHashMismatch: a received file's content hash did not match the
	// advertised sha. Fatal, the file is not written.
	ErrHashMismatch = fmt.Errorf("hash mismatch")

	// ErrDivergentFileSet: reconciler safety assertion tripped (local and
	// remote file name sets share nothing for a message neither side
	// touched). Fatal.
	ErrDivergentFileSet = fmt.Errorf("local/remote file set disjoint")

	// ErrPeerStream: the duplex stream to the peer failed.
	ErrPeerStream = fmt.Errorf("peer stream failure")

	// ErrLocalFileNotFound: the peer asked for a file we don't have.
	ErrLocalFileNotFound = fmt.Errorf("local file not found")

	// ErrOverwriteConflict: destination exists with different content
	// than what we're about to write.
	ErrOverwriteConflict = fmt.Errorf("overwrite conflict")
)

// LookupMiss and DuplicateAdd are not sentinel errors: spec §7 marks them
// recoverable (log-and-continue), so callers never return them as errors.
// They're represented as plain bool/ok returns at the call sites instead.
