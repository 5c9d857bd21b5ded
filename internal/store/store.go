// Package store defines the abstract Store contract the synchronization
// core requires (spec §4.1) and the backends that implement it: memstore
// (in-memory, used by tests) and sqlitestore (the production backend,
// internal/store/sqlitestore).
package store

import (
	"context"

	"github.com/notmuch-tools/notmuch-sync/internal/model"
)

// MessageIter yields (id, record) pairs lazily. Implementations should
// release any underlying cursor once Close is called or iteration is
// exhausted.
type MessageIter interface {
	Next() bool
	Value() (model.MessageId, model.MessageRecord)
	Err() error
	Close() error
}

// Store is the abstract contract the core requires of the search database
// and its maildir tree (spec §4.1). The core holds a writer handle only
// during brief mutating windows (spec §5); Store implementations must
// serialize their own writers and allow concurrent readers.
type Store interface {
	// Revision returns the Store's current (rev, uuid).
	Revision(ctx context.Context) (model.Revision, error)

	// Root returns the absolute path of the maildir root.
	Root() string

	// MessagesSince yields every message whose last-modified revision is
	// strictly greater than rev. rev == 0 yields every message.
	MessagesSince(ctx context.Context, rev uint64) (MessageIter, error)

	// AllIDs returns every MessageId currently in the index that has at
	// least one file; ghosts are left out, as Find reports them absent.
	AllIDs(ctx context.Context) ([]model.MessageId, error)

	// Find looks up id. ok is false if id is absent or a ghost (spec
	// §4.1, §9: ghosts are reported as absent for this core).
	Find(ctx context.Context, id model.MessageId) (tags model.TagSet, files []model.FileRecord, ok bool, err error)

	// SetTags atomically replaces id's tag set and propagates the subset
	// of tags that map to maildir flag letters into the file names on
	// disk (flag synchronization).
	SetTags(ctx context.Context, id model.MessageId, tags model.TagSet) error

	// AddFile ingests a maildir file at absPath, linking it to the
	// message with the matching Message-ID. isDuplicate is true if that
	// Message-ID was already present in the store.
	AddFile(ctx context.Context, absPath string) (id model.MessageId, isDuplicate bool, err error)

	// RemoveFile detaches absPath from its message, destroying the
	// message if it was the last file.
	RemoveFile(ctx context.Context, absPath string) error

	// Fingerprint returns the content hash of absPath, optionally served
	// from a cache keyed on the absolute path and checked against the
	// file's (mtime, size).
	Fingerprint(ctx context.Context, absPath string) (string, error)
}
