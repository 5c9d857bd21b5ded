// Package changeset computes the set of messages modified since a
// revision (spec §4.4) and (de)serializes it to the wire JSON format of
// spec §6.2.
package changeset

import (
	"context"
	"fmt"
	"runtime"

	"github.com/alitto/pond"
	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/store"
	"github.com/notmuch-tools/notmuch-sync/internal/syncerr"
	"github.com/sirupsen/logrus"
)

// Build computes the ChangeSet for every message modified after sinceRev
// (0 means "everything"). Records, including each file's content hash,
// are taken as the Store's MessagesSince iterator yields them; Build does
// no fingerprinting of its own.
func Build(ctx context.Context, logger *logrus.Logger, s store.Store, sinceRev uint64) (model.ChangeSet, error) {
	it, err := s.MessagesSince(ctx, sinceRev)
	if err != nil {
		return nil, fmt.Errorf("changeset: MessagesSince: %w", err)
	}
	defer it.Close()

	cs := make(model.ChangeSet)
	for it.Next() {
		id, rec := it.Value()
		cs[id] = rec
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("changeset: iterating: %w", err)
	}
	logger.Debugf("changeset: %d messages since rev %d", len(cs), sinceRev)
	return cs, nil
}

// BuildFromBookmark applies the validation rules of spec §4.4 before
// computing the ChangeSet: uuid mismatch or a future revision is fatal
// (BookmarkIncompatible); no prior state means "everything".
func BuildFromBookmark(ctx context.Context, logger *logrus.Logger, s store.Store, priorState model.SyncState, havePriorState bool) (model.ChangeSet, error) {
	rev, err := s.Revision(ctx)
	if err != nil {
		return nil, err
	}
	if !havePriorState {
		return Build(ctx, logger, s, 0)
	}
	if priorState.UUID != rev.UUID {
		return nil, fmt.Errorf("%w: bookmark uuid %s does not match store uuid %s (database was rebuilt)", syncerr.ErrBookmarkIncompatible, priorState.UUID, rev.UUID)
	}
	if priorState.Rev > rev.Rev {
		return nil, fmt.Errorf("%w: bookmark rev %d exceeds store rev %d", syncerr.ErrBookmarkIncompatible, priorState.Rev, rev.Rev)
	}
	return Build(ctx, logger, s, priorState.Rev)
}

// fingerprintPool spins up a bounded pond pool of runtime.NumCPU()
// workers for concurrent local file I/O; callers must StopAndWait it when
// done.
func fingerprintPool() *pond.WorkerPool {
	size := runtime.NumCPU()
	return pond.New(size, 0, pond.MinWorkers(1))
}

// NewFingerprintPool exposes fingerprintPool to other packages in this
// module, so the pool sizing policy lives in one place. Its one user is
// internal/transfer, which reads requested file bodies through it.
func NewFingerprintPool() *pond.WorkerPool { return fingerprintPool() }
