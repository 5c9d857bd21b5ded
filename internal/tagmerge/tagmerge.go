// Package tagmerge applies the remote tag-set union rule to local messages
// (spec §4.5). There is no per-tag timestamp; union is the only
// commutative, associative, idempotent merge that never silently drops a
// tag.
package tagmerge

import (
	"context"
	"fmt"

	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/store"
	"github.com/sirupsen/logrus"
)

// Apply runs the merge for every message in remote, mutating s in place.
// local is this side's own ChangeSet (the set of messages this side has
// touched since the bookmark); it is consulted only to compute the union,
// never mutated.
func Apply(ctx context.Context, logger *logrus.Logger, s store.Store, local, remote model.ChangeSet) (tagChanges uint32, err error) {
	for id, remoteRec := range remote {
		tags := remoteRec.Tags
		if localRec, ok := local[id]; ok {
			tags = localRec.Tags.Union(remoteRec.Tags)
		}

		curTags, _, ok, ferr := s.Find(ctx, id)
		if ferr != nil {
			return tagChanges, fmt.Errorf("tagmerge: Find(%s): %w", id, ferr)
		}
		if !ok {
			// Absent or ghost: will be adopted later during file
			// transfer, or was deleted. Recoverable (spec §7: LookupMiss).
			logger.Debugf("tagmerge: skipping %s: not present locally yet", id)
			continue
		}

		if tags.Equal(curTags) {
			continue
		}
		if err := s.SetTags(ctx, id, tags); err != nil {
			return tagChanges, fmt.Errorf("tagmerge: SetTags(%s): %w", id, err)
		}
		tagChanges++
	}
	return tagChanges, nil
}
