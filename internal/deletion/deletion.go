// Package deletion implements the optional whole-ID diff and coordinated
// removal phase (spec §4.9). Only the initiator computes the diff; the
// responder just reports its full id set and applies whatever the
// initiator tells it to delete.
package deletion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/notmuch-tools/notmuch-sync/internal/codec"
	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/store"
	"github.com/notmuch-tools/notmuch-sync/internal/syncerr"
	"github.com/sirupsen/logrus"
)

// deletedTag is the sentinel tag TagMerger-based deletion scheduling
// relies on in require-deleted-tag ("safe") mode (spec §4.5, §4.9).
const deletedTag = "deleted"

// Result tallies the message-deletion counter this phase contributes.
type Result struct {
	MessageDeletions uint32
}

// RunResponder sends the responder's full id set, then receives the set
// of ids the initiator decided to delete and applies local deletion to
// each. requireDeletedTag selects safe mode (spec §4.9's safety option).
func RunResponder(ctx context.Context, logger *logrus.Logger, s store.Store, c *codec.Codec, requireDeletedTag bool) (Result, error) {
	var res Result

	ids, err := s.AllIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("deletion: AllIDs: %w", err)
	}

	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- c.WriteFramedList(idBlobs(ids))
	}()

	toDelete, recvErr := c.ReadFramedList()
	sendErr := <-sendErrCh
	if sendErr != nil {
		return res, fmt.Errorf("%w: sending local ids: %v", syncerr.ErrPeerStream, sendErr)
	}
	if recvErr != nil {
		return res, fmt.Errorf("%w: receiving delete list: %v", syncerr.ErrPeerStream, recvErr)
	}

	for _, raw := range toDelete {
		n, err := applyLocalDeletion(ctx, logger, s, model.MessageId(raw), requireDeletedTag)
		if err != nil {
			return res, err
		}
		res.MessageDeletions += n
	}
	return res, nil
}

// RunInitiator receives the responder's full id set, computes the
// symmetric difference against the local id set, sends the ids the
// responder must delete, and applies local deletion for the ids only it
// no longer has.
func RunInitiator(ctx context.Context, logger *logrus.Logger, s store.Store, c *codec.Codec, requireDeletedTag bool) (Result, error) {
	var res Result

	localIDs, err := s.AllIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("deletion: AllIDs: %w", err)
	}
	localSet := idSet(localIDs)

	remoteRaw, err := c.ReadFramedList()
	if err != nil {
		return res, fmt.Errorf("%w: receiving remote ids: %v", syncerr.ErrPeerStream, err)
	}
	remoteSet := rawIDSet(remoteRaw)

	var deleteRemote, deleteLocal []model.MessageId
	for id := range remoteSet {
		if _, ok := localSet[id]; !ok {
			deleteRemote = append(deleteRemote, id)
		}
	}
	for id := range localSet {
		if _, ok := remoteSet[id]; !ok {
			deleteLocal = append(deleteLocal, id)
		}
	}

	if err := c.WriteFramedList(idBlobs(deleteRemote)); err != nil {
		return res, fmt.Errorf("%w: sending delete list: %v", syncerr.ErrPeerStream, err)
	}

	for _, id := range deleteLocal {
		n, err := applyLocalDeletion(ctx, logger, s, id, requireDeletedTag)
		if err != nil {
			return res, err
		}
		res.MessageDeletions += n
	}
	return res, nil
}

// applyLocalDeletion removes id's files from the Store and filesystem.
// In safe mode, an id lacking the deleted tag is spared: instead a no-op
// tag write bumps its revision so the next sync's ChangeSetBuilder picks
// it up again and retains it on the peer (spec §4.9).
func applyLocalDeletion(ctx context.Context, logger *logrus.Logger, s store.Store, id model.MessageId, requireDeletedTag bool) (uint32, error) {
	tags, files, ok, err := s.Find(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("deletion: Find(%s): %w", id, err)
	}
	if !ok {
		// Absent or ghost: recoverable LookupMiss (spec §7).
		logger.Debugf("deletion: skipping %s: not present locally", id)
		return 0, nil
	}

	if requireDeletedTag && !tags.Has(deletedTag) {
		if err := bumpRevisionNoop(ctx, s, id, tags); err != nil {
			return 0, fmt.Errorf("deletion: retention bump for %s: %w", id, err)
		}
		logger.Debugf("deletion: retaining %s: missing %q tag in safe mode", id, deletedTag)
		return 0, nil
	}

	for _, f := range files {
		abs := filepath.Join(s.Root(), string(f.Name))
		if err := s.RemoveFile(ctx, abs); err != nil {
			return 0, fmt.Errorf("deletion: RemoveFile(%s): %w", f.Name, err)
		}
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("deletion: unlink(%s): %w", f.Name, err)
		}
	}
	logger.Debugf("deletion: removed %s (%d files)", id, len(files))
	return 1, nil
}

// bumpRevisionNoop writes a sentinel tag then immediately removes it,
// restoring the original tag set but advancing the Store's revision so
// this message reappears in the next ChangeSetBuilder pass.
func bumpRevisionNoop(ctx context.Context, s store.Store, id model.MessageId, tags model.TagSet) error {
	const sentinel = "notmuch-sync-retain"
	bumped := tags.Clone()
	bumped[sentinel] = struct{}{}
	if err := s.SetTags(ctx, id, bumped); err != nil {
		return err
	}
	return s.SetTags(ctx, id, tags.Clone())
}

func idBlobs(ids []model.MessageId) [][]byte {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = []byte(id)
	}
	return out
}

func idSet(ids []model.MessageId) map[model.MessageId]struct{} {
	out := make(map[model.MessageId]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func rawIDSet(raw [][]byte) map[model.MessageId]struct{} {
	out := make(map[model.MessageId]struct{}, len(raw))
	for _, r := range raw {
		out[model.MessageId(r)] = struct{}{}
	}
	return out
}
