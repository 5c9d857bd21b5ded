// Package reconcile classifies per-message file diffs between a local and
// remote ChangeSet as in-place, move-candidate, copy-candidate,
// duplicate-to-remove, or fetch-required (spec §4.6), and applies the
// move/copy/duplicate-delete side effects directly against the Store.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/store"
	"github.com/notmuch-tools/notmuch-sync/internal/syncerr"
	"github.com/sirupsen/logrus"
)

// FetchItem names one remote file this side must pull in Phase B of
// FileTransfer (spec §4.7).
type FetchItem struct {
	ID          model.MessageId
	Name        model.RelPath
	ExpectedSha string
}

// Result is the FETCH list plus the counters this phase contributes.
type Result struct {
	Fetch        []FetchItem
	MoveCopy     uint32
	DupDeletions uint32
}

// Reconcile runs the per-message classification of spec §4.6 for every
// message in remote. aggressiveMove is true on the initiator side, false
// on the responder (spec §5).
func Reconcile(ctx context.Context, logger *logrus.Logger, s store.Store, local, remote model.ChangeSet, aggressiveMove bool) (Result, error) {
	var res Result

	for id, remoteRec := range remote {
		_, localFiles, ok, err := s.Find(ctx, id)
		if err != nil {
			return res, fmt.Errorf("reconcile: Find(%s): %w", id, err)
		}
		if !ok {
			// Absent or ghost: enqueue every remote file for fetch; the
			// message will be adopted during FileTransfer.
			for _, f := range remoteRec.Files {
				res.Fetch = append(res.Fetch, FetchItem{ID: id, Name: f.Name, ExpectedSha: f.Sha})
			}
			continue
		}

		if err := reconcileOne(ctx, logger, s, id, localFiles, remoteRec.Files, local, &res, aggressiveMove); err != nil {
			return res, err
		}
	}
	return res, nil
}

func namesOf(files []model.FileRecord) map[model.RelPath]struct{} {
	out := make(map[model.RelPath]struct{}, len(files))
	for _, f := range files {
		out[f.Name] = struct{}{}
	}
	return out
}

func shaOf(files []model.FileRecord, name model.RelPath) (string, bool) {
	for _, f := range files {
		if f.Name == name {
			return f.Sha, true
		}
	}
	return "", false
}

func reconcileOne(ctx context.Context, logger *logrus.Logger, s store.Store, id model.MessageId, localFiles, remoteFiles []model.FileRecord, local model.ChangeSet, res *Result, aggressiveMove bool) error {
	remoteNames := namesOf(remoteFiles)
	localNames := namesOf(localFiles)

	var missingLocally []model.FileRecord
	for _, f := range remoteFiles {
		if _, ok := localNames[f.Name]; !ok {
			missingLocally = append(missingLocally, f)
		}
	}

	_, touchedLocally := local[id]

	if len(missingLocally) > 0 {
		// Local SHAs: the Store caches fingerprints, so this is cheap for
		// files whose content hasn't changed since the last computation.
		localSha := make(map[model.RelPath]string, len(localFiles))
		for _, f := range localFiles {
			sha, err := s.Fingerprint(ctx, filepath.Join(s.Root(), string(f.Name)))
			if err != nil {
				return fmt.Errorf("reconcile: Fingerprint(%s): %w", f.Name, err)
			}
			localSha[f.Name] = sha
		}

		var stillMissing []model.FileRecord
		for _, f := range missingLocally {
			srcName, found := findBySha(localFiles, localSha, f.Sha)
			if !found {
				stillMissing = append(stillMissing, f)
				continue
			}

			_, srcInRemote := remoteNames[srcName]
			copyInstead := srcInRemote || (touchedLocally && !aggressiveMove)

			if copyInstead {
				if err := copyFile(s, srcName, f.Name); err != nil {
					return err
				}
				if _, _, err := s.AddFile(ctx, filepath.Join(s.Root(), string(f.Name))); err != nil {
					return fmt.Errorf("reconcile: AddFile(copy dest %s): %w", f.Name, err)
				}
				localNames[f.Name] = struct{}{}
				logger.Debugf("reconcile: %s: copy %s -> %s", id, srcName, f.Name)
			} else {
				if err := moveFile(s, srcName, f.Name); err != nil {
					return err
				}
				if _, _, err := s.AddFile(ctx, filepath.Join(s.Root(), string(f.Name))); err != nil {
					return fmt.Errorf("reconcile: AddFile(move dest %s): %w", f.Name, err)
				}
				if err := s.RemoveFile(ctx, filepath.Join(s.Root(), string(srcName))); err != nil {
					return fmt.Errorf("reconcile: RemoveFile(move src %s): %w", srcName, err)
				}
				delete(localNames, srcName)
				localNames[f.Name] = struct{}{}
				logger.Debugf("reconcile: %s: move %s -> %s", id, srcName, f.Name)
			}
			res.MoveCopy++
		}
		missingLocally = stillMissing
	}

	for _, f := range missingLocally {
		res.Fetch = append(res.Fetch, FetchItem{ID: id, Name: f.Name, ExpectedSha: f.Sha})
	}

	if !touchedLocally {
		var toDelete []model.RelPath
		for n := range localNames {
			if _, ok := remoteNames[n]; !ok {
				toDelete = append(toDelete, n)
			}
		}

		disjoint := true
		for n := range localNames {
			if _, ok := remoteNames[n]; ok {
				disjoint = false
				break
			}
		}
		if disjoint && len(localNames) > 0 && len(remoteNames) > 0 {
			return fmt.Errorf("%w for message %s", syncerr.ErrDivergentFileSet, id)
		}

		for _, n := range toDelete {
			if err := s.RemoveFile(ctx, filepath.Join(s.Root(), string(n))); err != nil {
				return fmt.Errorf("reconcile: RemoveFile(duplicate %s): %w", n, err)
			}
			if err := os.Remove(filepath.Join(s.Root(), string(n))); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("reconcile: unlink(duplicate %s): %w", n, err)
			}
			res.DupDeletions++
			logger.Debugf("reconcile: %s: removed duplicate %s", id, n)
		}
	}

	return nil
}

func findBySha(localFiles []model.FileRecord, localSha map[model.RelPath]string, sha string) (model.RelPath, bool) {
	for _, f := range localFiles {
		if localSha[f.Name] == sha {
			return f.Name, true
		}
	}
	return "", false
}

func copyFile(s store.Store, src, dst model.RelPath) error {
	srcPath := filepath.Join(s.Root(), string(src))
	dstPath := filepath.Join(s.Root(), string(dst))
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("reconcile: mkdir for copy dest %s: %w", dst, err)
	}
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("reconcile: open copy source %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("reconcile: create copy dest %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("reconcile: copy %s -> %s: %w", src, dst, err)
	}
	return out.Close()
}

func moveFile(s store.Store, src, dst model.RelPath) error {
	srcPath := filepath.Join(s.Root(), string(src))
	dstPath := filepath.Join(s.Root(), string(dst))
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("reconcile: mkdir for move dest %s: %w", dst, err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return fmt.Errorf("reconcile: rename %s -> %s: %w", src, dst, err)
	}
	return nil
}
