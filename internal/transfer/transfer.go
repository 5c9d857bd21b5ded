// Package transfer implements the symmetric filename-request and
// body-transfer exchange of spec §4.7: Phase A exchanges wanted-file
// names, Phase B exchanges the bodies themselves, verified against their
// advertised content hash.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/h2non/filetype"
	"github.com/notmuch-tools/notmuch-sync/internal/changeset"
	"github.com/notmuch-tools/notmuch-sync/internal/codec"
	"github.com/notmuch-tools/notmuch-sync/internal/hashsum"
	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/reconcile"
	"github.com/notmuch-tools/notmuch-sync/internal/store"
	"github.com/notmuch-tools/notmuch-sync/internal/syncerr"
	"github.com/sirupsen/logrus"
)

// Result tallies the two counters this phase contributes (spec §6.2).
type Result struct {
	NewFiles    uint32
	NewMessages uint32
}

// ExchangeNames runs Phase A: send our own FETCH list's names, receive the
// peer's. Both directions run as concurrent sub-tasks joined before
// returning, per spec §5's duplex requirement.
func ExchangeNames(c *codec.Codec, fetch []reconcile.FetchItem) (peerWants [][]byte, err error) {
	sendErrCh := make(chan error, 1)
	go func() {
		items := make([][]byte, len(fetch))
		for i, f := range fetch {
			items[i] = []byte(f.Name)
		}
		sendErrCh <- c.WriteFramedList(items)
	}()

	peerWants, recvErr := c.ReadFramedList()
	sendErr := <-sendErrCh
	if sendErr != nil {
		return nil, fmt.Errorf("%w: sending fetch names: %v", syncerr.ErrPeerStream, sendErr)
	}
	if recvErr != nil {
		return nil, fmt.Errorf("%w: receiving fetch names: %v", syncerr.ErrPeerStream, recvErr)
	}
	return peerWants, nil
}

// ExchangeBodies runs Phase B: send every file the peer requested (in the
// order requested), and receive every file in our own FETCH list (in the
// order it was sent during Phase A), verifying content hashes and
// installing tags for newly adopted messages.
func ExchangeBodies(ctx context.Context, logger *logrus.Logger, s store.Store, c *codec.Codec, peerWants [][]byte, fetch []reconcile.FetchItem, remote model.ChangeSet) (Result, error) {
	var res Result

	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- sendRequested(logger, s, c, peerWants)
	}()

	recvErr := receiveFetched(ctx, logger, s, c, fetch, remote, &res)
	sendErr := <-sendErrCh

	if sendErr != nil {
		return res, fmt.Errorf("transfer: sending bodies: %w", sendErr)
	}
	if recvErr != nil {
		return res, recvErr
	}
	return res, nil
}

// sendRequested reads every requested file's body concurrently (the
// content hash is already known to the requester; reads have no ordering
// requirement between them) and writes them to the wire in request order.
func sendRequested(logger *logrus.Logger, s store.Store, c *codec.Codec, names [][]byte) error {
	pool := changeset.NewFingerprintPool()
	defer pool.StopAndWait()

	bodies := make([][]byte, len(names))
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		i, name := i, string(name)
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			abs := filepath.Join(s.Root(), name)
			data, err := os.ReadFile(abs)
			if err != nil {
				if os.IsNotExist(err) {
					errs[i] = fmt.Errorf("%w: %s", syncerr.ErrLocalFileNotFound, name)
				} else {
					errs[i] = err
				}
				return
			}
			bodies[i] = data
		})
	}
	wg.Wait()

	for i, name := range names {
		if errs[i] != nil {
			return errs[i]
		}
		head := bodies[i]
		if len(head) > 261 {
			head = head[:261]
		}
		if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
			logger.Debugf("transfer: %s has content-type %s", name, kind.MIME.Value)
		}
		if err := c.WriteFramed(bodies[i]); err != nil {
			return fmt.Errorf("%w: sending body for %s: %v", syncerr.ErrPeerStream, string(name), err)
		}
	}
	return nil
}

func receiveFetched(ctx context.Context, logger *logrus.Logger, s store.Store, c *codec.Codec, fetch []reconcile.FetchItem, remote model.ChangeSet, res *Result) error {
	for _, item := range fetch {
		body, err := c.ReadFramed()
		if err != nil {
			return fmt.Errorf("%w: receiving body for %s: %v", syncerr.ErrPeerStream, item.Name, err)
		}

		gotSha, err := hashsum.Reader(bytes.NewReader(body))
		if err != nil {
			return err
		}
		if gotSha != item.ExpectedSha {
			return fmt.Errorf("%w: %s: expected %s got %s", syncerr.ErrHashMismatch, item.Name, item.ExpectedSha, gotSha)
		}

		dst := filepath.Join(s.Root(), string(item.Name))
		wrote, err := writeIfAbsentOrMatching(dst, body, gotSha)
		if err != nil {
			return err
		}

		id, isDuplicate, err := s.AddFile(ctx, dst)
		if err != nil {
			return fmt.Errorf("transfer: AddFile(%s): %w", item.Name, err)
		}
		if wrote {
			res.NewFiles++
		}
		if !isDuplicate {
			// New message: this branch cannot race with TagMerger, which
			// would have skipped an absent id (spec §4.7).
			tags := model.NewTagSet()
			if rec, ok := remote[id]; ok {
				tags = rec.Tags
			}
			if err := s.SetTags(ctx, id, tags); err != nil {
				return fmt.Errorf("transfer: installing tags for new message %s: %w", id, err)
			}
			res.NewMessages++
			logger.Debugf("transfer: adopted new message %s via %s", id, item.Name)
		}
	}
	return nil
}

// writeIfAbsentOrMatching writes data to dst unless it already exists with
// matching content, in which case no write is necessary (spec §4.7). A
// mismatched existing file is a fatal OverwriteConflict.
func writeIfAbsentOrMatching(dst string, data []byte, sha string) (wrote bool, err error) {
	if _, statErr := os.Stat(dst); statErr == nil {
		existingSha, hashErr := hashsum.File(dst)
		if hashErr != nil {
			return false, hashErr
		}
		if existingSha == sha {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s exists with different content", syncerr.ErrOverwriteConflict, dst)
	} else if !os.IsNotExist(statErr) {
		return false, statErr
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".notmuch-sync-*.tmp")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return false, err
	}
	return true, nil
}
