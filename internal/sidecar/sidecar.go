// Package sidecar implements the optional maildir-state sidecar exchange
// (spec §4.10): IMAP-sync tools like mbsync/offlineimap drop opaque state
// files (`.uidvalidity`, `.mbsyncstate`) alongside maildir folders. Two
// peers reconcile these files by mtime, independent of the message sync.
package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/notmuch-tools/notmuch-sync/internal/codec"
	"github.com/notmuch-tools/notmuch-sync/internal/syncerr"
	"github.com/sirupsen/logrus"
)

// patternNames is the fixed set of sidecar basenames this phase tracks.
var patternNames = map[string]struct{}{
	".uidvalidity": {},
	".mbsyncstate": {},
}

// StateMap maps a RelPath to the Unix mtime (seconds) it was observed at.
type StateMap map[string]int64

// Result tallies nothing on its own (sidecar has no TransferCounters
// entry in spec §3); it reports the transferred names for logging.
type Result struct {
	Pulled []string
	Pushed []string
}

// Enumerate walks root and records every file whose basename matches one
// of the fixed sidecar patterns.
func Enumerate(root string) (StateMap, error) {
	out := make(StateMap)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := patternNames[d.Name()]; !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = info.ModTime().Unix()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sidecar: enumerating %s: %w", root, err)
	}
	return out, nil
}

// RunResponder sends the local sidecar map, then receives the two name
// lists the initiator computed (names we must send, names we will
// receive), and runs the concurrent body exchange.
func RunResponder(ctx context.Context, logger *logrus.Logger, root string, c *codec.Codec) (Result, error) {
	var res Result

	local, err := Enumerate(root)
	if err != nil {
		return res, err
	}
	localJSON, err := json.Marshal(local)
	if err != nil {
		return res, fmt.Errorf("sidecar: marshal local map: %w", err)
	}
	if err := c.WriteFramed(localJSON); err != nil {
		return res, fmt.Errorf("%w: sending sidecar map: %v", syncerr.ErrPeerStream, err)
	}

	mustSend, err := readNameList(c)
	if err != nil {
		return res, err
	}
	willReceive, err := readNameList(c)
	if err != nil {
		return res, err
	}
	res.Pushed = mustSend
	res.Pulled = willReceive

	sendErrCh := make(chan error, 1)
	go func() { sendErrCh <- sendBodies(root, c, mustSend) }()
	recvErr := receiveBodies(root, c, willReceive)
	sendErr := <-sendErrCh
	if sendErr != nil {
		return res, sendErr
	}
	if recvErr != nil {
		return res, recvErr
	}
	logger.Debugf("sidecar: responder sent %d, received %d", len(mustSend), len(willReceive))
	return res, nil
}

// RunInitiator receives the responder's sidecar map, computes pull/push
// relative to the local map, sends both name lists, and runs the
// concurrent body exchange.
func RunInitiator(ctx context.Context, logger *logrus.Logger, root string, c *codec.Codec) (Result, error) {
	var res Result

	local, err := Enumerate(root)
	if err != nil {
		return res, err
	}

	remoteJSON, err := c.ReadFramed()
	if err != nil {
		return res, fmt.Errorf("%w: receiving sidecar map: %v", syncerr.ErrPeerStream, err)
	}
	var remote StateMap
	if err := json.Unmarshal(remoteJSON, &remote); err != nil {
		return res, fmt.Errorf("sidecar: unmarshal remote map: %w", err)
	}

	pull := diffNewer(remote, local)
	push := diffNewer(local, remote)
	res.Pulled = pull
	res.Pushed = push

	if err := writeNameList(c, pull); err != nil {
		return res, err
	}
	if err := writeNameList(c, push); err != nil {
		return res, err
	}

	sendErrCh := make(chan error, 1)
	go func() { sendErrCh <- sendBodies(root, c, push) }()
	recvErr := receiveBodies(root, c, pull)
	sendErr := <-sendErrCh
	if sendErr != nil {
		return res, sendErr
	}
	if recvErr != nil {
		return res, recvErr
	}
	logger.Debugf("sidecar: initiator pulled %d, pushed %d", len(pull), len(push))
	return res, nil
}

// diffNewer returns every name in a that's either absent from b or newer
// in a than in b: the set "a must send to b" when a is the reference.
func diffNewer(a, b StateMap) []string {
	var out []string
	for name, aTime := range a {
		bTime, ok := b[name]
		if !ok || aTime > bTime {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func readNameList(c *codec.Codec) ([]string, error) {
	blob, err := c.ReadFramed()
	if err != nil {
		return nil, fmt.Errorf("%w: receiving sidecar name list: %v", syncerr.ErrPeerStream, err)
	}
	var names []string
	if err := json.Unmarshal(blob, &names); err != nil {
		return nil, fmt.Errorf("sidecar: unmarshal name list: %w", err)
	}
	return names, nil
}

func writeNameList(c *codec.Codec, names []string) error {
	if names == nil {
		names = []string{}
	}
	blob, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("sidecar: marshal name list: %w", err)
	}
	if err := c.WriteFramed(blob); err != nil {
		return fmt.Errorf("%w: sending sidecar name list: %v", syncerr.ErrPeerStream, err)
	}
	return nil
}

// sendBodies sends, in list order, the raw bytes of each named sidecar
// file under root.
func sendBodies(root string, c *codec.Codec, names []string) error {
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			return fmt.Errorf("%w: %s", syncerr.ErrLocalFileNotFound, name)
		}
		if err := c.WriteFramed(data); err != nil {
			return fmt.Errorf("%w: sending sidecar body %s: %v", syncerr.ErrPeerStream, name, err)
		}
	}
	return nil
}

// receiveBodies receives, in list order, the bytes of each named sidecar
// file and overwrites it unconditionally: sidecar files are opaque state
// blobs whose authoritative ordering is mtime, already decided before
// this call (spec §4.10).
func receiveBodies(root string, c *codec.Codec, names []string) error {
	for _, name := range names {
		data, err := c.ReadFramed()
		if err != nil {
			return fmt.Errorf("%w: receiving sidecar body %s: %v", syncerr.ErrPeerStream, name, err)
		}
		dst := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("sidecar: mkdir for %s: %w", name, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("sidecar: write %s: %w", name, err)
		}
	}
	return nil
}
