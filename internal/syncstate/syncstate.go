// Package syncstate reads and durably rewrites the sync bookmark file
// (spec §4.8, §6.3): "<rev> <uuid>" at
// <store_root>/.notmuch/notmuch-sync-<peer_uuid>, one file per peer.
package syncstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/syncerr"
)

// Path returns the bookmark path for peerUUID under storeRoot.
func Path(storeRoot, peerUUID string) string {
	return filepath.Join(storeRoot, ".notmuch", "notmuch-sync-"+peerUUID)
}

// Load reads the bookmark for peerUUID. ok is false if the file does not
// exist (spec §4.4: "or every message, if no previous state"). A present
// but unparseable file is an error wrapping syncerr.ErrBookmarkIncompatible
// (spec §7).
func Load(storeRoot, peerUUID string) (state model.SyncState, ok bool, err error) {
	path := Path(storeRoot, peerUUID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.SyncState{}, false, nil
	}
	if err != nil {
		return model.SyncState{}, false, err
	}

	text := strings.TrimRight(string(data), "\r\n")
	parts := strings.SplitN(text, " ", 2)
	if len(parts) != 2 {
		return model.SyncState{}, false, fmt.Errorf("%w: syncstate: %s does not parse as '<rev> <uuid>'; delete it and resync from scratch", syncerr.ErrBookmarkIncompatible, path)
	}
	rev, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return model.SyncState{}, false, fmt.Errorf("%w: syncstate: %s does not parse as '<rev> <uuid>'; delete it and resync from scratch: %v", syncerr.ErrBookmarkIncompatible, path, err)
	}
	return model.SyncState{Rev: rev, UUID: parts[1]}, true, nil
}

// Save durably writes the bookmark for peerUUID using a write-then-rename
// discipline in the same directory (spec §5), so a crash never leaves a
// partially written bookmark visible.
func Save(storeRoot, peerUUID string, state model.SyncState) error {
	dir := filepath.Join(storeRoot, ".notmuch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := Path(storeRoot, peerUUID)
	content := fmt.Sprintf("%d %s", state.Rev, state.UUID)

	tmp, err := os.CreateTemp(dir, ".notmuch-sync-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
