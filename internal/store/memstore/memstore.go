// Package memstore is an in-memory Store backend (internal/store) used by
// tests and by the two-node scenarios in internal/orchestrator's tests. It
// keeps files on a real filesystem (under Root) but the index itself never
// touches disk.
package memstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/notmuch-tools/notmuch-sync/internal/hashsum"
	"github.com/notmuch-tools/notmuch-sync/internal/mailhdr"
	"github.com/notmuch-tools/notmuch-sync/internal/maildirflags"
	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/store"
	"github.com/notmuch-tools/notmuch-sync/internal/uuidgen"
)

type message struct {
	tags  model.TagSet
	files map[model.RelPath]struct{} // empty means ghost
	rev   uint64
}

var _ store.Store = (*Store)(nil)

// Store is the in-memory backend.
type Store struct {
	mu   sync.Mutex
	root string
	uuid string
	rev  uint64

	messages map[model.MessageId]*message
	fpCache  map[string]fpEntry
}

type fpEntry struct {
	mtime int64
	size  int64
	sha   string
}

// New creates a fresh Store rooted at root, with a newly generated uuid
// (spec §3: "a freshly recreated Store has a new UUID").
func New(root string) *Store {
	return &Store{
		root:     root,
		uuid:     uuidgen.New(),
		messages: make(map[model.MessageId]*message),
		fpCache:  make(map[string]fpEntry),
	}
}

func (s *Store) Root() string { return s.root }

// InsertGhost records id in the index with no files, for exercising the
// ghost-message handling spec §4.1/§9 describes (test-only; a real
// backend would arrive at this state via index corruption or a race with
// RemoveFile, never a direct API call).
func (s *Store) InsertGhost(id model.MessageId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rev++
	s.messages[id] = &message{tags: model.NewTagSet(), files: make(map[model.RelPath]struct{}), rev: s.rev}
}

func (s *Store) Revision(ctx context.Context) (model.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Revision{Rev: s.rev, UUID: s.uuid}, nil
}

type iter struct {
	items []struct {
		id  model.MessageId
		rec model.MessageRecord
	}
	pos int
}

func (it *iter) Next() bool {
	it.pos++
	return it.pos <= len(it.items)
}

func (it *iter) Value() (model.MessageId, model.MessageRecord) {
	v := it.items[it.pos-1]
	return v.id, v.rec
}

func (it *iter) Err() error   { return nil }
func (it *iter) Close() error { return nil }

func (s *Store) MessagesSince(ctx context.Context, rev uint64) (store.MessageIter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := &iter{}
	ids := make([]model.MessageId, 0, len(s.messages))
	for id := range s.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		m := s.messages[id]
		if m.rev <= rev || len(m.files) == 0 {
			continue // unchanged, or a ghost: absent for this core
		}
		rec := model.MessageRecord{Tags: m.tags.Clone()}
		for f := range m.files {
			sha, err := s.fingerprintLocked(filepath.Join(s.root, string(f)))
			if err != nil {
				return nil, err
			}
			rec.Files = append(rec.Files, model.FileRecord{Name: f, Sha: sha})
		}
		sort.Slice(rec.Files, func(i, j int) bool { return rec.Files[i].Name < rec.Files[j].Name })
		it.items = append(it.items, struct {
			id  model.MessageId
			rec model.MessageRecord
		}{id, rec})
	}
	return it, nil
}

func (s *Store) AllIDs(ctx context.Context) ([]model.MessageId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]model.MessageId, 0, len(s.messages))
	for id, m := range s.messages {
		if len(m.files) == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) Find(ctx context.Context, id model.MessageId) (model.TagSet, []model.FileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || len(m.files) == 0 {
		return nil, nil, false, nil
	}
	files := make([]model.FileRecord, 0, len(m.files))
	for f := range m.files {
		sha, err := s.fingerprintLocked(filepath.Join(s.root, string(f)))
		if err != nil {
			return nil, nil, false, err
		}
		files = append(files, model.FileRecord{Name: f, Sha: sha})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return m.tags.Clone(), files, true, nil
}

func (s *Store) SetTags(ctx context.Context, id model.MessageId, tags model.TagSet) error {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok || len(m.files) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("memstore: SetTags: unknown message %s", id)
	}
	var renames []struct{ from, to model.RelPath }
	for f := range m.files {
		oldBase := filepath.Base(string(f))
		newBase := maildirflags.RenameForTags(oldBase, tags)
		if newBase != oldBase {
			newRel := model.RelPath(filepath.Join(filepath.Dir(string(f)), newBase))
			renames = append(renames, struct{ from, to model.RelPath }{f, newRel})
		}
	}
	m.tags = tags.Clone()
	for _, r := range renames {
		delete(m.files, r.from)
		m.files[r.to] = struct{}{}
	}
	s.rev++
	m.rev = s.rev
	s.mu.Unlock()

	for _, r := range renames {
		if err := os.Rename(filepath.Join(s.root, string(r.from)), filepath.Join(s.root, string(r.to))); err != nil {
			return fmt.Errorf("memstore: flag rename: %w", err)
		}
	}
	return nil
}

func (s *Store) AddFile(ctx context.Context, absPath string) (model.MessageId, bool, error) {
	id, err := mailhdr.MessageID(absPath)
	if err != nil {
		return "", false, err
	}
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, existed := s.messages[model.MessageId(id)]
	isDuplicate := existed && len(m.files) > 0
	if !existed {
		m = &message{tags: model.NewTagSet(), files: make(map[model.RelPath]struct{})}
		s.messages[model.MessageId(id)] = m
	}
	m.files[model.RelPath(filepath.ToSlash(rel))] = struct{}{}
	s.rev++
	m.rev = s.rev
	return model.MessageId(id), isDuplicate, nil
}

func (s *Store) RemoveFile(ctx context.Context, absPath string) error {
	rel, err := filepath.Rel(s.root, absPath)
	if err != nil {
		return err
	}
	relPath := model.RelPath(filepath.ToSlash(rel))

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.messages {
		if _, ok := m.files[relPath]; ok {
			delete(m.files, relPath)
			s.rev++
			m.rev = s.rev
			if len(m.files) == 0 {
				delete(s.messages, id) // fully destroyed, not even a ghost
			}
			return nil
		}
	}
	return nil
}

func (s *Store) Fingerprint(ctx context.Context, absPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprintLocked(absPath)
}

func (s *Store) fingerprintLocked(absPath string) (string, error) {
	fi, err := os.Stat(absPath)
	if err != nil {
		return "", err
	}
	if e, ok := s.fpCache[absPath]; ok && e.mtime == fi.ModTime().UnixNano() && e.size == fi.Size() {
		return e.sha, nil
	}
	sha, err := hashsum.File(absPath)
	if err != nil {
		return "", err
	}
	s.fpCache[absPath] = fpEntry{mtime: fi.ModTime().UnixNano(), size: fi.Size(), sha: sha}
	return sha, nil
}
