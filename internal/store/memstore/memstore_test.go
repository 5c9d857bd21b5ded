package memstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMail(t *testing.T, root, rel, id string) string {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("Message-Id: "+id+"\n\nbody\n"), 0o644))
	return abs
}

func TestAddFileAndFind(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := New(root)

	abs := writeMail(t, root, "cur/a.mail", "<a@x>")
	id, dup, err := s.AddFile(ctx, abs)
	require.NoError(t, err)
	assert.Equal(t, model.MessageId("<a@x>"), id)
	assert.False(t, dup)

	tags, files, ok, err := s.Find(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, tags)
	require.Len(t, files, 1)
	assert.Equal(t, model.RelPath("cur/a.mail"), files[0].Name)
}

func TestAddFileDuplicate(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := New(root)

	abs1 := writeMail(t, root, "cur/a.mail", "<a@x>")
	_, dup1, err := s.AddFile(ctx, abs1)
	require.NoError(t, err)
	assert.False(t, dup1)

	abs2 := writeMail(t, root, "cur/a-copy.mail", "<a@x>")
	_, dup2, err := s.AddFile(ctx, abs2)
	require.NoError(t, err)
	assert.True(t, dup2)
}

func TestRemoveFileDestroysMessage(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := New(root)

	abs := writeMail(t, root, "cur/a.mail", "<a@x>")
	id, _, err := s.AddFile(ctx, abs)
	require.NoError(t, err)

	require.NoError(t, s.RemoveFile(ctx, abs))
	_, _, ok, err := s.Find(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGhostReportedAbsent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := New(root)
	s.InsertGhost("<ghost@x>")

	_, _, ok, err := s.Find(ctx, "<ghost@x>")
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := s.AllIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSetTagsRenamesFlaggedFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := New(root)

	abs := writeMail(t, root, "cur/a.mail:2,", "<a@x>")
	id, _, err := s.AddFile(ctx, abs)
	require.NoError(t, err)

	require.NoError(t, s.SetTags(ctx, id, model.NewTagSet("flagged")))

	_, files, ok, err := s.Find(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, files, 1)
	assert.Equal(t, model.RelPath("cur/a.mail:2,FS"), files[0].Name)
	assert.FileExists(t, filepath.Join(root, "cur/a.mail:2,FS"))
}

func TestMessagesSinceRevision(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := New(root)

	abs1 := writeMail(t, root, "cur/a.mail", "<a@x>")
	_, _, err := s.AddFile(ctx, abs1)
	require.NoError(t, err)
	rev1, err := s.Revision(ctx)
	require.NoError(t, err)

	abs2 := writeMail(t, root, "cur/b.mail", "<b@x>")
	_, _, err = s.AddFile(ctx, abs2)
	require.NoError(t, err)

	it, err := s.MessagesSince(ctx, rev1.Rev)
	require.NoError(t, err)
	var seen []model.MessageId
	for it.Next() {
		id, _ := it.Value()
		seen = append(seen, id)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []model.MessageId{"<b@x>"}, seen)

	it0, err := s.MessagesSince(ctx, 0)
	require.NoError(t, err)
	var all []model.MessageId
	for it0.Next() {
		id, _ := it0.Value()
		all = append(all, id)
	}
	assert.ElementsMatch(t, []model.MessageId{"<a@x>", "<b@x>"}, all)
}

func TestFingerprintCache(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := New(root)
	abs := writeMail(t, root, "cur/a.mail", "<a@x>")

	sha1, err := s.Fingerprint(ctx, abs)
	require.NoError(t, err)
	sha2, err := s.Fingerprint(ctx, abs)
	require.NoError(t, err)
	assert.Equal(t, sha1, sha2)
}
