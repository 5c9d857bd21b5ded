package changeset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/store/memstore"
	"github.com/notmuch-tools/notmuch-sync/internal/syncerr"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.FatalLevel)
	return l
}

func writeMail(t *testing.T, root, rel, id string) string {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("Message-Id: "+id+"\n\nbody\n"), 0o644))
	return abs
}

func TestBuildEverythingWithNoPriorState(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := memstore.New(root)
	abs := writeMail(t, root, "cur/a.mail", "<a@x>")
	_, _, err := s.AddFile(ctx, abs)
	require.NoError(t, err)

	cs, err := BuildFromBookmark(ctx, testLogger(), s, model.SyncState{}, false)
	require.NoError(t, err)
	assert.Contains(t, cs, model.MessageId("<a@x>"))
}

func TestBuildFromBookmarkUUIDMismatch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := memstore.New(root)
	rev, err := s.Revision(ctx)
	require.NoError(t, err)

	_, err = BuildFromBookmark(ctx, testLogger(), s, model.SyncState{Rev: 0, UUID: "different-" + rev.UUID}, true)
	assert.ErrorIs(t, err, syncerr.ErrBookmarkIncompatible)
}

func TestBuildFromBookmarkFutureRevision(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := memstore.New(root)
	rev, err := s.Revision(ctx)
	require.NoError(t, err)

	_, err = BuildFromBookmark(ctx, testLogger(), s, model.SyncState{Rev: rev.Rev + 100, UUID: rev.UUID}, true)
	assert.ErrorIs(t, err, syncerr.ErrBookmarkIncompatible)
}

func TestWireRoundTrip(t *testing.T) {
	cs := model.ChangeSet{
		"<a@x>": model.MessageRecord{
			Tags:  model.NewTagSet("inbox", "unread"),
			Files: []model.FileRecord{{Name: "cur/a.mail", Sha: "deadbeef"}},
		},
	}
	data, err := MarshalJSON(cs)
	require.NoError(t, err)

	got, err := UnmarshalJSON(data)
	require.NoError(t, err)
	require.Contains(t, got, model.MessageId("<a@x>"))
	rec := got["<a@x>"]
	assert.True(t, rec.Tags.Equal(model.NewTagSet("inbox", "unread")))
	assert.Equal(t, cs["<a@x>"].Files, rec.Files)
}
