package deletion

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/notmuch-tools/notmuch-sync/internal/codec"
	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/store/memstore"
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

func pipePair() (a, b *codec.Codec, closeFn func()) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a = codec.New(ar, aw)
	b = codec.New(br, bw)
	return a, b, func() {
		ar.Close()
		aw.Close()
		br.Close()
		bw.Close()
	}
}

func writeMail(t *testing.T, root, rel, id string) (abs string) {
	t.Helper()
	abs = filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("Message-Id: "+id+"\n\nbody\n"), 0o644))
	return abs
}

// S4: both sides hold <d@x>, initiator (A) tags it deleted, unsafe mode
// (no tag required): after the run, the message is gone on both sides.
func TestCoordinatedDeletionBothSidesConverge(t *testing.T) {
	ctx := context.Background()
	a, b, closeFn := pipePair()
	defer closeFn()

	rootA := t.TempDir()
	sA := memstore.New(rootA)
	absA := writeMail(t, rootA, "cur/d.mail", "<d@x>")
	idA, _, err := sA.AddFile(ctx, absA)
	require.NoError(t, err)
	require.NoError(t, sA.SetTags(ctx, idA, model.NewTagSet("deleted")))
	require.NoError(t, sA.RemoveFile(ctx, absA))
	require.NoError(t, os.Remove(absA))

	rootB := t.TempDir()
	sB := memstore.New(rootB)
	absB := writeMail(t, rootB, "cur/d.mail", "<d@x>")
	_, _, err = sB.AddFile(ctx, absB)
	require.NoError(t, err)

	var resA, resB Result
	var errA, errB error
	done := make(chan struct{}, 2)
	go func() {
		resA, errA = RunInitiator(ctx, testLogger(), sA, a, false)
		done <- struct{}{}
	}()
	go func() {
		resB, errB = RunResponder(ctx, testLogger(), sB, b, false)
		done <- struct{}{}
	}()
	<-done
	<-done

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.EqualValues(t, 0, resA.MessageDeletions)
	assert.EqualValues(t, 1, resB.MessageDeletions)

	_, _, ok, err := sB.Find(ctx, "<d@x>")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(rootB, "cur/d.mail"))
}

// S5 safe-mode retention, exercised directly on one store: <k@x> is
// scheduled for local deletion in require-deleted-tag mode but lacks the
// "deleted" tag, so applyLocalDeletion keeps its file and tags and bumps
// the store revision instead.
func TestSafeModeRetainsUntaggedMessage(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := memstore.New(root)
	abs := writeMail(t, root, "cur/k.mail", "<k@x>")
	id, _, err := s.AddFile(ctx, abs)
	require.NoError(t, err)
	revBefore, err := s.Revision(ctx)
	require.NoError(t, err)

	n, err := applyLocalDeletion(ctx, testLogger(), s, id, true)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	tags, files, ok, err := s.Find(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, files, 1)
	assert.False(t, tags.Has(deletedTag))

	revAfter, err := s.Revision(ctx)
	require.NoError(t, err)
	assert.Greater(t, revAfter.Rev, revBefore.Rev)
}

func TestUnsafeModeDeletesWithoutTag(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := memstore.New(root)
	abs := writeMail(t, root, "cur/k.mail", "<k@x>")
	id, _, err := s.AddFile(ctx, abs)
	require.NoError(t, err)

	n, err := applyLocalDeletion(ctx, testLogger(), s, id, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, _, ok, err := s.Find(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, abs)
}

func TestApplyLocalDeletionSkipsAbsentID(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := memstore.New(root)

	n, err := applyLocalDeletion(ctx, testLogger(), s, "<missing@x>", false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestDeletionIdempotentOnRerun(t *testing.T) {
	ctx := context.Background()
	a, b, closeFn := pipePair()
	defer closeFn()

	rootA := t.TempDir()
	sA := memstore.New(rootA)
	rootB := t.TempDir()
	sB := memstore.New(rootB)

	var errA, errB error
	var resA, resB Result
	done := make(chan struct{}, 2)
	go func() { resA, errA = RunInitiator(ctx, testLogger(), sA, a, false); done <- struct{}{} }()
	go func() { resB, errB = RunResponder(ctx, testLogger(), sB, b, false); done <- struct{}{} }()
	<-done
	<-done

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.EqualValues(t, 0, resA.MessageDeletions)
	assert.EqualValues(t, 0, resB.MessageDeletions)
}
