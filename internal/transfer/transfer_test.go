package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/notmuch-tools/notmuch-sync/internal/codec"
	"github.com/notmuch-tools/notmuch-sync/internal/hashsum"
	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/reconcile"
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

// pipePair wires two Codecs back to back over in-memory pipes so both
// sides can read and write concurrently, the way two ends of an SSH
// tunnel would.
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

func TestExchangeNamesBothDirections(t *testing.T) {
	a, b, closeFn := pipePair()
	defer closeFn()

	aFetch := []reconcile.FetchItem{{Name: "cur/want-a.mail"}}
	bFetch := []reconcile.FetchItem{{Name: "cur/want-b1.mail"}, {Name: "cur/want-b2.mail"}}

	var aWants, bWants [][]byte
	var aErr, bErr error
	done := make(chan struct{}, 2)
	go func() { aWants, aErr = ExchangeNames(a, aFetch); done <- struct{}{} }()
	go func() { bWants, bErr = ExchangeNames(b, bFetch); done <- struct{}{} }()
	<-done
	<-done

	require.NoError(t, aErr)
	require.NoError(t, bErr)
	require.Len(t, aWants, 2)
	assert.Equal(t, "cur/want-b1.mail", string(aWants[0]))
	assert.Equal(t, "cur/want-b2.mail", string(aWants[1]))
	require.Len(t, bWants, 1)
	assert.Equal(t, "cur/want-a.mail", string(bWants[0]))
}

func TestExchangeBodiesFetchesAndAdoptsNewMessage(t *testing.T) {
	ctx := context.Background()
	a, b, closeFn := pipePair()
	defer closeFn()

	rootB := t.TempDir()
	sB := memstore.New(rootB)
	absB := filepath.Join(rootB, "cur/remote.mail")
	require.NoError(t, os.MkdirAll(filepath.Dir(absB), 0o755))
	require.NoError(t, os.WriteFile(absB, []byte("Message-Id: <remote@x>\n\nbody\n"), 0o644))
	idB, _, err := sB.AddFile(ctx, absB)
	require.NoError(t, err)
	require.NoError(t, sB.SetTags(ctx, idB, model.NewTagSet("inbox", "unread")))
	sha, err := hashsum.File(absB)
	require.NoError(t, err)

	rootA := t.TempDir()
	sA := memstore.New(rootA)

	fetchA := []reconcile.FetchItem{{ID: idB, Name: "cur/remote.mail", ExpectedSha: sha}}
	remoteChangeSet := model.ChangeSet{idB: {Tags: model.NewTagSet("inbox", "unread")}}

	var resA, resB Result
	var errA, errB error
	done := make(chan struct{}, 2)
	go func() {
		resA, errA = ExchangeBodies(ctx, testLogger(), sA, a, nil, fetchA, remoteChangeSet)
		done <- struct{}{}
	}()
	go func() {
		resB, errB = ExchangeBodies(ctx, testLogger(), sB, b, [][]byte{[]byte("cur/remote.mail")}, nil, nil)
		done <- struct{}{}
	}()
	<-done
	<-done

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.EqualValues(t, 1, resA.NewFiles)
	assert.EqualValues(t, 1, resA.NewMessages)
	assert.EqualValues(t, 0, resB.NewFiles)

	assert.FileExists(t, filepath.Join(rootA, "cur/remote.mail"))
	tags, files, ok, err := sA.Find(ctx, idB)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, files, 1)
	assert.True(t, tags.Equal(model.NewTagSet("inbox", "unread")))
}

func TestExchangeBodiesHashMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	a, b, closeFn := pipePair()
	defer closeFn()

	rootB := t.TempDir()
	sB := memstore.New(rootB)
	absB := filepath.Join(rootB, "cur/remote.mail")
	require.NoError(t, os.MkdirAll(filepath.Dir(absB), 0o755))
	require.NoError(t, os.WriteFile(absB, []byte("Message-Id: <remote@x>\n\nbody\n"), 0o644))
	_, _, err := sB.AddFile(ctx, absB)
	require.NoError(t, err)

	rootA := t.TempDir()
	sA := memstore.New(rootA)

	fetchA := []reconcile.FetchItem{{Name: "cur/remote.mail", ExpectedSha: "0000000000000000000000000000000000000000000000000000000000000000"}}

	var errA, errB error
	done := make(chan struct{}, 2)
	go func() {
		_, errA = ExchangeBodies(ctx, testLogger(), sA, a, nil, fetchA, nil)
		done <- struct{}{}
	}()
	go func() {
		_, errB = ExchangeBodies(ctx, testLogger(), sB, b, [][]byte{[]byte("cur/remote.mail")}, nil, nil)
		done <- struct{}{}
	}()
	<-done
	<-done

	require.Error(t, errA)
	assert.ErrorContains(t, errA, "hash")
	require.NoError(t, errB)
}

func TestExchangeBodiesExistingMatchingFileIsNoopWrite(t *testing.T) {
	ctx := context.Background()
	a, b, closeFn := pipePair()
	defer closeFn()

	rootB := t.TempDir()
	sB := memstore.New(rootB)
	absB := filepath.Join(rootB, "cur/m.mail")
	require.NoError(t, os.MkdirAll(filepath.Dir(absB), 0o755))
	content := []byte("Message-Id: <m@x>\n\nbody\n")
	require.NoError(t, os.WriteFile(absB, content, 0o644))
	idB, _, err := sB.AddFile(ctx, absB)
	require.NoError(t, err)
	sha, err := hashsum.File(absB)
	require.NoError(t, err)

	rootA := t.TempDir()
	sA := memstore.New(rootA)
	absA := filepath.Join(rootA, "cur/m.mail")
	require.NoError(t, os.MkdirAll(filepath.Dir(absA), 0o755))
	require.NoError(t, os.WriteFile(absA, content, 0o644))
	_, _, err = sA.AddFile(ctx, absA)
	require.NoError(t, err)

	fetchA := []reconcile.FetchItem{{ID: idB, Name: "cur/m.mail", ExpectedSha: sha}}

	var resA Result
	var errA, errB error
	done := make(chan struct{}, 2)
	go func() {
		resA, errA = ExchangeBodies(ctx, testLogger(), sA, a, nil, fetchA, nil)
		done <- struct{}{}
	}()
	go func() {
		_, errB = ExchangeBodies(ctx, testLogger(), sB, b, [][]byte{[]byte("cur/m.mail")}, nil, nil)
		done <- struct{}{}
	}()
	<-done
	<-done

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.EqualValues(t, 0, resA.NewFiles)
}
