package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notmuch-tools/notmuch-sync/internal/model"
	"github.com/notmuch-tools/notmuch-sync/internal/store/memstore"
)

func writeMail(t *testing.T, root, rel, id string) string {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("Message-Id: "+id+"\n\nbody\n"), 0o644))
	return abs
}

func TestBuildGraphIncludesEveryMessage(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := memstore.New(root)

	abs1 := writeMail(t, root, "cur/a.mail", "<a@x>")
	_, _, err := s.AddFile(ctx, abs1)
	require.NoError(t, err)

	abs2 := writeMail(t, root, "cur/b.mail", "<b@x>")
	_, _, err = s.AddFile(ctx, abs2)
	require.NoError(t, err)

	g, err := buildGraph(s, graphOptions{})
	require.NoError(t, err)
	out := g.String()
	assert.Contains(t, out, "a@x")
	assert.Contains(t, out, "b@x")
	assert.Contains(t, out, "a.mail")
}

func TestBuildGraphDeletionsFiltersUntagged(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := memstore.New(root)

	abs1 := writeMail(t, root, "cur/a.mail", "<a@x>")
	idA, _, err := s.AddFile(ctx, abs1)
	require.NoError(t, err)
	require.NoError(t, s.SetTags(ctx, idA, model.NewTagSet("deleted")))

	abs2 := writeMail(t, root, "cur/b.mail", "<b@x>")
	_, _, err = s.AddFile(ctx, abs2)
	require.NoError(t, err)

	g, err := buildGraph(s, graphOptions{deletions: true})
	require.NoError(t, err)
	out := g.String()
	assert.Contains(t, out, "a@x")
	assert.NotContains(t, out, "b@x")
}

func TestBuildGraphMaxNodesLimits(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := memstore.New(root)

	for _, rel := range []string{"cur/a.mail", "cur/b.mail", "cur/c.mail"} {
		abs := writeMail(t, root, rel, "<"+rel+"@x>")
		_, _, err := s.AddFile(ctx, abs)
		require.NoError(t, err)
	}

	g, err := buildGraph(s, graphOptions{maxNodes: 1})
	require.NoError(t, err)
	out := g.String()
	present := 0
	for _, rel := range []string{"a.mail", "b.mail", "c.mail"} {
		if strings.Contains(out, rel) {
			present++
		}
	}
	assert.Equal(t, 1, present)
}
