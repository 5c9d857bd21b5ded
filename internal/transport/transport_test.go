package transport

import (
	"bufio"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnEchoesStdinToStdout(t *testing.T) {
	p, err := Spawn(context.Background(), "cat")
	require.NoError(t, err)

	_, err = p.Stdin.Write([]byte("hello\n"))
	require.NoError(t, err)

	sc := bufio.NewScanner(p.Stdout)
	require.True(t, sc.Scan())
	assert.Equal(t, "hello", sc.Text())

	require.NoError(t, p.Wait())
}

func TestSpawnCapturesStderr(t *testing.T) {
	p, err := Spawn(context.Background(), "echo boom 1>&2")
	require.NoError(t, err)
	_ = p.Wait()

	assert.Contains(t, p.StderrTail(), "boom")
}

func TestBuildCommandSubstitutesTokens(t *testing.T) {
	got := BuildCommand("ssh %u@%h notmuch-sync --responder %p", "mail.example.com", "alice", "/usr/bin/notmuch-sync")
	assert.Equal(t, "ssh alice@mail.example.com notmuch-sync --responder /usr/bin/notmuch-sync", got)
}

func TestBuildCommandLeavesUnknownTokens(t *testing.T) {
	got := BuildCommand("%x stays", "h", "u", "p")
	assert.Equal(t, "%x stays", got)
}
