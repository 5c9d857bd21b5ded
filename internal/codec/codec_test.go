package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramedBlobRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := New(nil, &buf)
	require.NoError(t, w.WriteFramed([]byte("hello world")))

	r := New(&buf, nil)
	got, err := r.ReadFramed()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestFramedListRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := New(nil, &buf)
	items := [][]byte{[]byte("a"), []byte("bb"), []byte("")}
	require.NoError(t, w.WriteFramedList(items))

	r := New(&buf, nil)
	got, err := r.ReadFramedList()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", string(got[0]))
	assert.Equal(t, "bb", string(got[1]))
	assert.Equal(t, "", string(got[2]))
}

func TestUUIDRoundTrip(t *testing.T) {
	uuid := "123e4567-e89b-12d3-a456-426614174000"
	require.Len(t, uuid, UUIDLen)

	var buf bytes.Buffer
	w := New(nil, &buf)
	require.NoError(t, w.WriteUUID(uuid))

	r := New(&buf, nil)
	got, err := r.ReadUUID()
	require.NoError(t, err)
	assert.Equal(t, uuid, got)
}

func TestUUIDWrongLength(t *testing.T) {
	var buf bytes.Buffer
	w := New(nil, &buf)
	err := w.WriteUUID("too-short")
	assert.Error(t, err)
}

func TestShortReadIsError(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0, 10, 'a', 'b'})
	r := New(buf, nil)
	_, err := r.ReadFramed()
	assert.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestByteCounters(t *testing.T) {
	var buf bytes.Buffer
	w := New(nil, &buf)
	require.NoError(t, w.WriteFramed([]byte("abcde")))
	assert.EqualValues(t, 9, w.BytesWritten())

	r := New(&buf, nil)
	_, err := r.ReadFramed()
	require.NoError(t, err)
	assert.EqualValues(t, 9, r.BytesRead())
}
