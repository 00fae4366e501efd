package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Command: "ping", Kwargs: map[string]any{"a": 1.0}}
	require.NoError(t, writeFrame(&buf, req))

	var got Request
	require.NoError(t, readFrame(bufio.NewReader(&buf), &got))
	assert.Equal(t, req.Command, got.Command)
	assert.Equal(t, req.Kwargs["a"], got.Kwargs["a"])
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 0)
	buf.Write(prefix[:])

	var got Request
	err := readFrame(bufio.NewReader(&buf), &got)
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxBodySize+1)
	buf.Write(prefix[:])

	var got Request
	err := readFrame(bufio.NewReader(&buf), &got)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestWriteFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	huge := make([]byte, MaxBodySize+1)
	err := writeFrame(&buf, Response{Status: StatusOK, Message: string(huge)})
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}
