package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0x7f}, MaxFrameSize),
	}
	for _, payload := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, payload))
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, len(payload), len(got))
		assert.True(t, bytes.Equal(payload, got))
	}
}

func TestWriteFrame_RejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	require.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestReadFrame_RejectsOversizeLengthPrefix(t *testing.T) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	r := bytes.NewReader(append(lenBuf[:], []byte("xyz")...))
	_, err := ReadFrame(r)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	// The payload-adjacent state must be untouched: nothing beyond the
	// 4-byte prefix should have been consumed.
	assert.Equal(t, 3, r.Len())
}

func TestReadFrame_ExactlyMaxSizeAccepted(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{'a'}, MaxFrameSize)
	require.NoError(t, WriteFrame(&buf, payload))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Len(t, got, MaxFrameSize)
}

func TestReadFrame_CleanEOFBeforeLengthPrefix(t *testing.T) {
	_, err := ReadFrame(strings.NewReader(""))
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_TruncatedLengthPrefix(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x01}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrame_TruncatedPayload(t *testing.T) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 10)
	data := append(lenBuf[:], []byte("short")...)
	_, err := ReadFrame(bytes.NewReader(data))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteFrame_LengthPrefixMatchesPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("payload")))
	raw := buf.Bytes()
	length := binary.BigEndian.Uint32(raw[:4])
	assert.EqualValues(t, len(raw)-4, length)
}
