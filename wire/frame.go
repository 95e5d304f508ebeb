// Package wire implements amux's length-prefixed frame protocol: a
// 4-byte big-endian length prefix followed by that many bytes of
// payload. It is deliberately encoding-agnostic — package protocol
// layers the CBOR message schema on top.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload ReadFrame will accept. Frames
// advertising a longer length are rejected before their payload is
// read off the wire.
const MaxFrameSize = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned by ReadFrame when the advertised length
// exceeds MaxFrameSize. The 4-byte length prefix has already been
// consumed; the payload has not.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes the length prefix and payload as a single buffered
// write so a partial frame is never observable by a concurrent reader
// sharing the same underlying connection.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("wire: payload of %d bytes exceeds max frame size %d", len(payload), MaxFrameSize)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame and returns its payload.
// A clean disconnect before any byte of the length prefix arrives is
// reported as io.EOF; a disconnect partway through the prefix or
// payload is reported as io.ErrUnexpectedEOF (via io.ReadFull).
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
