package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// FrameHeaderSize is the size of the big-endian length prefix.
	FrameHeaderSize = 4
	// DefaultMaxFrameSize bounds a single frame payload (1 MiB).
	DefaultMaxFrameSize = 1024 * 1024
)

// AppendFrame appends the length prefix and payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// MarshalFrame encodes m and wraps it in a frame.
func MarshalFrame(m Message) ([]byte, error) {
	payload, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return AppendFrame(make([]byte, 0, FrameHeaderSize+len(payload)), payload), nil
}

// WriteFrame writes one frame. A short write is reported as io.ErrShortWrite.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := AppendFrame(make([]byte, 0, FrameHeaderSize+len(payload)), payload)
	n, err := w.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadFrame reads exactly one frame payload from r. Streams deliver data in
// arbitrary pieces, so both the header and the payload are read with
// io.ReadFull. A clean EOF before the header yields io.EOF; EOF anywhere
// later yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && uint64(length) > uint64(maxSize) {
		return nil, errors.Wrapf(ErrFrameTooLarge, "frame of %d bytes exceeds limit %d", length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
