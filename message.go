package netsync

import (
	"io"

	"github.com/Zereker/netsync/wire"
)

// Codec reads and writes framed messages on a byte stream.
//
// Decode reads from an io.Reader so the codec controls exactly how many
// bytes make up one message. TCP delivers data in arbitrary pieces; the codec
// must keep reading until a whole frame has arrived.
type Codec interface {
	// Decode reads and decodes exactly one message.
	Decode(r io.Reader) (wire.Message, error)
	// Encode returns the framed bytes for a message.
	Encode(wire.Message) ([]byte, error)
}

// frameCodec is the default Codec: [u32 big-endian length][tag][payload].
type frameCodec struct {
	maxFrameSize int
}

// NewFrameCodec returns the length-prefixed codec used by default.
func NewFrameCodec(maxFrameSize int) Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = wire.DefaultMaxFrameSize
	}
	return &frameCodec{maxFrameSize: maxFrameSize}
}

func (c *frameCodec) Decode(r io.Reader) (wire.Message, error) {
	payload, err := wire.ReadFrame(r, c.maxFrameSize)
	if err != nil {
		return nil, err
	}
	return wire.Decode(payload)
}

func (c *frameCodec) Encode(m wire.Message) ([]byte, error) {
	frame, err := wire.MarshalFrame(m)
	if err != nil {
		return nil, err
	}
	if len(frame)-wire.FrameHeaderSize > c.maxFrameSize {
		return nil, ErrMessageTooLarge
	}
	return frame, nil
}
