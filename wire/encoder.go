package wire

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Encoder appends little-endian fields to an internal buffer. The first
// field that cannot be represented is remembered and reported by Err.
type Encoder struct {
	buf []byte
	err error
}

// NewEncoder creates an encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Err returns the first encoding failure, if any.
func (e *Encoder) Err() error {
	return e.err
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// WriteByte appends a single byte. It never fails; the signature differs from
// io.ByteWriter on purpose.
func (e *Encoder) WriteByte(b byte) {
	e.buf = append(e.buf, b)
}

// WriteBytes appends raw bytes without a length prefix.
func (e *Encoder) WriteBytes(b []byte) {
	e.buf = append(e.buf, b...)
}

// WriteBool appends 0x01 or 0x00.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, 0x01)
	} else {
		e.buf = append(e.buf, 0x00)
	}
}

func (e *Encoder) WriteUint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) WriteUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) WriteUint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// WriteFloat32 appends the raw IEEE-754 bits of v.
func (e *Encoder) WriteFloat32(v float32) {
	e.WriteUint32(math.Float32bits(v))
}

// WriteString appends a u16 length followed by the string bytes. A string
// longer than 65535 bytes is not written and fails the encoder.
func (e *Encoder) WriteString(s string) {
	if len(s) > math.MaxUint16 {
		if e.err == nil {
			e.err = errors.Wrapf(ErrTooLong, "string of %d bytes", len(s))
		}
		return
	}
	e.WriteUint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteLenBytes appends a u32 length followed by b.
func (e *Encoder) WriteLenBytes(b []byte) {
	e.WriteUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}
